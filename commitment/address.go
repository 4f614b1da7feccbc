package commitment

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Address prefixes are network + type, in the first byte of a decoded address.
const (
	NetworkMainnet byte = 0x00
	NetworkTestnet byte = 0x10

	TypeP2PK byte = 0x01
	TypeP2SH byte = 0x02
	TypeP2S  byte = 0x03

	checksumLength = 4
	p2pkLength     = 33
	p2shLength     = 24
	maxAddressLen  = 4096
)

var (
	// ErrInvalidAddress indicates a malformed bidder address.
	ErrInvalidAddress = errors.New("invalid address")
)

// ValidateAddress checks a base58 ledger address: known network and type
// prefix, payload length for fixed-size types, and a BLAKE2b-256 checksum.
func ValidateAddress(addr string) error {
	if addr == "" {
		return auction.Validationf(ErrInvalidAddress, "address is empty")
	}
	if len(addr) > maxAddressLen {
		return auction.Validationf(ErrInvalidAddress, "address is too long")
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return auction.Validationf(ErrInvalidAddress, "decoding base58 address: %v", err)
	}
	if len(raw) < 1+1+checksumLength {
		return auction.Validationf(ErrInvalidAddress, "address is too short")
	}

	prefix := raw[0]
	network, typ := prefix&0xf0, prefix&0x0f
	if network != NetworkMainnet && network != NetworkTestnet {
		return auction.Validationf(ErrInvalidAddress, "unknown network prefix 0x%02x", network)
	}
	body := raw[:len(raw)-checksumLength]
	content := body[1:]
	switch typ {
	case TypeP2PK:
		if len(content) != p2pkLength {
			return auction.Validationf(ErrInvalidAddress, "p2pk content must be %d bytes", p2pkLength)
		}
	case TypeP2SH:
		if len(content) != p2shLength {
			return auction.Validationf(ErrInvalidAddress, "p2sh content must be %d bytes", p2shLength)
		}
	case TypeP2S:
	default:
		return auction.Validationf(ErrInvalidAddress, "unknown address type 0x%02x", typ)
	}

	sum := blake2b.Sum256(body)
	if !bytes.Equal(sum[:checksumLength], raw[len(raw)-checksumLength:]) {
		return auction.Validationf(ErrInvalidAddress, "address checksum mismatch")
	}
	return nil
}

// EncodeAddress builds a base58 address from a network, type and content.
func EncodeAddress(network, typ byte, content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("address content is empty")
	}
	body := make([]byte, 0, 1+len(content)+checksumLength)
	body = append(body, network|typ)
	body = append(body, content...)
	sum := blake2b.Sum256(body)
	addr := base58.Encode(append(body, sum[:checksumLength]...))
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return addr, nil
}
