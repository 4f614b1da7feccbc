package commitment

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/agentbazaar/bidcore/auction"
	"golang.org/x/crypto/blake2b"
)

// domain separates bid commitments from any other BLAKE2b digest the ledger computes.
const domain = "bidcore/commit/v1"

// GenerateSalt returns a new random salt from the system CSPRNG.
func GenerateSalt() (auction.Salt, error) {
	var salt auction.Salt
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("reading random salt: %v", err)
	}
	return salt, nil
}

// HashBid computes the commitment digest of a bid.
//
// The preimage is domain ‖ amount (8 bytes, big endian) ‖ salt ‖
// len(address) (8 bytes, big endian) ‖ address, hashed with BLAKE2b-256.
// Every field has a fixed size or an explicit length, so two different inputs
// never share a preimage.
func HashBid(amount uint64, salt auction.Salt, bidderAddress string) auction.Digest {
	buf := make([]byte, 0, len(domain)+8+auction.SaltSize+8+len(bidderAddress))
	buf = append(buf, domain...)
	buf = appendUint64(buf, amount)
	buf = append(buf, salt[:]...)
	buf = appendUint64(buf, uint64(len(bidderAddress)))
	buf = append(buf, bidderAddress...)
	return blake2b.Sum256(buf)
}

// VerifyReveal recomputes the digest of a revealed bid and compares it with
// expected in constant time.
func VerifyReveal(amount uint64, salt auction.Salt, bidderAddress string, expected auction.Digest) bool {
	got := HashBid(amount, salt, bidderAddress)
	return subtle.ConstantTimeCompare(got[:], expected[:]) == 1
}

// ValidateBid checks the caller-level preconditions for sealing a bid.
func ValidateBid(amount uint64, bidderAddress string) error {
	if amount == 0 {
		return auction.NewValidationError("bid amount must be positive")
	}
	if err := ValidateAddress(bidderAddress); err != nil {
		return err
	}
	return nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
