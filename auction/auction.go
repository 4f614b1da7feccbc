package auction

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// DigestSize is the byte length of a bid commitment digest.
	DigestSize = 32
	// SaltSize is the byte length of a bid salt.
	SaltSize = 32

	invalidStatus = "invalid"
)

// TaskID is the identifier of the auction a bid belongs to.
type TaskID string

// BoxID is the identifier of the on-chain box holding locked bid funds.
// It is assigned by the ledger when the commit transaction is accepted.
type BoxID string

// Digest is a fixed-size commitment binding amount, salt and bidder address.
type Digest [DigestSize]byte

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decoding digest: %v", err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Salt is the random secret mixed into a commitment.
type Salt [SaltSize]byte

// ParseSalt decodes a hex-encoded salt.
func ParseSalt(s string) (Salt, error) {
	var salt Salt
	b, err := hex.DecodeString(s)
	if err != nil {
		return salt, fmt.Errorf("decoding salt: %v", err)
	}
	if len(b) != SaltSize {
		return salt, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(b))
	}
	copy(salt[:], b)
	return salt, nil
}

// Hex returns the hex encoding of the salt. There is deliberately no String
// method so a salt is never printed by accident.
func (s Salt) Hex() string {
	return hex.EncodeToString(s[:])
}

// Task is the auction metadata the coordinator needs from the task store.
type Task struct {
	ID             TaskID
	Owner          string
	CommitDeadline uint64
	RefundDeadline uint64
}

// Validate checks the task deadlines are ordered.
func (t Task) Validate() error {
	if t.ID == "" {
		return NewValidationError("task id is empty")
	}
	if t.Owner == "" {
		return NewValidationError("task owner is empty")
	}
	if t.CommitDeadline >= t.RefundDeadline {
		return NewValidationError(fmt.Sprintf(
			"commit deadline %d must be lower than refund deadline %d", t.CommitDeadline, t.RefundDeadline))
	}
	return nil
}

// BidCommitment is a sealed bid that has not been revealed yet.
type BidCommitment struct {
	TaskID         TaskID
	BoxID          BoxID
	CommitHash     Digest
	BidderAddress  string
	CommitDeadline uint64
	RefundDeadline uint64
}

// Validate checks the commitment is well formed.
func (c BidCommitment) Validate() error {
	switch {
	case c.TaskID == "":
		return NewValidationError("commitment task id is empty")
	case c.BoxID == "":
		return NewValidationError("commitment box id is empty")
	case c.CommitHash.IsZero():
		return NewValidationError("commitment hash is empty")
	case c.BidderAddress == "":
		return NewValidationError("commitment bidder address is empty")
	case c.CommitDeadline >= c.RefundDeadline:
		return NewValidationError(fmt.Sprintf(
			"commit deadline %d must be lower than refund deadline %d", c.CommitDeadline, c.RefundDeadline))
	}
	return nil
}

// RevealWindow returns the heights in which the commitment can be revealed.
func (c BidCommitment) RevealWindow() Window {
	return Window{From: c.CommitDeadline + 1, To: c.RefundDeadline}
}

// RefundWindow returns the first height at which an unrevealed commitment can be refunded.
func (c BidCommitment) RefundWindow() Window {
	return Window{From: c.RefundDeadline + 1}
}

// RevealedBid is a bid whose amount and salt were disclosed and verified.
type RevealedBid struct {
	TaskID        TaskID
	BoxID         BoxID
	BidderAddress string
	BidAmount     uint64
	RevealedAt    uint64
}

// Window is a range of ledger heights, both ends inclusive. A zero To means unbounded.
type Window struct {
	From uint64
	To   uint64
}

// Contains reports whether height falls in the window.
func (w Window) Contains(height uint64) bool {
	if height < w.From {
		return false
	}
	return w.To == 0 || height <= w.To
}

// String returns a human readable range.
func (w Window) String() string {
	if w.To == 0 {
		return fmt.Sprintf("[%d, ...)", w.From)
	}
	return fmt.Sprintf("[%d, %d]", w.From, w.To)
}

// ErrTaskNotFound indicates the requested task is unknown to the task store.
var ErrTaskNotFound = errors.New("task not found")
