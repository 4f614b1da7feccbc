package lifecycle

import (
	"errors"
	"fmt"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/commitment"
)

var (
	// ErrRevealMismatch indicates the revealed amount and salt don't hash to the commitment.
	ErrRevealMismatch = errors.New("revealed amount and salt do not match the commitment")

	// ErrRevealTooEarly indicates a reveal at or before the commit deadline.
	ErrRevealTooEarly = errors.New("reveal window has not opened")

	// ErrRevealWindowClosed indicates a reveal after the refund deadline.
	ErrRevealWindowClosed = errors.New("reveal window has closed")

	// ErrRefundTooEarly indicates a refund at or before the refund deadline.
	ErrRefundTooEarly = errors.New("refund window has not opened")

	// ErrSelectionClosed indicates a selection outside the selection phase.
	ErrSelectionClosed = errors.New("selection phase has not started")

	// ErrInvalidTransition indicates a transition the state machine doesn't allow.
	ErrInvalidTransition = errors.New("invalid bid state transition")
)

// State is the state of a sealed bid.
type State int

const (
	// StateUnspecified indicates an invalid state.
	StateUnspecified State = iota
	// StateCommitted indicates the bid is sealed and its funds are locked.
	StateCommitted
	// StateRevealed indicates the bid amount was disclosed and verified.
	StateRevealed
	// StateSelected indicates the task owner picked this bid. It is terminal.
	StateSelected
	// StateRefunded indicates the locked funds went back to the bidder. It is terminal.
	StateRefunded
	// StateExpired is derived for committed bids past the refund deadline. It is never stored.
	StateExpired
)

// String returns a string-encoded state.
func (s State) String() string {
	switch s {
	case StateUnspecified:
		return "unspecified"
	case StateCommitted:
		return "committed"
	case StateRevealed:
		return "revealed"
	case StateSelected:
		return "selected"
	case StateRefunded:
		return "refunded"
	case StateExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateSelected || s == StateRefunded
}

// RefundReason records why a bid was refunded.
type RefundReason int

const (
	// RefundNone is set while the bid isn't refunded.
	RefundNone RefundReason = iota
	// RefundExpired is a refund of a bid that was never revealed.
	RefundExpired
	// RefundNotSelected is a refund of a revealed bid another bid won against.
	RefundNotSelected
)

// String returns a string-encoded refund reason.
func (r RefundReason) String() string {
	switch r {
	case RefundNone:
		return "none"
	case RefundExpired:
		return "expired"
	case RefundNotSelected:
		return "not_selected"
	default:
		return "invalid"
	}
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	switch from {
	case StateCommitted:
		return to == StateRevealed || to == StateRefunded
	case StateRevealed:
		return to == StateSelected || to == StateRefunded
	default:
		return false
	}
}

// Bid tracks one sealed bid through its lifecycle. Bid is not safe for
// concurrent use; callers observe one task from a single goroutine.
type Bid struct {
	Commitment   auction.BidCommitment
	State        State
	Revealed     *auction.RevealedBid
	RefundReason RefundReason
}

// New returns a committed bid.
func New(c auction.BidCommitment) (*Bid, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Bid{Commitment: c, State: StateCommitted}, nil
}

// StateAt returns the stored state, or StateExpired for a committed bid
// whose reveal window closed at height.
func (b *Bid) StateAt(height uint64) State {
	if b.State == StateCommitted && height > b.Commitment.RefundDeadline {
		return StateExpired
	}
	return b.State
}

// Reveal verifies amount and salt against the commitment at height and moves
// the bid to revealed. The reveal window is (commitDeadline, refundDeadline].
func (b *Bid) Reveal(height, amount uint64, salt auction.Salt) (auction.RevealedBid, error) {
	if err := b.checkRevealWindow(height); err != nil {
		return auction.RevealedBid{}, err
	}
	if err := b.transition(StateRevealed); err != nil {
		return auction.RevealedBid{}, err
	}
	c := b.Commitment
	if !commitment.VerifyReveal(amount, salt, c.BidderAddress, c.CommitHash) {
		b.State = StateCommitted
		return auction.RevealedBid{}, auction.Integrityf(ErrRevealMismatch,
			"bid in box %s cannot be revealed; its locked funds can only be reclaimed by a refund from height %d",
			c.BoxID, c.RefundDeadline+1)
	}

	rb := auction.RevealedBid{
		TaskID:        c.TaskID,
		BoxID:         c.BoxID,
		BidderAddress: c.BidderAddress,
		BidAmount:     amount,
		RevealedAt:    height,
	}
	b.Revealed = &rb
	return rb, nil
}

// ApplyReveal records a reveal observed on the ledger. The ledger already
// checked the preimage, so only box identity and the reveal window are verified.
func (b *Bid) ApplyReveal(rb auction.RevealedBid) error {
	c := b.Commitment
	if rb.BoxID != c.BoxID || rb.TaskID != c.TaskID {
		return auction.Validationf(ErrInvalidTransition, "reveal of box %s doesn't match commitment box %s", rb.BoxID, c.BoxID)
	}
	if rb.BidderAddress != c.BidderAddress {
		return auction.Integrityf(ErrRevealMismatch, "reveal of box %s has bidder %s, commitment has %s",
			rb.BoxID, rb.BidderAddress, c.BidderAddress)
	}
	if err := b.checkRevealWindow(rb.RevealedAt); err != nil {
		return err
	}
	if err := b.transition(StateRevealed); err != nil {
		return err
	}
	b.Revealed = &rb
	return nil
}

// Refund returns the locked funds of a bid that was never revealed. It is the
// only way out of the committed state once the reveal window closed, and it is
// valid only after the refund deadline.
func (b *Bid) Refund(height uint64) error {
	if b.State == StateCommitted && height <= b.Commitment.RefundDeadline {
		return auction.PhaseViolationf(b.Commitment.RefundWindow(), ErrRefundTooEarly,
			"refunding box %s at height %d", b.Commitment.BoxID, height)
	}
	if b.State != StateCommitted {
		return auction.Validationf(ErrInvalidTransition, "refunding box %s in state %s", b.Commitment.BoxID, b.State)
	}
	b.State = StateRefunded
	b.RefundReason = RefundExpired
	return nil
}

// Select marks a revealed bid as the winner. selectionOpen is the
// coordinator's ruling on whether the selection phase has started.
func (b *Bid) Select(height uint64, selectionOpen bool) error {
	if !selectionOpen {
		return auction.PhaseViolationf(b.Commitment.RefundWindow(), ErrSelectionClosed,
			"selecting box %s at height %d", b.Commitment.BoxID, height)
	}
	return b.transition(StateSelected)
}

// MarkNotSelected refunds a revealed bid after another bid won the task.
// selected reports whether the task has a recorded winner, and winner is
// that box.
func (b *Bid) MarkNotSelected(winner auction.BoxID, selected bool) error {
	if b.State != StateRevealed {
		return auction.Validationf(ErrInvalidTransition, "releasing box %s in state %s", b.Commitment.BoxID, b.State)
	}
	if !selected {
		return auction.OrderViolationf(ErrSelectionClosed,
			"releasing box %s before a winner of task %s was selected", b.Commitment.BoxID, b.Commitment.TaskID)
	}
	if winner == b.Commitment.BoxID {
		return auction.Validationf(ErrInvalidTransition, "releasing box %s, the winner of task %s", winner, b.Commitment.TaskID)
	}
	b.State = StateRefunded
	b.RefundReason = RefundNotSelected
	return nil
}

func (b *Bid) checkRevealWindow(height uint64) error {
	c := b.Commitment
	switch {
	case height <= c.CommitDeadline:
		return auction.PhaseViolationf(c.RevealWindow(), ErrRevealTooEarly,
			"revealing box %s at height %d", c.BoxID, height)
	case height > c.RefundDeadline:
		return auction.PhaseViolationf(c.RefundWindow(), ErrRevealWindowClosed,
			"revealing box %s at height %d; only a refund remains", c.BoxID, height)
	}
	return nil
}

func (b *Bid) transition(to State) error {
	if !CanTransition(b.State, to) {
		return auction.Validationf(ErrInvalidTransition, "box %s: %s -> %s", b.Commitment.BoxID, b.State, to)
	}
	b.State = to
	return nil
}

// String implements fmt.Stringer.
func (b *Bid) String() string {
	return fmt.Sprintf("{box:%s state:%s}", b.Commitment.BoxID, b.State)
}
