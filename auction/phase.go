package auction

// Phase is the auction phase derived from ledger height.
type Phase int

const (
	// PhaseUnspecified indicates an invalid phase.
	PhaseUnspecified Phase = iota
	// PhaseCommit accepts sealed bids.
	PhaseCommit
	// PhaseReveal accepts reveals of sealed bids.
	PhaseReveal
	// PhaseSelection lets the task owner pick one revealed bid.
	PhaseSelection
	// PhaseExpired indicates the reveal window closed without any reveal.
	PhaseExpired
)

// String returns a string-encoded phase.
func (p Phase) String() string {
	switch p {
	case PhaseUnspecified:
		return "unspecified"
	case PhaseCommit:
		return "commit"
	case PhaseReveal:
		return "reveal"
	case PhaseSelection:
		return "selection"
	case PhaseExpired:
		return "expired"
	default:
		return invalidStatus
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ClassifyPhase derives the auction phase from the current height, the task
// deadlines and the number of revealed bids. It has no side effects, so it can
// be recomputed on every poll.
//
// Heights up to and including commitDeadline are the commit phase. The reveal
// window is (commitDeadline, refundDeadline]. Past refundDeadline the auction is
// in selection if anything was revealed and expired otherwise.
func ClassifyPhase(height, commitDeadline, refundDeadline uint64, revealed int) Phase {
	if commitDeadline >= refundDeadline {
		return PhaseUnspecified
	}
	switch {
	case height <= commitDeadline:
		return PhaseCommit
	case height <= refundDeadline:
		return PhaseReveal
	case revealed > 0:
		return PhaseSelection
	default:
		return PhaseExpired
	}
}

// NextWindow returns the heights of the phase that follows the one height is in.
func NextWindow(height, commitDeadline, refundDeadline uint64) Window {
	switch {
	case height <= commitDeadline:
		return Window{From: commitDeadline + 1, To: refundDeadline}
	default:
		return Window{From: refundDeadline + 1}
	}
}
