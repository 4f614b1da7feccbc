package chainapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentbazaar/bidcore/auction"
)

// TxID is the identifier the ledger assigns to a submitted transaction.
type TxID string

// TxKind is the protocol action a transaction performs.
type TxKind int

const (
	// TxUnspecified is an invalid transaction kind.
	TxUnspecified TxKind = iota
	// TxCommit locks bid funds in a box guarded by the commitment digest.
	TxCommit
	// TxReveal discloses amount and salt for a committed box.
	TxReveal
	// TxRefund returns locked funds to the bidder.
	TxRefund
	// TxSelect records the winning box of a task.
	TxSelect
	// TxRelease pays one milestone out of an escrow.
	TxRelease
)

// String returns a string-encoded kind.
func (k TxKind) String() string {
	switch k {
	case TxUnspecified:
		return "unspecified"
	case TxCommit:
		return "commit"
	case TxReveal:
		return "reveal"
	case TxRefund:
		return "refund"
	case TxSelect:
		return "select"
	case TxRelease:
		return "release"
	default:
		return "invalid"
	}
}

// UnsignedTx describes a protocol transaction before the wallet signs it.
// Fields not used by Kind are left zero.
type UnsignedTx struct {
	Kind           TxKind
	TaskID         auction.TaskID
	BoxID          auction.BoxID
	Bidder         string
	Amount         uint64
	CommitHash     auction.Digest
	Salt           auction.Salt
	CommitDeadline uint64
	RefundDeadline uint64
	// Payload carries kind specific data, e.g. the escrow id and milestone index of a release.
	Payload map[string]string
}

// Validate checks the fields required by the transaction kind are set.
func (tx UnsignedTx) Validate() error {
	if tx.TaskID == "" {
		return auction.NewValidationError("transaction task id is empty")
	}
	switch tx.Kind {
	case TxCommit:
		if tx.Bidder == "" || tx.Amount == 0 || tx.CommitHash.IsZero() {
			return auction.NewValidationError("commit transaction needs bidder, amount and commit hash")
		}
		if tx.CommitDeadline >= tx.RefundDeadline {
			return auction.NewValidationError("commit transaction deadlines are not ordered")
		}
	case TxReveal:
		if tx.BoxID == "" || tx.Amount == 0 {
			return auction.NewValidationError("reveal transaction needs box id and amount")
		}
	case TxRefund, TxSelect:
		if tx.BoxID == "" {
			return auction.NewValidationError(tx.Kind.String() + " transaction needs box id")
		}
	case TxRelease:
		if tx.Amount == 0 || tx.Payload["escrow_id"] == "" || tx.Payload["claim_id"] == "" {
			return auction.NewValidationError("release transaction needs amount, escrow id and claim id")
		}
	default:
		return auction.NewValidationError(fmt.Sprintf("unknown transaction kind %d", tx.Kind))
	}
	return nil
}

// SignedTx is an opaque signed transaction ready for submission.
type SignedTx struct {
	Kind TxKind
	Raw  []byte
}

// Signer is the wallet capability. Sign and Submit fail fast on rejection.
type Signer interface {
	Sign(ctx context.Context, tx UnsignedTx) (SignedTx, error)
	Submit(ctx context.Context, tx SignedTx) (TxID, error)
}

// HeightOracle provides the current ledger height, the authoritative clock
// for every deadline.
type HeightOracle interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// LedgerQuery reads the protocol boxes of a task from the ledger.
type LedgerQuery interface {
	GetCommitments(ctx context.Context, taskID auction.TaskID) ([]auction.BidCommitment, error)
	GetRevealedBids(ctx context.Context, taskID auction.TaskID) ([]auction.RevealedBid, error)
}

// TaskStore provides task metadata.
type TaskStore interface {
	GetTask(ctx context.Context, taskID auction.TaskID) (auction.Task, error)
}

// ErrRejected indicates the signer or the ledger refused a transaction.
// Resubmitting the same transaction gets the same answer.
var ErrRejected = errors.New("transaction rejected")

// SignAndSubmit signs tx and broadcasts it. Once broadcast a transaction can't
// be withdrawn. Signer and ledger errors are classified as external failures
// unless they already carry a kind; rejections are permanent ones.
func SignAndSubmit(ctx context.Context, s Signer, tx UnsignedTx) (TxID, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	signed, err := s.Sign(ctx, tx)
	if err != nil {
		return "", classify(err, "signing %s transaction", tx.Kind)
	}
	id, err := s.Submit(ctx, signed)
	if err != nil {
		return "", classify(err, "submitting %s transaction", tx.Kind)
	}
	if id == "" {
		return "", auction.Externalf(ErrRejected, "submitting %s transaction: empty transaction id", tx.Kind)
	}
	return id, nil
}

func classify(err error, format string, args ...interface{}) error {
	switch {
	case auction.KindOf(err) != auction.KindUnspecified:
		return fmt.Errorf(format+": %w", append(args, err)...)
	case errors.Is(err, ErrRejected):
		return auction.PermanentExternalf(err, format, args...)
	default:
		return auction.Externalf(err, format, args...)
	}
}
