package bidder

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/commitment"
	"github.com/agentbazaar/bidcore/coordinator"
	"github.com/agentbazaar/bidcore/lifecycle"
	"github.com/agentbazaar/bidcore/metrics"
	"github.com/agentbazaar/bidcore/sempool"
	"github.com/agentbazaar/bidcore/vault"
	"github.com/dustin/go-humanize"
	golog "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

var log = golog.Logger("bidcore/bidder")

var (
	// ErrSecretMissing indicates the vault has no secret for a committed box.
	ErrSecretMissing = errors.New("bid secret is missing")

	// ErrAlreadyBid indicates the bidder already has an active bid on the task.
	ErrAlreadyBid = errors.New("bidder already has an active bid on this task")

	// ErrNotOwnBid indicates the commitment was made by another bidder.
	ErrNotOwnBid = errors.New("commitment belongs to another bidder")
)

// Config configures a Bidder.
type Config struct {
	// Address is the ledger address the bidder commits from.
	Address string
	// AllowMultipleBids lets the bidder hold more than one active bid per task.
	AllowMultipleBids bool
	// Retry bounds transaction submission retries.
	Retry chainapi.RetryConfig
}

// PlacedBid is a submitted commit transaction.
type PlacedBid struct {
	TaskID     auction.TaskID
	TxID       chainapi.TxID
	CommitHash auction.Digest
	PendingID  string
	Amount     uint64
}

// Bidder seals, reveals and refunds the bids of one ledger address.
type Bidder struct {
	conf   Config
	vault  *vault.Vault
	signer chainapi.Signer
	oracle chainapi.HeightOracle
	ledger chainapi.LedgerQuery
	// selections tells revealed losers from bids still in the running.
	selections coordinator.SelectionStore
	// tasks serializes whole-task operations.
	tasks *sempool.Pool

	metricPlaced   metric.Int64Counter
	metricRevealed metric.Int64Counter
	metricRefunded metric.Int64Counter
}

// New returns a new Bidder. The vault must be namespaced to conf.Address.
func New(
	conf Config,
	v *vault.Vault,
	signer chainapi.Signer,
	oracle chainapi.HeightOracle,
	ledger chainapi.LedgerQuery,
	selections coordinator.SelectionStore,
) (*Bidder, error) {
	if err := commitment.ValidateAddress(conf.Address); err != nil {
		return nil, fmt.Errorf("bidder address: %w", err)
	}
	if v == nil || signer == nil || oracle == nil || ledger == nil || selections == nil {
		return nil, errors.New("vault, signer, height oracle, ledger query and selection store are required")
	}
	if v.Bidder() != conf.Address {
		return nil, fmt.Errorf("vault belongs to %s, not %s", v.Bidder(), conf.Address)
	}
	if conf.Retry.MaxAttempts == 0 {
		conf.Retry = chainapi.DefaultRetryConfig
	}
	return &Bidder{
		conf:           conf,
		vault:          v,
		signer:         signer,
		oracle:         oracle,
		ledger:         ledger,
		selections:     selections,
		tasks:          sempool.NewPool(1),
		metricPlaced:   metrics.Meter.NewInt64Counter(metrics.Prefix + ".bids_placed_total"),
		metricRevealed: metrics.Meter.NewInt64Counter(metrics.Prefix + ".bids_revealed_total"),
		metricRefunded: metrics.Meter.NewInt64Counter(metrics.Prefix + ".bids_refunded_total"),
	}, nil
}

// Address returns the bidder ledger address.
func (b *Bidder) Address() string {
	return b.conf.Address
}

// PlaceBid seals amount and submits the commitment for task. The secret is
// staged in the vault before submission; Sync confirms it once the ledger
// shows the box.
func (b *Bidder) PlaceBid(ctx context.Context, task auction.Task, amount uint64) (pb *PlacedBid, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, b.metricPlaced) }()

	if err := commitment.ValidateBid(amount, b.conf.Address); err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	height, err := chainapi.Height(ctx, b.oracle)
	if err != nil {
		return nil, err
	}
	if height > task.CommitDeadline {
		return nil, auction.PhaseViolationf(auction.NextWindow(height, task.CommitDeadline, task.RefundDeadline), nil,
			"commit deadline %d of task %s has passed at height %d", task.CommitDeadline, task.ID, height)
	}
	release, err := b.tasks.Acquire(ctx, string(task.ID))
	if err != nil {
		return nil, err
	}
	defer release()
	if !b.conf.AllowMultipleBids {
		if err := b.checkNoActiveBid(ctx, task.ID); err != nil {
			return nil, err
		}
	}

	salt, err := commitment.GenerateSalt()
	if err != nil {
		return nil, err
	}
	digest := commitment.HashBid(amount, salt, b.conf.Address)
	pendingID, err := b.vault.StagePending(ctx, task.ID, digest, salt, amount)
	if err != nil {
		return nil, fmt.Errorf("staging secret: %w", err)
	}

	txID, err := chainapi.SubmitWithRetry(ctx, b.signer, chainapi.UnsignedTx{
		Kind:           chainapi.TxCommit,
		TaskID:         task.ID,
		Bidder:         b.conf.Address,
		Amount:         amount,
		CommitHash:     digest,
		CommitDeadline: task.CommitDeadline,
		RefundDeadline: task.RefundDeadline,
	}, b.conf.Retry)
	if err != nil {
		if auction.IsRetryable(err) {
			// The transaction may still land; Sync confirms the secret if it does.
			log.Warnf("commit of task %s failed, keeping staged secret %s: %s", task.ID, pendingID, err)
		} else if derr := b.vault.DiscardPending(ctx, task.ID, pendingID); derr != nil {
			log.Errorf("discarding staged secret %s: %s", pendingID, derr)
		}
		return nil, err
	}

	log.Infof("placed bid of %s on task %s in tx %s", humanize.Comma(int64(amount)), task.ID, txID)
	return &PlacedBid{
		TaskID:     task.ID,
		TxID:       txID,
		CommitHash: digest,
		PendingID:  pendingID,
		Amount:     amount,
	}, nil
}

func (b *Bidder) checkNoActiveBid(ctx context.Context, taskID auction.TaskID) error {
	recs, err := b.vault.GetSaltsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("getting secrets: %w", err)
	}
	pending, err := b.vault.ListPending(ctx, taskID)
	if err != nil {
		return fmt.Errorf("listing staged secrets: %w", err)
	}
	if len(recs)+len(pending) > 0 {
		return auction.Validationf(ErrAlreadyBid, "bidding on task %s", taskID)
	}
	return nil
}

// Sync confirms staged secrets whose commitment appears on the ledger and
// returns how many were confirmed.
func (b *Bidder) Sync(ctx context.Context, taskID auction.TaskID) (int, error) {
	pending, err := b.vault.ListPending(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("listing staged secrets: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	cs, err := b.ledger.GetCommitments(ctx, taskID)
	if err != nil {
		return 0, auction.Externalf(err, "getting commitments of task %s", taskID)
	}

	var confirmed int
	for _, p := range pending {
		for _, bc := range cs {
			if bc.CommitHash != p.CommitHash || bc.BidderAddress != b.conf.Address {
				continue
			}
			if err := b.vault.ConfirmPending(ctx, taskID, p.ID, bc.BoxID); err != nil {
				return confirmed, fmt.Errorf("confirming secret %s: %w", p.ID, err)
			}
			log.Debugf("secret %s of task %s is box %s", p.ID, taskID, bc.BoxID)
			confirmed++
			break
		}
	}
	return confirmed, nil
}

// Reveal discloses the amount and salt of a committed box. A missing secret
// or a secret that doesn't match the commitment is an integrity failure: the
// bid can't be revealed and only a refund after the deadline recovers the funds.
func (b *Bidder) Reveal(ctx context.Context, c auction.BidCommitment) (txID chainapi.TxID, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, b.metricRevealed) }()

	if err := b.checkOwner(c); err != nil {
		return "", err
	}
	bid, err := lifecycle.New(c)
	if err != nil {
		return "", err
	}
	rec, err := b.vault.GetSaltForBox(ctx, c.BoxID)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return "", auction.Integrityf(ErrSecretMissing,
			"bid in box %s cannot be revealed; its locked funds can only be reclaimed by a refund from height %d",
			c.BoxID, c.RefundDeadline+1)
	}
	if err != nil {
		return "", fmt.Errorf("getting secret of box %s: %w", c.BoxID, err)
	}
	height, err := chainapi.Height(ctx, b.oracle)
	if err != nil {
		return "", err
	}
	if _, err := bid.Reveal(height, rec.BidAmount, rec.Salt); err != nil {
		return "", err
	}

	txID, err = chainapi.SubmitWithRetry(ctx, b.signer, chainapi.UnsignedTx{
		Kind:   chainapi.TxReveal,
		TaskID: c.TaskID,
		BoxID:  c.BoxID,
		Bidder: c.BidderAddress,
		Amount: rec.BidAmount,
		Salt:   rec.Salt,
	}, b.conf.Retry)
	if err != nil {
		return "", err
	}
	log.Infof("revealed box %s of task %s (%s) in tx %s", c.BoxID, c.TaskID, humanize.Comma(int64(rec.BidAmount)), txID)
	return txID, nil
}

// Refund reclaims the funds locked in a box. Unrevealed boxes are refundable
// after the refund deadline; revealed boxes once a confirmed selection names
// another box as the winner.
// The secret is purged after the refund is submitted.
func (b *Bidder) Refund(ctx context.Context, c auction.BidCommitment) (txID chainapi.TxID, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, b.metricRefunded) }()

	if err := b.checkOwner(c); err != nil {
		return "", err
	}
	bid, err := lifecycle.New(c)
	if err != nil {
		return "", err
	}
	rbs, err := b.ledger.GetRevealedBids(ctx, c.TaskID)
	if err != nil {
		return "", auction.Externalf(err, "getting revealed bids of task %s", c.TaskID)
	}
	for _, rb := range rbs {
		if rb.BoxID == c.BoxID {
			if err := bid.ApplyReveal(rb); err != nil {
				return "", err
			}
			break
		}
	}
	if bid.State == lifecycle.StateRevealed {
		winner, selected, serr := b.winner(ctx, c.TaskID)
		if serr != nil {
			return "", serr
		}
		err = bid.MarkNotSelected(winner, selected)
	} else {
		height, herr := chainapi.Height(ctx, b.oracle)
		if herr != nil {
			return "", herr
		}
		err = bid.Refund(height)
	}
	if err != nil {
		return "", err
	}

	txID, err = chainapi.SubmitWithRetry(ctx, b.signer, chainapi.UnsignedTx{
		Kind:   chainapi.TxRefund,
		TaskID: c.TaskID,
		BoxID:  c.BoxID,
		Bidder: c.BidderAddress,
	}, b.conf.Retry)
	if err != nil {
		return "", err
	}
	if err := b.vault.Purge(ctx, c.BoxID); err != nil && !errors.Is(err, vault.ErrSecretNotFound) {
		log.Errorf("purging secret of refunded box %s: %s", c.BoxID, err)
	}
	log.Infof("refunded box %s of task %s (%s) in tx %s", c.BoxID, c.TaskID, bid.RefundReason, txID)
	return txID, nil
}

// PendingReveals returns the commitments of this bidder in taskID that
// haven't been revealed yet.
func (b *Bidder) PendingReveals(ctx context.Context, taskID auction.TaskID) ([]auction.BidCommitment, error) {
	cs, err := b.ledger.GetCommitments(ctx, taskID)
	if err != nil {
		return nil, auction.Externalf(err, "getting commitments of task %s", taskID)
	}
	rbs, err := b.ledger.GetRevealedBids(ctx, taskID)
	if err != nil {
		return nil, auction.Externalf(err, "getting revealed bids of task %s", taskID)
	}
	revealed := make(map[auction.BoxID]struct{}, len(rbs))
	for _, rb := range rbs {
		revealed[rb.BoxID] = struct{}{}
	}
	var pending []auction.BidCommitment
	for _, bc := range cs {
		if bc.BidderAddress != b.conf.Address {
			continue
		}
		if _, ok := revealed[bc.BoxID]; !ok {
			pending = append(pending, bc)
		}
	}
	return pending, nil
}

// RevealAll syncs staged secrets and reveals every pending box of the task.
// It keeps going past failed boxes and returns their errors combined.
func (b *Bidder) RevealAll(ctx context.Context, taskID auction.TaskID) (int, error) {
	release, err := b.tasks.Acquire(ctx, string(taskID))
	if err != nil {
		return 0, err
	}
	defer release()
	if _, err := b.Sync(ctx, taskID); err != nil {
		return 0, err
	}
	pending, err := b.PendingReveals(ctx, taskID)
	if err != nil {
		return 0, err
	}
	var (
		revealed int
		errs     error
	)
	for _, c := range pending {
		if _, err := b.Reveal(ctx, c); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("revealing box %s: %w", c.BoxID, err))
			continue
		}
		revealed++
	}
	return revealed, errs
}

// RefundAll refunds the boxes of this bidder among boxIDs and returns the
// refunded ones. It keeps going past failed boxes.
func (b *Bidder) RefundAll(ctx context.Context, taskID auction.TaskID, boxIDs []auction.BoxID) ([]auction.BoxID, error) {
	if len(boxIDs) == 0 {
		return nil, nil
	}
	release, err := b.tasks.Acquire(ctx, string(taskID))
	if err != nil {
		return nil, err
	}
	defer release()
	cs, err := b.ledger.GetCommitments(ctx, taskID)
	if err != nil {
		return nil, auction.Externalf(err, "getting commitments of task %s", taskID)
	}
	want := make(map[auction.BoxID]bool, len(boxIDs))
	for _, id := range boxIDs {
		want[id] = true
	}
	var (
		refunded []auction.BoxID
		errs     error
	)
	for _, c := range cs {
		if !want[c.BoxID] || c.BidderAddress != b.conf.Address {
			continue
		}
		if _, err := b.Refund(ctx, c); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refunding box %s: %w", c.BoxID, err))
			continue
		}
		refunded = append(refunded, c.BoxID)
	}
	return refunded, errs
}

func (b *Bidder) winner(ctx context.Context, taskID auction.TaskID) (auction.BoxID, bool, error) {
	sel, err := b.selections.GetSelection(ctx, taskID)
	if errors.Is(err, coordinator.ErrSelectionNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, auction.Externalf(err, "getting selection of task %s", taskID)
	}
	if !sel.Confirmed() {
		return "", false, nil
	}
	return sel.Winner.BoxID, true, nil
}

func (b *Bidder) checkOwner(c auction.BidCommitment) error {
	if c.BidderAddress != b.conf.Address {
		return auction.Validationf(ErrNotOwnBid, "box %s was committed by %s", c.BoxID, c.BidderAddress)
	}
	return nil
}
