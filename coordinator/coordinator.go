package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/lifecycle"
	"github.com/agentbazaar/bidcore/metrics"
	golog "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("bidcore/coordinator")

var (
	// ErrNotOwner indicates the caller of an owner-only operation doesn't own the task.
	ErrNotOwner = errors.New("caller is not the task owner")

	// ErrWinnerAlreadySelected indicates the task already has a winner.
	ErrWinnerAlreadySelected = errors.New("winner already selected")

	// ErrNoRevealedBids indicates nothing was revealed for the task.
	ErrNoRevealedBids = errors.New("task has no revealed bids")

	// ErrBidNotRevealed indicates the selected box is not among the valid reveals.
	ErrBidNotRevealed = errors.New("box is not a valid revealed bid")

	// ErrSelectionNotFound indicates the task has no recorded selection.
	ErrSelectionNotFound = errors.New("selection not found")
)

// Config configures the coordinator.
type Config struct {
	// EarlySelection opens the selection phase before the refund deadline
	// once every commitment of the task has been revealed.
	EarlySelection bool
	// Ranking orders revealed bids. Defaults to DefaultRanking.
	Ranking Cmp
	// Selections persists selected winners. Defaults to an in-memory store.
	Selections SelectionStore
}

// Selection is the winner chosen by a task owner. It is staged with an empty
// TxID before the select transaction is submitted.
type Selection struct {
	TaskID     auction.TaskID
	Winner     auction.RevealedBid
	TxID       chainapi.TxID
	SelectedAt uint64
	// Refundable lists the losing revealed boxes.
	Refundable []auction.BoxID
}

// Confirmed reports whether the select transaction was accepted.
func (s Selection) Confirmed() bool {
	return s.TxID != ""
}

// SelectionStore persists selections.
type SelectionStore interface {
	// SaveSelection stages s. It returns ErrWinnerAlreadySelected if the task
	// already has a staged or confirmed selection.
	SaveSelection(ctx context.Context, s Selection) error
	// ConfirmSelection records the select transaction of a staged selection.
	ConfirmSelection(ctx context.Context, taskID auction.TaskID, txID chainapi.TxID) error
	// DeleteSelection drops a staged selection. Confirmed selections are kept.
	DeleteSelection(ctx context.Context, taskID auction.TaskID) error
	// GetSelection returns ErrSelectionNotFound if the task has no selection.
	GetSelection(ctx context.Context, taskID auction.TaskID) (*Selection, error)
}

// Snapshot is the state of a task auction at a ledger height.
type Snapshot struct {
	Task        auction.Task
	Height      uint64
	Phase       auction.Phase
	Commitments []auction.BidCommitment
	// Ranked holds the valid reveals, best bid first.
	Ranked []auction.RevealedBid
}

// Outcome summarizes who won a task and which boxes can be refunded.
type Outcome struct {
	TaskID     auction.TaskID
	Phase      auction.Phase
	Height     uint64
	Winner     *auction.RevealedBid
	TxID       chainapi.TxID
	Ranked     []auction.RevealedBid
	Refundable []auction.BoxID
}

// Coordinator lists sealed and revealed bids of tasks and lets task owners
// select winners. Phases are derived from the ledger on every call; only
// selections are recorded locally.
type Coordinator struct {
	conf   Config
	tasks  chainapi.TaskStore
	ledger chainapi.LedgerQuery
	oracle chainapi.HeightOracle
	signer chainapi.Signer

	lock sync.Mutex

	metricSelect metric.Int64Counter
}

// New returns a new Coordinator.
func New(
	conf Config,
	tasks chainapi.TaskStore,
	ledger chainapi.LedgerQuery,
	oracle chainapi.HeightOracle,
	signer chainapi.Signer,
) (*Coordinator, error) {
	if tasks == nil || ledger == nil || oracle == nil {
		return nil, errors.New("task store, ledger query and height oracle are required")
	}
	if conf.Ranking == nil {
		conf.Ranking = DefaultRanking()
	}
	if conf.Selections == nil {
		conf.Selections = NewMemorySelections()
	}
	return &Coordinator{
		conf:         conf,
		tasks:        tasks,
		ledger:       ledger,
		oracle:       oracle,
		signer:       signer,
		metricSelect: metrics.Meter.NewInt64Counter(metrics.Prefix + ".selections_total"),
	}, nil
}

// ListCommitments returns every sealed bid of the task, regardless of phase.
func (c *Coordinator) ListCommitments(ctx context.Context, taskID auction.TaskID) ([]auction.BidCommitment, error) {
	cs, err := c.ledger.GetCommitments(ctx, taskID)
	if err != nil {
		return nil, auction.Externalf(err, "getting commitments of task %s", taskID)
	}
	return cs, nil
}

// ListRevealedBids returns the valid reveals of the task ranked best first.
// Reveals without a matching commitment, or made outside the reveal window,
// are dropped. Calling it twice without new reveals returns the same order.
func (c *Coordinator) ListRevealedBids(ctx context.Context, taskID auction.TaskID) ([]auction.RevealedBid, error) {
	cs, err := c.ListCommitments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.rankedReveals(ctx, taskID, cs)
}

// Phase returns the current phase of the task.
func (c *Coordinator) Phase(ctx context.Context, taskID auction.TaskID) (auction.Phase, error) {
	s, err := c.Snapshot(ctx, taskID)
	if err != nil {
		return auction.PhaseUnspecified, err
	}
	return s.Phase, nil
}

// Snapshot reads the task, the ledger height and the task boxes and derives the phase.
func (c *Coordinator) Snapshot(ctx context.Context, taskID auction.TaskID) (*Snapshot, error) {
	task, err := c.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	height, err := chainapi.Height(ctx, c.oracle)
	if err != nil {
		return nil, err
	}
	cs, err := c.ListCommitments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ranked, err := c.rankedReveals(ctx, taskID, cs)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Task:        task,
		Height:      height,
		Phase:       c.classify(task, height, len(cs), len(ranked)),
		Commitments: cs,
		Ranked:      ranked,
	}, nil
}

// SelectWinner records boxID as the winner of the task. Only the task owner
// may select, only in the selection phase, and only once. The selection is
// staged before the select transaction is submitted and confirmed after, so a
// failed call is resumed by selecting the same box again.
func (c *Coordinator) SelectWinner(
	ctx context.Context,
	taskID auction.TaskID,
	caller string,
	boxID auction.BoxID,
) (sel *Selection, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, c.metricSelect, kindAttr(err)...)
	}()
	if boxID == "" {
		return nil, auction.NewValidationError("box id is empty")
	}
	if c.signer == nil {
		return nil, auction.NewValidationError("coordinator has no signer")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	s, err := c.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if caller != s.Task.Owner {
		return nil, auction.Validationf(ErrNotOwner, "selecting winner of task %s as %s", taskID, caller)
	}
	staged, err := c.selection(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if staged != nil && (staged.Confirmed() || staged.Winner.BoxID != boxID) {
		if !staged.Confirmed() {
			return nil, auction.OrderViolationf(ErrWinnerAlreadySelected,
				"task %s has a pending selection of box %s", taskID, staged.Winner.BoxID)
		}
		return nil, auction.OrderViolationf(ErrWinnerAlreadySelected,
			"task %s already selected box %s", taskID, staged.Winner.BoxID)
	}
	if len(s.Ranked) == 0 {
		return nil, auction.Validationf(ErrNoRevealedBids, "selecting winner of task %s", taskID)
	}

	var winner *lifecycle.Bid
	for _, rb := range s.Ranked {
		if rb.BoxID != boxID {
			continue
		}
		bc, _ := findCommitment(s.Commitments, boxID)
		if winner, err = lifecycle.New(bc); err != nil {
			return nil, err
		}
		if err := winner.ApplyReveal(rb); err != nil {
			return nil, err
		}
	}
	if winner == nil {
		return nil, auction.Validationf(ErrBidNotRevealed, "selecting box %s of task %s", boxID, taskID)
	}
	if err := winner.Select(s.Height, s.Phase == auction.PhaseSelection); err != nil {
		return nil, err
	}

	sel = &Selection{
		TaskID:     taskID,
		Winner:     *winner.Revealed,
		SelectedAt: s.Height,
	}
	for _, rb := range s.Ranked {
		if rb.BoxID != boxID {
			sel.Refundable = append(sel.Refundable, rb.BoxID)
		}
	}
	if staged == nil {
		if err := c.conf.Selections.SaveSelection(ctx, *sel); err != nil {
			if errors.Is(err, ErrWinnerAlreadySelected) {
				return nil, auction.OrderViolationf(err, "staging selection of task %s", taskID)
			}
			return nil, auction.Externalf(err, "staging selection of task %s", taskID)
		}
	} else {
		sel.SelectedAt = staged.SelectedAt
		log.Infof("resuming pending selection of box %s in task %s", boxID, taskID)
	}

	txID, err := chainapi.SignAndSubmit(ctx, c.signer, chainapi.UnsignedTx{
		Kind:   chainapi.TxSelect,
		TaskID: taskID,
		BoxID:  boxID,
		Bidder: winner.Revealed.BidderAddress,
		Amount: winner.Revealed.BidAmount,
	})
	if err != nil {
		// A retryable failure may have reached the ledger, so the staged
		// selection stays until the owner selects the same box again.
		if !auction.IsRetryable(err) {
			if derr := c.conf.Selections.DeleteSelection(ctx, taskID); derr != nil {
				log.Errorf("dropping staged selection of task %s: %s", taskID, derr)
			}
		}
		return nil, err
	}
	sel.TxID = txID
	if err := c.conf.Selections.ConfirmSelection(ctx, taskID, txID); err != nil {
		return nil, auction.PermanentExternalf(err,
			"select tx %s of task %s was submitted but not recorded; selecting box %s again records it",
			txID, taskID, boxID)
	}
	log.Infof("task %s selected box %s (amount %d) in tx %s", taskID, boxID, sel.Winner.BidAmount, txID)
	return sel, nil
}

// Outcome reports the winner of the task, if any, and the boxes that can be
// refunded at the current height. If nothing was revealed by the refund
// deadline there is no winner and every commitment is refundable.
func (c *Coordinator) Outcome(ctx context.Context, taskID auction.TaskID) (*Outcome, error) {
	s, err := c.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sel, err := c.selection(ctx, taskID)
	if err != nil {
		return nil, err
	}

	o := &Outcome{
		TaskID: taskID,
		Phase:  s.Phase,
		Height: s.Height,
		Ranked: s.Ranked,
	}
	if sel != nil && sel.Confirmed() {
		w := sel.Winner
		o.Winner, o.TxID = &w, sel.TxID
	}
	revealed := make(map[auction.BoxID]bool, len(s.Ranked))
	for _, rb := range s.Ranked {
		revealed[rb.BoxID] = true
	}
	for _, bc := range s.Commitments {
		switch {
		case o.Winner != nil && bc.BoxID == o.Winner.BoxID:
		case revealed[bc.BoxID]:
			if o.Winner != nil {
				o.Refundable = append(o.Refundable, bc.BoxID)
			}
		case s.Height > bc.RefundDeadline:
			o.Refundable = append(o.Refundable, bc.BoxID)
		}
	}
	return o, nil
}

// Selection returns the confirmed winner of the task, or ErrSelectionNotFound.
func (c *Coordinator) Selection(ctx context.Context, taskID auction.TaskID) (*Selection, error) {
	sel, err := c.selection(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if sel == nil || !sel.Confirmed() {
		return nil, ErrSelectionNotFound
	}
	return sel, nil
}

func (c *Coordinator) classify(task auction.Task, height uint64, commitments, revealed int) auction.Phase {
	p := auction.ClassifyPhase(height, task.CommitDeadline, task.RefundDeadline, revealed)
	if c.conf.EarlySelection && p == auction.PhaseReveal && commitments > 0 && revealed == commitments {
		return auction.PhaseSelection
	}
	return p
}

func (c *Coordinator) rankedReveals(
	ctx context.Context,
	taskID auction.TaskID,
	cs []auction.BidCommitment,
) ([]auction.RevealedBid, error) {
	rbs, err := c.ledger.GetRevealedBids(ctx, taskID)
	if err != nil {
		return nil, auction.Externalf(err, "getting revealed bids of task %s", taskID)
	}

	bids := make(map[auction.BoxID]*lifecycle.Bid, len(cs))
	for _, bc := range cs {
		b, err := lifecycle.New(bc)
		if err != nil {
			log.Warnf("ignoring malformed commitment %s of task %s: %s", bc.BoxID, taskID, err)
			continue
		}
		bids[bc.BoxID] = b
	}
	valid := make([]auction.RevealedBid, 0, len(rbs))
	for _, rb := range rbs {
		b, ok := bids[rb.BoxID]
		if !ok || rb.TaskID != taskID {
			log.Warnf("ignoring reveal of unknown box %s in task %s", rb.BoxID, taskID)
			continue
		}
		if err := b.ApplyReveal(rb); err != nil {
			log.Warnf("ignoring reveal of box %s in task %s: %s", rb.BoxID, taskID, err)
			continue
		}
		valid = append(valid, rb)
	}
	return Rank(valid, c.conf.Ranking), nil
}

func (c *Coordinator) getTask(ctx context.Context, taskID auction.TaskID) (auction.Task, error) {
	task, err := c.tasks.GetTask(ctx, taskID)
	if errors.Is(err, auction.ErrTaskNotFound) {
		return auction.Task{}, auction.Validationf(err, "getting task %s", taskID)
	}
	if err != nil {
		return auction.Task{}, auction.Externalf(err, "getting task %s", taskID)
	}
	if err := task.Validate(); err != nil {
		return auction.Task{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	return task, nil
}

func (c *Coordinator) selection(ctx context.Context, taskID auction.TaskID) (*Selection, error) {
	sel, err := c.conf.Selections.GetSelection(ctx, taskID)
	if errors.Is(err, ErrSelectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, auction.Externalf(err, "getting selection of task %s", taskID)
	}
	return sel, nil
}

func findCommitment(cs []auction.BidCommitment, boxID auction.BoxID) (auction.BidCommitment, bool) {
	for _, bc := range cs {
		if bc.BoxID == boxID {
			return bc, true
		}
	}
	return auction.BidCommitment{}, false
}

func kindAttr(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{metrics.AttrKind(auction.KindOf(err).String())}
}

// MemorySelections is an in-memory SelectionStore.
type MemorySelections struct {
	lk  sync.Mutex
	sel map[auction.TaskID]Selection
}

// NewMemorySelections returns an empty MemorySelections.
func NewMemorySelections() *MemorySelections {
	return &MemorySelections{sel: map[auction.TaskID]Selection{}}
}

// SaveSelection implements SelectionStore.
func (m *MemorySelections) SaveSelection(_ context.Context, s Selection) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if _, ok := m.sel[s.TaskID]; ok {
		return ErrWinnerAlreadySelected
	}
	m.sel[s.TaskID] = s
	return nil
}

// ConfirmSelection implements SelectionStore.
func (m *MemorySelections) ConfirmSelection(_ context.Context, taskID auction.TaskID, txID chainapi.TxID) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	s, ok := m.sel[taskID]
	if !ok {
		return ErrSelectionNotFound
	}
	if s.Confirmed() && s.TxID != txID {
		return fmt.Errorf("selection of task %s is confirmed by tx %s", taskID, s.TxID)
	}
	s.TxID = txID
	m.sel[taskID] = s
	return nil
}

// DeleteSelection implements SelectionStore.
func (m *MemorySelections) DeleteSelection(_ context.Context, taskID auction.TaskID) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if s, ok := m.sel[taskID]; ok && !s.Confirmed() {
		delete(m.sel, taskID)
	}
	return nil
}

// GetSelection implements SelectionStore.
func (m *MemorySelections) GetSelection(_ context.Context, taskID auction.TaskID) (*Selection, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	s, ok := m.sel[taskID]
	if !ok {
		return nil, ErrSelectionNotFound
	}
	return &s, nil
}
