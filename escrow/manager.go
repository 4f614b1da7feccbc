package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/metrics"
	"github.com/google/uuid"
	golog "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("bidcore/escrow")

var (
	// ErrEscrowNotFound indicates the requested escrow doesn't exist.
	ErrEscrowNotFound = errors.New("escrow not found")

	// ErrNotApprover indicates a release approval not signed off by the task owner.
	ErrNotApprover = errors.New("only the task owner can approve releases")
)

// Store persists escrows.
type Store interface {
	// CreateEscrow persists a new escrow.
	CreateEscrow(ctx context.Context, e *Escrow) error
	// GetEscrow returns ErrEscrowNotFound if id is unknown.
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	// GetEscrowByTask returns ErrEscrowNotFound if the task has no escrow.
	GetEscrowByTask(ctx context.Context, taskID auction.TaskID) (*Escrow, error)
	// ClaimRelease records p as the pending release of e. It returns
	// ErrReleaseInFlight if the stored escrow already has a pending release
	// or moved past p.MilestoneIndex.
	ClaimRelease(ctx context.Context, e *Escrow, p PendingRelease) error
	// DropClaim clears the pending release claimID of an escrow. Dropping a
	// claim that is no longer pending is a no-op.
	DropClaim(ctx context.Context, escrowID, claimID string) error
	// SaveRelease persists a release together with the advanced milestone
	// index and clears the claim it settles.
	SaveRelease(ctx context.Context, e *Escrow, r Release) error
	// SaveMilestones persists re-weighted milestones.
	SaveMilestones(ctx context.Context, e *Escrow) error
}

// Approval is the task owner's sign-off on a finished milestone.
type Approval struct {
	Approver       string
	MilestoneIndex int
	Note           string
}

// Manager funds escrows with winning bids and submits milestone releases.
type Manager struct {
	store  Store
	signer chainapi.Signer
	retry  chainapi.RetryConfig
	now    func() time.Time

	lock sync.Mutex

	metricFunded  metric.Int64Counter
	metricRelease metric.Int64Counter
}

// NewManager returns a new Manager.
func NewManager(store Store, signer chainapi.Signer, retry chainapi.RetryConfig) (*Manager, error) {
	if store == nil || signer == nil {
		return nil, errors.New("store and signer are required")
	}
	return &Manager{
		store:         store,
		signer:        signer,
		retry:         retry,
		now:           time.Now,
		metricFunded:  metrics.Meter.NewInt64Counter(metrics.Prefix + ".escrows_funded_total"),
		metricRelease: metrics.Meter.NewInt64Counter(metrics.Prefix + ".milestone_releases_total"),
	}, nil
}

// Fund creates the escrow of a task paid with the winning bid amount.
func (m *Manager) Fund(
	ctx context.Context,
	task auction.Task,
	winner auction.RevealedBid,
	milestones []Milestone,
) (e *Escrow, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricFunded) }()

	if winner.TaskID != task.ID {
		return nil, auction.NewValidationError("winning bid belongs to another task")
	}
	e, err = Create(winner.BidAmount, milestones)
	if err != nil {
		return nil, err
	}
	now := m.now()
	e.ID = uuid.New().String()
	e.TaskID = task.ID
	e.Owner = task.Owner
	e.Payee = winner.BidderAddress
	e.CreatedAt, e.UpdatedAt = now, now
	if err := m.store.CreateEscrow(ctx, e); err != nil {
		return nil, auction.Externalf(err, "creating escrow of task %s", task.ID)
	}
	log.Infof("funded escrow %s of task %s with %d over %d milestones", e.ID, task.ID, e.TotalAmount, len(e.Milestones))
	return e, nil
}

// Get returns an escrow.
func (m *Manager) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := m.store.GetEscrow(ctx, id)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, auction.Validationf(err, "getting escrow %s", id)
	}
	if err != nil {
		return nil, auction.Externalf(err, "getting escrow %s", id)
	}
	return e, nil
}

// ReleaseNext pays out the milestone approved by the task owner. The
// approval must name the current milestone. The payout is claimed before the
// release transaction is submitted and recorded once it was accepted. A call
// that failed after claiming is resumed by approving the same milestone
// again, which resubmits the claimed release instead of paying twice.
func (m *Manager) ReleaseNext(ctx context.Context, escrowID string, approval Approval) (r Release, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricRelease) }()

	m.lock.Lock()
	defer m.lock.Unlock()

	e, err := m.Get(ctx, escrowID)
	if err != nil {
		return Release{}, err
	}
	if approval.Approver != e.Owner {
		return Release{}, auction.Validationf(ErrNotApprover, "approving milestone of escrow %s as %s", escrowID, approval.Approver)
	}
	amount, err := e.ReleaseAmount(approval.MilestoneIndex)
	if err != nil {
		return Release{}, err
	}

	var txID chainapi.TxID
	if amount > 0 {
		claim, err := m.claim(ctx, e, approval.MilestoneIndex, amount)
		if err != nil {
			return Release{}, err
		}
		txID, err = chainapi.SubmitWithRetry(ctx, m.signer, chainapi.UnsignedTx{
			Kind:   chainapi.TxRelease,
			TaskID: e.TaskID,
			Bidder: e.Payee,
			Amount: claim.Amount,
			Payload: map[string]string{
				"escrow_id": e.ID,
				"milestone": strconv.Itoa(claim.MilestoneIndex),
				"claim_id":  claim.ID,
			},
		}, m.retry)
		if err != nil {
			// A retryable failure may have reached the ledger, so the claim
			// stays until the same milestone is approved again.
			if !auction.IsRetryable(err) {
				if derr := m.store.DropClaim(ctx, e.ID, claim.ID); derr != nil {
					log.Errorf("dropping release claim %s of escrow %s: %s", claim.ID, e.ID, derr)
				}
			}
			return Release{}, err
		}
	}

	r, err = e.Release(approval.MilestoneIndex, txID, m.now())
	if err != nil {
		return Release{}, err
	}
	if err := m.store.SaveRelease(ctx, e, r); err != nil {
		log.Errorf("release of milestone %d of escrow %s was submitted in tx %s but not recorded: %s",
			r.MilestoneIndex, e.ID, txID, err)
		return Release{}, auction.PermanentExternalf(err,
			"release tx %s of escrow %s was submitted but not recorded; approving milestone %d again records it",
			txID, e.ID, r.MilestoneIndex)
	}
	log.Infof("released %d for milestone %d of escrow %s in tx %s", r.ReleasedAmount, r.MilestoneIndex, e.ID, txID)
	return r, nil
}

// claim returns the pending release of milestone index, claiming amount for
// it first if nothing is pending.
func (m *Manager) claim(ctx context.Context, e *Escrow, index int, amount uint64) (*PendingRelease, error) {
	if p := e.Pending; p != nil {
		if p.MilestoneIndex != index {
			return nil, auction.OrderViolationf(ErrReleaseInFlight,
				"escrow %s has a pending release of milestone %d", e.ID, p.MilestoneIndex)
		}
		log.Infof("resuming release claim %s of milestone %d of escrow %s", p.ID, index, e.ID)
		return p, nil
	}
	p := PendingRelease{
		ID:             uuid.New().String(),
		MilestoneIndex: index,
		Amount:         amount,
		ClaimedAt:      m.now(),
	}
	if err := m.store.ClaimRelease(ctx, e, p); err != nil {
		if errors.Is(err, ErrReleaseInFlight) {
			return nil, auction.OrderViolationf(err, "claiming milestone %d of escrow %s", index, e.ID)
		}
		return nil, auction.Externalf(err, "claiming milestone %d of escrow %s", index, e.ID)
	}
	e.Pending = &p
	return &p, nil
}

// CancelMilestone drops a future milestone of an escrow.
func (m *Manager) CancelMilestone(ctx context.Context, escrowID, caller string, index int) (*Escrow, error) {
	return m.updateMilestones(ctx, escrowID, caller, func(e *Escrow) error { return e.Cancel(index) })
}

// ResizeMilestone changes the weight of a future milestone of an escrow.
func (m *Manager) ResizeMilestone(ctx context.Context, escrowID, caller string, index int, pct uint64) (*Escrow, error) {
	return m.updateMilestones(ctx, escrowID, caller, func(e *Escrow) error { return e.Resize(index, pct) })
}

func (m *Manager) updateMilestones(ctx context.Context, escrowID, caller string, fn func(*Escrow) error) (*Escrow, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	e, err := m.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if caller != e.Owner {
		return nil, auction.Validationf(ErrNotApprover, "changing milestones of escrow %s as %s", escrowID, caller)
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = m.now()
	if err := m.store.SaveMilestones(ctx, e); err != nil {
		if errors.Is(err, ErrReleaseInFlight) {
			return nil, auction.OrderViolationf(err, "saving milestones of escrow %s", escrowID)
		}
		return nil, auction.Externalf(err, "saving milestones of escrow %s", escrowID)
	}
	return e, nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	lk      sync.Mutex
	escrows map[string]*Escrow
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: map[string]*Escrow{}}
}

var _ Store = (*MemoryStore)(nil)

// CreateEscrow implements Store.
func (s *MemoryStore) CreateEscrow(_ context.Context, e *Escrow) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return errors.New("escrow already exists")
	}
	for _, o := range s.escrows {
		if o.TaskID == e.TaskID {
			return errors.New("task already has an escrow")
		}
	}
	s.escrows[e.ID] = clone(e)
	return nil
}

// GetEscrow implements Store.
func (s *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return clone(e), nil
}

// GetEscrowByTask implements Store.
func (s *MemoryStore) GetEscrowByTask(_ context.Context, taskID auction.TaskID) (*Escrow, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, e := range s.escrows {
		if e.TaskID == taskID {
			return clone(e), nil
		}
	}
	return nil, ErrEscrowNotFound
}

// ClaimRelease implements Store.
func (s *MemoryStore) ClaimRelease(_ context.Context, e *Escrow, p PendingRelease) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	stored, ok := s.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Pending != nil || stored.CurrentMilestoneIndex != p.MilestoneIndex {
		return ErrReleaseInFlight
	}
	stored.Pending = &p
	return nil
}

// DropClaim implements Store.
func (s *MemoryStore) DropClaim(_ context.Context, escrowID, claimID string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	stored, ok := s.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Pending != nil && stored.Pending.ID == claimID {
		stored.Pending = nil
	}
	return nil
}

// SaveRelease implements Store.
func (s *MemoryStore) SaveRelease(_ context.Context, e *Escrow, r Release) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	stored, ok := s.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.CurrentMilestoneIndex != r.MilestoneIndex || claimID(stored.Pending) != r.ClaimID {
		return fmt.Errorf("escrow %s moved past milestone %d concurrently", e.ID, r.MilestoneIndex)
	}
	s.escrows[e.ID] = clone(e)
	return nil
}

// SaveMilestones implements Store.
func (s *MemoryStore) SaveMilestones(_ context.Context, e *Escrow) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	stored, ok := s.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Pending != nil {
		return ErrReleaseInFlight
	}
	s.escrows[e.ID] = clone(e)
	return nil
}

func claimID(p *PendingRelease) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func clone(e *Escrow) *Escrow {
	c := *e
	c.Milestones = make([]Milestone, len(e.Milestones))
	copy(c.Milestones, e.Milestones)
	c.CompletedReleases = append([]Release(nil), e.CompletedReleases...)
	if e.Pending != nil {
		p := *e.Pending
		c.Pending = &p
	}
	return &c
}
