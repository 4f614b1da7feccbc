package escrow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/chainapi/fakechain"
	"github.com/agentbazaar/bidcore/logging"
	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"bidcore/escrow": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

var (
	task   = auction.Task{ID: "T1", Owner: "owner", CommitDeadline: 10, RefundDeadline: 20}
	winner = auction.RevealedBid{TaskID: "T1", BoxID: "b1", BidderAddress: "worker", BidAmount: 1000, RevealedAt: 12}
)

var noRetry = chainapi.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond}

func TestManager_FundAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain := fakechain.New(30)
	store := NewMemoryStore()
	m, err := NewManager(store, chain, noRetry)
	require.NoError(t, err)

	e, err := m.Fund(ctx, task, winner, milestones(25, 25, 50))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, uint64(1000), e.TotalAmount)
	assert.Equal(t, "worker", e.Payee)

	byTask, err := store.GetEscrowByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, byTask.ID)

	_, err = m.ReleaseNext(ctx, e.ID, Approval{Approver: "worker", MilestoneIndex: 0})
	require.ErrorIs(t, err, ErrNotApprover)

	_, err = m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 1})
	require.ErrorIs(t, err, ErrOutOfOrderRelease)
	require.Empty(t, chain.Releases())

	var amounts []uint64
	for i := 0; i < 3; i++ {
		r, err := m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: i})
		require.NoError(t, err)
		assert.NotEmpty(t, r.TxID)
		amounts = append(amounts, r.ReleasedAmount)
	}
	assert.Equal(t, []uint64{250, 250, 500}, amounts)

	txs := chain.Releases()
	require.Len(t, txs, 3)
	for i, tx := range txs {
		assert.Equal(t, e.ID, tx.Payload["escrow_id"])
		assert.Equal(t, "worker", tx.Bidder)
		assert.Equal(t, amounts[i], tx.Amount)
	}

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Done())
	assert.Equal(t, uint64(1000), got.Released())

	_, err = m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 3})
	require.ErrorIs(t, err, ErrEscrowCompleted)
}

func TestManager_SubmissionFailureKeepsClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain := fakechain.New(30)
	m, err := NewManager(NewMemoryStore(), chain, noRetry)
	require.NoError(t, err)

	e, err := m.Fund(ctx, task, winner, milestones(40, 60))
	require.NoError(t, err)

	chain.FailSubmissions(assert.AnError)
	_, err = m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 0})
	require.ErrorIs(t, err, assert.AnError)
	assert.True(t, auction.IsRetryable(err))

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentMilestoneIndex)
	assert.Empty(t, got.CompletedReleases)
	require.NotNil(t, got.Pending)
	assert.Equal(t, uint64(400), got.Pending.Amount)

	_, err = m.CancelMilestone(ctx, e.ID, "owner", 1)
	require.ErrorIs(t, err, ErrReleaseInFlight)
	assert.Equal(t, auction.KindPhaseViolation, auction.KindOf(err))

	r, err := m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(400), r.ReleasedAmount)
	assert.Equal(t, got.Pending.ID, r.ClaimID)
	require.Len(t, chain.Releases(), 1)
	assert.Equal(t, got.Pending.ID, chain.Releases()[0].Payload["claim_id"])
}

func TestManager_UnrecordedReleaseIsPaidOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain := fakechain.New(30)
	store := &flakyStore{MemoryStore: NewMemoryStore(), failReleases: 1}
	m, err := NewManager(store, chain, noRetry)
	require.NoError(t, err)

	e, err := m.Fund(ctx, task, winner, milestones(30, 70))
	require.NoError(t, err)

	_, err = m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 0})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, auction.KindExternal, auction.KindOf(err))
	assert.False(t, auction.IsRetryable(err))
	require.Len(t, chain.Releases(), 1)

	r, err := m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(300), r.ReleasedAmount)

	txs := chain.Releases()
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(300), txs[0].Amount)

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentMilestoneIndex)
	assert.Nil(t, got.Pending)
	assert.Equal(t, uint64(300), got.Released())
}

func TestManager_RejectedReleaseDropsClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain := fakechain.New(30)
	m, err := NewManager(NewMemoryStore(), chain, noRetry)
	require.NoError(t, err)

	e, err := m.Fund(ctx, task, winner, milestones(40, 60))
	require.NoError(t, err)

	chain.FailSubmissions(fmt.Errorf("%w: escrow box spent", chainapi.ErrRejected))
	_, err = m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 0})
	require.ErrorIs(t, err, chainapi.ErrRejected)
	assert.False(t, auction.IsRetryable(err))

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Pending)

	_, err = m.CancelMilestone(ctx, e.ID, "owner", 1)
	require.NoError(t, err)
	r, err := m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), r.ReleasedAmount)
	require.Len(t, chain.Releases(), 1)
}

func TestMemoryStore_ClaimRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	e, err := Create(1000, milestones(50, 50))
	require.NoError(t, err)
	e.ID, e.TaskID = "e1", task.ID
	require.NoError(t, store.CreateEscrow(ctx, e))

	require.ErrorIs(t, store.ClaimRelease(ctx, e, PendingRelease{ID: "c1", MilestoneIndex: 1, Amount: 500}), ErrReleaseInFlight)
	require.NoError(t, store.ClaimRelease(ctx, e, PendingRelease{ID: "c1", MilestoneIndex: 0, Amount: 500}))
	require.ErrorIs(t, store.ClaimRelease(ctx, e, PendingRelease{ID: "c2", MilestoneIndex: 0, Amount: 500}), ErrReleaseInFlight)
	require.ErrorIs(t, store.SaveMilestones(ctx, e), ErrReleaseInFlight)

	require.NoError(t, store.DropClaim(ctx, e.ID, "c2"))
	got, err := store.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Pending)
	assert.Equal(t, "c1", got.Pending.ID)

	// Saving a release that doesn't settle the stored claim fails.
	r, err := e.Release(0, "tx", time.Now())
	require.NoError(t, err)
	require.Error(t, store.SaveRelease(ctx, e, r))

	r, err = got.Release(0, "tx", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "c1", r.ClaimID)
	require.NoError(t, store.SaveRelease(ctx, got, r))
	got, err = store.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Pending)
	assert.Equal(t, 1, got.CurrentMilestoneIndex)
}

type flakyStore struct {
	*MemoryStore
	failReleases int
}

func (f *flakyStore) SaveRelease(ctx context.Context, e *Escrow, r Release) error {
	if f.failReleases > 0 {
		f.failReleases--
		return assert.AnError
	}
	return f.MemoryStore.SaveRelease(ctx, e, r)
}

func TestManager_ChangeMilestones(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain := fakechain.New(30)
	m, err := NewManager(NewMemoryStore(), chain, noRetry)
	require.NoError(t, err)

	e, err := m.Fund(ctx, task, winner, milestones(10, 30, 60))
	require.NoError(t, err)
	_, err = m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 0})
	require.NoError(t, err)

	_, err = m.CancelMilestone(ctx, e.ID, "worker", 1)
	require.ErrorIs(t, err, ErrNotApprover)

	e, err = m.CancelMilestone(ctx, e.ID, "owner", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 100}, percentages(e.Milestones))

	r, err := m.ReleaseNext(ctx, e.ID, Approval{Approver: "owner", MilestoneIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(900), r.ReleasedAmount)
}

func TestManager_FundValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, err := NewManager(NewMemoryStore(), fakechain.New(1), noRetry)
	require.NoError(t, err)

	_, err = m.Fund(ctx, task, winner, milestones(50, 40))
	require.ErrorIs(t, err, ErrInvalidMilestones)

	other := winner
	other.TaskID = "T2"
	_, err = m.Fund(ctx, task, other, milestones(100))
	assert.Equal(t, auction.KindValidation, auction.KindOf(err))

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrEscrowNotFound)
}
