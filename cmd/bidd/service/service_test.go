package service

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/chainapi/fakechain"
	"github.com/agentbazaar/bidcore/commitment"
	"github.com/agentbazaar/bidcore/coordinator"
	"github.com/agentbazaar/bidcore/escrow"
	"github.com/agentbazaar/bidcore/logging"
	"github.com/agentbazaar/bidcore/watcher"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"bidcore/service": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

var task = auction.Task{ID: "T1", Owner: "owner", CommitDeadline: 10, RefundDeadline: 20}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, s, addr := newService(t, true)

	_, err := s.PlaceBid(ctx, task.ID, 9)
	require.NoError(t, err)
	_, err = s.PlaceBid(ctx, task.ID, 4)
	require.NoError(t, err)
	_, err = s.PlaceBid(ctx, "missing", 4)
	assert.True(t, auction.IsKind(err, auction.KindValidation))
	s.Poll(ctx)
	assert.Equal(t, auction.PhaseCommit, s.watcher.Tracked()[task.ID])

	chain.SetHeight(12)
	s.Poll(ctx)
	rbs, err := chain.GetRevealedBids(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rbs, 2)
	var winner, loser auction.BoxID
	for _, rb := range rbs {
		assert.Equal(t, addr, rb.BidderAddress)
		if rb.BidAmount == 4 {
			winner = rb.BoxID
		} else {
			loser = rb.BoxID
		}
	}

	_, err = s.FundEscrow(ctx, task.ID, milestones())
	require.True(t, auction.IsKind(err, auction.KindPhaseViolation))

	// Nothing to refund until the owner picks a winner.
	chain.SetHeight(21)
	s.Poll(ctx)
	assert.Contains(t, s.watcher.Tracked(), task.ID)
	assert.False(t, chain.Refunded(loser))

	_, err = s.Coordinator().SelectWinner(ctx, task.ID, task.Owner, winner)
	require.NoError(t, err)
	s.Poll(ctx)
	assert.True(t, chain.Refunded(loser))
	assert.False(t, chain.Refunded(winner))
	assert.NotContains(t, s.watcher.Tracked(), task.ID)

	e, err := s.FundEscrow(ctx, task.ID, milestones())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.TotalAmount)
	assert.Equal(t, addr, e.Payee)

	r, err := s.Escrows().ReleaseNext(ctx, e.ID, escrow.Approval{Approver: task.Owner, MilestoneIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.ReleasedAmount)
	require.Len(t, chain.Releases(), 1)
}

func TestExpiredRefundsUnrevealed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, s, _ := newService(t, true)

	_, err := s.PlaceBid(ctx, task.ID, 7)
	require.NoError(t, err)
	cs, err := chain.GetCommitments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, cs, 1)

	chain.SetHeight(21)
	s.Poll(ctx)
	assert.True(t, chain.Refunded(cs[0].BoxID))
	assert.Empty(t, s.watcher.Tracked())
}

func TestRetriesExternalFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, s, _ := newService(t, true)

	_, err := s.PlaceBid(ctx, task.ID, 7)
	require.NoError(t, err)

	chain.SetHeight(12)
	chain.FailSubmissions(errors.New("node unavailable"))
	s.Poll(ctx)
	rbs, err := chain.GetRevealedBids(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, rbs)
	assert.Equal(t, auction.PhaseUnspecified, s.watcher.Tracked()[task.ID])

	s.Poll(ctx)
	rbs, err = chain.GetRevealedBids(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rbs, 1)
	assert.Equal(t, auction.PhaseReveal, s.watcher.Tracked()[task.ID])
}

func TestWithoutBidder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, s, _ := newService(t, false)

	_, err := s.PlaceBid(ctx, task.ID, 7)
	require.Error(t, err)

	s.Track(task.ID)
	chain.SetHeight(21)
	s.Poll(ctx)
	assert.Empty(t, s.watcher.Tracked())
}

func TestNew_BidderNeedsSecrets(t *testing.T) {
	t.Parallel()
	chain := fakechain.New(1)
	_, err := New(Config{
		BidderAddress: newAddress(t),
		Watcher:       watcher.Config{Interval: time.Hour},
	}, Deps{
		Tasks:      chain,
		Ledger:     chain,
		Oracle:     chain,
		Signer:     chain,
		Selections: coordinator.NewMemorySelections(),
		Escrows:    escrow.NewMemoryStore(),
	})
	require.Error(t, err)
}

func newService(t *testing.T, withBidder bool) (*fakechain.Chain, *Service, string) {
	chain := fakechain.New(1)
	chain.AddTask(task)
	conf := Config{
		AllowMultipleBids: true,
		Retry:             chainapi.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond},
		Watcher:           watcher.Config{Interval: time.Hour},
	}
	if withBidder {
		conf.BidderAddress = newAddress(t)
	}
	s, err := New(conf, Deps{
		Tasks:      chain,
		Ledger:     chain,
		Oracle:     chain,
		Signer:     chain,
		Selections: coordinator.NewMemorySelections(),
		Escrows:    escrow.NewMemoryStore(),
		Secrets:    dssync.MutexWrap(ds.NewMapDatastore()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return chain, s, conf.BidderAddress
}

func milestones() []escrow.Milestone {
	return []escrow.Milestone{
		{Name: "draft", Percentage: 50},
		{Name: "final", Percentage: 50},
	}
}

func newAddress(t *testing.T) string {
	content := make([]byte, 33)
	_, err := rand.Read(content)
	require.NoError(t, err)
	addr, err := commitment.EncodeAddress(commitment.NetworkTestnet, commitment.TypeP2PK, content)
	require.NoError(t, err)
	return addr
}
