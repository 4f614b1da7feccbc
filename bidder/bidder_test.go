package bidder

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/chainapi/fakechain"
	"github.com/agentbazaar/bidcore/commitment"
	"github.com/agentbazaar/bidcore/coordinator"
	"github.com/agentbazaar/bidcore/lifecycle"
	"github.com/agentbazaar/bidcore/logging"
	"github.com/agentbazaar/bidcore/vault"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"bidcore/bidder": golog.LevelDebug,
		"bidcore/vault":  golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

var task = auction.Task{ID: "T1", Owner: "owner", CommitDeadline: 10, RefundDeadline: 20}

var fastRetry = chainapi.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func TestPlaceBid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})

	pb, err := b.PlaceBid(ctx, task, 42)
	require.NoError(t, err)
	assert.NotEmpty(t, pb.TxID)
	assert.Equal(t, commitment.HashBid(42, mustPending(t, b).Salt, b.Address()), pb.CommitHash)

	_, err = b.PlaceBid(ctx, task, 43)
	require.ErrorIs(t, err, ErrAlreadyBid)
	assert.Equal(t, auction.KindValidation, auction.KindOf(err))

	n, err := b.Sync(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cs, err := chain.GetCommitments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	rec, err := b.vault.GetSaltForBox(ctx, cs[0].BoxID)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rec.BidAmount)

	pending, err := b.vault.ListPending(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = b.PlaceBid(ctx, task, 43)
	require.ErrorIs(t, err, ErrAlreadyBid)
}

func TestPlaceBid_ConcurrentSingleBid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		placed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(amount uint64) {
			defer wg.Done()
			if _, err := b.PlaceBid(ctx, task, amount); err == nil {
				mu.Lock()
				placed++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyBid)
			}
		}(uint64(i + 1))
	}
	wg.Wait()
	assert.Equal(t, 1, placed)
	cs, err := chain.GetCommitments(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, cs, 1)
}

func TestPlaceBid_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})

	_, err := b.PlaceBid(ctx, task, 0)
	assert.Equal(t, auction.KindValidation, auction.KindOf(err))

	bad := task
	bad.RefundDeadline = bad.CommitDeadline
	_, err = b.PlaceBid(ctx, bad, 5)
	assert.Equal(t, auction.KindValidation, auction.KindOf(err))

	chain.SetHeight(11)
	_, err = b.PlaceBid(ctx, task, 5)
	assert.Equal(t, auction.KindPhaseViolation, auction.KindOf(err))
	next, ok := auction.NextWindowOf(err)
	require.True(t, ok)
	assert.Equal(t, auction.Window{From: 21}, next)
	assert.Empty(t, chain.Submitted())
}

func TestPlaceBid_ExternalFailureKeepsStagedSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{AllowMultipleBids: true})

	chain.FailSubmissions(assert.AnError, assert.AnError)
	_, err := b.PlaceBid(ctx, task, 9)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, auction.KindExternal, auction.KindOf(err))

	pending, err := b.vault.ListPending(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Nothing landed, so there's nothing to confirm.
	n, err := b.Sync(ctx, task.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	chain.FailSubmissions(assert.AnError)
	_, err = b.PlaceBid(ctx, task, 9)
	require.NoError(t, err)
	n, err = b.Sync(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReveal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})
	c := placeAndSync(t, chain, b, 7)

	chain.SetHeight(10)
	_, err := b.Reveal(ctx, c)
	require.ErrorIs(t, err, lifecycle.ErrRevealTooEarly)
	next, ok := auction.NextWindowOf(err)
	require.True(t, ok)
	assert.Equal(t, auction.Window{From: 11, To: 20}, next)

	chain.SetHeight(20)
	txID, err := b.Reveal(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	rbs, err := chain.GetRevealedBids(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rbs, 1)
	assert.Equal(t, uint64(7), rbs[0].BidAmount)
	assert.Equal(t, uint64(20), rbs[0].RevealedAt)

	pending, err := b.PendingReveals(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReveal_AfterDeadline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})
	c := placeAndSync(t, chain, b, 7)

	chain.SetHeight(21)
	_, err := b.Reveal(ctx, c)
	require.ErrorIs(t, err, lifecycle.ErrRevealWindowClosed)
	assert.Equal(t, auction.KindPhaseViolation, auction.KindOf(err))
}

func TestReveal_MissingSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})
	c := placeAndSync(t, chain, b, 7)
	require.NoError(t, b.vault.Purge(ctx, c.BoxID))

	chain.SetHeight(12)
	_, err := b.Reveal(ctx, c)
	require.ErrorIs(t, err, ErrSecretMissing)
	assert.Equal(t, auction.KindIntegrity, auction.KindOf(err))
	assert.False(t, auction.KindOf(err).Retryable())
	assert.Contains(t, err.Error(), "cannot be revealed")
	assert.Contains(t, err.Error(), "refund from height 21")
}

func TestReveal_ForeignCommitment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})
	c := placeAndSync(t, chain, b, 7)
	c.BidderAddress = newAddress(t)

	chain.SetHeight(12)
	_, err := b.Reveal(ctx, c)
	require.ErrorIs(t, err, ErrNotOwnBid)
}

func TestRefund_Unrevealed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})
	c := placeAndSync(t, chain, b, 7)

	chain.SetHeight(20)
	_, err := b.Refund(ctx, c)
	require.ErrorIs(t, err, lifecycle.ErrRefundTooEarly)
	next, ok := auction.NextWindowOf(err)
	require.True(t, ok)
	assert.Equal(t, auction.Window{From: 21}, next)

	chain.SetHeight(21)
	txID, err := b.Refund(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	assert.True(t, chain.Refunded(c.BoxID))

	_, err = b.vault.GetSaltForBox(ctx, c.BoxID)
	require.ErrorIs(t, err, vault.ErrSecretNotFound)
}

func TestRefund_NotSelected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{AllowMultipleBids: true})
	loser := placeAndSync(t, chain, b, 9)
	winner := placeAndSync(t, chain, b, 4)

	chain.SetHeight(12)
	n, err := b.RevealAll(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	chain.SetHeight(21)
	recordWinner(t, chain, b, winner)

	refunded, err := b.RefundAll(ctx, task.ID, []auction.BoxID{loser.BoxID, winner.BoxID, "someone-else"})
	require.Error(t, err)
	assert.Equal(t, []auction.BoxID{loser.BoxID}, refunded)
	assert.True(t, chain.Refunded(loser.BoxID))
	assert.False(t, chain.Refunded(winner.BoxID))
}

func TestRefund_RevealedBeforeSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})
	c := placeAndSync(t, chain, b, 9)

	chain.SetHeight(12)
	_, err := b.Reveal(ctx, c)
	require.NoError(t, err)

	chain.SetHeight(21)
	before := len(chain.Submitted())
	_, err = b.Refund(ctx, c)
	require.ErrorIs(t, err, lifecycle.ErrSelectionClosed)
	assert.Equal(t, auction.KindPhaseViolation, auction.KindOf(err))
	assert.Len(t, chain.Submitted(), before)
	assert.False(t, chain.Refunded(c.BoxID))

	// A staged selection doesn't settle the task yet.
	require.NoError(t, b.selections.SaveSelection(ctx, coordinator.Selection{
		TaskID: task.ID,
		Winner: auction.RevealedBid{TaskID: task.ID, BoxID: "other"},
	}))
	_, err = b.Refund(ctx, c)
	require.ErrorIs(t, err, lifecycle.ErrSelectionClosed)
	assert.Len(t, chain.Submitted(), before)

	_, err = b.vault.GetSaltForBox(ctx, c.BoxID)
	require.NoError(t, err)
}

func TestRefund_Winner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{})
	c := placeAndSync(t, chain, b, 9)

	chain.SetHeight(12)
	_, err := b.Reveal(ctx, c)
	require.NoError(t, err)
	chain.SetHeight(21)
	recordWinner(t, chain, b, c)

	before := len(chain.Submitted())
	_, err = b.Refund(ctx, c)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	assert.Equal(t, auction.KindValidation, auction.KindOf(err))
	assert.Len(t, chain.Submitted(), before)
	assert.False(t, chain.Refunded(c.BoxID))
}

func TestRevealAll_CollectsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chain, b := newBidder(t, Config{AllowMultipleBids: true})
	ok := placeAndSync(t, chain, b, 3)
	lost := placeAndSync(t, chain, b, 5)
	require.NoError(t, b.vault.Purge(ctx, lost.BoxID))

	chain.SetHeight(15)
	n, err := b.RevealAll(ctx, task.ID)
	assert.Equal(t, 1, n)
	require.ErrorIs(t, err, ErrSecretMissing)

	pending, err := b.PendingReveals(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, lost.BoxID, pending[0].BoxID)
	assert.NotEqual(t, ok.BoxID, pending[0].BoxID)
}

func TestNew(t *testing.T) {
	t.Parallel()
	chain := fakechain.New(1)
	addr := newAddress(t)
	v, err := vault.New(dssync.MutexWrap(ds.NewMapDatastore()), addr)
	require.NoError(t, err)

	selections := coordinator.NewMemorySelections()
	_, err = New(Config{Address: "not-an-address"}, v, chain, chain, chain, selections)
	require.Error(t, err)
	_, err = New(Config{Address: newAddress(t)}, v, chain, chain, chain, selections)
	require.Error(t, err)
	_, err = New(Config{Address: addr}, v, chain, chain, chain, nil)
	require.Error(t, err)
	_, err = New(Config{Address: addr}, v, chain, chain, chain, selections)
	require.NoError(t, err)
}

func placeAndSync(t *testing.T, chain *fakechain.Chain, b *Bidder, amount uint64) auction.BidCommitment {
	ctx := context.Background()
	pb, err := b.PlaceBid(ctx, task, amount)
	require.NoError(t, err)
	_, err = b.Sync(ctx, task.ID)
	require.NoError(t, err)
	cs, err := chain.GetCommitments(ctx, task.ID)
	require.NoError(t, err)
	for _, c := range cs {
		if c.CommitHash == pb.CommitHash {
			return c
		}
	}
	t.Fatalf("commitment %s not found", pb.CommitHash)
	return auction.BidCommitment{}
}

func mustPending(t *testing.T, b *Bidder) vault.PendingSecret {
	pending, err := b.vault.ListPending(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func newBidder(t *testing.T, conf Config) (*fakechain.Chain, *Bidder) {
	chain := fakechain.New(1)
	chain.AddTask(task)
	conf.Address = newAddress(t)
	conf.Retry = fastRetry
	v, err := vault.New(dssync.MutexWrap(ds.NewMapDatastore()), conf.Address)
	require.NoError(t, err)
	b, err := New(conf, v, chain, chain, chain, coordinator.NewMemorySelections())
	require.NoError(t, err)
	return chain, b
}

// recordWinner selects c on the ledger and records the confirmed selection.
func recordWinner(t *testing.T, chain *fakechain.Chain, b *Bidder, c auction.BidCommitment) {
	ctx := context.Background()
	txID, err := chainapi.SignAndSubmit(ctx, chain, chainapi.UnsignedTx{Kind: chainapi.TxSelect, TaskID: task.ID, BoxID: c.BoxID})
	require.NoError(t, err)
	require.NoError(t, b.selections.SaveSelection(ctx, coordinator.Selection{
		TaskID: task.ID,
		Winner: auction.RevealedBid{TaskID: task.ID, BoxID: c.BoxID, BidderAddress: c.BidderAddress},
	}))
	require.NoError(t, b.selections.ConfirmSelection(ctx, task.ID, txID))
}

func newAddress(t *testing.T) string {
	content := make([]byte, 33)
	_, err := rand.Read(content)
	require.NoError(t, err)
	addr, err := commitment.EncodeAddress(commitment.NetworkTestnet, commitment.TypeP2PK, content)
	require.NoError(t, err)
	return addr
}
