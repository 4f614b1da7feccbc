package vault

import (
	"context"
	"sync"
	"testing"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/logging"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	badger "github.com/textileio/go-ds-badger3"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"bidcore/vault": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestVault_StoreAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := newVault(t, newMapStore(), "alice")

	salt := auction.Salt{1, 2, 3}
	require.NoError(t, v.StoreSalt(ctx, "t1", "box1", salt, 5))
	require.NoError(t, v.StoreSalt(ctx, "t1", "box2", auction.Salt{9}, 3))
	require.NoError(t, v.StoreSalt(ctx, "t2", "box3", auction.Salt{7}, 8))

	rec, err := v.GetSaltForBox(ctx, "box1")
	require.NoError(t, err)
	assert.Equal(t, auction.TaskID("t1"), rec.TaskID)
	assert.Equal(t, salt, rec.Salt)
	assert.Equal(t, uint64(5), rec.BidAmount)
	assert.NotContains(t, rec.String(), salt.Hex())

	recs, err := v.GetSaltsForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, auction.BoxID("box1"), recs[0].BoxID)
	assert.Equal(t, auction.BoxID("box2"), recs[1].BoxID)

	_, err = v.GetSaltForBox(ctx, "missing")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVault_StoreIsIdempotentAndDetectsConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := newVault(t, newMapStore(), "alice")

	require.NoError(t, v.StoreSalt(ctx, "t1", "box1", auction.Salt{1}, 5))
	require.NoError(t, v.StoreSalt(ctx, "t1", "box1", auction.Salt{1}, 5))

	err := v.StoreSalt(ctx, "t1", "box1", auction.Salt{2}, 5)
	require.ErrorIs(t, err, ErrSecretConflict)

	rec, err := v.GetSaltForBox(ctx, "box1")
	require.NoError(t, err)
	assert.Equal(t, auction.Salt{1}, rec.Salt)
}

func TestVault_ConcurrentStoreSameBox(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := newVault(t, newMapStore(), "alice")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := v.StoreSalt(ctx, "t1", "box1", auction.Salt{byte(i + 1)}, uint64(i+1))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrSecretConflict)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestVault_NamespacedPerBidder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMapStore()
	alice := newVault(t, store, "alice")
	bob := newVault(t, store, "bob")

	require.NoError(t, alice.StoreSalt(ctx, "t1", "box1", auction.Salt{1}, 5))

	_, err := bob.GetSaltForBox(ctx, "box1")
	require.ErrorIs(t, err, ErrSecretNotFound)
	recs, err := bob.GetSaltsForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestVault_PendingLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := newVault(t, newMapStore(), "alice")

	digest := auction.Digest{0xaa}
	id1, err := v.StagePending(ctx, "t1", digest, auction.Salt{1}, 5)
	require.NoError(t, err)
	id2, err := v.StagePending(ctx, "t1", auction.Digest{0xbb}, auction.Salt{2}, 6)
	require.NoError(t, err)
	assert.Less(t, id1, id2)

	pending, err := v.ListPending(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, digest, pending[0].CommitHash)

	require.NoError(t, v.ConfirmPending(ctx, "t1", id1, "box1"))
	rec, err := v.GetSaltForBox(ctx, "box1")
	require.NoError(t, err)
	assert.Equal(t, auction.Salt{1}, rec.Salt)

	require.ErrorIs(t, v.ConfirmPending(ctx, "t1", id1, "box1"), ErrPendingNotFound)
	require.NoError(t, v.DiscardPending(ctx, "t1", id2))

	pending, err = v.ListPending(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = v.StagePending(ctx, "t1", auction.Digest{}, auction.Salt{1}, 5)
	require.Error(t, err)
}

func TestVault_Purge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := newVault(t, newMapStore(), "alice")

	require.NoError(t, v.StoreSalt(ctx, "t1", "box1", auction.Salt{1}, 5))
	require.NoError(t, v.Purge(ctx, "box1"))
	_, err := v.GetSaltForBox(ctx, "box1")
	require.ErrorIs(t, err, ErrSecretNotFound)
	require.ErrorIs(t, v.Purge(ctx, "box1"), ErrSecretNotFound)
}

func TestVault_SurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := badger.NewDatastore(dir, &badger.DefaultOptions)
	require.NoError(t, err)
	v := newVault(t, store, "alice")
	require.NoError(t, v.StoreSalt(ctx, "t1", "box1", auction.Salt{4, 2}, 42))
	require.NoError(t, store.Close())

	store, err = badger.NewDatastore(dir, &badger.DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	v = newVault(t, store, "alice")
	rec, err := v.GetSaltForBox(ctx, "box1")
	require.NoError(t, err)
	assert.Equal(t, auction.Salt{4, 2}, rec.Salt)
	assert.Equal(t, uint64(42), rec.BidAmount)
}

func TestVault_InvalidIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, err := New(newMapStore(), "")
	require.Error(t, err)

	v := newVault(t, newMapStore(), "alice")
	err = v.StoreSalt(ctx, "t/1", "box1", auction.Salt{1}, 5)
	require.Error(t, err)
	assert.Equal(t, auction.KindValidation, auction.KindOf(err))
}

func newMapStore() ds.Batching {
	return dssync.MutexWrap(ds.NewMapDatastore())
}

func newVault(t *testing.T, store ds.Batching, bidder string) *Vault {
	v, err := New(store, bidder)
	require.NoError(t, err)
	return v
}
