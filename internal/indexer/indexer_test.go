package indexer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

func globalStats(t *testing.T, store storage.Storage) *models.GlobalStats {
	t.Helper()
	stats, err := store.GetGlobalStats(context.Background())
	require.NoError(t, err)
	if stats == nil {
		return models.NewGlobalStats()
	}
	return stats
}

func user(t *testing.T, store storage.Storage, id string) *models.User {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u, "user %s", id)
	return u
}

func TestEndToEndScenario(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx := context.Background()

	_, err := ix.ProcessBatch(ctx, []models.ChainEvent{
		minted(1, 0, 1, addrA, big.NewInt(100)),
		transferred(2, 0, 1, addrA, addrB),
		priceUpdated(3, 0, 1, big.NewInt(150)),
	})
	require.NoError(t, err)

	nft, err := store.GetNFT(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, nft)
	assert.Equal(t, utils.AddressID(addrB), nft.Owner)
	assert.Equal(t, utils.AddressID(addrA), nft.Creator)
	assert.Equal(t, int64(150), nft.Price.Int64())

	a := user(t, store, utils.AddressID(addrA))
	assert.Equal(t, uint64(1), a.TotalNFTsCreated)
	assert.Equal(t, uint64(0), a.TotalNFTsOwned)
	assert.Equal(t, uint64(2), a.TotalTransactions)

	b := user(t, store, utils.AddressID(addrB))
	assert.Equal(t, uint64(0), b.TotalNFTsCreated)
	assert.Equal(t, uint64(1), b.TotalNFTsOwned)
	assert.Equal(t, uint64(1), b.TotalTransactions)

	stats := globalStats(t, store)
	assert.Equal(t, uint64(1), stats.TotalNFTs)
	assert.Equal(t, uint64(2), stats.TotalUsers)
	assert.Equal(t, uint64(2), stats.TotalTransactions)
	assert.Equal(t, int64(100), stats.TotalVolume.Int64())

	txs, err := store.ListTransactions(ctx, models.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, models.TransactionPriceUpdate, txs[0].Type)
	assert.Equal(t, models.TransactionMint, txs[2].Type)
}

func TestVolumeAggregation(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx := context.Background()

	batch, err := ix.ProcessBatch(ctx, []models.ChainEvent{
		minted(1, 0, 1, addrA, ether(10)),
		minted(1, 1, 2, addrA, ether(25)),
		minted(2, 0, 3, addrB, ether(1)),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Applied)
	assert.Equal(t, 0, globalStats(t, store).TotalVolume.Cmp(ether(36)))

	_, err = ix.Process(ctx, transferred(3, 0, 2, addrA, addrB))
	require.NoError(t, err)

	stats := globalStats(t, store)
	assert.Equal(t, 0, stats.TotalVolume.Cmp(ether(36)))
	assert.Equal(t, uint64(3), stats.TotalNFTs)
	assert.Equal(t, uint64(4), stats.TotalTransactions)
}

func TestUserCountedOnce(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx := context.Background()

	_, err := ix.ProcessBatch(ctx, []models.ChainEvent{
		minted(1, 0, 1, addrA, ether(1)),
		minted(2, 0, 2, addrA, ether(1)),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), globalStats(t, store).TotalUsers)
	assert.Equal(t, uint64(2), user(t, store, utils.AddressID(addrA)).TotalNFTsCreated)
}

func TestProcessBatchSortsIntoChainOrder(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx := context.Background()

	batch, err := ix.ProcessBatch(ctx, []models.ChainEvent{
		priceUpdated(3, 0, 1, big.NewInt(150)),
		transferred(2, 5, 1, addrA, addrB),
		minted(2, 1, 1, addrA, big.NewInt(100)),
	})
	require.NoError(t, err)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, models.KindMinted, batch.Results[0].Kind)
	assert.Equal(t, models.KindTransferred, batch.Results[1].Kind)
	assert.Equal(t, models.KindPriceUpdated, batch.Results[2].Kind)
	assert.Equal(t, 3, batch.Applied)

	nft, err := store.GetNFT(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, utils.AddressID(addrB), nft.Owner)
	assert.Equal(t, int64(150), nft.Price.Int64())
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx := context.Background()

	ev := minted(1, 0, 1, addrA, ether(10))
	first, err := ix.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, first.Status)

	second, err := ix.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)

	stats := globalStats(t, store)
	assert.Equal(t, uint64(1), stats.TotalNFTs)
	assert.Equal(t, uint64(1), stats.TotalTransactions)
	assert.Equal(t, 0, stats.TotalVolume.Cmp(ether(10)))
	assert.Equal(t, uint64(1), user(t, store, utils.AddressID(addrA)).TotalNFTsOwned)
}

func TestMissingNFTLeavesStoreUntouched(t *testing.T) {
	store := newSQLiteStorage(t)
	m := metrics.NewManager()
	ix := New(store, m)
	ctx := context.Background()

	for _, ev := range []models.ChainEvent{
		transferred(1, 0, 9, addrA, addrB),
		priceUpdated(1, 1, 9, ether(2)),
	} {
		res, err := ix.Process(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, StatusSkippedMissingNFT, res.Status)
	}

	st, err := store.GetStorageStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalUsers)
	assert.Zero(t, st.TotalNFTs)
	assert.Zero(t, st.TotalTransactions)
	assert.Zero(t, st.TotalTransfers)

	stats, err := store.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats)

	pm := m.GetPrometheusMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.MissingNFTEventsTotal.WithLabelValues(string(models.KindTransferred))))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.MissingNFTEventsTotal.WithLabelValues(string(models.KindPriceUpdated))))
}

// failingStorage injects an error into one write inside the transaction.
type failingStorage struct {
	storage.Storage
	failTransfer bool
}

type failingTx struct {
	storage.Tx
	fail bool
}

func (f *failingStorage) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return f.Storage.WithTx(ctx, func(tx storage.Tx) error {
		return fn(&failingTx{Tx: tx, fail: f.failTransfer})
	})
}

func (f *failingTx) SaveTransfer(ctx context.Context, t *models.Transfer) error {
	if f.fail {
		return utils.NewAppError(utils.ErrCodeDatabase, "disk full", "")
	}
	return f.Tx.SaveTransfer(ctx, t)
}

func TestStoreFailureLeavesNoPartialState(t *testing.T) {
	base := newSQLiteStorage(t)
	store := &failingStorage{Storage: base}
	ix := New(store, nil)
	ctx := context.Background()

	_, err := ix.Process(ctx, minted(1, 0, 1, addrA, ether(10)))
	require.NoError(t, err)
	before := globalStats(t, base)

	store.failTransfer = true
	ev := transferred(2, 0, 1, addrA, addrB)
	_, err = ix.Process(ctx, ev)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeDatabase))

	nft, err := base.GetNFT(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, utils.AddressID(addrA), nft.Owner)

	b, err := base.GetUser(ctx, utils.AddressID(addrB))
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, uint64(1), user(t, base, utils.AddressID(addrA)).TotalNFTsOwned)
	assert.Equal(t, before, globalStats(t, base))
	assert.Equal(t, uint64(1), ix.GetStats().ErrorCount)

	// Redelivery of the identical event succeeds once the store recovers.
	store.failTransfer = false
	res, err := ix.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, utils.AddressID(addrB), user(t, base, utils.AddressID(addrB)).ID)
	assert.Equal(t, before.TotalTransactions+1, globalStats(t, base).TotalTransactions)
}

func TestBatchStopsAtFirstError(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx := context.Background()

	batch, err := ix.ProcessBatch(ctx, []models.ChainEvent{
		minted(1, 0, 1, addrA, ether(1)),
		minted(2, 0, 2, addrA, big.NewInt(-5)),
		minted(3, 0, 3, addrA, ether(1)),
	})
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeValidation))
	assert.Len(t, batch.Results, 1)

	nft, err := store.GetNFT(ctx, "3")
	require.NoError(t, err)
	assert.Nil(t, nft)
}

func TestObserversSeeCommittedEvents(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx := context.Background()

	var seen []*ProcessResult
	ix.Subscribe(ObserverFunc(func(r *ProcessResult) { seen = append(seen, r) }))

	ev := minted(1, 0, 1, addrA, ether(1))
	_, err := ix.Process(ctx, ev)
	require.NoError(t, err)
	_, err = ix.Process(ctx, ev)
	require.NoError(t, err)
	_, err = ix.Process(ctx, rawTransfer(1, 1, 1, addrA, addrB))
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, StatusApplied, seen[0].Status)
	assert.Equal(t, ev.TxHash.Hex(), seen[0].TransactionHash)
	assert.Equal(t, StatusIgnored, seen[1].Status)

	stats := ix.GetStats()
	assert.Equal(t, uint64(3), stats.TotalEventsProcessed)
	assert.Equal(t, uint64(1), stats.EventsByStatus[StatusDuplicate])
}

func TestProcessHonoursCancelledContext(t *testing.T) {
	store := newSQLiteStorage(t)
	ix := New(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ix.ProcessBatch(ctx, []models.ChainEvent{minted(1, 0, 1, addrA, ether(1))})
	assert.True(t, errors.Is(err, context.Canceled))
}
