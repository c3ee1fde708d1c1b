package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

// WithTx times the whole transaction and meters each write inside it
func (s *StorageWithMetrics) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.metricsManager == nil {
		return s.Storage.WithTx(ctx, fn)
	}

	start := time.Now()
	err := s.Storage.WithTx(ctx, func(tx Tx) error {
		return fn(&meteredTx{Tx: tx, metrics: s.metricsManager.GetPrometheusMetrics()})
	})

	outcome := "committed"
	if err != nil {
		outcome = "rolled_back"
	}
	s.metricsManager.GetPrometheusMetrics().RecordStoreTransaction(outcome, time.Since(start))
	return err
}

// SetLatestProcessedBlock persists the cursor and publishes it as a gauge
func (s *StorageWithMetrics) SetLatestProcessedBlock(ctx context.Context, blockNumber uint64) error {
	start := time.Now()
	err := s.Storage.SetLatestProcessedBlock(ctx, blockNumber)
	if s.metricsManager != nil {
		m := s.metricsManager.GetPrometheusMetrics()
		m.RecordDatabaseOperation("upsert", "system_state", status(err), time.Since(start))
		if err == nil {
			m.UpdateLatestProcessedBlock(blockNumber)
		}
	}
	return err
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type meteredTx struct {
	Tx
	metrics *metrics.PrometheusMetrics
}

func (t *meteredTx) record(table string, start time.Time, err error) error {
	t.metrics.RecordDatabaseOperation("upsert", table, status(err), time.Since(start))
	return err
}

func (t *meteredTx) SaveUser(ctx context.Context, user *models.User) error {
	start := time.Now()
	return t.record("users", start, t.Tx.SaveUser(ctx, user))
}

func (t *meteredTx) SaveNFT(ctx context.Context, nft *models.NFT) error {
	start := time.Now()
	return t.record("nfts", start, t.Tx.SaveNFT(ctx, nft))
}

func (t *meteredTx) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	start := time.Now()
	return t.record("transactions", start, t.Tx.SaveTransaction(ctx, tx))
}

func (t *meteredTx) SaveTransfer(ctx context.Context, transfer *models.Transfer) error {
	start := time.Now()
	return t.record("transfers", start, t.Tx.SaveTransfer(ctx, transfer))
}

func (t *meteredTx) SaveGlobalStats(ctx context.Context, stats *models.GlobalStats) error {
	start := time.Now()
	return t.record("global_stats", start, t.Tx.SaveGlobalStats(ctx, stats))
}
