// File: internal/indexer/indexer.go
package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// Processor folds chain events into the entity store
type Processor interface {
	Process(ctx context.Context, ev models.ChainEvent) (*ProcessResult, error)
	ProcessBatch(ctx context.Context, events []models.ChainEvent) (*BatchProcessResult, error)
	GetStats() *IndexerStats
}

// Observer is notified after an event's unit of work has committed.
// Duplicates are not delivered. Implementations must not block.
type Observer interface {
	OnEventIndexed(result *ProcessResult)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(result *ProcessResult)

// OnEventIndexed calls f(result)
func (f ObserverFunc) OnEventIndexed(result *ProcessResult) { f(result) }

// ProcessResult contains the result of processing a single event
type ProcessResult struct {
	Key             models.EventKey   `json:"key"`
	Kind            models.EventKind  `json:"kind"`
	TransactionHash string            `json:"transactionHash"`
	Status          Status            `json:"status"`
	Event           models.ChainEvent `json:"-"`
	ProcessedAt     time.Time         `json:"processedAt"`
	ProcessingTime  time.Duration     `json:"processingTime"`
}

// BatchProcessResult contains the result of processing multiple events
type BatchProcessResult struct {
	TotalEvents    int              `json:"totalEvents"`
	Applied        int              `json:"applied"`
	Skipped        int              `json:"skipped"`
	Ignored        int              `json:"ignored"`
	Duplicates     int              `json:"duplicates"`
	ProcessingTime time.Duration    `json:"processingTime"`
	Results        []*ProcessResult `json:"results"`
}

func (b *BatchProcessResult) add(r *ProcessResult) {
	b.Results = append(b.Results, r)
	switch r.Status {
	case StatusApplied:
		b.Applied++
	case StatusSkippedMissingNFT:
		b.Skipped++
	case StatusIgnored:
		b.Ignored++
	case StatusDuplicate:
		b.Duplicates++
	}
}

// IndexerStats provides indexer statistics
type IndexerStats struct {
	StartTime             time.Time         `json:"start_time"`
	TotalEventsProcessed  uint64            `json:"total_events_processed"`
	EventsByStatus        map[Status]uint64 `json:"events_by_status"`
	AverageProcessingTime time.Duration     `json:"average_processing_time"`
	LastEventKey          *models.EventKey  `json:"last_event_key,omitempty"`
	ErrorCount            uint64            `json:"error_count"`
	LastError             *string           `json:"last_error,omitempty"`
	LastErrorTime         *time.Time        `json:"last_error_time,omitempty"`
}

// Indexer is the single writer of the entity store. Each event is one
// store transaction: the duplicate check, the handler writes, the stats
// update and the processed marker commit or roll back together.
type Indexer struct {
	storage storage.Storage
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry

	// serializes Process; events must be applied strictly in order
	processMu sync.Mutex

	observersMu sync.RWMutex
	observers   []Observer

	statsMu sync.RWMutex
	stats   *IndexerStats
}

var _ Processor = (*Indexer)(nil)

// New creates an indexer. metricsManager may be nil.
func New(store storage.Storage, metricsManager *metrics.Manager) *Indexer {
	ix := &Indexer{
		storage: store,
		logger:  utils.ComponentLogger("indexer"),
		stats: &IndexerStats{
			StartTime:      time.Now(),
			EventsByStatus: make(map[Status]uint64),
		},
	}
	if metricsManager != nil {
		ix.metrics = metricsManager.GetPrometheusMetrics()
	}
	return ix
}

// Subscribe registers o for committed events
func (ix *Indexer) Subscribe(o Observer) {
	ix.observersMu.Lock()
	defer ix.observersMu.Unlock()
	ix.observers = append(ix.observers, o)
}

// Process applies one event. A store or validation error aborts the event
// with nothing written; the same event can be delivered again.
func (ix *Indexer) Process(ctx context.Context, ev models.ChainEvent) (*ProcessResult, error) {
	ix.processMu.Lock()
	defer ix.processMu.Unlock()

	start := time.Now()
	if err := ValidateEvent(ev); err != nil {
		ix.recordError(ev, err)
		return nil, err
	}

	meta := ev.Meta()
	key := ev.Key()
	txHash := meta.TxHash.Hex()

	var outcome Outcome
	err := ix.storage.WithTx(ctx, func(tx storage.Tx) error {
		done, err := tx.IsEventProcessed(ctx, key)
		if err != nil {
			return err
		}
		if done {
			outcome = Outcome{Status: StatusDuplicate}
			return nil
		}

		stats, err := tx.GetGlobalStats(ctx)
		if err != nil {
			return err
		}
		if stats == nil {
			stats = models.NewGlobalStats()
		}

		outcome, err = Handle(ctx, tx, stats, ev)
		if err != nil {
			return err
		}
		if outcome.StatsChanged {
			if err := tx.SaveGlobalStats(ctx, stats); err != nil {
				return err
			}
		}
		return tx.MarkEventProcessed(ctx, key, ev.Kind(), txHash)
	})
	if err != nil {
		ix.recordError(ev, err)
		return nil, err
	}

	result := &ProcessResult{
		Key:             key,
		Kind:            ev.Kind(),
		TransactionHash: txHash,
		Status:          outcome.Status,
		Event:           ev,
		ProcessedAt:     time.Now(),
		ProcessingTime:  time.Since(start),
	}
	ix.recordResult(result)

	if result.Status != StatusDuplicate {
		ix.notify(result)
	}
	return result, nil
}

// ProcessBatch sorts events into chain order and applies them one by one.
// It stops at the first error; events before it stay committed.
func (ix *Indexer) ProcessBatch(ctx context.Context, events []models.ChainEvent) (*BatchProcessResult, error) {
	start := time.Now()

	ordered := make([]models.ChainEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Key().Less(ordered[j].Key())
	})

	batch := &BatchProcessResult{
		TotalEvents: len(ordered),
		Results:     make([]*ProcessResult, 0, len(ordered)),
	}
	for _, ev := range ordered {
		if err := ctx.Err(); err != nil {
			batch.ProcessingTime = time.Since(start)
			return batch, err
		}
		result, err := ix.Process(ctx, ev)
		if err != nil {
			batch.ProcessingTime = time.Since(start)
			return batch, fmt.Errorf("event %s (%s): %w", ev.Key(), ev.Kind(), err)
		}
		batch.add(result)
	}

	batch.ProcessingTime = time.Since(start)
	return batch, nil
}

// GetStats returns a snapshot of indexer statistics
func (ix *Indexer) GetStats() *IndexerStats {
	ix.statsMu.RLock()
	defer ix.statsMu.RUnlock()

	snapshot := *ix.stats
	snapshot.EventsByStatus = make(map[Status]uint64, len(ix.stats.EventsByStatus))
	for k, v := range ix.stats.EventsByStatus {
		snapshot.EventsByStatus[k] = v
	}
	return &snapshot
}

func (ix *Indexer) notify(result *ProcessResult) {
	ix.observersMu.RLock()
	defer ix.observersMu.RUnlock()
	for _, o := range ix.observers {
		o.OnEventIndexed(result)
	}
}

func (ix *Indexer) recordResult(result *ProcessResult) {
	fields := logrus.Fields{
		"event":  result.Kind,
		"block":  result.Key.BlockNumber,
		"log":    result.Key.LogIndex,
		"tx":     result.TransactionHash,
		"status": result.Status,
	}
	switch result.Status {
	case StatusSkippedMissingNFT:
		ix.logger.WithFields(fields).Warn("Event references an NFT that was never minted, skipping")
	case StatusDuplicate:
		ix.logger.WithFields(fields).Debug("Event already processed")
	default:
		ix.logger.WithFields(fields).Debug("Event processed")
	}

	if ix.metrics != nil {
		ix.metrics.RecordEventProcessed(string(result.Kind), string(result.Status), result.ProcessingTime)
		if result.Status == StatusSkippedMissingNFT {
			ix.metrics.RecordMissingNFT(string(result.Kind))
		}
	}

	ix.statsMu.Lock()
	defer ix.statsMu.Unlock()
	s := ix.stats
	s.TotalEventsProcessed++
	s.EventsByStatus[result.Status]++
	key := result.Key
	s.LastEventKey = &key
	n := time.Duration(s.TotalEventsProcessed)
	s.AverageProcessingTime = (s.AverageProcessingTime*(n-1) + result.ProcessingTime) / n
}

func (ix *Indexer) recordError(ev models.ChainEvent, err error) {
	entry := ix.logger.WithError(err)
	kind := "unknown"
	if ev != nil {
		kind = string(ev.Kind())
		entry = entry.WithFields(logrus.Fields{
			"event": ev.Kind(),
			"block": ev.Key().BlockNumber,
			"log":   ev.Key().LogIndex,
		})
	}
	entry.Error("Failed to process event")

	if ix.metrics != nil {
		ix.metrics.RecordEventProcessed(kind, "error", 0)
	}

	ix.statsMu.Lock()
	defer ix.statsMu.Unlock()
	msg := err.Error()
	now := time.Now()
	ix.stats.ErrorCount++
	ix.stats.LastError = &msg
	ix.stats.LastErrorTime = &now
}
