package monitor

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/indexer"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// ChainReader is the subset of the node API the monitor needs.
// connection.FailoverClient implements it.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
}

// CursorStore persists the highest block whose events are all committed
type CursorStore interface {
	GetLatestProcessedBlock(ctx context.Context) (uint64, bool, error)
	SetLatestProcessedBlock(ctx context.Context, blockNumber uint64) error
}

// Monitor defines the event monitor interface
type Monitor interface {
	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool

	// Event monitoring
	PollOnce(ctx context.Context) (*RangeResult, error)
	ProcessBlockRange(ctx context.Context, fromBlock, toBlock uint64) (*RangeResult, error)
	Backfill(ctx context.Context, fromBlock, toBlock uint64) (*RangeResult, error)

	// Statistics and monitoring
	GetStats() *MonitorStats
	GetHealth() *HealthStatus
}

// EventMonitor polls the marketplace contract and feeds its events to the indexer
type EventMonitor struct {
	// Dependencies
	chain     ChainReader
	cursor    CursorStore
	processor indexer.Processor
	parser    *EventParser
	logger    *logrus.Entry

	// Configuration
	config *MonitorConfig

	// State management
	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Statistics
	statsMu sync.RWMutex
	stats   *MonitorStats
	metrics *metrics.PrometheusMetrics
}

// MonitorConfig holds monitor configuration
type MonitorConfig struct {
	ContractAddress    common.Address `json:"contract_address"`
	PollInterval       time.Duration  `json:"poll_interval"`
	BatchSize          int            `json:"batch_size"`
	ConfirmationBlocks int            `json:"confirmation_blocks"`
	StartBlock         uint64         `json:"start_block"`
}

// NewMonitorConfig builds the monitor configuration from application settings
func NewMonitorConfig(chain *config.ChainConfig, mon *config.MonitorConfig) *MonitorConfig {
	return &MonitorConfig{
		ContractAddress:    common.HexToAddress(chain.ContractAddress),
		PollInterval:       mon.PollInterval,
		BatchSize:          mon.BatchSize,
		ConfirmationBlocks: mon.ConfirmationBlocks,
		StartBlock:         mon.StartBlock,
	}
}

// RangeResult contains the result of processing a block range
type RangeResult struct {
	FromBlock       uint64        `json:"from_block"`
	ToBlock         uint64        `json:"to_block"`
	BlocksProcessed uint64        `json:"blocks_processed"`
	LogsFetched     int           `json:"logs_fetched"`
	RemovedLogs     int           `json:"removed_logs"`
	IgnoredLogs     int           `json:"ignored_logs"`
	Applied         int           `json:"applied"`
	Skipped         int           `json:"skipped"`
	Ignored         int           `json:"ignored"`
	Duplicates      int           `json:"duplicates"`
	ProcessingTime  time.Duration `json:"processing_time"`
}

// MonitorStats provides monitoring statistics
type MonitorStats struct {
	StartTime            time.Time  `json:"start_time"`
	IsRunning            bool       `json:"is_running"`
	HeadBlock            uint64     `json:"head_block"`
	LatestProcessedBlock uint64     `json:"latest_processed_block"`
	BlocksBehind         uint64     `json:"blocks_behind"`
	TotalBlocksProcessed uint64     `json:"total_blocks_processed"`
	TotalLogsFetched     uint64     `json:"total_logs_fetched"`
	TotalEventsIndexed   uint64     `json:"total_events_indexed"`
	LastPollAt           *time.Time `json:"last_poll_at,omitempty"`
	ErrorCount           uint64     `json:"error_count"`
	LastError            *string    `json:"last_error,omitempty"`
	LastErrorTime        *time.Time `json:"last_error_time,omitempty"`
}

// HealthStatus provides health information
type HealthStatus struct {
	Healthy      bool     `json:"healthy"`
	Running      bool     `json:"running"`
	BlocksBehind uint64   `json:"blocks_behind"`
	Issues       []string `json:"issues,omitempty"`
}

var _ Monitor = (*EventMonitor)(nil)

// NewEventMonitor creates a new event monitor. metricsManager may be nil.
func NewEventMonitor(
	chain ChainReader,
	cursor CursorStore,
	processor indexer.Processor,
	cfg *MonitorConfig,
	metricsManager *metrics.Manager,
) (*EventMonitor, error) {
	if cfg.BatchSize <= 0 {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Batch size must be positive", "")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Contract address is required", "")
	}

	parser, err := NewEventParser(metricsManager)
	if err != nil {
		return nil, err
	}

	em := &EventMonitor{
		chain:     chain,
		cursor:    cursor,
		processor: processor,
		parser:    parser,
		config:    cfg,
		logger:    utils.ComponentLogger("monitor"),
		stats: &MonitorStats{
			StartTime: time.Now(),
		},
	}
	if metricsManager != nil {
		em.metrics = metricsManager.GetPrometheusMetrics()
	}
	return em, nil
}

// Start starts the polling loop in the background
func (em *EventMonitor) Start(ctx context.Context) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Monitor already running", "")
	}
	if em.config.PollInterval <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Poll interval must be positive", "")
	}

	em.running = true
	em.stopChan = make(chan struct{})
	em.setRunning(true)

	em.wg.Add(1)
	go em.monitoringLoop(ctx, em.stopChan)

	em.logger.WithFields(logrus.Fields{
		"contract":      em.config.ContractAddress.Hex(),
		"poll_interval": em.config.PollInterval,
		"batch_size":    em.config.BatchSize,
		"confirmations": em.config.ConfirmationBlocks,
	}).Info("Event monitor started")

	return nil
}

// Stop stops the polling loop and waits for the current round to finish
func (em *EventMonitor) Stop() error {
	em.mu.Lock()
	if !em.running {
		em.mu.Unlock()
		return nil
	}
	em.running = false
	close(em.stopChan)
	em.mu.Unlock()

	em.wg.Wait()
	em.setRunning(false)

	em.logger.Info("Event monitor stopped")
	return nil
}

// IsRunning returns whether the monitor is running
func (em *EventMonitor) IsRunning() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.running
}

// monitoringLoop is the main monitoring loop
func (em *EventMonitor) monitoringLoop(ctx context.Context, stop <-chan struct{}) {
	defer em.wg.Done()

	ticker := time.NewTicker(em.config.PollInterval)
	defer ticker.Stop()

	for {
		em.catchUp(ctx, stop)

		select {
		case <-ctx.Done():
			em.logger.Info("Monitoring loop stopped by context")
			return
		case <-stop:
			em.logger.Info("Monitoring loop stopped by stop signal")
			return
		case <-ticker.C:
		}
	}
}

// catchUp polls batch after batch until the confirmed head is reached or a round fails
func (em *EventMonitor) catchUp(ctx context.Context, stop <-chan struct{}) {
	for {
		result, err := em.PollOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				em.logger.WithError(err).Error("Polling round failed, will retry on next tick")
				em.recordError(err)
			}
			return
		}
		if result == nil || em.blocksBehind() == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
	}
}

// PollOnce processes the next batch of confirmed blocks after the cursor and
// advances the cursor. It returns nil when there is nothing new.
func (em *EventMonitor) PollOnce(ctx context.Context) (*RangeResult, error) {
	head, err := em.chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	em.statsMu.Lock()
	em.stats.HeadBlock = head
	em.stats.LastPollAt = &now
	em.statsMu.Unlock()

	confirmations := uint64(em.config.ConfirmationBlocks)
	if head < confirmations {
		return nil, nil
	}
	confirmed := head - confirmations

	fromBlock := em.config.StartBlock
	cursor, ok, err := em.cursor.GetLatestProcessedBlock(ctx)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get latest processed block", err.Error())
	}
	if ok {
		fromBlock = cursor + 1
	}

	if fromBlock > confirmed {
		em.updateProgress(head, fromBlock-1)
		return nil, nil
	}

	toBlock := confirmed
	if toBlock-fromBlock+1 > uint64(em.config.BatchSize) {
		toBlock = fromBlock + uint64(em.config.BatchSize) - 1
	}

	em.logger.WithFields(logrus.Fields{
		"from":      fromBlock,
		"to":        toBlock,
		"head":      head,
		"confirmed": confirmed,
	}).Debug("Processing block range")

	result, err := em.ProcessBlockRange(ctx, fromBlock, toBlock)
	if err != nil {
		return result, err
	}

	if err := em.cursor.SetLatestProcessedBlock(ctx, toBlock); err != nil {
		return result, utils.NewAppError(utils.ErrCodeDatabase, "Failed to update latest processed block", err.Error())
	}
	em.updateProgress(head, toBlock)

	return result, nil
}

// Backfill processes a fixed block range once, in batch-size chunks. Events
// already indexed come back as duplicates. The cursor is left untouched.
func (em *EventMonitor) Backfill(ctx context.Context, fromBlock, toBlock uint64) (*RangeResult, error) {
	if fromBlock > toBlock {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid block range",
			"from block must not exceed to block")
	}

	em.logger.WithFields(logrus.Fields{"from": fromBlock, "to": toBlock}).Info("Starting backfill")

	total := &RangeResult{FromBlock: fromBlock, ToBlock: toBlock}
	start := time.Now()
	batch := uint64(em.config.BatchSize)

	for from := fromBlock; from <= toBlock; {
		to := toBlock
		if to-from+1 > batch {
			to = from + batch - 1
		}

		result, err := em.ProcessBlockRange(ctx, from, to)
		if result != nil {
			total.merge(result)
		}
		if err != nil {
			total.ProcessingTime = time.Since(start)
			return total, err
		}

		if to == toBlock {
			break
		}
		from = to + 1
	}

	total.ProcessingTime = time.Since(start)
	em.logger.WithFields(logrus.Fields{
		"from":       fromBlock,
		"to":         toBlock,
		"applied":    total.Applied,
		"duplicates": total.Duplicates,
		"duration":   total.ProcessingTime,
	}).Info("Backfill completed")

	return total, nil
}

// ProcessBlockRange fetches, decodes and indexes every marketplace log in
// [fromBlock, toBlock] in chain order. It stops at the first failure.
func (em *EventMonitor) ProcessBlockRange(ctx context.Context, fromBlock, toBlock uint64) (*RangeResult, error) {
	start := time.Now()
	result := &RangeResult{FromBlock: fromBlock, ToBlock: toBlock}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{em.config.ContractAddress},
		Topics:    [][]common.Hash{em.parser.Topics()},
	}

	logs, err := em.chain.FilterLogs(ctx, query)
	if err != nil {
		return result, err
	}
	result.LogsFetched = len(logs)

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	enricher := newLogEnricher(em.chain)
	for _, log := range logs {
		if log.Removed {
			result.RemovedLogs++
			continue
		}

		ev, err := em.parser.ParseLog(log)
		if err != nil {
			return result, err
		}
		if ev == nil {
			result.IgnoredLogs++
			continue
		}

		if err := enricher.enrich(ctx, ev.Meta(), log); err != nil {
			return result, err
		}

		processed, err := em.processor.Process(ctx, ev)
		if err != nil {
			return result, err
		}
		result.add(processed.Status)
	}

	result.BlocksProcessed = toBlock - fromBlock + 1
	result.ProcessingTime = time.Since(start)

	em.statsMu.Lock()
	em.stats.TotalBlocksProcessed += result.BlocksProcessed
	em.stats.TotalLogsFetched += uint64(result.LogsFetched)
	em.stats.TotalEventsIndexed += uint64(result.Applied + result.Skipped + result.Ignored)
	em.statsMu.Unlock()

	if em.metrics != nil {
		em.metrics.RecordBlocksProcessed(result.BlocksProcessed)
	}

	em.logger.WithFields(logrus.Fields{
		"from":       fromBlock,
		"to":         toBlock,
		"logs":       result.LogsFetched,
		"applied":    result.Applied,
		"skipped":    result.Skipped,
		"duplicates": result.Duplicates,
		"duration":   result.ProcessingTime,
	}).Debug("Block range processed")

	return result, nil
}

func (r *RangeResult) add(status indexer.Status) {
	switch status {
	case indexer.StatusApplied:
		r.Applied++
	case indexer.StatusSkippedMissingNFT:
		r.Skipped++
	case indexer.StatusIgnored:
		r.Ignored++
	case indexer.StatusDuplicate:
		r.Duplicates++
	}
}

func (r *RangeResult) merge(o *RangeResult) {
	r.BlocksProcessed += o.BlocksProcessed
	r.LogsFetched += o.LogsFetched
	r.RemovedLogs += o.RemovedLogs
	r.IgnoredLogs += o.IgnoredLogs
	r.Applied += o.Applied
	r.Skipped += o.Skipped
	r.Ignored += o.Ignored
	r.Duplicates += o.Duplicates
}

// GetStats returns a snapshot of monitor statistics
func (em *EventMonitor) GetStats() *MonitorStats {
	em.statsMu.RLock()
	defer em.statsMu.RUnlock()
	s := *em.stats
	return &s
}

// GetHealth reports whether the monitor is running and keeping up
func (em *EventMonitor) GetHealth() *HealthStatus {
	stats := em.GetStats()
	health := &HealthStatus{
		Healthy:      true,
		Running:      em.IsRunning(),
		BlocksBehind: stats.BlocksBehind,
	}

	if !health.Running {
		health.Healthy = false
		health.Issues = append(health.Issues, "monitor is not running")
	}
	if stats.LastErrorTime != nil && (stats.LastPollAt == nil || stats.LastErrorTime.After(*stats.LastPollAt)) {
		health.Healthy = false
		health.Issues = append(health.Issues, "last polling round failed: "+*stats.LastError)
	}

	return health
}

func (em *EventMonitor) setRunning(running bool) {
	em.statsMu.Lock()
	em.stats.IsRunning = running
	em.statsMu.Unlock()
	if em.metrics != nil {
		em.metrics.UpdateComponentHealth("monitor", running)
	}
}

func (em *EventMonitor) blocksBehind() uint64 {
	em.statsMu.RLock()
	defer em.statsMu.RUnlock()
	return em.stats.BlocksBehind
}

// updateProgress records the distance between the head and the last processed
// block. Confirmation blocks count as behind.
func (em *EventMonitor) updateProgress(head, processed uint64) {
	var behind uint64
	if head > processed+uint64(em.config.ConfirmationBlocks) {
		behind = head - processed - uint64(em.config.ConfirmationBlocks)
	}

	em.statsMu.Lock()
	em.stats.LatestProcessedBlock = processed
	em.stats.BlocksBehind = behind
	em.statsMu.Unlock()

	if em.metrics != nil {
		em.metrics.UpdateBlocksBehind(behind)
	}
}

func (em *EventMonitor) recordError(err error) {
	msg := err.Error()
	now := time.Now()

	em.statsMu.Lock()
	em.stats.ErrorCount++
	em.stats.LastError = &msg
	em.stats.LastErrorTime = &now
	em.statsMu.Unlock()
}

// logEnricher fills block timestamp and gas data into event metadata,
// caching headers and receipts for the duration of one range.
type logEnricher struct {
	chain    ChainReader
	headers  map[uint64]uint64
	receipts map[common.Hash]*types.Receipt
	prices   map[common.Hash]*big.Int
}

func newLogEnricher(chain ChainReader) *logEnricher {
	return &logEnricher{
		chain:    chain,
		headers:  make(map[uint64]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		prices:   make(map[common.Hash]*big.Int),
	}
}

func (le *logEnricher) enrich(ctx context.Context, meta *models.EventMeta, log types.Log) error {
	timestamp, ok := le.headers[log.BlockNumber]
	if !ok {
		header, err := le.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(log.BlockNumber))
		if err != nil {
			return err
		}
		timestamp = header.Time
		le.headers[log.BlockNumber] = timestamp
	}
	meta.BlockTimestamp = timestamp

	receipt, ok := le.receipts[log.TxHash]
	if !ok {
		var err error
		receipt, err = le.chain.TransactionReceipt(ctx, log.TxHash)
		if err != nil {
			return err
		}
		le.receipts[log.TxHash] = receipt
	}
	meta.GasUsed = new(big.Int).SetUint64(receipt.GasUsed)

	price, err := le.gasPrice(ctx, log.TxHash, receipt)
	if err != nil {
		return err
	}
	meta.GasPrice = new(big.Int).Set(price)
	return nil
}

// gasPrice prefers the receipt's effective price and falls back to the
// price in the transaction itself
func (le *logEnricher) gasPrice(ctx context.Context, txHash common.Hash, receipt *types.Receipt) (*big.Int, error) {
	if receipt.EffectiveGasPrice != nil && receipt.EffectiveGasPrice.Sign() > 0 {
		return receipt.EffectiveGasPrice, nil
	}
	if price, ok := le.prices[txHash]; ok {
		return price, nil
	}

	tx, _, err := le.chain.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	price := tx.GasPrice()
	if price == nil {
		price = new(big.Int)
	}
	le.prices[txHash] = price
	return price, nil
}
