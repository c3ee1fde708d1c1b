package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/indexer"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

const (
	payloadSource  = "nft-marketplace-indexer"
	payloadVersion = "1.0"
)

// WebhookPayload is the body posted for every applied event
type WebhookPayload struct {
	Type            string            `json:"type"`
	Source          string            `json:"source"`
	Version         string            `json:"version"`
	Timestamp       time.Time         `json:"timestamp"`
	Key             models.EventKey   `json:"key"`
	Kind            models.EventKind  `json:"kind"`
	TransactionHash string            `json:"transactionHash"`
	Event           models.ChainEvent `json:"event"`
}

// NotificationStats provides notification statistics
type NotificationStats struct {
	TotalQueued         uint64        `json:"total_queued"`
	TotalDelivered      uint64        `json:"total_delivered"`
	TotalFailed         uint64        `json:"total_failed"`
	TotalDropped        uint64        `json:"total_dropped"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	QueueLength         int           `json:"queue_length"`
	LastError           *string       `json:"last_error,omitempty"`
	LastErrorTime       *time.Time    `json:"last_error_time,omitempty"`
}

type delivery struct {
	hook    *config.WebhookConfig
	payload *WebhookPayload
}

// WebhookNotifier forwards applied events to the configured webhooks. It
// implements indexer.Observer; deliveries happen on a background worker.
type WebhookNotifier struct {
	hooks   []config.WebhookConfig
	sender  *WebhookSender
	queue   chan delivery
	logger  *logrus.Entry
	metrics *metrics.PrometheusMetrics

	// blocking makes OnEventIndexed wait for queue space instead of dropping
	blocking bool
	pending  sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once

	mu    sync.RWMutex
	stats NotificationStats
}

var _ indexer.Observer = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier. metricsManager may be nil.
func NewWebhookNotifier(cfg *config.NotificationConfig, metricsManager *metrics.Manager) *WebhookNotifier {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	n := &WebhookNotifier{
		hooks:   cfg.Webhooks,
		sender:  NewWebhookSender(cfg),
		queue:   make(chan delivery, queueSize),
		stopped: make(chan struct{}),
		logger:  utils.ComponentLogger("notification"),
	}
	if metricsManager != nil {
		n.metrics = metricsManager.GetPrometheusMetrics()
	}
	return n
}

// WithBackpressure makes the notifier hold the indexer until every matching
// delivery is queued. Batch runs use it so a burst of events is never dropped.
func (n *WebhookNotifier) WithBackpressure() *WebhookNotifier {
	n.blocking = true
	return n
}

// OnEventIndexed queues the event for every matching webhook. Events that
// changed nothing are not forwarded. A full queue drops the delivery unless
// backpressure is enabled.
func (n *WebhookNotifier) OnEventIndexed(result *indexer.ProcessResult) {
	if result.Status != indexer.StatusApplied || result.Event == nil {
		return
	}

	payload := &WebhookPayload{
		Type:            "event_indexed",
		Source:          payloadSource,
		Version:         payloadVersion,
		Timestamp:       result.ProcessedAt,
		Key:             result.Key,
		Kind:            result.Kind,
		TransactionHash: result.TransactionHash,
		Event:           result.Event,
	}

	for i := range n.hooks {
		hook := &n.hooks[i]
		if !matches(hook, result.Event) {
			continue
		}

		if n.enqueue(delivery{hook: hook, payload: payload}) {
			n.mu.Lock()
			n.stats.TotalQueued++
			n.mu.Unlock()
		} else {
			n.mu.Lock()
			n.stats.TotalDropped++
			n.mu.Unlock()
			if n.metrics != nil {
				n.metrics.RecordWebhookDelivery("dropped", 0)
			}
			n.logger.WithFields(logrus.Fields{
				"url":   hook.URL,
				"event": result.Key.String(),
			}).Warn("Notification queue full, dropping webhook")
		}
	}
}

func (n *WebhookNotifier) enqueue(d delivery) bool {
	n.pending.Add(1)
	select {
	case n.queue <- d:
		return true
	default:
	}
	if n.blocking {
		select {
		case n.queue <- d:
			return true
		case <-n.stopped:
		}
	}
	n.pending.Done()
	return false
}

// Run delivers queued webhooks until ctx is done
func (n *WebhookNotifier) Run(ctx context.Context) {
	n.logger.WithField("webhooks", len(n.hooks)).Info("Webhook notifier started")
	defer n.stopOnce.Do(func() { close(n.stopped) })

	for {
		select {
		case <-ctx.Done():
			n.logger.WithField("pending", len(n.queue)).Info("Webhook notifier stopped")
			return
		case d := <-n.queue:
			n.deliver(ctx, d)
		}
	}
}

// Drain waits until every queued delivery has been attempted. Call it once
// the indexer has stopped producing events.
func (n *WebhookNotifier) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		n.pending.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-n.stopped:
		select {
		case <-idle:
			return nil
		default:
		}
		return utils.NewAppError(utils.ErrCodeProcessing, "Webhook notifier stopped before the queue drained",
			fmt.Sprintf("%d pending", len(n.queue)))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *WebhookNotifier) deliver(ctx context.Context, d delivery) {
	defer n.pending.Done()
	resp, err := n.sender.Send(ctx, d.hook, d.payload)

	var elapsed time.Duration
	if resp != nil {
		elapsed = resp.ResponseTime
	}

	n.mu.Lock()
	if err != nil {
		msg := err.Error()
		now := time.Now()
		n.stats.TotalFailed++
		n.stats.LastError = &msg
		n.stats.LastErrorTime = &now
	} else {
		n.stats.TotalDelivered++
		count := time.Duration(n.stats.TotalDelivered)
		n.stats.AverageResponseTime = (n.stats.AverageResponseTime*(count-1) + elapsed) / count
	}
	n.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	if n.metrics != nil {
		n.metrics.RecordWebhookDelivery(status, elapsed)
	}

	entry := n.logger.WithFields(logrus.Fields{
		"url":   d.hook.URL,
		"event": d.payload.Key.String(),
		"kind":  d.payload.Kind,
	})
	if err != nil {
		entry.WithError(err).Error("Webhook delivery failed")
		return
	}
	entry.WithField("attempts", resp.Attempts).Debug("Webhook delivered")
}

// GetStats returns notification statistics
func (n *WebhookNotifier) GetStats() NotificationStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.stats
	s.QueueLength = len(n.queue)
	return s
}

// matches applies the hook's event kind and address filters
func matches(hook *config.WebhookConfig, ev models.ChainEvent) bool {
	if len(hook.Events) > 0 {
		found := false
		for _, kind := range hook.Events {
			if strings.EqualFold(kind, string(ev.Kind())) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if hook.Address == "" {
		return true
	}
	want := common.HexToAddress(hook.Address)
	for _, a := range ev.Addresses() {
		if a == want {
			return true
		}
	}
	return false
}
