package notification

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/indexer"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type recorder struct {
	mu       sync.Mutex
	bodies   []map[string]interface{}
	headers  []http.Header
	statuses []int
	calls    atomic.Int32
}

func (r *recorder) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := int(r.calls.Add(1))
		body, _ := io.ReadAll(req.Body)

		var decoded map[string]interface{}
		_ = json.Unmarshal(body, &decoded)

		r.mu.Lock()
		r.bodies = append(r.bodies, decoded)
		r.headers = append(r.headers, req.Header.Clone())
		status := http.StatusOK
		if n <= len(r.statuses) {
			status = r.statuses[n-1]
		}
		r.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (r *recorder) received() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]interface{}(nil), r.bodies...)
}

func notificationConfig(hooks ...config.WebhookConfig) *config.NotificationConfig {
	return &config.NotificationConfig{
		Enabled:       true,
		Timeout:       time.Second,
		RetryAttempts: 2,
		RetryDelay:    5 * time.Millisecond,
		QueueSize:     10,
		Webhooks:      hooks,
	}
}

func meta(block uint64, index uint) models.EventMeta {
	return models.EventMeta{
		BlockNumber:    block,
		BlockTimestamp: 1700000000 + block,
		TxHash:         common.BigToHash(big.NewInt(int64(block))),
		LogIndex:       index,
		GasUsed:        big.NewInt(21000),
		GasPrice:       big.NewInt(1),
	}
}

func applied(ev models.ChainEvent) *indexer.ProcessResult {
	return &indexer.ProcessResult{
		Key:             ev.Key(),
		Kind:            ev.Kind(),
		TransactionHash: ev.Meta().TxHash.Hex(),
		Status:          indexer.StatusApplied,
		Event:           ev,
		ProcessedAt:     time.Now(),
	}
}

func minted(block uint64, creator common.Address) *models.MintedEvent {
	return &models.MintedEvent{
		EventMeta: meta(block, 0),
		TokenID:   big.NewInt(int64(block)),
		Creator:   creator,
		TokenURI:  "ipfs://token",
		Price:     big.NewInt(100),
	}
}

func startNotifier(t *testing.T, n *WebhookNotifier) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWebhookNotifierDeliversAppliedEvents(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	mm := metrics.NewManager()
	n := NewWebhookNotifier(notificationConfig(config.WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer secret"},
	}), mm)
	startNotifier(t, n)

	n.OnEventIndexed(applied(minted(5, alice)))

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	body := rec.received()[0]
	assert.Equal(t, "event_indexed", body["type"])
	assert.Equal(t, payloadSource, body["source"])
	assert.Equal(t, "NFTMinted", body["kind"])
	event, ok := body["event"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ipfs://token", event["tokenURI"])
	assert.Equal(t, "100", event["price"])
	assert.Equal(t, "5", event["tokenId"])

	rec.mu.Lock()
	assert.Equal(t, "Bearer secret", rec.headers[0].Get("Authorization"))
	assert.Equal(t, "application/json", rec.headers[0].Get("Content-Type"))
	rec.mu.Unlock()

	require.Eventually(t, func() bool { return n.GetStats().TotalDelivered == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.GetPrometheusMetrics().WebhookDeliveriesTotal.WithLabelValues("success")))
}

func TestWebhookNotifierSkipsNonAppliedResults(t *testing.T) {
	n := NewWebhookNotifier(notificationConfig(config.WebhookConfig{URL: "http://127.0.0.1:1"}), nil)

	for _, status := range []indexer.Status{indexer.StatusDuplicate, indexer.StatusIgnored, indexer.StatusSkippedMissingNFT} {
		result := applied(minted(1, alice))
		result.Status = status
		n.OnEventIndexed(result)
	}

	assert.Zero(t, n.GetStats().TotalQueued)
	assert.Zero(t, n.GetStats().QueueLength)
}

func TestWebhookNotifierFilters(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	n := NewWebhookNotifier(notificationConfig(
		config.WebhookConfig{URL: srv.URL + "/transfers", Events: []string{"nfttransferred"}},
		config.WebhookConfig{URL: srv.URL + "/bob", Address: bob.Hex()},
	), nil)

	n.OnEventIndexed(applied(minted(1, alice)))
	n.OnEventIndexed(applied(&models.TransferredEvent{
		EventMeta: meta(2, 0),
		TokenID:   big.NewInt(1),
		From:      alice,
		To:        bob,
	}))
	n.OnEventIndexed(applied(&models.PriceUpdatedEvent{
		EventMeta: meta(3, 0),
		TokenID:   big.NewInt(1),
		NewPrice:  big.NewInt(5),
	}))

	// only the transfer matches, once per hook
	assert.Equal(t, uint64(2), n.GetStats().TotalQueued)

	startNotifier(t, n)
	require.Eventually(t, func() bool { return len(rec.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	for _, body := range rec.received() {
		assert.Equal(t, "NFTTransferred", body["kind"])
	}
}

func TestWebhookNotifierQueueFull(t *testing.T) {
	mm := metrics.NewManager()
	cfg := notificationConfig(config.WebhookConfig{URL: "http://127.0.0.1:1"})
	cfg.QueueSize = 1
	n := NewWebhookNotifier(cfg, mm)

	n.OnEventIndexed(applied(minted(1, alice)))
	n.OnEventIndexed(applied(minted(2, alice)))

	stats := n.GetStats()
	assert.Equal(t, uint64(1), stats.TotalQueued)
	assert.Equal(t, uint64(1), stats.TotalDropped)
	assert.Equal(t, 1, stats.QueueLength)
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.GetPrometheusMetrics().WebhookDeliveriesTotal.WithLabelValues("dropped")))
}

func TestWebhookNotifierBackpressure(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	cfg := notificationConfig(config.WebhookConfig{URL: srv.URL})
	cfg.QueueSize = 1
	n := NewWebhookNotifier(cfg, nil).WithBackpressure()
	startNotifier(t, n)

	for block := uint64(1); block <= 15; block++ {
		n.OnEventIndexed(applied(minted(block, alice)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Drain(ctx))

	assert.Equal(t, int32(15), rec.calls.Load())
	stats := n.GetStats()
	assert.Equal(t, uint64(15), stats.TotalQueued)
	assert.Equal(t, uint64(15), stats.TotalDelivered)
	assert.Equal(t, uint64(0), stats.TotalDropped)
}

func TestWebhookNotifierDrainWaitsForWorker(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)
	n := NewWebhookNotifier(notificationConfig(config.WebhookConfig{URL: srv.URL}), nil)

	n.OnEventIndexed(applied(minted(1, alice)))
	n.OnEventIndexed(applied(minted(2, alice)))

	// nothing is delivering yet
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, n.Drain(short), context.DeadlineExceeded)

	startNotifier(t, n)
	ctx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	require.NoError(t, n.Drain(ctx))
	assert.Equal(t, int32(2), rec.calls.Load())
	assert.Equal(t, 0, n.GetStats().QueueLength)
}

func TestWebhookNotifierBackpressureStopsWithWorker(t *testing.T) {
	cfg := notificationConfig(config.WebhookConfig{URL: "http://127.0.0.1:1"})
	cfg.QueueSize = 1
	n := NewWebhookNotifier(cfg, nil).WithBackpressure()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)

	// the first delivery fits in the queue, the second finds the worker gone
	done := make(chan struct{})
	go func() {
		n.OnEventIndexed(applied(minted(1, alice)))
		n.OnEventIndexed(applied(minted(2, alice)))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnEventIndexed blocked after the worker stopped")
	}

	stats := n.GetStats()
	assert.Equal(t, uint64(1), stats.TotalQueued)
	assert.Equal(t, uint64(1), stats.TotalDropped)
	assert.Error(t, n.Drain(context.Background()))
}

func TestWebhookSenderRetriesServerErrors(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusInternalServerError, http.StatusTooManyRequests}}
	srv := rec.server(t)

	sender := NewWebhookSender(notificationConfig())
	resp, err := sender.Send(context.Background(), &config.WebhookConfig{URL: srv.URL}, map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), rec.calls.Load())
}

func TestWebhookSenderDoesNotRetryClientErrors(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusBadRequest}}
	srv := rec.server(t)

	sender := NewWebhookSender(notificationConfig())
	resp, err := sender.Send(context.Background(), &config.WebhookConfig{URL: srv.URL}, map[string]string{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestWebhookSenderGivesUp(t *testing.T) {
	rec := &recorder{statuses: []int{502, 502, 502, 502}}
	srv := rec.server(t)

	sender := NewWebhookSender(notificationConfig())
	resp, err := sender.Send(context.Background(), &config.WebhookConfig{URL: srv.URL}, map[string]string{})
	require.Error(t, err)
	assert.Equal(t, 3, resp.Attempts)
}

func TestWebhookNotifierRecordsFailures(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusForbidden}}
	srv := rec.server(t)

	mm := metrics.NewManager()
	n := NewWebhookNotifier(notificationConfig(config.WebhookConfig{URL: srv.URL}), mm)
	startNotifier(t, n)

	n.OnEventIndexed(applied(minted(1, alice)))

	require.Eventually(t, func() bool { return n.GetStats().TotalFailed == 1 }, 2*time.Second, 10*time.Millisecond)
	stats := n.GetStats()
	require.NotNil(t, stats.LastError)
	assert.Contains(t, *stats.LastError, "403")
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.GetPrometheusMetrics().WebhookDeliveriesTotal.WithLabelValues("error")))
}
