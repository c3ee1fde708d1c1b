package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

const maxResponseBody = 1024

// WebhookSender posts JSON payloads with retries
type WebhookSender struct {
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
	logger        *logrus.Entry
}

// WebhookResponse represents a webhook response
type WebhookResponse struct {
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	Attempts     int           `json:"attempts"`
	Body         string        `json:"body,omitempty"`
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(cfg *config.NotificationConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    delay,
		logger:        utils.ComponentLogger("webhook_sender"),
	}
}

// Send posts payload to hook, retrying transport errors, 429 and 5xx
// responses with exponential backoff. Other 4xx responses are final.
func (ws *WebhookSender) Send(ctx context.Context, hook *config.WebhookConfig, payload interface{}) (*WebhookResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	start := time.Now()
	response := &WebhookResponse{}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ws.retryDelay
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(ws.retryAttempts, 0))), ctx)

	operation := func() error {
		response.Attempts++
		status, respBody, err := ws.post(ctx, hook, body)
		response.StatusCode = status
		response.Body = respBody

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		case status >= 200 && status < 300:
			return nil
		}

		statusErr := utils.NewAppError(utils.ErrCodeExternal, "Webhook returned non-success status",
			fmt.Sprintf("status: %d, body: %s", status, respBody))
		if status == http.StatusTooManyRequests || status >= 500 {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	notify := func(err error, wait time.Duration) {
		ws.logger.WithFields(logrus.Fields{
			"url":  hook.URL,
			"wait": wait,
		}).WithError(err).Warn("Webhook attempt failed, retrying")
	}

	err = backoff.RetryNotify(operation, policy, notify)
	response.ResponseTime = time.Since(start)
	if err != nil && utils.ErrorCode(err) == "" {
		err = utils.NewAppError(utils.ErrCodeExternal, "Failed to send webhook", err.Error())
	}
	return response, err
}

func (ws *WebhookSender) post(ctx context.Context, hook *config.WebhookConfig, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", backoff.Permanent(err)
	}

	for key, value := range hook.Headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "NFT-Marketplace-Indexer/1.0")
	}
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	resp, err := ws.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(respBody), nil
}
