package connection

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// FailoverClient wraps the connection manager with per-call timeouts, retries
// and node failover.
type FailoverClient struct {
	manager        Manager
	logger         *logrus.Entry
	timeout        time.Duration
	retryAttempts  int
	retryDelay     time.Duration
	metricsManager *metrics.Manager
}

// ClientOptions tunes retry behaviour of a FailoverClient
type ClientOptions struct {
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// NewFailoverClient creates a new chain client. metricsManager may be nil.
func NewFailoverClient(manager Manager, opts ClientOptions, metricsManager *metrics.Manager) *FailoverClient {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}

	return &FailoverClient{
		manager:        manager,
		logger:         utils.ComponentLogger("failover_client"),
		timeout:        opts.RequestTimeout,
		retryAttempts:  opts.RetryAttempts,
		retryDelay:     opts.RetryDelay,
		metricsManager: metricsManager,
	}
}

// BlockNumber returns the current chain head
func (c *FailoverClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context, client *ethclient.Client) error {
		var err error
		n, err = client.BlockNumber(ctx)
		return err
	})
	return n, err
}

// HeaderByNumber returns the header of the given block, or the head when number is nil
func (c *FailoverClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// FilterLogs returns the logs matching query
func (c *FailoverClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context, client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	if err == nil {
		c.logger.WithField("count", len(logs)).Debug("Filtered logs")
	}
	return logs, err
}

// TransactionReceipt returns the receipt of a mined transaction
func (c *FailoverClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context, client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

// TransactionByHash returns the transaction with the given hash
func (c *FailoverClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.call(ctx, "eth_getTransactionByHash", func(ctx context.Context, client *ethclient.Client) error {
		var err error
		tx, pending, err = client.TransactionByHash(ctx, txHash)
		return err
	})
	return tx, pending, err
}

// call runs fn against the current node, failing over and retrying with
// exponential backoff. ethereum.NotFound and context errors are not retried.
func (c *FailoverClient) call(ctx context.Context, method string, fn func(context.Context, *ethclient.Client) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retryAttempts)), ctx)

	operation := func() error {
		client, err := c.manager.GetClientWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		err = fn(callCtx, client)
		c.recordRequest(method, err, time.Since(start))

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ethereum.NotFound):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}

		c.manager.Failover()
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"wait":   wait,
		}).WithError(err).Warn("RPC call failed, retrying")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if utils.ErrorCode(err) != "" {
		return err
	}
	return utils.NewAppError(utils.ErrCodeBlockchain, "RPC call "+method+" failed", err.Error())
}

func (c *FailoverClient) recordRequest(method string, err error, duration time.Duration) {
	if c.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		status = "error"
	}
	c.metricsManager.GetPrometheusMetrics().RecordRPCRequest(method, status, duration)
}
