// Package evm provides the chain-facing clients: a retrying read/write
// client over an Ethereum JSON-RPC backend, the external signer client,
// and the close-order contract binding.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"lpguard/internal/domain"
	"lpguard/internal/observability"
)

// Default configuration values.
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 1 * time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultBackoffMult  = 2.0
	DefaultReceiptPoll  = 2 * time.Second
	DefaultReceiptLimit = 2 * time.Minute
)

// Backend is the subset of ethclient.Client the chain client needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Client reads and writes contracts with bounded retries and exponential
// backoff. It is stateless and safe for concurrent use from multiple
// strategy loops.
type Client struct {
	backend     Backend
	logger      *zap.Logger
	metrics     *observability.Metrics
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	pollEvery   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithReceiptPoll sets the receipt polling interval.
func WithReceiptPoll(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollEvery = d
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a Client over a backend.
func NewClient(backend Backend, opts ...ClientOption) *Client {
	c := &Client{
		backend:     backend,
		logger:      zap.NewNop(),
		metrics:     observability.DefaultMetrics,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		pollEvery:   DefaultReceiptPoll,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a JSON-RPC endpoint.
func Dial(endpoint string, opts ...ClientOption) (*Client, error) {
	backend, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", endpoint, err)
	}
	return NewClient(backend, opts...), nil
}

// ReadContract calls a view function and returns the raw return data.
func (c *Client) ReadContract(ctx context.Context, address common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, "call", func() error {
		var callErr error
		out, callErr = c.backend.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data}, nil)
		return callErr
	})
	return out, err
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withRetry(ctx, "send", func() error {
		return c.backend.SendTransaction(ctx, tx)
	})
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.withRetry(ctx, "block_number", func() error {
		var callErr error
		n, callErr = c.backend.BlockNumber(ctx)
		return callErr
	})
	return n, err
}

// WaitForReceipt polls until the transaction mines or ctx expires. A
// reverted transaction is returned as a permanent error with the receipt.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("transaction %s reverted", txHash.Hex())
			}
			return receipt, nil
		}
		if err != ethereum.NotFound {
			c.logger.Debug("receipt poll failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// withRetry runs fn with exponential backoff on transient errors.
func (c *Client) withRetry(ctx context.Context, method string, fn func() error) error {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		started := time.Now()
		err := fn()
		c.metrics.ChainCallLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
		if err == nil {
			return nil
		}
		c.metrics.ChainCallErrors.WithLabelValues(method).Inc()
		lastErr = classify(err)
		if !domain.Retryable(lastErr) {
			return lastErr
		}
		c.logger.Warn("chain call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("chain call %s exhausted retries: %w", method, lastErr)
}

// classify maps raw RPC errors onto the stable error classes. Reverts
// are permanent; rate limiting and connectivity failures are transient.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return err
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "eof"):
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	default:
		return err
	}
}
