// Package retry wraps the broker gateway with bounded retries for idempotent
// calls. Order submissions are never retried here: a retry after an ambiguous
// failure could place the order twice, and ambiguity belongs to the
// reconciliation engine.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// Config controls the retry schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig is the standard retry schedule.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Client wraps a Gateway with retries on transient failures of idempotent
// operations: queries and cancels. It implements broker.Gateway.
type Client struct {
	gateway broker.Gateway
	logger  *log.Logger
	config  Config
}

var _ broker.Gateway = (*Client)(nil)

// NewClient creates a retrying gateway wrapper.
func NewClient(gateway broker.Gateway, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{gateway: gateway, logger: logger, config: cfg}
}

// SubmitOrder passes through with no retries; a duplicate submission is worse
// than a surfaced failure.
func (c *Client) SubmitOrder(ctx context.Context, account string, legs []models.OrderLeg,
	limitPrice float64, tif string) (*broker.OrderResult, error) {
	return c.gateway.SubmitOrder(ctx, account, legs, limitPrice, tif)
}

// PreviewOrder retries; previews commit nothing.
func (c *Client) PreviewOrder(ctx context.Context, account string, legs []models.OrderLeg,
	limitPrice float64, tif string) (*broker.PreviewResult, error) {
	var result *broker.PreviewResult
	err := c.do(ctx, "preview order", func(callCtx context.Context) error {
		var err error
		result, err = c.gateway.PreviewOrder(callCtx, account, legs, limitPrice, tif)
		return err
	})
	return result, err
}

// CancelOrder retries; cancelling an already-cancelled order is a no-op.
func (c *Client) CancelOrder(ctx context.Context, account, orderID string) error {
	return c.do(ctx, "cancel "+orderID, func(callCtx context.Context) error {
		return c.gateway.CancelOrder(callCtx, account, orderID)
	})
}

// CancelMultiLegOrder retries like CancelOrder.
func (c *Client) CancelMultiLegOrder(ctx context.Context, account, orderID string) error {
	return c.do(ctx, "cancel multi-leg "+orderID, func(callCtx context.Context) error {
		return c.gateway.CancelMultiLegOrder(callCtx, account, orderID)
	})
}

// GetOrder retries reads.
func (c *Client) GetOrder(ctx context.Context, account, orderID string) (*broker.OrderView, error) {
	var view *broker.OrderView
	err := c.do(ctx, "get order "+orderID, func(callCtx context.Context) error {
		var err error
		view, err = c.gateway.GetOrder(callCtx, account, orderID)
		return err
	})
	return view, err
}

// GetOpenOrders retries reads.
func (c *Client) GetOpenOrders(ctx context.Context, account string) ([]broker.OrderView, error) {
	var views []broker.OrderView
	err := c.do(ctx, "list open orders", func(callCtx context.Context) error {
		var err error
		views, err = c.gateway.GetOpenOrders(callCtx, account)
		return err
	})
	return views, err
}

func (c *Client) do(ctx context.Context, label string, fn func(context.Context) error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Not-found and permanent API errors are answers, not failures.
		if errors.Is(err, broker.ErrOrderNotFound) || broker.IsPermanentAPIError(err) {
			return err
		}
		if !isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Printf("%s failed (attempt %d/%d), retrying in %v: %v",
			label, attempt+1, c.config.MaxRetries+1, backoff, err)
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		}
	}
	return lastErr
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
