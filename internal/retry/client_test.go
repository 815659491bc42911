package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func fastConfig() Config {
	return Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestGetOrder_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	inner := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, _ string) (*broker.OrderView, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection reset by peer")
			}
			return &broker.OrderView{ID: "42", Status: "open"}, nil
		},
	}
	c := NewClient(inner, testLogger(), fastConfig())

	view, err := c.GetOrder(context.Background(), "ACC123", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", view.ID)
	assert.Equal(t, 3, calls)
}

func TestGetOrder_NotFoundIsAnAnswer(t *testing.T) {
	calls := 0
	inner := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, _ string) (*broker.OrderView, error) {
			calls++
			return nil, broker.ErrOrderNotFound
		},
	}
	c := NewClient(inner, testLogger(), fastConfig())

	_, err := c.GetOrder(context.Background(), "ACC123", "42")
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)
	assert.Equal(t, 1, calls, "not-found must surface immediately")
}

func TestCancelOrder_NoRetryOnPermanentError(t *testing.T) {
	calls := 0
	inner := &broker.MockGateway{
		CancelFunc: func(_ context.Context, _, _ string) error {
			calls++
			return &broker.APIError{Status: 400, Message: "bad order state"}
		},
	}
	c := NewClient(inner, testLogger(), fastConfig())

	err := c.CancelOrder(context.Background(), "ACC123", "42")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSubmitOrder_NeverRetried(t *testing.T) {
	calls := 0
	inner := &broker.MockGateway{
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			calls++
			return nil, errors.New("gateway timeout 504")
		},
	}
	c := NewClient(inner, testLogger(), fastConfig())

	_, err := c.SubmitOrder(context.Background(), "ACC123", nil, 1.25, broker.TIFDay)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a retried submission could place the order twice")
}

func TestDo_NonTransientErrorStopsEarly(t *testing.T) {
	calls := 0
	inner := &broker.MockGateway{
		OpenFunc: func(_ context.Context, _ string) ([]broker.OrderView, error) {
			calls++
			return nil, errors.New("malformed response body")
		},
	}
	c := NewClient(inner, testLogger(), fastConfig())

	_, err := c.GetOpenOrders(context.Background(), "ACC123")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := &broker.MockGateway{}
	c := NewClient(inner, testLogger(), fastConfig())

	_, err := c.GetOpenOrders(ctx, "ACC123")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoff_Capped(t *testing.T) {
	c := NewClient(&broker.MockGateway{}, testLogger(),
		Config{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 2 * time.Second})

	got := c.nextBackoff(10 * time.Second)
	// Cap plus at most 25% jitter.
	assert.LessOrEqual(t, got, 2*time.Second+500*time.Millisecond)
	assert.GreaterOrEqual(t, got, 2*time.Second)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, isTransientError(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransientError(errors.New("HTTP 429 rate limit exceeded")))
	assert.False(t, isTransientError(errors.New("invalid strike structure")))
	assert.False(t, isTransientError(nil))
}
