package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality so
// a flapping broker API stops receiving traffic for a cool-down window.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with sensible defaults.
func NewCircuitBreakerGateway(gateway Gateway) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with
// custom settings.
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings) *CircuitBreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Not-found is an answer, not an outage.
			return err == nil || errors.Is(err, ErrOrderNotFound)
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// SubmitOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) SubmitOrder(ctx context.Context, account string,
	legs []models.OrderLeg, limitPrice float64, tif string) (*OrderResult, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.SubmitOrder(ctx, account, legs, limitPrice, tif)
	})
}

// PreviewOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) PreviewOrder(ctx context.Context, account string,
	legs []models.OrderLeg, limitPrice float64, tif string) (*PreviewResult, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*PreviewResult, error) {
		return g.PreviewOrder(ctx, account, legs, limitPrice, tif)
	})
}

// CancelOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, account, orderID string) error {
	_, err := execBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelOrder(ctx, account, orderID)
	})
	return err
}

// CancelMultiLegOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) CancelMultiLegOrder(ctx context.Context, account, orderID string) error {
	_, err := execBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelMultiLegOrder(ctx, account, orderID)
	})
	return err
}

// GetOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) GetOrder(ctx context.Context, account, orderID string) (*OrderView, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderView, error) {
		return g.GetOrder(ctx, account, orderID)
	})
}

// GetOpenOrders wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) GetOpenOrders(ctx context.Context, account string) ([]OrderView, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) ([]OrderView, error) {
		return g.GetOpenOrders(ctx, account)
	})
}
