// Package broker defines the gateway interface to the brokerage and the
// resilience wrappers around it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// ErrOrderNotFound is returned when the broker does not know the order id.
// For cancellations this gateway removes executed orders from the open-order
// set, so callers in the cancellation protocol treat not-found as filled;
// that policy belongs to them, not to this package.
var ErrOrderNotFound = errors.New("broker: order not found")

// TIF values accepted by SubmitOrder.
const (
	TIFDay = "day"
	TIFGTC = "gtc"
)

// OrderResult is the broker's acknowledgment of a submitted order.
type OrderResult struct {
	OrderID string
	Status  string
}

// PreviewResult is the broker's response to a non-committal validation call.
type PreviewResult struct {
	Valid      bool
	OrderCost  float64
	Commission float64
	Warnings   []string
}

// OrderView is the broker's authoritative view of an order. It is never
// cached beyond a single reconciliation pass.
type OrderView struct {
	ID        string
	Status    string
	Legs      []models.OrderLeg
	Price     float64
	FillPrice float64
	FilledAt  time.Time
}

// Gateway is the interface to the brokerage order API. Every method takes a
// context; callers bound each call with a timeout, and a timeout is an
// unknown outcome, never a definite success or failure.
type Gateway interface {
	// SubmitOrder places a multi-leg limit order and returns the assigned id.
	SubmitOrder(ctx context.Context, account string, legs []models.OrderLeg,
		limitPrice float64, tif string) (*OrderResult, error)
	// PreviewOrder runs the broker's validation path without committing.
	PreviewOrder(ctx context.Context, account string, legs []models.OrderLeg,
		limitPrice float64, tif string) (*PreviewResult, error)
	// CancelOrder cancels a single-leg order. Returns ErrOrderNotFound when
	// the broker no longer tracks the id in its open set.
	CancelOrder(ctx context.Context, account, orderID string) error
	// CancelMultiLegOrder cancels via the multi-leg endpoint. Some order
	// shapes are only cancellable here; others 404 and need CancelOrder.
	CancelMultiLegOrder(ctx context.Context, account, orderID string) error
	// GetOrder fetches the broker's current view of one order.
	GetOrder(ctx context.Context, account, orderID string) (*OrderView, error)
	// GetOpenOrders lists all orders the broker considers active.
	GetOpenOrders(ctx context.Context, account string) ([]OrderView, error)
}

// APIError is a broker HTTP-level failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Message)
}

// IsPermanentAPIError reports whether an error is a 4xx that will not
// succeed on retry (429 excluded).
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}
