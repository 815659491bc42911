package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

// CancelResult reports how a cancellation attempt resolved.
type CancelResult struct {
	// Success means the order is confirmed cancelled at the broker.
	Success bool
	Detail  string
	// RaceCondition means the order filled between the cancel request and
	// the re-check. The fill stands; cancellation did not happen.
	RaceCondition bool
	FinalStatus   models.TradeStatus
}

// Canceller executes the check-then-act cancellation protocol.
type Canceller struct {
	store    storage.Interface
	gateway  broker.Gateway
	sessions *broker.SessionManager
	logger   *log.Logger
	timeout  time.Duration
}

// NewCanceller wires a Canceller.
func NewCanceller(store storage.Interface, gateway broker.Gateway,
	sessions *broker.SessionManager, logger *log.Logger, timeout time.Duration) *Canceller {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Canceller{
		store:    store,
		gateway:  gateway,
		sessions: sessions,
		logger:   logger,
		timeout:  timeout,
	}
}

// Cancel attempts to cancel the trade's working order: query the broker,
// cancel only if still open, re-query for the final status, and sync the
// local record to whatever actually happened.
//
// A locally terminal trade returns an unsuccessful result, not an error.
// A broker not-found response is treated as already filled; this broker
// removes executed orders from its open-order set.
func (c *Canceller) Cancel(ctx context.Context, tradeID, user, reason string) (*CancelResult, error) {
	trade, err := c.store.GetTrade(tradeID)
	if err != nil {
		return nil, fmt.Errorf("loading trade %s: %w", tradeID, err)
	}
	if trade.Status.IsTerminal() {
		return &CancelResult{
			Success:     false,
			Detail:      fmt.Sprintf("trade is already %s locally; nothing to cancel", trade.Status),
			FinalStatus: trade.Status,
		}, nil
	}

	pos, err := c.store.GetPosition(trade.PositionID)
	if err != nil {
		return nil, fmt.Errorf("loading position %s: %w", trade.PositionID, err)
	}

	// A placeholder id means the broker never acknowledged this order. There
	// is nothing to cancel remotely; close out the local record.
	if trade.HasPlaceholderOrderID() {
		if err := c.syncTerminal(ctx, trade, pos, models.StatusCancelled, user, reason); err != nil {
			return nil, err
		}
		return &CancelResult{
			Success:     true,
			Detail:      "order was never acknowledged by the broker; cancelled locally",
			FinalStatus: models.StatusCancelled,
		}, nil
	}

	view, err := c.getOrder(ctx, pos.Account, trade.BrokerOrderID)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		// Not-found-means-filled policy.
		if err := c.syncTerminal(ctx, trade, pos, models.StatusFilled, user, reason); err != nil {
			return nil, err
		}
		return &CancelResult{
			Success:     false,
			Detail:      "broker no longer tracks the order; treated as filled",
			FinalStatus: models.StatusFilled,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("querying order %s: %w", trade.BrokerOrderID, err)
	}

	status := models.NormalizeOrderStatus(view.Status)
	if status.IsTerminal() {
		if err := c.syncTerminal(ctx, trade, pos, status, user, reason); err != nil {
			return nil, err
		}
		return &CancelResult{
			Success:     status == models.StatusCancelled,
			Detail:      fmt.Sprintf("order already %s at the broker; local record synced", status),
			FinalStatus: status,
		}, nil
	}

	// The status query above is a read; the cancel mutates, so the session
	// is revalidated between them.
	if _, err := c.sessions.FreshSessionByAccount(ctx, pos.Account); err != nil {
		return nil, err
	}
	if err := c.cancelAtBroker(ctx, pos.Account, trade); err != nil &&
		!errors.Is(err, broker.ErrOrderNotFound) {
		return nil, fmt.Errorf("cancelling order %s: %w", trade.BrokerOrderID, err)
	}

	// Re-query for the authoritative outcome. The cancel request and a fill
	// can race; the broker's final status wins.
	final := models.StatusCancelled
	view, err = c.getOrder(ctx, pos.Account, trade.BrokerOrderID)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		final = models.StatusFilled
	case err != nil:
		return nil, fmt.Errorf("re-querying order %s: %w", trade.BrokerOrderID, err)
	default:
		final = models.NormalizeOrderStatus(view.Status)
	}

	if final == models.StatusFilled {
		if err := c.syncTerminal(ctx, trade, pos, final, user, reason); err != nil {
			return nil, err
		}
		return &CancelResult{
			Success:       false,
			RaceCondition: true,
			Detail:        "order filled while the cancel was in flight; the fill stands",
			FinalStatus:   final,
		}, nil
	}
	if !final.IsTerminal() {
		// Cancel acknowledged but not yet reflected; report what we know
		// without forcing the local record ahead of broker truth.
		return &CancelResult{
			Success:     false,
			Detail:      fmt.Sprintf("cancel requested but order is still %s at the broker", final),
			FinalStatus: final,
		}, nil
	}

	if err := c.syncTerminal(ctx, trade, pos, final, user, reason); err != nil {
		return nil, err
	}
	return &CancelResult{
		Success:     final == models.StatusCancelled,
		Detail:      fmt.Sprintf("order resolved as %s", final),
		FinalStatus: final,
	}, nil
}

func (c *Canceller) getOrder(ctx context.Context, account, orderID string) (*broker.OrderView, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.gateway.GetOrder(callCtx, account, orderID)
}

// cancelAtBroker picks the right cancel endpoint. Multi-leg orders go through
// the complex-order endpoint first; a not-found there falls back to the
// single-leg endpoint, which is how this broker exposes some order shapes.
func (c *Canceller) cancelAtBroker(ctx context.Context, account string, trade *models.Trade) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if len(trade.Legs) > 1 {
		err := c.gateway.CancelMultiLegOrder(callCtx, account, trade.BrokerOrderID)
		if err == nil || !errors.Is(err, broker.ErrOrderNotFound) {
			return err
		}
		c.logger.Printf("multi-leg cancel of %s returned not found, retrying single-leg endpoint",
			trade.BrokerOrderID)
	}
	return c.gateway.CancelOrder(callCtx, account, trade.BrokerOrderID)
}

// syncTerminal writes the final status to the trade and, for any non-fill
// resolution of a pending entry, archives the position so it never lingers
// in pending_entry.
func (c *Canceller) syncTerminal(_ context.Context, trade *models.Trade,
	pos *models.Position, status models.TradeStatus, user, reason string) error {
	trade.Status = status
	if err := c.store.UpdateTrade(trade); err != nil {
		return fmt.Errorf("syncing trade %s to %s: %w", trade.ID, status, err)
	}

	if status == models.StatusFilled || pos.State != models.StatePendingEntry {
		return nil
	}
	if trade.Type != models.TradeOpen {
		return nil
	}

	return c.store.WithPositionLock(pos.ID, func(p *models.Position) error {
		if p.State != models.StatePendingEntry {
			return nil
		}
		if err := p.TransitionState(models.StateClosed, models.ConditionEntryCancelled); err != nil {
			return err
		}
		p.Audit(fmt.Sprintf("entry order %s resolved as %s by %s (%s); position archived",
			trade.BrokerOrderID, status, user, reason))
		return nil
	})
}
