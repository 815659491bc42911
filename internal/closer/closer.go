// Package closer implements the DTE-driven automated closing state machine.
// An external trigger invokes it per open position; every step is idempotent
// against the position's persistent automation record.
package closer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/notify"
	"github.com/spreadkeeper/spreadkeeper/internal/orders"
	"github.com/spreadkeeper/spreadkeeper/internal/pricing"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

// DefaultEngageDTE is the days-to-expiration threshold at which the closer
// starts managing a position.
const DefaultEngageDTE = 7

// Outcome describes what one automation step did.
type Outcome string

const (
	// OutcomeSkipped means the position needs no automation right now.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeOrderWorking means an earlier close order is still open at the
	// broker; the step was a no-op.
	OutcomeOrderWorking Outcome = "order_working"
	// OutcomeFilled means the close order filled and the position is closed.
	OutcomeFilled Outcome = "filled"
	// OutcomeSubmitted means a new close order was placed.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeRetriesExhausted means the retry ceiling was hit; only a
	// notification was sent, no broker call was made.
	OutcomeRetriesExhausted Outcome = "retries_exhausted"
	// OutcomeFailed means the attempt failed; the automation record holds
	// the error for the next trigger.
	OutcomeFailed Outcome = "failed"
)

// Closer drives automated position exits as expiration approaches.
type Closer struct {
	store     storage.Interface
	gateway   broker.Gateway
	notifier  notify.Notifier
	sessions  *broker.SessionManager
	logger    *log.Logger
	timeout   time.Duration
	engageDTE int
	now       func() time.Time
}

// New wires a Closer. engageDTE <= 0 selects DefaultEngageDTE.
func New(store storage.Interface, gateway broker.Gateway, notifier notify.Notifier,
	sessions *broker.SessionManager, logger *log.Logger, timeout time.Duration,
	engageDTE int) *Closer {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if engageDTE <= 0 {
		engageDTE = DefaultEngageDTE
	}
	return &Closer{
		store:     store,
		gateway:   gateway,
		notifier:  notifier,
		sessions:  sessions,
		logger:    logger,
		timeout:   timeout,
		engageDTE: engageDTE,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one automation step for a position at the given time. The
// sequence of checks makes reruns safe: an unchanged DTE with a working order
// is a no-op, and a position past the retry ceiling makes zero broker calls.
func (c *Closer) Process(ctx context.Context, positionID string, now time.Time) (Outcome, error) {
	pos, err := c.store.GetPosition(positionID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("loading position %s: %w", positionID, err)
	}
	if !pos.IsOpen() {
		return OutcomeSkipped, nil
	}
	dte := pos.CalculateDTE(now)
	if dte > c.engageDTE {
		return OutcomeSkipped, nil
	}

	auto := pos.Automation
	escalated := auto.LastProcessedDTE >= 0 && dte < auto.LastProcessedDTE

	// A close order from a previous run must be resolved before anything
	// else, whatever the DTE did: a filled order finalizes the position and
	// an escalation must never follow a fill with a second submission.
	if auto.CurrentOrderID != "" {
		outcome, retry, err := c.checkWorkingOrder(ctx, pos, auto.CurrentOrderID)
		if err != nil {
			return outcome, err
		}
		stillWorking := !retry && outcome == OutcomeOrderWorking
		if !retry && !(escalated && stillWorking) {
			return outcome, nil
		}
		// Either the order terminated without filling, or it is still
		// working and the DTE dropped; the attempt cancels and replaces it.
	}

	if !escalated && auto.RetryCount >= models.MaxCloseRetries {
		c.notifier.Notify(ctx, pos.Account,
			fmt.Sprintf("position %s: automated close retries exhausted", pos.ID),
			map[string]any{
				"position_id": pos.ID,
				"symbol":      pos.Symbol,
				"dte":         dte,
				"retry_count": auto.RetryCount,
				"last_error":  auto.LastError,
			}, notify.SeverityCritical)
		return OutcomeRetriesExhausted, nil
	}

	return c.attempt(ctx, pos, dte, escalated)
}

// checkWorkingOrder resolves the state of an already-submitted close order.
// retry is true when the order terminated without filling and a new attempt
// should proceed in this run.
func (c *Closer) checkWorkingOrder(ctx context.Context, pos *models.Position,
	orderID string) (Outcome, bool, error) {
	view, err := c.getOrder(ctx, pos.Account, orderID)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		// This broker drops executed orders from its open set.
		if err := c.finalizeClose(pos, orderID, 0); err != nil {
			return OutcomeFailed, false, err
		}
		return OutcomeFilled, false, nil
	case err != nil:
		return OutcomeFailed, false, fmt.Errorf("querying close order %s: %w", orderID, err)
	}

	status := models.NormalizeOrderStatus(view.Status)
	switch {
	case status.IsOpen():
		return OutcomeOrderWorking, false, nil
	case status == models.StatusFilled:
		if err := c.finalizeClose(pos, orderID, view.FillPrice); err != nil {
			return OutcomeFailed, false, err
		}
		return OutcomeFilled, false, nil
	default:
		// Rejected or cancelled: sync the trade and retry this run.
		c.syncTradeStatus(orderID, status)
		return OutcomeFailed, true, nil
	}
}

// attempt cancels child orders, then creates and submits a closing order at
// the escalation-ladder price.
func (c *Closer) attempt(ctx context.Context, pos *models.Position, dte int, escalated bool) (Outcome, error) {
	// Cancels and submissions mutate orders; the session is revalidated
	// first so an expired one never reaches the broker.
	if _, err := c.sessions.FreshSessionByAccount(ctx, pos.Account); err != nil {
		return OutcomeFailed, fmt.Errorf("close attempt for %s: %w", pos.ID, err)
	}

	newlyCancelled, ptStatus, closedBy, err := c.cancelChildOrders(ctx, pos)
	if err != nil {
		c.recordFailure(pos, dte, escalated, ptStatus, nil,
			fmt.Sprintf("cancelling child orders: %v", err), true)
		return OutcomeFailed, err
	}
	if closedBy != "" {
		// The prior close order filled between the idempotency check and the
		// cancel. The position is already exited; record what the cancels did
		// and finalize instead of submitting a replacement.
		c.commitCancelResults(pos, ptStatus, newlyCancelled)
		if err := c.finalizeClose(pos, closedBy, 0); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeFilled, nil
	}

	legs, err := pricing.BuildClosingLegs(pos)
	if err != nil {
		// Incomplete metadata is never guessed around.
		c.notifier.Notify(ctx, pos.Account,
			fmt.Sprintf("position %s: cannot derive closing legs", pos.ID),
			map[string]any{"position_id": pos.ID, "error": err.Error()},
			notify.SeverityCritical)
		c.recordFailure(pos, dte, escalated, ptStatus, newlyCancelled, err.Error(), true)
		return OutcomeFailed, err
	}

	allCancelled := append(append([]models.CancelledTarget(nil),
		pos.Automation.CancelledTargets...), newlyCancelled...)
	limit := pricing.CloseLimitWithFloor(pos, dte, allCancelled)

	// Closing a credit position pays a debit; closing a debit position
	// collects a credit. Signed premium convention.
	signed := limit
	if pos.PriceEffect == models.EffectCredit {
		signed = -limit
	}

	trade := models.NewPendingTrade(pos.ID, models.TradeClose, models.EventDTEClose,
		legs, pos.Quantity, signed)
	if err := c.store.CreateTrade(trade); err != nil {
		return OutcomeFailed, fmt.Errorf("persisting pending close trade: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.gateway.SubmitOrder(callCtx, pos.Account, legs, signed, broker.TIFDay)

	switch {
	case err != nil && broker.IsPermanentAPIError(err):
		trade.Status = models.StatusRejected
		if uerr := c.store.UpdateTrade(trade); uerr != nil {
			c.logger.Printf("marking close trade %s rejected failed: %v", trade.ID, uerr)
		}
		c.recordFailure(pos, dte, escalated, ptStatus, newlyCancelled, err.Error(), true)
		return OutcomeFailed, fmt.Errorf("close order rejected: %w", err)

	case err != nil:
		// Ambiguous outcome: the pending trade stays for reconciliation and
		// the retry counter is untouched.
		c.logger.Printf("CRITICAL: unknown close outcome for position %s (trade %s): %v",
			pos.ID, trade.ID, err)
		c.notifier.Notify(ctx, pos.Account,
			fmt.Sprintf("position %s: close submission outcome unknown", pos.ID),
			map[string]any{"position_id": pos.ID, "trade_id": trade.ID, "error": err.Error()},
			notify.SeverityCritical)
		c.recordFailure(pos, dte, escalated, ptStatus, newlyCancelled,
			fmt.Sprintf("unknown outcome: %v", err), false)
		return OutcomeFailed, &orders.UnknownOutcomeError{
			PositionID: pos.ID, TradeID: trade.ID, Err: err}

	case result == nil || result.OrderID == "":
		trade.Status = models.StatusRejected
		if uerr := c.store.UpdateTrade(trade); uerr != nil {
			c.logger.Printf("marking close trade %s rejected failed: %v", trade.ID, uerr)
		}
		c.recordFailure(pos, dte, escalated, ptStatus, newlyCancelled,
			"broker returned no order id", true)
		return OutcomeFailed, errors.New("close order: broker returned no order id")
	}

	if err := trade.AssignBrokerOrder(result.OrderID); err != nil {
		return OutcomeFailed, err
	}
	if err := c.store.UpdateTrade(trade); err != nil {
		c.logger.Printf("CRITICAL: close order %s placed but trade %s not finalized: %v",
			result.OrderID, trade.ID, err)
	}

	err = c.store.WithPositionLock(pos.ID, func(p *models.Position) error {
		applyProfitTargetStatus(p, ptStatus)
		p.Automation.CurrentOrderID = result.OrderID
		p.Automation.RetryCount = 0
		p.Automation.LastError = ""
		p.Automation.LastProcessedDTE = dte
		p.Automation.CancelledTargets = allCancelled
		if p.State != models.StateClosing {
			if terr := p.TransitionState(models.StateClosing, models.ConditionCloseSubmitted); terr != nil {
				return terr
			}
		}
		p.Audit(fmt.Sprintf("close order %s submitted at %d DTE, limit %.2f",
			result.OrderID, dte, limit))
		return nil
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("committing automation record for %s: %w", pos.ID, err)
	}

	c.logger.Printf("submitted close order %s for position %s at %d DTE, limit %.2f",
		result.OrderID, pos.ID, dte, limit)
	return OutcomeSubmitted, nil
}

// cancelChildOrders cancels every open order tied to the position: a prior
// close order, unfilled entry remnants, and standing profit targets. Cancelled
// profit targets are recorded with their price for the floor check on the
// replacement order. closedBy carries the order id of a close order that
// turned out to be filled; the caller must finalize instead of resubmitting.
func (c *Closer) cancelChildOrders(ctx context.Context, pos *models.Position) (
	[]models.CancelledTarget, map[string]models.TradeStatus, string, error) {
	ptStatus := make(map[string]models.TradeStatus)
	var cancelled []models.CancelledTarget
	var closedBy string

	for slot, pt := range pos.ProfitTargets {
		if pt.OrderID == "" || !pt.Status.IsOpen() {
			continue
		}
		final, err := c.cancelBrokerOrder(ctx, pos.Account, pt.OrderID, true)
		if err != nil {
			return cancelled, ptStatus, "", fmt.Errorf("cancelling profit target %s (%s): %w",
				slot, pt.OrderID, err)
		}
		ptStatus[slot] = final
		if final == models.StatusCancelled {
			cancelled = append(cancelled, models.CancelledTarget{
				Slot:        slot,
				OrderID:     pt.OrderID,
				Price:       pt.TargetPrice,
				CancelledAt: c.now(),
			})
		} else {
			c.logger.Printf("profit target %s on position %s resolved as %s during cancel",
				pt.OrderID, pos.ID, final)
		}
	}

	trades, err := c.store.GetTradesByPosition(pos.ID)
	if err != nil {
		return cancelled, ptStatus, "", fmt.Errorf("loading trades for %s: %w", pos.ID, err)
	}
	for i := range trades {
		t := &trades[i]
		if !t.Status.IsOpen() || t.HasPlaceholderOrderID() {
			continue
		}
		final, err := c.cancelBrokerOrder(ctx, pos.Account, t.BrokerOrderID, len(t.Legs) > 1)
		if err != nil {
			return cancelled, ptStatus, "", fmt.Errorf("cancelling order %s: %w", t.BrokerOrderID, err)
		}
		t.Status = final
		if uerr := c.store.UpdateTrade(t); uerr != nil {
			c.logger.Printf("syncing trade %s to %s failed: %v", t.ID, final, uerr)
		}
		if final == models.StatusFilled && t.Type == models.TradeClose {
			closedBy = t.BrokerOrderID
		}
	}
	return cancelled, ptStatus, closedBy, nil
}

// commitCancelResults persists profit-target statuses and cancelled-target
// records when an attempt aborts after the cancel phase.
func (c *Closer) commitCancelResults(pos *models.Position,
	ptStatus map[string]models.TradeStatus, newlyCancelled []models.CancelledTarget) {
	if len(ptStatus) == 0 && len(newlyCancelled) == 0 {
		return
	}
	err := c.store.WithPositionLock(pos.ID, func(p *models.Position) error {
		applyProfitTargetStatus(p, ptStatus)
		if len(newlyCancelled) > 0 {
			p.Automation.CancelledTargets = append(p.Automation.CancelledTargets, newlyCancelled...)
		}
		return nil
	})
	if err != nil {
		c.logger.Printf("recording cancel results for %s: %v", pos.ID, err)
	}
}

// cancelBrokerOrder cancels one order and returns its final status. An order
// the broker no longer tracks counts as filled.
func (c *Closer) cancelBrokerOrder(ctx context.Context, account, orderID string,
	multiLeg bool) (models.TradeStatus, error) {
	view, err := c.getOrder(ctx, account, orderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return models.StatusFilled, nil
	}
	if err != nil {
		return "", err
	}
	status := models.NormalizeOrderStatus(view.Status)
	if status.IsTerminal() {
		return status, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if multiLeg {
		err = c.gateway.CancelMultiLegOrder(callCtx, account, orderID)
		if errors.Is(err, broker.ErrOrderNotFound) {
			err = c.gateway.CancelOrder(callCtx, account, orderID)
		}
	} else {
		err = c.gateway.CancelOrder(callCtx, account, orderID)
	}
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		return "", err
	}

	view, err = c.getOrder(ctx, account, orderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return models.StatusFilled, nil
	}
	if err != nil {
		return "", err
	}
	final := models.NormalizeOrderStatus(view.Status)
	if !final.IsTerminal() {
		// Cancel acknowledged but still settling; call it cancelled and let
		// reconciliation catch any divergence.
		final = models.StatusCancelled
	}
	return final, nil
}

// recordFailure persists a failed attempt's automation record. countRetry is
// false for ambiguous outcomes, which are deferred to reconciliation rather
// than burned against the retry ceiling.
func (c *Closer) recordFailure(pos *models.Position, dte int,
	escalated bool, ptStatus map[string]models.TradeStatus,
	newlyCancelled []models.CancelledTarget, lastError string, countRetry bool) {
	err := c.store.WithPositionLock(pos.ID, func(p *models.Position) error {
		applyProfitTargetStatus(p, ptStatus)
		if escalated {
			p.Automation.RetryCount = 0
		}
		if countRetry && p.Automation.RetryCount < models.MaxCloseRetries {
			p.Automation.RetryCount++
		}
		p.Automation.CurrentOrderID = ""
		p.Automation.LastError = lastError
		p.Automation.LastProcessedDTE = dte
		if len(newlyCancelled) > 0 {
			p.Automation.CancelledTargets = append(p.Automation.CancelledTargets, newlyCancelled...)
		}
		p.Audit(fmt.Sprintf("close attempt at %d DTE failed: %s", dte, lastError))
		return nil
	})
	if err != nil {
		c.logger.Printf("recording close failure for %s: %v", pos.ID, err)
	}
}

// finalizeClose marks the position closed after its close order filled.
// fillPrice 0 means the broker view is gone; the trade's limit stands in for
// the P&L estimate.
func (c *Closer) finalizeClose(pos *models.Position, orderID string, fillPrice float64) error {
	closeCost := math.Abs(fillPrice)
	if trade, err := c.store.GetTradeByBrokerOrderID(orderID); err == nil {
		if fillPrice == 0 {
			closeCost = math.Abs(trade.LimitPrice)
		}
		trade.Status = models.StatusFilled
		if uerr := c.store.UpdateTrade(trade); uerr != nil {
			c.logger.Printf("syncing filled close trade %s: %v", trade.ID, uerr)
		}
	}

	var pnl float64
	if pos.PriceEffect == models.EffectCredit {
		pnl = (pos.AvgEntryPrice - closeCost) * 100 * float64(pos.Quantity)
	} else {
		pnl = (closeCost - pos.AvgEntryPrice) * 100 * float64(pos.Quantity)
	}

	err := c.store.WithPositionLock(pos.ID, func(p *models.Position) error {
		if p.IsTerminal() {
			return nil
		}
		if terr := p.TransitionState(models.StateClosed, models.ConditionCloseFilled); terr != nil {
			return terr
		}
		p.Automation.CurrentOrderID = ""
		p.Automation.LastError = ""
		p.Audit(fmt.Sprintf("close order %s filled at %.2f, realized P&L %.2f",
			orderID, closeCost, pnl))
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalizing close for %s: %w", pos.ID, err)
	}
	if err := c.store.RecordClose(pnl); err != nil {
		c.logger.Printf("recording close statistics for %s: %v", pos.ID, err)
	}
	c.logger.Printf("position %s closed via order %s, realized P&L %.2f", pos.ID, orderID, pnl)
	return nil
}

func (c *Closer) syncTradeStatus(orderID string, status models.TradeStatus) {
	trade, err := c.store.GetTradeByBrokerOrderID(orderID)
	if err != nil {
		return
	}
	trade.Status = status
	if err := c.store.UpdateTrade(trade); err != nil {
		c.logger.Printf("syncing trade %s to %s failed: %v", trade.ID, status, err)
	}
}

func (c *Closer) getOrder(ctx context.Context, account, orderID string) (*broker.OrderView, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.gateway.GetOrder(callCtx, account, orderID)
}

func applyProfitTargetStatus(p *models.Position, ptStatus map[string]models.TradeStatus) {
	for slot, status := range ptStatus {
		if pt, ok := p.ProfitTargets[slot]; ok {
			pt.Status = status
			p.ProfitTargets[slot] = pt
		}
	}
}
