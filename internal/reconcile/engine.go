package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/notify"
	"github.com/spreadkeeper/spreadkeeper/internal/pricing"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

// Config controls remediation behavior.
type Config struct {
	// CancelOrphans cancels broker orders no local record references.
	// Disabled by default: an orphan may be a manually placed order.
	CancelOrphans bool
	// ProfitTargetPercent is the premium fraction captured by created
	// profit targets, e.g. 0.50.
	ProfitTargetPercent float64
	// PendingGrace is how long a placeholder-id trade may stay pending
	// before it is surfaced as a possible lost submission.
	PendingGrace time.Duration
}

// Action records one remediation step taken.
type Action struct {
	PositionID string `json:"position_id,omitempty"`
	Slot       string `json:"slot,omitempty"`
	Kind       string `json:"kind"`
	OrderID    string `json:"order_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report is the outcome of one account sweep.
type Report struct {
	Account         string           `json:"account"`
	RanAt           time.Time        `json:"ran_at"`
	Classifications []Classification `json:"classifications"`
	Orphans         []string         `json:"orphans,omitempty"`
	StalePending    []string         `json:"stale_pending,omitempty"`
	Actions         []Action         `json:"actions,omitempty"`
}

// Engine periodically diffs local records against broker truth. It is the
// backstop for every ambiguous outcome the other protocols defer.
type Engine struct {
	store    storage.Interface
	gateway  broker.Gateway
	notifier notify.Notifier
	sessions *broker.SessionManager
	logger   *log.Logger
	timeout  time.Duration
	cfg      Config
	now      func() time.Time
}

// NewEngine wires a reconciliation engine.
func NewEngine(store storage.Interface, gateway broker.Gateway, notifier notify.Notifier,
	sessions *broker.SessionManager, logger *log.Logger, timeout time.Duration, cfg Config) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.ProfitTargetPercent <= 0 || cfg.ProfitTargetPercent >= 1 {
		cfg.ProfitTargetPercent = 0.50
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 15 * time.Minute
	}
	return &Engine{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		sessions: sessions,
		logger:   logger,
		timeout:  timeout,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileAccount classifies every open position for the account against
// the broker's active order set. With remediate false the sweep is read-only
// and repeatable; with remediate true each divergence is repaired with its
// level's action.
func (e *Engine) ReconcileAccount(ctx context.Context, account string, remediate bool) (*Report, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	views, err := e.gateway.GetOpenOrders(callCtx, account)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("listing open orders for %s: %w", account, err)
	}
	activeIDs := make(map[string]bool, len(views))
	for _, v := range views {
		activeIDs[v.ID] = true
	}

	positions, err := e.store.GetPositionsByAccount(account)
	if err != nil {
		return nil, fmt.Errorf("loading positions for %s: %w", account, err)
	}

	report := &Report{Account: account, RanAt: e.now()}
	var allTrades []models.Trade
	var live []models.Position
	for i := range positions {
		pos := &positions[i]
		if pos.IsTerminal() {
			continue
		}
		live = append(live, *pos)

		trades, err := e.store.GetTradesByPosition(pos.ID)
		if err != nil {
			return nil, fmt.Errorf("loading trades for %s: %w", pos.ID, err)
		}
		allTrades = append(allTrades, trades...)

		for j := range trades {
			t := &trades[j]
			if t.Status == models.StatusPending && t.HasPlaceholderOrderID() &&
				e.now().Sub(t.CreatedAt) > e.cfg.PendingGrace {
				report.StalePending = append(report.StalePending, t.ID)
			}
		}

		// A closing position is classified against its working close order
		// reference but never remediated here. Clearing the order id would
		// blind the closer's own idempotency check, and the closer already
		// resolves a vanished order on its next pass.
		if pos.State == models.StateClosing {
			c := ClassifyClosing(pos, trades, activeIDs)
			report.Classifications = append(report.Classifications, c)
			if c.Level != LevelMatched {
				e.logger.Printf("closing position %s references order %s the broker does not track",
					pos.ID, pos.Automation.CurrentOrderID)
			}
			continue
		}
		// Profit-target reconciliation only applies to filled positions;
		// pending entries are owned by the submission protocol.
		if pos.State != models.StateOpenFull && pos.State != models.StateOpenPartial {
			continue
		}
		c := Classify(pos, pricing.ExpectedSlots(pos), activeIDs)
		report.Classifications = append(report.Classifications, c)

		if remediate && c.Level != LevelMatched {
			if err := e.remediate(ctx, pos, c, report); err != nil {
				e.logger.Printf("remediation of position %s failed: %v", pos.ID, err)
				report.Actions = append(report.Actions, Action{
					PositionID: pos.ID, Kind: "remediation_failed", Detail: err.Error()})
			}
		}
	}

	report.Orphans = FindOrphans(activeIDs, ReferencedOrderIDs(live, allTrades))
	if remediate && e.cfg.CancelOrphans {
		e.cancelOrphans(ctx, account, report)
	}

	if len(report.StalePending) > 0 {
		e.notifier.Notify(ctx, account,
			fmt.Sprintf("%d trade(s) pending without broker acknowledgment", len(report.StalePending)),
			map[string]any{"account": account, "trade_ids": report.StalePending},
			notify.SeverityCritical)
	}

	e.logger.Printf("reconciled account %s: %d positions classified, %d orphans, %d actions",
		account, len(report.Classifications), len(report.Orphans), len(report.Actions))
	return report, nil
}

// remediate applies the per-level repair for one position.
func (e *Engine) remediate(ctx context.Context, pos *models.Position,
	c Classification, report *Report) error {
	switch c.Level {
	case Level1MissingAll, Level2Partial:
		// Create only what is missing; existing slots are untouched.
		for _, slot := range c.MissingSlots {
			if err := e.createSlotTarget(ctx, pos, slot, report); err != nil {
				return err
			}
		}
	case Level3Cancelled:
		// Clear each cancelled slot and replace it at current pricing.
		for _, slot := range c.CancelledSlots {
			if err := e.clearSlot(pos, slot, report, "cancelled"); err != nil {
				return err
			}
			if err := e.createSlotTarget(ctx, pos, slot, report); err != nil {
				return err
			}
		}
	case Level4Desynced:
		// The broker never heard of these ids; only the local reference is
		// wrong. Nothing to touch at the broker.
		for _, slot := range c.DesyncedSlots {
			if err := e.clearSlot(pos, slot, report, "desynced"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) clearSlot(pos *models.Position, slot string, report *Report, why string) error {
	err := e.store.WithPositionLock(pos.ID, func(p *models.Position) error {
		pt, ok := p.ProfitTargets[slot]
		if !ok {
			return nil
		}
		delete(p.ProfitTargets, slot)
		p.Audit(fmt.Sprintf("reconciliation dropped %s profit target %s (order %s)",
			why, slot, pt.OrderID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing slot %s: %w", slot, err)
	}
	delete(pos.ProfitTargets, slot)
	report.Actions = append(report.Actions, Action{
		PositionID: pos.ID, Slot: slot, Kind: "cleared_" + why})
	return nil
}

// createSlotTarget places a profit-taking order for one slot, with the same
// durable-record-before-broker-call sequencing as every other submission.
func (e *Engine) createSlotTarget(ctx context.Context, pos *models.Position,
	slot string, report *Report) error {
	legs, err := pricing.BuildSlotClosingLegs(pos, slot)
	if err != nil {
		return err
	}
	if _, err := e.sessions.FreshSessionByAccount(ctx, pos.Account); err != nil {
		return fmt.Errorf("profit target for slot %s: %w", slot, err)
	}
	target := pricing.ProfitTargetPrice(pos, e.cfg.ProfitTargetPercent)
	signed := target
	if pos.PriceEffect == models.EffectCredit {
		signed = -target
	}

	trade := models.NewPendingTrade(pos.ID, models.TradeClose, models.EventProfitTarget,
		legs, pos.Quantity, signed)
	if err := e.store.CreateTrade(trade); err != nil {
		return fmt.Errorf("persisting pending profit target: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	result, err := e.gateway.SubmitOrder(callCtx, pos.Account, legs, signed, broker.TIFGTC)
	cancel()
	switch {
	case err != nil && broker.IsPermanentAPIError(err):
		trade.Status = models.StatusRejected
		if uerr := e.store.UpdateTrade(trade); uerr != nil {
			e.logger.Printf("marking profit target trade %s rejected failed: %v", trade.ID, uerr)
		}
		return fmt.Errorf("profit target for slot %s rejected: %w", slot, err)
	case err != nil:
		e.logger.Printf("CRITICAL: unknown profit target outcome for position %s slot %s: %v",
			pos.ID, slot, err)
		return fmt.Errorf("profit target for slot %s: unknown outcome: %w", slot, err)
	case result == nil || result.OrderID == "":
		trade.Status = models.StatusRejected
		if uerr := e.store.UpdateTrade(trade); uerr != nil {
			e.logger.Printf("marking profit target trade %s rejected failed: %v", trade.ID, uerr)
		}
		return fmt.Errorf("profit target for slot %s: broker returned no order id", slot)
	}

	if err := trade.AssignBrokerOrder(result.OrderID); err != nil {
		return err
	}
	if err := e.store.UpdateTrade(trade); err != nil {
		e.logger.Printf("CRITICAL: profit target %s placed but trade %s not finalized: %v",
			result.OrderID, trade.ID, err)
	}

	err = e.store.WithPositionLock(pos.ID, func(p *models.Position) error {
		if p.ProfitTargets == nil {
			p.ProfitTargets = make(map[string]models.ProfitTarget)
		}
		p.ProfitTargets[slot] = models.ProfitTarget{
			OrderID:     result.OrderID,
			Percent:     e.cfg.ProfitTargetPercent,
			TargetPrice: target,
			Status:      models.StatusSubmitted,
		}
		p.Audit(fmt.Sprintf("reconciliation created %s profit target order %s at %.2f",
			slot, result.OrderID, target))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording profit target for slot %s: %w", slot, err)
	}
	if pos.ProfitTargets == nil {
		pos.ProfitTargets = make(map[string]models.ProfitTarget)
	}
	pos.ProfitTargets[slot] = models.ProfitTarget{
		OrderID: result.OrderID, Percent: e.cfg.ProfitTargetPercent,
		TargetPrice: target, Status: models.StatusSubmitted,
	}

	report.Actions = append(report.Actions, Action{
		PositionID: pos.ID, Slot: slot, Kind: "created_target", OrderID: result.OrderID})
	return nil
}

func (e *Engine) cancelOrphans(ctx context.Context, account string, report *Report) {
	if len(report.Orphans) == 0 {
		return
	}
	if _, err := e.sessions.FreshSessionByAccount(ctx, account); err != nil {
		e.logger.Printf("skipping orphan cancellation for %s: %v", account, err)
		return
	}
	for _, id := range report.Orphans {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := e.gateway.CancelOrder(callCtx, account, id)
		cancel()
		if err != nil {
			e.logger.Printf("cancelling orphan order %s failed: %v", id, err)
			continue
		}
		report.Actions = append(report.Actions, Action{
			Kind: "cancelled_orphan", OrderID: id})
	}
}
