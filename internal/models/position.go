// Package models provides data structures and state management for tracked
// multi-leg options positions and their order submissions.
package models

import (
	"fmt"
	"time"
)

// MaxCloseRetries caps consecutive failed automated-close attempts per position.
const MaxCloseRetries = 3

// PositionState represents the lifecycle state of a position.
type PositionState string

const (
	// StatePendingEntry means the opening order exists locally but no fill
	// has been confirmed yet.
	StatePendingEntry PositionState = "pending_entry"
	// StateOpenFull means every spread of the position is filled.
	StateOpenFull PositionState = "open_full"
	// StateOpenPartial means some but not all spreads are filled.
	StateOpenPartial PositionState = "open_partial"
	// StateClosing means a closing order is working at the broker.
	StateClosing PositionState = "closing"
	// StateClosed means the position is fully exited.
	StateClosed PositionState = "closed"
	// StateExpired means the position ran to expiration.
	StateExpired PositionState = "expired"
)

// PriceEffect is the direction of premium flow when the position was opened.
type PriceEffect string

const (
	// EffectCredit means the position was opened for net premium received.
	EffectCredit PriceEffect = "credit"
	// EffectDebit means the position was opened for net premium paid.
	EffectDebit PriceEffect = "debit"
)

// Valid reports whether the PriceEffect is one of the defined constants.
func (e PriceEffect) Valid() bool {
	return e == EffectCredit || e == EffectDebit
}

// StateTransition defines a valid lifecycle state transition.
type StateTransition struct {
	From      PositionState
	To        PositionState
	Condition string
}

// Transition conditions.
const (
	ConditionOrderFilled      = "order_filled"
	ConditionPartialFill      = "partial_fill"
	ConditionCloseSubmitted   = "close_submitted"
	ConditionCloseFilled      = "close_filled"
	ConditionEntryCancelled   = "entry_cancelled"
	ConditionExpiredWorthless = "expired_worthless"
	ConditionManualClose      = "manual_close"
	ConditionRecovered        = "recovered"
)

// ValidTransitions enumerates every allowed lifecycle move. State only
// advances; there is no path back toward pending_entry.
var ValidTransitions = []StateTransition{
	{StatePendingEntry, StateOpenFull, ConditionOrderFilled},
	{StatePendingEntry, StateOpenPartial, ConditionPartialFill},
	{StatePendingEntry, StateClosed, ConditionEntryCancelled},

	{StateOpenPartial, StateOpenFull, ConditionOrderFilled},
	{StateOpenPartial, StateClosing, ConditionCloseSubmitted},
	{StateOpenPartial, StateExpired, ConditionExpiredWorthless},
	{StateOpenPartial, StateClosed, ConditionManualClose},

	{StateOpenFull, StateClosing, ConditionCloseSubmitted},
	{StateOpenFull, StateExpired, ConditionExpiredWorthless},
	{StateOpenFull, StateClosed, ConditionManualClose},

	{StateClosing, StateClosed, ConditionCloseFilled},
	{StateClosing, StateClosed, ConditionManualClose},
	{StateClosing, StateExpired, ConditionExpiredWorthless},
	// Close order resolved without filling; position is still open.
	{StateClosing, StateOpenFull, ConditionRecovered},
	{StateClosing, StateOpenPartial, ConditionRecovered},
}

// ProfitTarget is one standing profit-taking order slot on a position.
type ProfitTarget struct {
	OrderID     string      `json:"order_id"`
	Percent     float64     `json:"percent"`
	TargetPrice float64     `json:"target_price"`
	Status      TradeStatus `json:"status"`
}

// CancelledTarget records a profit target cancelled by the automated closer,
// kept for the price-floor check on the replacement close order.
type CancelledTarget struct {
	Slot        string    `json:"slot"`
	OrderID     string    `json:"order_id"`
	Price       float64   `json:"price"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// DTEAutomation is the per-position idempotency record for the automated
// closing state machine. It is mutated only under the store's position lock.
type DTEAutomation struct {
	// LastProcessedDTE is the DTE value of the most recent automation run,
	// or -1 if the position has never been processed.
	LastProcessedDTE int               `json:"last_processed_dte"`
	CurrentOrderID   string            `json:"current_order_id,omitempty"`
	RetryCount       int               `json:"retry_count"`
	LastError        string            `json:"last_error,omitempty"`
	CancelledTargets []CancelledTarget `json:"cancelled_targets,omitempty"`
}

// Position represents a tracked multi-leg strategy instance.
type Position struct {
	ID            string                  `json:"id"`
	Account       string                  `json:"account"`
	Symbol        string                  `json:"symbol"`
	StrategyID    string                  `json:"strategy_id"`
	State         PositionState           `json:"state"`
	Quantity      int                     `json:"quantity"`
	Spreads       int                     `json:"spreads"`
	PriceEffect   PriceEffect             `json:"price_effect"`
	AvgEntryPrice float64                 `json:"avg_entry_price"`
	SpreadWidth   float64                 `json:"spread_width"`
	Strikes       []float64               `json:"strikes"`
	Expiration    time.Time               `json:"expiration"`
	ProfitTargets map[string]ProfitTarget `json:"profit_targets,omitempty"`
	Automation    DTEAutomation           `json:"dte_automation"`
	AppManaged    bool                    `json:"app_managed"`
	AuditLog      []string                `json:"audit_log,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// NewPosition creates a pending_entry position with an initialized
// automation record.
func NewPosition(id, account, symbol, strategyID string, quantity, spreads int,
	effect PriceEffect, width float64, strikes []float64, expiration time.Time) *Position {
	now := time.Now().UTC()
	return &Position{
		ID:            id,
		Account:       account,
		Symbol:        symbol,
		StrategyID:    strategyID,
		State:         StatePendingEntry,
		Quantity:      quantity,
		Spreads:       spreads,
		PriceEffect:   effect,
		SpreadWidth:   width,
		Strikes:       strikes,
		Expiration:    expiration,
		ProfitTargets: make(map[string]ProfitTarget),
		Automation:    DTEAutomation{LastProcessedDTE: -1},
		AppManaged:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TransitionState moves the position to a new lifecycle state, enforcing the
// ValidTransitions table.
func (p *Position) TransitionState(to PositionState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == p.State && t.To == to && t.Condition == condition {
			p.State = to
			p.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("position %s: invalid transition %s -> %s (%s)",
		p.ID, p.State, to, condition)
}

// IsOpen reports whether the position still has market exposure to manage.
func (p *Position) IsOpen() bool {
	switch p.State {
	case StateOpenFull, StateOpenPartial, StateClosing:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the position has reached a final state.
func (p *Position) IsTerminal() bool {
	return p.State == StateClosed || p.State == StateExpired
}

// CalculateDTE returns whole days between now and expiration, never negative.
func (p *Position) CalculateDTE(now time.Time) int {
	d := now.UTC().Truncate(24 * time.Hour)
	exp := p.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(d).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// MaxLoss returns the maximum loss per spread: width minus credit for credit
// positions, the debit paid for debit positions.
func (p *Position) MaxLoss() float64 {
	if p.PriceEffect == EffectDebit {
		return p.AvgEntryPrice
	}
	m := p.SpreadWidth - p.AvgEntryPrice
	if m < 0 {
		return 0
	}
	return m
}

// Audit appends a timestamped note to the position's audit log.
func (p *Position) Audit(note string) {
	p.AuditLog = append(p.AuditLog,
		fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), note))
}

// ValidateState checks the position's structural invariants.
func (p *Position) ValidateState() error {
	if p.ID == "" {
		return fmt.Errorf("position has empty id")
	}
	switch p.State {
	case StatePendingEntry, StateOpenFull, StateOpenPartial,
		StateClosing, StateClosed, StateExpired:
	default:
		return fmt.Errorf("position %s: unknown state %q", p.ID, p.State)
	}
	if !p.PriceEffect.Valid() {
		return fmt.Errorf("position %s: invalid price effect %q", p.ID, p.PriceEffect)
	}
	if p.Automation.RetryCount < 0 || p.Automation.RetryCount > MaxCloseRetries {
		return fmt.Errorf("position %s: retry count %d outside [0,%d]",
			p.ID, p.Automation.RetryCount, MaxCloseRetries)
	}
	if p.Automation.LastProcessedDTE < -1 {
		return fmt.Errorf("position %s: last processed DTE %d is invalid",
			p.ID, p.Automation.LastProcessedDTE)
	}
	seen := make(map[string]string, len(p.ProfitTargets))
	for slot, pt := range p.ProfitTargets {
		if pt.OrderID == "" {
			continue
		}
		if other, dup := seen[pt.OrderID]; dup {
			return fmt.Errorf("position %s: profit target order %s shared by slots %s and %s",
				p.ID, pt.OrderID, other, slot)
		}
		seen[pt.OrderID] = slot
	}
	if p.IsOpen() && p.Quantity <= 0 {
		return fmt.Errorf("position %s in state %s: quantity must be > 0 (current: %d)",
			p.ID, p.State, p.Quantity)
	}
	return nil
}
