package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TradeType distinguishes opening submissions from closing ones.
type TradeType string

const (
	// TradeOpen is an order that establishes or adds to a position.
	TradeOpen TradeType = "open"
	// TradeClose is an order that reduces or exits a position.
	TradeClose TradeType = "close"
)

// TradeStatus is the local view of an order submission's state.
type TradeStatus string

const (
	// StatusPending means a durable local record exists but the broker has
	// not acknowledged the order yet.
	StatusPending   TradeStatus = "pending"
	StatusSubmitted TradeStatus = "submitted"
	StatusLive      TradeStatus = "live"
	StatusWorking   TradeStatus = "working"
	StatusRouted    TradeStatus = "routed"
	StatusFilled    TradeStatus = "filled"
	StatusCancelled TradeStatus = "cancelled"
	StatusRejected  TradeStatus = "rejected"
	StatusExpired   TradeStatus = "expired"
)

// IsOpen reports whether the order may still execute at the broker.
func (s TradeStatus) IsOpen() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusLive, StatusWorking, StatusRouted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the order can no longer change state.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// NormalizeOrderStatus maps a broker status string onto the local vocabulary.
// Unknown strings come back as-is, lowercased, so callers can log them.
func NormalizeOrderStatus(raw string) TradeStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending
	case "submitted":
		return StatusSubmitted
	case "open", "live":
		return StatusLive
	case "working", "partially_filled", "partial":
		return StatusWorking
	case "routed", "calculated":
		return StatusRouted
	case "filled":
		return StatusFilled
	case "canceled", "cancelled":
		return StatusCancelled
	case "rejected", "error":
		return StatusRejected
	case "expired":
		return StatusExpired
	default:
		return TradeStatus(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// LifecycleEvent tags what part of the lifecycle produced a trade, so a
// DTE-driven close is never mistaken for a fresh entry.
type LifecycleEvent string

const (
	// EventEntry is a fresh opening submission.
	EventEntry LifecycleEvent = "entry"
	// EventDTEClose is an automated close driven by days-to-expiration.
	EventDTEClose LifecycleEvent = "dte_close"
	// EventProfitTarget is a standing profit-taking order.
	EventProfitTarget LifecycleEvent = "profit_target"
	// EventManualClose is a user-initiated close.
	EventManualClose LifecycleEvent = "manual_close"
)

// LegAction is the side and open/close intent of a single leg.
type LegAction string

const (
	ActionBuyToOpen   LegAction = "buy_to_open"
	ActionSellToOpen  LegAction = "sell_to_open"
	ActionBuyToClose  LegAction = "buy_to_close"
	ActionSellToClose LegAction = "sell_to_close"
)

// Opposite returns the closing action for an opening action and vice versa.
func (a LegAction) Opposite() LegAction {
	switch a {
	case ActionBuyToOpen:
		return ActionSellToClose
	case ActionSellToOpen:
		return ActionBuyToClose
	case ActionBuyToClose:
		return ActionSellToOpen
	case ActionSellToClose:
		return ActionBuyToOpen
	}
	return a
}

// OrderLeg is one leg of a multi-leg order.
type OrderLeg struct {
	Instrument   string    `json:"instrument"` // "option" or "equity"
	OptionSymbol string    `json:"option_symbol"`
	Action       LegAction `json:"action"`
	Quantity     int       `json:"quantity"`
}

// Validate checks that the leg is fully specified.
func (l OrderLeg) Validate() error {
	if l.OptionSymbol == "" {
		return fmt.Errorf("leg has empty symbol")
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("leg %s has non-positive quantity %d", l.OptionSymbol, l.Quantity)
	}
	switch l.Action {
	case ActionBuyToOpen, ActionSellToOpen, ActionBuyToClose, ActionSellToClose:
		return nil
	default:
		return fmt.Errorf("leg %s has invalid action %q", l.OptionSymbol, l.Action)
	}
}

// placeholderPrefix marks locally generated broker order ids that have not
// been replaced with a real broker id yet.
const placeholderPrefix = "pending-"

// Trade is a single order submission tied to a position.
type Trade struct {
	ID            string         `json:"id"`
	PositionID    string         `json:"position_id"`
	Type          TradeType      `json:"type"`
	Legs          []OrderLeg     `json:"legs"`
	BrokerOrderID string         `json:"broker_order_id"`
	Status        TradeStatus    `json:"status"`
	Quantity      int            `json:"quantity"`
	LimitPrice    float64        `json:"limit_price"`
	ParentOrderID string         `json:"parent_order_id,omitempty"`
	Event         LifecycleEvent `json:"lifecycle_event"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewPendingTrade creates a pending trade with a placeholder broker order id.
// The record must be persisted before the broker is contacted.
func NewPendingTrade(positionID string, tradeType TradeType, event LifecycleEvent,
	legs []OrderLeg, quantity int, limitPrice float64) *Trade {
	now := time.Now().UTC()
	return &Trade{
		ID:            uuid.New().String(),
		PositionID:    positionID,
		Type:          tradeType,
		Legs:          legs,
		BrokerOrderID: placeholderPrefix + uuid.New().String(),
		Status:        StatusPending,
		Quantity:      quantity,
		LimitPrice:    limitPrice,
		Event:         event,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HasPlaceholderOrderID reports whether the broker id is still the locally
// generated placeholder.
func (t *Trade) HasPlaceholderOrderID() bool {
	return strings.HasPrefix(t.BrokerOrderID, placeholderPrefix)
}

// AssignBrokerOrder swaps the placeholder for the real broker order id and
// advances the trade to submitted. The two changes are a single mutation so
// a persisted trade is either fully pending or fully submitted.
func (t *Trade) AssignBrokerOrder(brokerOrderID string) error {
	if brokerOrderID == "" {
		return fmt.Errorf("trade %s: broker order id is empty", t.ID)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("trade %s: cannot assign broker order in status %s", t.ID, t.Status)
	}
	if !t.HasPlaceholderOrderID() {
		return fmt.Errorf("trade %s: broker order id already assigned (%s)", t.ID, t.BrokerOrderID)
	}
	t.BrokerOrderID = brokerOrderID
	t.Status = StatusSubmitted
	t.UpdatedAt = time.Now().UTC()
	return nil
}
