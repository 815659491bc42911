// Package orders implements the order submission and cancellation protocols:
// crash-safe placement of opening orders and check-then-act cancellation of
// working ones.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/pricing"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

// PricingFreshness is the maximum age of a suggestion's quote snapshot.
// Anything older risks submitting against a market that has moved.
const PricingFreshness = 10 * time.Minute

// Typed submission failures. Each maps to one validation step so callers can
// tell a bad suggestion from a broker problem.
var (
	ErrNotApproved      = errors.New("orders: suggestion is not approved")
	ErrMissingPricing   = errors.New("orders: suggestion has no pricing snapshot")
	ErrStructureInvalid = errors.New("orders: suggestion structure is invalid")
	ErrNoAccount        = errors.New("orders: suggestion has no account")
	ErrStalePricing     = errors.New("orders: pricing snapshot is stale")
	ErrLegBuildFailed   = errors.New("orders: could not build order legs")
	ErrWrongPriceSign   = errors.New("orders: limit price sign does not match strategy direction")
	ErrPlacementFailed  = errors.New("orders: broker rejected the order")
)

// UnknownOutcomeError marks a submission whose broker call failed mid-flight.
// The order may or may not have been placed; the durable Position and Trade
// rows are intentionally left in place for the reconciliation engine.
type UnknownOutcomeError struct {
	PositionID string
	TradeID    string
	Err        error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("orders: unknown broker outcome for position %s (trade %s): %v",
		e.PositionID, e.TradeID, e.Err)
}

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

// DryRunResult describes what a submission would have done, validated against
// the broker's non-committal preview path. Nothing is persisted.
type DryRunResult struct {
	Valid      bool
	OrderCost  float64
	Commission float64
	Warnings   []string
	LimitPrice float64
	Legs       []models.OrderLeg
}

// SubmitParams are the inputs to one submission.
type SubmitParams struct {
	Suggestion *models.Suggestion
	// PriceOverride replaces the suggestion's mid-price when non-nil. The
	// sign convention is signed premium: positive for credit, negative for
	// debit.
	PriceOverride *float64
	DryRun        bool
	TIF           string
}

// Submitter executes the order submission protocol.
type Submitter struct {
	store    storage.Interface
	gateway  broker.Gateway
	sessions *broker.SessionManager
	logger   *log.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewSubmitter wires a Submitter. A nil logger falls back to the default;
// timeout bounds each broker call.
func NewSubmitter(store storage.Interface, gateway broker.Gateway,
	sessions *broker.SessionManager, logger *log.Logger, timeout time.Duration) *Submitter {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Submitter{
		store:    store,
		gateway:  gateway,
		sessions: sessions,
		logger:   logger,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit runs the submission protocol for one suggestion. On success the
// returned position is pending_entry with a submitted opening trade; a later
// fill event promotes it. In dry-run mode only the DryRunResult is returned
// and the store is never touched.
//
// Ordering is the crash-safety core: the Position and Trade rows are
// persisted before the broker is called, so a crash at any point leaves
// either nothing, a rolled-back nothing, or durable rows the reconciliation
// engine can resolve against broker truth.
func (s *Submitter) Submit(ctx context.Context, params SubmitParams) (*models.Position, *DryRunResult, error) {
	sug := params.Suggestion
	if sug == nil {
		return nil, nil, fmt.Errorf("%w: nil suggestion", ErrStructureInvalid)
	}
	if !sug.Approved {
		return nil, nil, fmt.Errorf("%w: suggestion %s", ErrNotApproved, sug.ID)
	}
	if sug.Pricing == nil {
		return nil, nil, fmt.Errorf("%w: suggestion %s", ErrMissingPricing, sug.ID)
	}
	if sug.Account == "" {
		return nil, nil, fmt.Errorf("%w: suggestion %s", ErrNoAccount, sug.ID)
	}

	family, err := pricing.FamilyFor(sug.StrategyID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStructureInvalid, err)
	}
	if err := pricing.ValidateStructure(sug); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStructureInvalid, err)
	}

	// Order-mutating calls need a freshly validated session; the cache is
	// never trusted here.
	if _, err := s.sessions.FreshSession(ctx, sug.UserID, sug.Account); err != nil {
		return nil, nil, err
	}

	if age := s.now().Sub(sug.Pricing.UpdatedAt); age > PricingFreshness {
		return nil, nil, fmt.Errorf("%w: suggestion %s pricing is %s old (limit %s)",
			ErrStalePricing, sug.ID, age.Round(time.Second), PricingFreshness)
	}

	legs, err := pricing.BuildOpeningLegs(sug)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLegBuildFailed, err)
	}

	limit := sug.Pricing.MidPrice
	if params.PriceOverride != nil {
		limit = *params.PriceOverride
	}
	if err := pricing.ValidatePriceSign(family.Effect, limit); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrWrongPriceSign, err)
	}

	tif := params.TIF
	if tif == "" {
		tif = broker.TIFDay
	}

	if params.DryRun {
		return s.dryRun(ctx, sug.Account, legs, limit, tif)
	}

	pos := models.NewPosition(uuid.New().String(), sug.Account, sug.Symbol, sug.StrategyID,
		sug.Quantity, sug.Spreads, family.Effect, sug.Width, sug.Strikes, sug.Expiration)
	pos.AvgEntryPrice = math.Abs(limit)
	pos.Audit(fmt.Sprintf("entry submission from suggestion %s at limit %.2f", sug.ID, limit))

	trade := models.NewPendingTrade(pos.ID, models.TradeOpen, models.EventEntry,
		legs, sug.Quantity, limit)

	// Durability precedes risk: both rows exist before the broker hears
	// about the order.
	if err := s.store.CreatePositionWithTrade(pos, trade); err != nil {
		return nil, nil, fmt.Errorf("persisting pending submission: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, err := s.gateway.SubmitOrder(callCtx, sug.Account, legs, limit, tif)

	switch {
	case err != nil && broker.IsPermanentAPIError(err):
		// Definite rejection, nothing was placed. The pending rows come out.
		s.rollback(pos.ID, trade.ID)
		return nil, nil, fmt.Errorf("%w: %v", ErrPlacementFailed, err)

	case err != nil:
		// Ambiguous: the order may have reached the broker before the call
		// failed. Rows stay for reconciliation.
		s.logger.Printf("CRITICAL: unknown submission outcome for position %s (trade %s): %v",
			pos.ID, trade.ID, err)
		return nil, nil, &UnknownOutcomeError{PositionID: pos.ID, TradeID: trade.ID, Err: err}

	case result == nil || result.OrderID == "":
		// The broker answered but acknowledged nothing.
		s.rollback(pos.ID, trade.ID)
		return nil, nil, fmt.Errorf("%w: broker returned no order id", ErrPlacementFailed)
	}

	if err := trade.AssignBrokerOrder(result.OrderID); err != nil {
		return nil, nil, fmt.Errorf("assigning broker order %s: %w", result.OrderID, err)
	}
	if err := s.store.UpdateTrade(trade); err != nil {
		// The broker has the order but the local row still shows the
		// placeholder. Reconciliation resolves this; never roll back here.
		s.logger.Printf("CRITICAL: broker order %s placed but trade %s not finalized: %v",
			result.OrderID, trade.ID, err)
		return nil, nil, &UnknownOutcomeError{PositionID: pos.ID, TradeID: trade.ID, Err: err}
	}

	s.logger.Printf("submitted opening order %s for position %s (%s %s x%d at %.2f)",
		result.OrderID, pos.ID, sug.Symbol, sug.StrategyID, sug.Quantity, limit)
	return pos, nil, nil
}

func (s *Submitter) dryRun(ctx context.Context, account string,
	legs []models.OrderLeg, limit float64, tif string) (*models.Position, *DryRunResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	preview, err := s.gateway.PreviewOrder(callCtx, account, legs, limit, tif)
	if err != nil {
		return nil, nil, fmt.Errorf("previewing order: %w", err)
	}
	return nil, &DryRunResult{
		Valid:      preview.Valid,
		OrderCost:  preview.OrderCost,
		Commission: preview.Commission,
		Warnings:   preview.Warnings,
		LimitPrice: limit,
		Legs:       legs,
	}, nil
}

// rollback removes the pending rows after a definite non-placement. A failed
// delete is logged but not propagated; the rows are harmless placeholders the
// reconciliation engine will also clean up.
func (s *Submitter) rollback(positionID, tradeID string) {
	if err := s.store.DeletePositionWithTrade(positionID, tradeID); err != nil {
		s.logger.Printf("rollback of pending submission %s failed: %v", positionID, err)
	}
}
