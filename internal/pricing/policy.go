// Package pricing implements the pure pricing policy: it turns strategy
// parameters into concrete order legs and limit prices, including the
// DTE-driven escalation ladder for automated closes. Nothing here touches
// the broker or the store.
package pricing

import (
	"fmt"
	"sort"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/util"
)

// Tick is the price increment orders are rounded to.
const Tick = 0.01

// CreditCloseFloor is the minimum limit for closing a credit position; a
// 0.00 buy-to-close would never fill and reads as a mistake.
const CreditCloseFloor = 0.10

// CancelledTargetMultiplier is applied to the highest just-cancelled profit
// target price: the escalated close must never be cheaper than the
// profit-taking order it replaces.
const CancelledTargetMultiplier = 1.10

// Family describes the structural rules for one strategy family.
type Family struct {
	ID               string
	Effect           models.PriceEffect
	StrikesPerSpread int
	// Slots are the named profit-target spread slots a position of this
	// family is expected to carry.
	Slots []string
}

var families = map[string]Family{
	"put_credit_spread":  {ID: "put_credit_spread", Effect: models.EffectCredit, StrikesPerSpread: 2, Slots: []string{"spread"}},
	"call_credit_spread": {ID: "call_credit_spread", Effect: models.EffectCredit, StrikesPerSpread: 2, Slots: []string{"spread"}},
	"iron_condor":        {ID: "iron_condor", Effect: models.EffectCredit, StrikesPerSpread: 4, Slots: []string{"put_spread", "call_spread"}},
	"put_debit_spread":   {ID: "put_debit_spread", Effect: models.EffectDebit, StrikesPerSpread: 2, Slots: []string{"spread"}},
	"call_debit_spread":  {ID: "call_debit_spread", Effect: models.EffectDebit, StrikesPerSpread: 2, Slots: []string{"spread"}},
}

// FamilyFor resolves the strategy family for a strategy id.
func FamilyFor(strategyID string) (Family, error) {
	f, ok := families[strategyID]
	if !ok {
		return Family{}, fmt.Errorf("unknown strategy family %q", strategyID)
	}
	return f, nil
}

// ExpectedSlots returns the profit-target slot names a position should carry.
func ExpectedSlots(p *models.Position) []string {
	if f, err := FamilyFor(p.StrategyID); err == nil {
		return f.Slots
	}
	return []string{"spread"}
}

// ValidateStructure checks a suggestion against its family's structural
// rules. It fails fast; nothing is coerced.
func ValidateStructure(s *models.Suggestion) error {
	f, err := FamilyFor(s.StrategyID)
	if err != nil {
		return err
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("suggestion %s: quantity must be > 0 (got %d)", s.ID, s.Quantity)
	}
	if s.Spreads <= 0 {
		return fmt.Errorf("suggestion %s: spreads must be > 0 (got %d)", s.ID, s.Spreads)
	}
	if s.Width <= 0 {
		return fmt.Errorf("suggestion %s: spread width must be > 0 (got %.2f)", s.ID, s.Width)
	}
	if len(s.Strikes) != f.StrikesPerSpread {
		return fmt.Errorf("suggestion %s: %s requires %d strikes, got %d",
			s.ID, f.ID, f.StrikesPerSpread, len(s.Strikes))
	}
	if !sort.Float64sAreSorted(s.Strikes) {
		return fmt.Errorf("suggestion %s: strikes must be ascending", s.ID)
	}
	for i := 1; i < len(s.Strikes); i++ {
		if s.Strikes[i] == s.Strikes[i-1] {
			return fmt.Errorf("suggestion %s: duplicate strike %.2f", s.ID, s.Strikes[i])
		}
	}
	if s.Expiration.IsZero() {
		return fmt.Errorf("suggestion %s: expiration is unset", s.ID)
	}
	return nil
}

// ValidatePriceSign checks that a signed limit price matches the expected
// premium direction: positive for credit strategies, negative for debit.
// Submitting the opposite sign would silently open the wrong side.
func ValidatePriceSign(effect models.PriceEffect, price float64) error {
	switch effect {
	case models.EffectCredit:
		if price <= 0 {
			return fmt.Errorf("credit strategy requires positive limit price, got %.2f", price)
		}
	case models.EffectDebit:
		if price >= 0 {
			return fmt.Errorf("debit strategy requires negative limit price, got %.2f", price)
		}
	default:
		return fmt.Errorf("unknown price effect %q", effect)
	}
	return nil
}

// BuildOpeningLegs derives the opening order legs for a suggestion. Every
// leg carries a concrete quantity; an ambiguous structure fails the build.
func BuildOpeningLegs(s *models.Suggestion) ([]models.OrderLeg, error) {
	f, err := FamilyFor(s.StrategyID)
	if err != nil {
		return nil, err
	}
	if err := ValidateStructure(s); err != nil {
		return nil, err
	}

	var legs []models.OrderLeg
	leg := func(right models.OptionType, strike float64, action models.LegAction) models.OrderLeg {
		return models.OrderLeg{
			Instrument:   "option",
			OptionSymbol: models.FormatOCCSymbol(s.Symbol, s.Expiration, right, strike),
			Action:       action,
			Quantity:     s.Quantity,
		}
	}

	switch f.ID {
	case "put_credit_spread":
		// Sell the higher put, buy the lower as the wing.
		legs = []models.OrderLeg{
			leg(models.OptionPut, s.Strikes[1], models.ActionSellToOpen),
			leg(models.OptionPut, s.Strikes[0], models.ActionBuyToOpen),
		}
	case "call_credit_spread":
		legs = []models.OrderLeg{
			leg(models.OptionCall, s.Strikes[0], models.ActionSellToOpen),
			leg(models.OptionCall, s.Strikes[1], models.ActionBuyToOpen),
		}
	case "put_debit_spread":
		legs = []models.OrderLeg{
			leg(models.OptionPut, s.Strikes[1], models.ActionBuyToOpen),
			leg(models.OptionPut, s.Strikes[0], models.ActionSellToOpen),
		}
	case "call_debit_spread":
		legs = []models.OrderLeg{
			leg(models.OptionCall, s.Strikes[0], models.ActionBuyToOpen),
			leg(models.OptionCall, s.Strikes[1], models.ActionSellToOpen),
		}
	case "iron_condor":
		// Strikes ascending: put wing, short put, short call, call wing.
		legs = []models.OrderLeg{
			leg(models.OptionPut, s.Strikes[0], models.ActionBuyToOpen),
			leg(models.OptionPut, s.Strikes[1], models.ActionSellToOpen),
			leg(models.OptionCall, s.Strikes[2], models.ActionSellToOpen),
			leg(models.OptionCall, s.Strikes[3], models.ActionBuyToOpen),
		}
	default:
		return nil, fmt.Errorf("no leg builder for family %q", f.ID)
	}

	for _, l := range legs {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("building legs for %s: %w", s.ID, err)
		}
	}
	return legs, nil
}

// BuildClosingLegs derives the closing legs from position metadata by
// inverting the opening structure. Incomplete metadata fails the build;
// the caller must never guess at strikes or expiration.
func BuildClosingLegs(p *models.Position) ([]models.OrderLeg, error) {
	f, err := FamilyFor(p.StrategyID)
	if err != nil {
		return nil, err
	}
	if p.Expiration.IsZero() {
		return nil, fmt.Errorf("position %s: expiration is unset", p.ID)
	}
	if len(p.Strikes) != f.StrikesPerSpread {
		return nil, fmt.Errorf("position %s: %s requires %d strikes, metadata has %d",
			p.ID, f.ID, f.StrikesPerSpread, len(p.Strikes))
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("position %s: quantity must be > 0 (got %d)", p.ID, p.Quantity)
	}

	open, err := BuildOpeningLegs(&models.Suggestion{
		ID:         p.ID,
		Symbol:     p.Symbol,
		StrategyID: p.StrategyID,
		Quantity:   p.Quantity,
		Spreads:    p.Spreads,
		Width:      p.SpreadWidth,
		Strikes:    p.Strikes,
		Expiration: p.Expiration,
	})
	if err != nil {
		return nil, err
	}

	closing := make([]models.OrderLeg, len(open))
	for i, l := range open {
		l.Action = l.Action.Opposite()
		closing[i] = l
	}
	return closing, nil
}

// BuildSlotClosingLegs derives the closing legs for a single profit-target
// slot. Two-strike families have one slot covering the whole structure; an
// iron condor splits into its put and call spreads.
func BuildSlotClosingLegs(p *models.Position, slot string) ([]models.OrderLeg, error) {
	f, err := FamilyFor(p.StrategyID)
	if err != nil {
		return nil, err
	}

	if f.ID != "iron_condor" {
		if slot != "spread" {
			return nil, fmt.Errorf("position %s: family %s has no slot %q", p.ID, f.ID, slot)
		}
		return BuildClosingLegs(p)
	}

	if len(p.Strikes) != f.StrikesPerSpread {
		return nil, fmt.Errorf("position %s: %s requires %d strikes, metadata has %d",
			p.ID, f.ID, f.StrikesPerSpread, len(p.Strikes))
	}
	leg := func(right models.OptionType, strike float64, action models.LegAction) models.OrderLeg {
		return models.OrderLeg{
			Instrument:   "option",
			OptionSymbol: models.FormatOCCSymbol(p.Symbol, p.Expiration, right, strike),
			Action:       action,
			Quantity:     p.Quantity,
		}
	}
	switch slot {
	case "put_spread":
		return []models.OrderLeg{
			leg(models.OptionPut, p.Strikes[0], models.ActionSellToClose),
			leg(models.OptionPut, p.Strikes[1], models.ActionBuyToClose),
		}, nil
	case "call_spread":
		return []models.OrderLeg{
			leg(models.OptionCall, p.Strikes[2], models.ActionBuyToClose),
			leg(models.OptionCall, p.Strikes[3], models.ActionSellToClose),
		}, nil
	default:
		return nil, fmt.Errorf("position %s: family %s has no slot %q", p.ID, f.ID, slot)
	}
}

// ProfitTargetPrice computes the limit for a standing profit-taking order:
// the per-slot share of the entry premium decayed to the given fraction of
// its original value. percent is the premium share to capture, e.g. 0.50.
func ProfitTargetPrice(p *models.Position, percent float64) float64 {
	slots := len(ExpectedSlots(p))
	if slots == 0 {
		slots = 1
	}
	target := (p.AvgEntryPrice / float64(slots)) * (1 - percent)
	if target < Tick {
		target = Tick
	}
	return util.RoundToTick(target, Tick)
}

// CloseLimitPrice computes the escalation-ladder limit for closing a
// position at the given DTE. For a credit position with spread width W,
// entry credit C and max loss M = W - C the ladder walks from breakeven at
// 7+ DTE up to full width at 3 DTE or less. Debit positions mirror the
// ladder down to 0.00, accepting total loss to force the exit.
func CloseLimitPrice(p *models.Position, dte int) float64 {
	c := p.AvgEntryPrice
	m := p.MaxLoss()

	var limit float64
	if p.PriceEffect == models.EffectDebit {
		switch {
		case dte <= 3:
			limit = 0.0
		case dte == 4:
			limit = c - 0.90*m
		case dte == 5:
			limit = c - 0.80*m
		case dte == 6:
			limit = c - 0.70*m
		default:
			limit = c
		}
		if limit < 0 {
			limit = 0
		}
		return util.RoundToTick(limit, Tick)
	}

	switch {
	case dte <= 3:
		limit = p.SpreadWidth
	case dte == 4:
		limit = c + 0.90*m
	case dte == 5:
		limit = c + 0.80*m
	case dte == 6:
		limit = c + 0.70*m
	default:
		limit = c
	}
	if limit < CreditCloseFloor {
		limit = CreditCloseFloor
	}
	return util.RoundToTick(limit, Tick)
}

// CloseLimitWithFloor applies the cancelled-profit-target floor on top of
// the escalation ladder: the close must cost at least 1.10x the highest
// profit target that was just cancelled to make room for it.
func CloseLimitWithFloor(p *models.Position, dte int, cancelled []models.CancelledTarget) float64 {
	limit := CloseLimitPrice(p, dte)
	var highest float64
	for _, ct := range cancelled {
		if ct.Price > highest {
			highest = ct.Price
		}
	}
	if highest > 0 {
		floor := util.CeilToTick(CancelledTargetMultiplier*highest, Tick)
		if limit < floor {
			limit = floor
		}
	}
	return limit
}
