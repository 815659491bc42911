package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

func creditPosition(width, entry float64) *models.Position {
	p := models.NewPosition("pos-1", "ACC123", "SPY", "put_credit_spread", 1, 1,
		models.EffectCredit, width, []float64{400, 405}, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC))
	p.AvgEntryPrice = entry
	return p
}

func TestCloseLimitPrice_EscalationLadder(t *testing.T) {
	// width=3.00, credit=1.00 -> max loss 2.00
	p := creditPosition(3.00, 1.00)

	assert.InDelta(t, 1.00, CloseLimitPrice(p, 7), 1e-9)
	assert.InDelta(t, 1.00, CloseLimitPrice(p, 10), 1e-9)
	assert.InDelta(t, 2.40, CloseLimitPrice(p, 6), 1e-9)
	assert.InDelta(t, 2.60, CloseLimitPrice(p, 5), 1e-9)
	assert.InDelta(t, 2.80, CloseLimitPrice(p, 4), 1e-9)
	assert.InDelta(t, 3.00, CloseLimitPrice(p, 3), 1e-9)
	assert.InDelta(t, 3.00, CloseLimitPrice(p, 0), 1e-9)
}

func TestCloseLimitPrice_Monotonic(t *testing.T) {
	p := creditPosition(5.00, 1.75)
	prev := 0.0
	for dte := 10; dte >= 0; dte-- {
		limit := CloseLimitPrice(p, dte)
		assert.GreaterOrEqual(t, limit, prev, "limit must not decrease as dte falls (dte=%d)", dte)
		prev = limit
	}
}

func TestCloseLimitPrice_CreditFloor(t *testing.T) {
	// Zero entry credit still never produces a 0.00 buy-to-close.
	p := creditPosition(3.00, 0)
	assert.InDelta(t, CreditCloseFloor, CloseLimitPrice(p, 7), 1e-9)
}

func TestCloseLimitPrice_DebitMirror(t *testing.T) {
	p := creditPosition(3.00, 1.00)
	p.PriceEffect = models.EffectDebit
	p.StrategyID = "put_debit_spread"

	// M = debit paid = 1.00
	assert.InDelta(t, 1.00, CloseLimitPrice(p, 7), 1e-9)
	assert.InDelta(t, 0.30, CloseLimitPrice(p, 6), 1e-9)
	assert.InDelta(t, 0.20, CloseLimitPrice(p, 5), 1e-9)
	assert.InDelta(t, 0.10, CloseLimitPrice(p, 4), 1e-9)
	assert.InDelta(t, 0.00, CloseLimitPrice(p, 3), 1e-9)
}

func TestCloseLimitWithFloor_CancelledTarget(t *testing.T) {
	p := creditPosition(3.00, 1.00)
	cancelled := []models.CancelledTarget{{Slot: "spread", OrderID: "ord-9", Price: 1.00}}

	// Ladder says 1.00 at 7 DTE, but the replacement must cost at least
	// 1.10x the cancelled target.
	limit := CloseLimitWithFloor(p, 7, cancelled)
	assert.GreaterOrEqual(t, limit, 1.10)

	// When the ladder is already above the floor, the ladder wins.
	assert.InDelta(t, 3.00, CloseLimitWithFloor(p, 3, cancelled), 1e-9)
}

func TestValidatePriceSign(t *testing.T) {
	assert.NoError(t, ValidatePriceSign(models.EffectCredit, 1.25))
	assert.Error(t, ValidatePriceSign(models.EffectCredit, -1.25))
	assert.Error(t, ValidatePriceSign(models.EffectCredit, 0))
	assert.NoError(t, ValidatePriceSign(models.EffectDebit, -0.80))
	assert.Error(t, ValidatePriceSign(models.EffectDebit, 0.80))
}

func suggestion(strategy string, strikes []float64) *models.Suggestion {
	return &models.Suggestion{
		ID:         "sug-1",
		Account:    "ACC123",
		Symbol:     "SPY",
		StrategyID: strategy,
		Approved:   true,
		Quantity:   2,
		Spreads:    1,
		Width:      5,
		Strikes:    strikes,
		Expiration: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidateStructure(t *testing.T) {
	assert.NoError(t, ValidateStructure(suggestion("put_credit_spread", []float64{400, 405})))

	s := suggestion("put_credit_spread", []float64{400, 405, 410})
	assert.Error(t, ValidateStructure(s), "wrong strike count")

	s = suggestion("put_credit_spread", []float64{405, 400})
	assert.Error(t, ValidateStructure(s), "strikes must be ascending")

	s = suggestion("iron_condor", []float64{390, 395, 420, 425})
	assert.NoError(t, ValidateStructure(s))

	s = suggestion("unknown_family", []float64{400, 405})
	assert.Error(t, ValidateStructure(s))
}

func TestBuildOpeningLegs_PutCreditSpread(t *testing.T) {
	legs, err := BuildOpeningLegs(suggestion("put_credit_spread", []float64{400, 405}))
	require.NoError(t, err)
	require.Len(t, legs, 2)

	// Short the higher put, wing the lower.
	assert.Equal(t, models.ActionSellToOpen, legs[0].Action)
	assert.Contains(t, legs[0].OptionSymbol, "P00405000")
	assert.Equal(t, models.ActionBuyToOpen, legs[1].Action)
	assert.Contains(t, legs[1].OptionSymbol, "P00400000")
	for _, l := range legs {
		assert.Equal(t, 2, l.Quantity)
	}
}

func TestBuildOpeningLegs_IronCondor(t *testing.T) {
	legs, err := BuildOpeningLegs(suggestion("iron_condor", []float64{390, 395, 420, 425}))
	require.NoError(t, err)
	require.Len(t, legs, 4)
	assert.Equal(t, models.ActionBuyToOpen, legs[0].Action)
	assert.Equal(t, models.ActionSellToOpen, legs[1].Action)
	assert.Equal(t, models.ActionSellToOpen, legs[2].Action)
	assert.Equal(t, models.ActionBuyToOpen, legs[3].Action)
}

func TestBuildClosingLegs_InvertsOpening(t *testing.T) {
	p := creditPosition(5, 1.20)
	legs, err := BuildClosingLegs(p)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, models.ActionBuyToClose, legs[0].Action)
	assert.Equal(t, models.ActionSellToClose, legs[1].Action)
}

func TestBuildClosingLegs_IncompleteMetadata(t *testing.T) {
	p := creditPosition(5, 1.20)
	p.Strikes = nil
	_, err := BuildClosingLegs(p)
	assert.Error(t, err, "missing strikes must fail, never guess")

	p = creditPosition(5, 1.20)
	p.Expiration = time.Time{}
	_, err = BuildClosingLegs(p)
	assert.Error(t, err, "missing expiration must fail")
}

func TestBuildSlotClosingLegs_CondorSlots(t *testing.T) {
	p := models.NewPosition("pos-ic", "ACC123", "SPY", "iron_condor", 1, 1,
		models.EffectCredit, 5, []float64{390, 395, 420, 425},
		time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC))

	putLegs, err := BuildSlotClosingLegs(p, "put_spread")
	require.NoError(t, err)
	require.Len(t, putLegs, 2)
	assert.Contains(t, putLegs[0].OptionSymbol, "P00390000")

	callLegs, err := BuildSlotClosingLegs(p, "call_spread")
	require.NoError(t, err)
	require.Len(t, callLegs, 2)
	assert.Contains(t, callLegs[1].OptionSymbol, "C00425000")

	_, err = BuildSlotClosingLegs(p, "spread")
	assert.Error(t, err, "condor has no slot named spread")
}

func TestProfitTargetPrice(t *testing.T) {
	p := creditPosition(5, 2.00)
	// 50% capture on a single-slot family: buy back at half the credit.
	assert.InDelta(t, 1.00, ProfitTargetPrice(p, 0.50), 1e-9)

	// Never zero.
	p.AvgEntryPrice = 0.01
	assert.GreaterOrEqual(t, ProfitTargetPrice(p, 0.99), Tick)
}
