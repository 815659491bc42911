package closer

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/notify"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

type recordingNotifier struct {
	mu         sync.Mutex
	messages   []string
	severities []notify.Severity
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, message string,
	_ map[string]any, severity notify.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	r.severities = append(r.severities, severity)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

var testNow = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// openPosition returns an open_full credit spread expiring dte days from
// testNow. width=3.00, entry credit=1.00.
func openPosition(dte int) *models.Position {
	p := models.NewPosition("pos-1", "ACC123", "SPY", "put_credit_spread", 1, 1,
		models.EffectCredit, 3.00, []float64{400, 403},
		testNow.Truncate(24*time.Hour).Add(time.Duration(dte)*24*time.Hour))
	p.AvgEntryPrice = 1.00
	p.State = models.StateOpenFull
	return p
}

func testSessions() *broker.SessionManager {
	mgr := broker.NewSessionManager(broker.SessionProviderFunc(
		func(_ context.Context, _ string) (*broker.Session, error) {
			return &broker.Session{Token: "tok-1"}, nil
		}))
	mgr.Register("user-1", "ACC123", "refresh-1")
	return mgr
}

func newCloser(store storage.Interface, gw broker.Gateway, n notify.Notifier) *Closer {
	return New(store, gw, n, testSessions(), testLogger(), time.Second, DefaultEngageDTE)
}

func TestProcess_SkipsFarExpirations(t *testing.T) {
	store := storage.NewMockStorage()
	store.Seed(openPosition(30))
	gw := &broker.MockGateway{}

	c := newCloser(store, gw, &recordingNotifier{})
	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, gw.TotalCalls())
}

func TestProcess_SubmitsCloseAtLadderPrice(t *testing.T) {
	store := storage.NewMockStorage()
	store.Seed(openPosition(5))
	gw := &broker.MockGateway{
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return &broker.OrderResult{OrderID: "77", Status: "submitted"}, nil
		},
	}

	c := newCloser(store, gw, &recordingNotifier{})
	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, outcome)

	// dte=5: limit = C + 0.80*M = 1.00 + 1.60 = 2.60, debit-signed.
	assert.InDelta(t, -2.60, gw.LastLimitPrice, 1e-9)

	pos, err := store.GetPosition("pos-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateClosing, pos.State)
	assert.Equal(t, "77", pos.Automation.CurrentOrderID)
	assert.Equal(t, 0, pos.Automation.RetryCount)
	assert.Equal(t, 5, pos.Automation.LastProcessedDTE)

	trades, err := store.GetTradesByPosition("pos-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeClose, trades[0].Type)
	assert.Equal(t, models.EventDTEClose, trades[0].Event)
	assert.Equal(t, models.StatusSubmitted, trades[0].Status)
}

func TestProcess_UnchangedDTEWithWorkingOrderIsNoOp(t *testing.T) {
	store := storage.NewMockStorage()
	pos := openPosition(5)
	pos.State = models.StateClosing
	pos.Automation.CurrentOrderID = "77"
	pos.Automation.LastProcessedDTE = 5
	store.Seed(pos)

	gw := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, _ string) (*broker.OrderView, error) {
			return &broker.OrderView{ID: "77", Status: "open"}, nil
		},
	}
	c := newCloser(store, gw, &recordingNotifier{})

	for i := 0; i < 3; i++ {
		outcome, err := c.Process(context.Background(), "pos-1", testNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOrderWorking, outcome)
	}
	assert.Equal(t, 0, gw.SubmitCalls, "rerunning an unchanged step must not create a second order")
}

func TestProcess_RetryCeilingMakesZeroBrokerCalls(t *testing.T) {
	store := storage.NewMockStorage()
	pos := openPosition(5)
	pos.Automation.RetryCount = models.MaxCloseRetries
	pos.Automation.LastProcessedDTE = 5
	pos.Automation.LastError = "order rejected"
	store.Seed(pos)

	gw := &broker.MockGateway{}
	notifier := &recordingNotifier{}
	c := newCloser(store, gw, notifier)

	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetriesExhausted, outcome)
	assert.Equal(t, 0, gw.TotalCalls())
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, notify.SeverityCritical, notifier.severities[0])
}

func TestProcess_EscalationResetsRetryAndCancelsPriorOrder(t *testing.T) {
	store := storage.NewMockStorage()
	pos := openPosition(5)
	pos.State = models.StateClosing
	pos.Automation.CurrentOrderID = "77"
	pos.Automation.LastProcessedDTE = 6
	pos.Automation.RetryCount = 2
	store.Seed(pos)

	prior := models.NewPendingTrade(pos.ID, models.TradeClose, models.EventDTEClose,
		[]models.OrderLeg{
			{Instrument: "option", OptionSymbol: "SPY260315P00403000", Action: models.ActionBuyToClose, Quantity: 1},
			{Instrument: "option", OptionSymbol: "SPY260315P00400000", Action: models.ActionSellToClose, Quantity: 1},
		}, 1, -2.40)
	_ = prior.AssignBrokerOrder("77")
	store.SeedTrade(prior)

	var mu sync.Mutex
	cancelled := false
	gw := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, orderID string) (*broker.OrderView, error) {
			mu.Lock()
			defer mu.Unlock()
			status := "open"
			if cancelled {
				status = "canceled"
			}
			return &broker.OrderView{ID: orderID, Status: status}, nil
		},
		CancelMLeg: func(_ context.Context, _, _ string) error {
			mu.Lock()
			defer mu.Unlock()
			cancelled = true
			return nil
		},
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return &broker.OrderResult{OrderID: "88", Status: "submitted"}, nil
		},
	}

	c := newCloser(store, gw, &recordingNotifier{})
	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, outcome)
	assert.True(t, cancelled, "prior order must be cancelled before escalating")

	// dte=5 escalation price, more urgent than the 6-DTE order it replaced.
	assert.InDelta(t, -2.60, gw.LastLimitPrice, 1e-9)

	got, err := store.GetPosition("pos-1")
	require.NoError(t, err)
	assert.Equal(t, "88", got.Automation.CurrentOrderID)
	assert.Equal(t, 0, got.Automation.RetryCount)
	assert.Equal(t, 5, got.Automation.LastProcessedDTE)
}

func TestProcess_EscalationAfterFilledOrderDoesNotResubmit(t *testing.T) {
	// The prior close order filled since the last run, and the DTE dropped in
	// the meantime. The fill must win: the run finalizes the position and
	// places nothing new.
	store := storage.NewMockStorage()
	pos := openPosition(5)
	pos.State = models.StateClosing
	pos.Automation.CurrentOrderID = "77"
	pos.Automation.LastProcessedDTE = 6
	store.Seed(pos)

	closeTrade := models.NewPendingTrade(pos.ID, models.TradeClose, models.EventDTEClose,
		[]models.OrderLeg{
			{Instrument: "option", OptionSymbol: "SPY260315P00403000", Action: models.ActionBuyToClose, Quantity: 1},
			{Instrument: "option", OptionSymbol: "SPY260315P00400000", Action: models.ActionSellToClose, Quantity: 1},
		}, 1, -2.40)
	_ = closeTrade.AssignBrokerOrder("77")
	store.SeedTrade(closeTrade)

	gw := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, _ string) (*broker.OrderView, error) {
			return &broker.OrderView{ID: "77", Status: "filled", FillPrice: 2.40}, nil
		},
	}
	c := newCloser(store, gw, &recordingNotifier{})

	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, outcome)
	assert.Equal(t, 0, gw.SubmitCalls, "a filled close must never be followed by a second submission")
	assert.Equal(t, 0, gw.CancelCalls+gw.CancelMLCalls)

	got, err := store.GetPosition("pos-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, got.State)
	assert.Empty(t, got.Automation.CurrentOrderID)

	trades, _ := store.GetTradesByPosition("pos-1")
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusFilled, trades[0].Status)
}

func TestProcess_FillDuringEscalationCancelFinalizes(t *testing.T) {
	// The prior order is still open when the run starts, then fills before the
	// cancel phase reaches it. The re-check inside the cancel sees the fill
	// and the run finalizes instead of replacing the order.
	store := storage.NewMockStorage()
	pos := openPosition(5)
	pos.State = models.StateClosing
	pos.Automation.CurrentOrderID = "77"
	pos.Automation.LastProcessedDTE = 6
	store.Seed(pos)

	closeTrade := models.NewPendingTrade(pos.ID, models.TradeClose, models.EventDTEClose,
		[]models.OrderLeg{
			{Instrument: "option", OptionSymbol: "SPY260315P00403000", Action: models.ActionBuyToClose, Quantity: 1},
			{Instrument: "option", OptionSymbol: "SPY260315P00400000", Action: models.ActionSellToClose, Quantity: 1},
		}, 1, -2.40)
	_ = closeTrade.AssignBrokerOrder("77")
	store.SeedTrade(closeTrade)

	var mu sync.Mutex
	calls := 0
	gw := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, _ string) (*broker.OrderView, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return &broker.OrderView{ID: "77", Status: "open"}, nil
			}
			return &broker.OrderView{ID: "77", Status: "filled", FillPrice: 2.40}, nil
		},
	}
	c := newCloser(store, gw, &recordingNotifier{})

	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, outcome)
	assert.Equal(t, 0, gw.SubmitCalls)

	got, err := store.GetPosition("pos-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, got.State)
}

func TestProcess_SessionUnavailableMakesNoBrokerCalls(t *testing.T) {
	store := storage.NewMockStorage()
	store.Seed(openPosition(5))
	gw := &broker.MockGateway{}

	sessions := broker.NewSessionManager(broker.SessionProviderFunc(
		func(_ context.Context, _ string) (*broker.Session, error) {
			return nil, errors.New("auth down")
		}))
	sessions.Register("user-1", "ACC123", "refresh-1")
	c := New(store, gw, &recordingNotifier{}, sessions, testLogger(), time.Second, DefaultEngageDTE)

	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, broker.ErrSessionUnavailable)
	assert.Equal(t, 0, gw.TotalCalls())

	// No broker attempt happened, so the retry budget is untouched.
	pos, _ := store.GetPosition("pos-1")
	assert.Equal(t, 0, pos.Automation.RetryCount)
	trades, _ := store.GetTradesByPosition("pos-1")
	assert.Empty(t, trades)
}

func TestProcess_RejectionIncrementsRetry(t *testing.T) {
	store := storage.NewMockStorage()
	store.Seed(openPosition(5))
	gw := &broker.MockGateway{
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return nil, &broker.APIError{Status: 400, Message: "rejected"}
		},
	}

	c := newCloser(store, gw, &recordingNotifier{})
	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)

	pos, err := store.GetPosition("pos-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Automation.RetryCount)
	assert.NotEmpty(t, pos.Automation.LastError)
	assert.Equal(t, 5, pos.Automation.LastProcessedDTE)
	assert.Empty(t, pos.Automation.CurrentOrderID)

	trades, _ := store.GetTradesByPosition("pos-1")
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusRejected, trades[0].Status)
}

func TestProcess_FilledCloseFinalizesPosition(t *testing.T) {
	store := storage.NewMockStorage()
	pos := openPosition(5)
	pos.State = models.StateClosing
	pos.Automation.CurrentOrderID = "77"
	pos.Automation.LastProcessedDTE = 5
	store.Seed(pos)

	closeTrade := models.NewPendingTrade(pos.ID, models.TradeClose, models.EventDTEClose,
		[]models.OrderLeg{
			{Instrument: "option", OptionSymbol: "SPY260315P00403000", Action: models.ActionBuyToClose, Quantity: 1},
		}, 1, -0.40)
	_ = closeTrade.AssignBrokerOrder("77")
	store.SeedTrade(closeTrade)

	gw := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, _ string) (*broker.OrderView, error) {
			return &broker.OrderView{ID: "77", Status: "filled", FillPrice: 0.40}, nil
		},
	}
	c := newCloser(store, gw, &recordingNotifier{})

	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, outcome)

	got, err := store.GetPosition("pos-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, got.State)
	assert.Empty(t, got.Automation.CurrentOrderID)

	// Entry 1.00, closed at 0.40: +0.60 per share on one contract.
	stats, err := store.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalClosed)
	assert.Equal(t, 1, stats.WinningTrades)
	assert.InDelta(t, 60.0, stats.TotalPnL, 1e-9)
}

func TestProcess_CancelledTargetRaisesFloor(t *testing.T) {
	store := storage.NewMockStorage()
	pos := openPosition(7)
	pos.ProfitTargets = map[string]models.ProfitTarget{
		"spread": {OrderID: "pt-1", Percent: 0.50, TargetPrice: 1.00, Status: models.StatusSubmitted},
	}
	store.Seed(pos)

	var mu sync.Mutex
	cancelled := false
	gw := &broker.MockGateway{
		GetFunc: func(_ context.Context, _, orderID string) (*broker.OrderView, error) {
			mu.Lock()
			defer mu.Unlock()
			status := "open"
			if cancelled {
				status = "canceled"
			}
			return &broker.OrderView{ID: orderID, Status: status}, nil
		},
		CancelMLeg: func(_ context.Context, _, _ string) error {
			mu.Lock()
			defer mu.Unlock()
			cancelled = true
			return nil
		},
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return &broker.OrderResult{OrderID: "99", Status: "submitted"}, nil
		},
	}

	c := newCloser(store, gw, &recordingNotifier{})
	outcome, err := c.Process(context.Background(), "pos-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, outcome)

	// Ladder at 7 DTE is breakeven 1.00, but the cancelled 1.00 target
	// forces at least 1.10.
	assert.InDelta(t, -1.10, gw.LastLimitPrice, 1e-9)

	got, err := store.GetPosition("pos-1")
	require.NoError(t, err)
	require.Len(t, got.Automation.CancelledTargets, 1)
	assert.Equal(t, "pt-1", got.Automation.CancelledTargets[0].OrderID)
	assert.Equal(t, models.StatusCancelled, got.ProfitTargets["spread"].Status)
}
