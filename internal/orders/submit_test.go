package orders

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

type stubProvider struct {
	err error
}

func (s *stubProvider) GetSession(_ context.Context, _ string) (*broker.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &broker.Session{Token: "tok-1"}, nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testSessions(provider broker.SessionProvider) *broker.SessionManager {
	mgr := broker.NewSessionManager(provider)
	mgr.Register("user-1", "ACC123", "refresh-1")
	return mgr
}

func approvedSuggestion() *models.Suggestion {
	return &models.Suggestion{
		ID:         "sug-1",
		UserID:     "user-1",
		Account:    "ACC123",
		Symbol:     "SPY",
		StrategyID: "put_credit_spread",
		Approved:   true,
		Quantity:   2,
		Spreads:    1,
		Width:      5,
		Strikes:    []float64{400, 405},
		Expiration: time.Now().Add(30 * 24 * time.Hour),
		Pricing:    &models.SuggestionPricing{MidPrice: 1.25, UpdatedAt: time.Now()},
	}
}

func TestSubmit_Success(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return &broker.OrderResult{OrderID: "42", Status: "submitted"}, nil
		},
	}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{}), testLogger(), time.Second)

	pos, dry, err := sub.Submit(context.Background(), SubmitParams{Suggestion: approvedSuggestion()})
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Nil(t, dry)
	assert.Equal(t, models.StatePendingEntry, pos.State)
	assert.Equal(t, 1, store.CreateCalls)

	trades, err := store.GetTradesByPosition(pos.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusSubmitted, trades[0].Status)
	assert.Equal(t, "42", trades[0].BrokerOrderID)
	assert.False(t, trades[0].HasPlaceholderOrderID())
	assert.Equal(t, models.EventEntry, trades[0].Event)
}

func TestSubmit_ValidationFailures(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{}), testLogger(), time.Second)
	ctx := context.Background()

	s := approvedSuggestion()
	s.Approved = false
	_, _, err := sub.Submit(ctx, SubmitParams{Suggestion: s})
	assert.ErrorIs(t, err, ErrNotApproved)

	s = approvedSuggestion()
	s.Pricing = nil
	_, _, err = sub.Submit(ctx, SubmitParams{Suggestion: s})
	assert.ErrorIs(t, err, ErrMissingPricing)

	s = approvedSuggestion()
	s.Account = ""
	_, _, err = sub.Submit(ctx, SubmitParams{Suggestion: s})
	assert.ErrorIs(t, err, ErrNoAccount)

	s = approvedSuggestion()
	s.Strikes = []float64{405, 400}
	_, _, err = sub.Submit(ctx, SubmitParams{Suggestion: s})
	assert.ErrorIs(t, err, ErrStructureInvalid)

	s = approvedSuggestion()
	s.Pricing.UpdatedAt = time.Now().Add(-11 * time.Minute)
	_, _, err = sub.Submit(ctx, SubmitParams{Suggestion: s})
	assert.ErrorIs(t, err, ErrStalePricing)

	s = approvedSuggestion()
	s.Pricing.MidPrice = -1.25 // credit strategy, debit-signed price
	_, _, err = sub.Submit(ctx, SubmitParams{Suggestion: s})
	assert.ErrorIs(t, err, ErrWrongPriceSign)

	// No validation failure may leave rows or reach the broker.
	assert.Equal(t, 0, store.CreateCalls)
	assert.Equal(t, 0, gw.TotalCalls())
}

func TestSubmit_SessionUnavailable(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{err: errors.New("auth down")}),
		testLogger(), time.Second)

	_, _, err := sub.Submit(context.Background(), SubmitParams{Suggestion: approvedSuggestion()})
	assert.ErrorIs(t, err, broker.ErrSessionUnavailable)
	assert.Equal(t, 0, store.CreateCalls)
}

func TestSubmit_DefiniteRejectionRollsBack(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return nil, &broker.APIError{Status: 400, Message: "insufficient buying power"}
		},
	}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{}), testLogger(), time.Second)

	_, _, err := sub.Submit(context.Background(), SubmitParams{Suggestion: approvedSuggestion()})
	assert.ErrorIs(t, err, ErrPlacementFailed)

	// Rows were created before the call and deleted after the rejection.
	assert.Equal(t, 1, store.CreateCalls)
	assert.Equal(t, 1, store.DeleteCalls)
	open, _ := store.GetOpenPositions()
	assert.Empty(t, open)
}

func TestSubmit_NoAcknowledgmentRollsBack(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return &broker.OrderResult{}, nil
		},
	}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{}), testLogger(), time.Second)

	_, _, err := sub.Submit(context.Background(), SubmitParams{Suggestion: approvedSuggestion()})
	assert.ErrorIs(t, err, ErrPlacementFailed)
	assert.Equal(t, 1, store.DeleteCalls)
}

func TestSubmit_AmbiguousOutcomeKeepsRows(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{
		SubmitFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.OrderResult, error) {
			return nil, errors.New("connection reset mid-flight")
		},
	}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{}), testLogger(), time.Second)

	_, _, err := sub.Submit(context.Background(), SubmitParams{Suggestion: approvedSuggestion()})
	require.Error(t, err)

	var unknown *UnknownOutcomeError
	require.ErrorAs(t, err, &unknown)

	// The order may have been placed; rows stay for reconciliation.
	assert.Equal(t, 0, store.DeleteCalls)
	pos, err := store.GetPosition(unknown.PositionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingEntry, pos.State)
	trade, err := store.GetTrade(unknown.TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, trade.Status)
	assert.True(t, trade.HasPlaceholderOrderID())
}

func TestSubmit_DryRunTouchesNothing(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{
		PreviewFunc: func(_ context.Context, _ string, _ []models.OrderLeg, _ float64, _ string) (*broker.PreviewResult, error) {
			return &broker.PreviewResult{Valid: true, OrderCost: 250, Commission: 1.30}, nil
		},
	}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{}), testLogger(), time.Second)

	pos, dry, err := sub.Submit(context.Background(),
		SubmitParams{Suggestion: approvedSuggestion(), DryRun: true})
	require.NoError(t, err)
	assert.Nil(t, pos)
	require.NotNil(t, dry)
	assert.True(t, dry.Valid)
	assert.InDelta(t, 1.25, dry.LimitPrice, 1e-9)
	assert.Len(t, dry.Legs, 2)
	assert.Equal(t, 0, store.CreateCalls)
	assert.Equal(t, 0, gw.SubmitCalls)
	assert.Equal(t, 1, gw.PreviewCalls)
}

func TestSubmit_PriceOverride(t *testing.T) {
	store := storage.NewMockStorage()
	gw := &broker.MockGateway{}
	sub := NewSubmitter(store, gw, testSessions(&stubProvider{}), testLogger(), time.Second)

	override := 1.40
	pos, _, err := sub.Submit(context.Background(),
		SubmitParams{Suggestion: approvedSuggestion(), PriceOverride: &override})
	require.NoError(t, err)
	assert.InDelta(t, 1.40, gw.LastLimitPrice, 1e-9)
	assert.InDelta(t, 1.40, pos.AvgEntryPrice, 1e-9)
}
