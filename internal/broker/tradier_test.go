package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

func spreadLegs() []models.OrderLeg {
	return []models.OrderLeg{
		{Instrument: "option", OptionSymbol: "SPY260320P00405000", Action: models.ActionSellToOpen, Quantity: 1},
		{Instrument: "option", OptionSymbol: "SPY260320P00400000", Action: models.ActionBuyToOpen, Quantity: 1},
	}
}

func newTestGateway(handler http.HandlerFunc) (*TradierGateway, *httptest.Server) {
	srv := httptest.NewServer(handler)
	gw := NewTradierGateway("test-key", srv.URL, true)
	return gw, srv
}

func TestSubmitOrder_CreditOrder(t *testing.T) {
	var gotForm url.Values
	gw, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"id":228175,"status":"ok"}}`))
	})
	defer srv.Close()

	result, err := gw.SubmitOrder(context.Background(), "ACC123", spreadLegs(), 1.25, TIFDay)
	require.NoError(t, err)
	assert.Equal(t, "228175", result.OrderID)

	assert.Equal(t, "multileg", gotForm.Get("class"))
	assert.Equal(t, "SPY", gotForm.Get("symbol"))
	assert.Equal(t, "credit", gotForm.Get("type"))
	assert.Equal(t, "1.25", gotForm.Get("price"))
	assert.Equal(t, "day", gotForm.Get("duration"))
	assert.Equal(t, "SPY260320P00405000", gotForm.Get("option_symbol[0]"))
	assert.Equal(t, "sell_to_open", gotForm.Get("side[0]"))
}

func TestSubmitOrder_DebitUsesUnsignedPrice(t *testing.T) {
	var gotForm url.Values
	gw, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		_, _ = w.Write([]byte(`{"order":{"id":7,"status":"ok"}}`))
	})
	defer srv.Close()

	// Negative signed premium means the close pays a debit.
	_, err := gw.SubmitOrder(context.Background(), "ACC123", spreadLegs(), -2.60, TIFDay)
	require.NoError(t, err)
	assert.Equal(t, "debit", gotForm.Get("type"))
	assert.Equal(t, "2.60", gotForm.Get("price"))
}

func TestSubmitOrder_EvenOrder(t *testing.T) {
	var gotForm url.Values
	gw, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		_, _ = w.Write([]byte(`{"order":{"id":8,"status":"ok"}}`))
	})
	defer srv.Close()

	_, err := gw.SubmitOrder(context.Background(), "ACC123", spreadLegs(), 0, TIFGTC)
	require.NoError(t, err)
	assert.Equal(t, "even", gotForm.Get("type"))
}

func TestSubmitOrder_InvalidDuration(t *testing.T) {
	gw := NewTradierGateway("k", "http://localhost:0", true)
	_, err := gw.SubmitOrder(context.Background(), "ACC123", spreadLegs(), 1.25, "fok")
	assert.Error(t, err)
}

func TestSubmitOrder_BrokerErrorList(t *testing.T) {
	gw, srv := newTestGateway(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errors":{"error":"InvalidOrderQuantity"}}`))
	})
	defer srv.Close()

	_, err := gw.SubmitOrder(context.Background(), "ACC123", spreadLegs(), 1.25, TIFDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InvalidOrderQuantity")
}

func TestSubmitOrder_HTTPErrorIsAPIError(t *testing.T) {
	gw, srv := newTestGateway(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "insufficient buying power", http.StatusBadRequest)
	})
	defer srv.Close()

	_, err := gw.SubmitOrder(context.Background(), "ACC123", spreadLegs(), 1.25, TIFDay)
	require.Error(t, err)
	assert.True(t, IsPermanentAPIError(err))
}

func TestGetOrder_NotFound(t *testing.T) {
	gw, srv := newTestGateway(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	defer srv.Close()

	_, err := gw.GetOrder(context.Background(), "ACC123", "999")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetOrder_ParsesLegs(t *testing.T) {
	gw, srv := newTestGateway(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"order":{"id":42,"status":"filled","avg_fill_price":1.22,
			"leg":[{"option_symbol":"SPY260320P00405000","side":"sell_to_open","quantity":1}]}}`))
	})
	defer srv.Close()

	view, err := gw.GetOrder(context.Background(), "ACC123", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", view.ID)
	assert.Equal(t, "filled", view.Status)
	assert.InDelta(t, 1.22, view.FillPrice, 1e-9)
	require.Len(t, view.Legs, 1)
	assert.Equal(t, models.ActionSellToOpen, view.Legs[0].Action)
}

func TestGetOpenOrders_FiltersTerminal(t *testing.T) {
	gw, srv := newTestGateway(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"orders":{"order":[
			{"id":1,"status":"open"},
			{"id":2,"status":"filled"},
			{"id":3,"status":"pending"},
			{"id":4,"status":"canceled"}]}}`))
	})
	defer srv.Close()

	views, err := gw.GetOpenOrders(context.Background(), "ACC123")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "1", views[0].ID)
	assert.Equal(t, "3", views[1].ID)
}

func TestGetOpenOrders_SingleObjectPayload(t *testing.T) {
	// The API returns a bare object instead of an array for one order.
	gw, srv := newTestGateway(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"orders":{"order":{"id":5,"status":"open"}}}`))
	})
	defer srv.Close()

	views, err := gw.GetOpenOrders(context.Background(), "ACC123")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "5", views[0].ID)
}

func TestGetSession(t *testing.T) {
	gw, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		_, _ = w.Write([]byte(`{"session":{"token":"tok-abc","expires_at":"2026-03-10T15:00:00Z"}}`))
	})
	defer srv.Close()

	s, err := gw.GetSession(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", s.Token)
	assert.Equal(t, 2026, s.ExpiresAt.Year())
}
