package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// TradierGateway implements Gateway against a Tradier-style brokerage API.
type TradierGateway struct {
	client  *http.Client
	apiKey  string
	baseURL string
	sandbox bool
}

// Ensure TradierGateway implements Gateway and SessionProvider at compile time.
var (
	_ Gateway         = (*TradierGateway)(nil)
	_ SessionProvider = (*TradierGateway)(nil)
)

// NewTradierGateway creates a gateway client. An empty baseURL selects the
// production or sandbox endpoint based on the sandbox flag.
func NewTradierGateway(apiKey, baseURL string, sandbox bool) *TradierGateway {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	return &TradierGateway{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		sandbox: sandbox,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (t *TradierGateway) WithHTTPClient(c *http.Client) *TradierGateway {
	if c != nil {
		t.client = c
	}
	return t
}

// Handle single-object vs array responses from the API.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type orderEnvelope struct {
	Order struct {
		ID            int     `json:"id"`
		Status        string  `json:"status"`
		Price         float64 `json:"price"`
		AvgFillPrice  float64 `json:"avg_fill_price"`
		TransactionAt string  `json:"transaction_date"`
		Leg           []struct {
			OptionSymbol string  `json:"option_symbol"`
			Side         string  `json:"side"`
			Quantity     float64 `json:"quantity"`
		} `json:"leg"`
	} `json:"order"`
	Errors struct {
		Error singleOrArray[string] `json:"error"`
	} `json:"errors"`
}

type ordersEnvelope struct {
	Orders struct {
		Order singleOrArray[json.RawMessage] `json:"order"`
	} `json:"orders"`
}

type previewEnvelope struct {
	Order struct {
		Status     string  `json:"status"`
		Commission float64 `json:"commission"`
		OrderCost  float64 `json:"order_cost"`
	} `json:"order"`
	Errors struct {
		Error singleOrArray[string] `json:"error"`
	} `json:"errors"`
}

type sessionEnvelope struct {
	Session struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	} `json:"session"`
}

func legParams(params url.Values, legs []models.OrderLeg) {
	for i, leg := range legs {
		idx := fmt.Sprintf("[%d]", i)
		params.Add("option_symbol"+idx, leg.OptionSymbol)
		params.Add("side"+idx, string(leg.Action))
		params.Add("quantity"+idx, fmt.Sprintf("%d", leg.Quantity))
	}
}

func (t *TradierGateway) submit(ctx context.Context, account string, legs []models.OrderLeg,
	limitPrice float64, tif string, preview bool) (*orderEnvelope, *previewEnvelope, error) {
	switch tif {
	case TIFDay, TIFGTC:
	default:
		return nil, nil, fmt.Errorf("invalid duration %q: must be %q or %q", tif, TIFDay, TIFGTC)
	}
	if len(legs) == 0 {
		return nil, nil, fmt.Errorf("order has no legs")
	}
	underlying, _, _, _, err := models.ParseOCCSymbol(legs[0].OptionSymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving underlying from %s: %w", legs[0].OptionSymbol, err)
	}

	// Signed premium convention: positive means net credit, negative net
	// debit. The API wants an unsigned price plus an order type.
	orderType := "credit"
	switch {
	case limitPrice < 0:
		orderType = "debit"
	case limitPrice == 0:
		orderType = "even"
	}

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", underlying)
	params.Add("type", orderType)
	params.Add("duration", tif)
	params.Add("price", fmt.Sprintf("%.2f", math.Abs(limitPrice)))
	if preview {
		params.Add("preview", "true")
	}
	legParams(params, legs)

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, account)
	if preview {
		var resp previewEnvelope
		if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
			return nil, nil, err
		}
		return nil, &resp, nil
	}
	var resp orderEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return nil, nil, err
	}
	return &resp, nil, nil
}

// SubmitOrder places a multi-leg limit order.
func (t *TradierGateway) SubmitOrder(ctx context.Context, account string, legs []models.OrderLeg,
	limitPrice float64, tif string) (*OrderResult, error) {
	resp, _, err := t.submit(ctx, account, legs, limitPrice, tif, false)
	if err != nil {
		return nil, err
	}
	if len(resp.Errors.Error) > 0 {
		return nil, fmt.Errorf("order rejected: %s", strings.Join(resp.Errors.Error, "; "))
	}
	if resp.Order.ID == 0 {
		return nil, fmt.Errorf("broker returned no order id")
	}
	return &OrderResult{
		OrderID: fmt.Sprintf("%d", resp.Order.ID),
		Status:  resp.Order.Status,
	}, nil
}

// PreviewOrder runs the broker's validation path without committing an order.
func (t *TradierGateway) PreviewOrder(ctx context.Context, account string, legs []models.OrderLeg,
	limitPrice float64, tif string) (*PreviewResult, error) {
	_, resp, err := t.submit(ctx, account, legs, limitPrice, tif, true)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{
		Valid:      len(resp.Errors.Error) == 0,
		OrderCost:  resp.Order.OrderCost,
		Commission: resp.Order.Commission,
		Warnings:   resp.Errors.Error,
	}, nil
}

// CancelOrder cancels an order via the standard endpoint.
func (t *TradierGateway) CancelOrder(ctx context.Context, account, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, account, url.PathEscape(orderID))
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &struct{}{})
}

// CancelMultiLegOrder cancels via the complex-order endpoint. Multi-leg
// orders routed as complex orders are only cancellable here.
func (t *TradierGateway) CancelMultiLegOrder(ctx context.Context, account, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/complex/%s", t.baseURL, account, url.PathEscape(orderID))
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &struct{}{})
}

// GetOrder fetches the broker's current view of one order.
func (t *TradierGateway) GetOrder(ctx context.Context, account, orderID string) (*OrderView, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, account, url.PathEscape(orderID))
	var resp orderEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Order.ID == 0 {
		return nil, ErrOrderNotFound
	}
	return t.toOrderView(&resp), nil
}

// GetOpenOrders lists all orders the broker considers active for the account.
func (t *TradierGateway) GetOpenOrders(ctx context.Context, account string) ([]OrderView, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, account)
	var resp ordersEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	views := make([]OrderView, 0, len(resp.Orders.Order))
	for _, raw := range resp.Orders.Order {
		var env orderEnvelope
		if err := json.Unmarshal(raw, &env.Order); err != nil {
			log.Printf("Skipping unparseable order payload: %v", err)
			continue
		}
		if env.Order.ID == 0 {
			continue
		}
		v := t.toOrderView(&env)
		if models.NormalizeOrderStatus(v.Status).IsOpen() {
			views = append(views, *v)
		}
	}
	return views, nil
}

// GetSession exchanges a refresh token for a live streaming session, making
// TradierGateway usable as a SessionProvider.
func (t *TradierGateway) GetSession(ctx context.Context, refreshToken string) (*Session, error) {
	params := url.Values{}
	params.Add("refresh_token", refreshToken)
	endpoint := t.baseURL + "/user/session"
	var resp sessionEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return nil, err
	}
	if resp.Session.Token == "" {
		return nil, fmt.Errorf("session response missing token")
	}
	s := &Session{Token: resp.Session.Token}
	if resp.Session.ExpiresAt != "" {
		if exp, err := time.Parse(time.RFC3339, resp.Session.ExpiresAt); err == nil {
			s.ExpiresAt = exp
		}
	}
	return s, nil
}

func (t *TradierGateway) toOrderView(env *orderEnvelope) *OrderView {
	view := &OrderView{
		ID:        fmt.Sprintf("%d", env.Order.ID),
		Status:    env.Order.Status,
		Price:     env.Order.Price,
		FillPrice: env.Order.AvgFillPrice,
	}
	if env.Order.TransactionAt != "" {
		if ts, err := time.Parse(time.RFC3339, env.Order.TransactionAt); err == nil {
			view.FilledAt = ts
		}
	}
	for _, leg := range env.Order.Leg {
		view.Legs = append(view.Legs, models.OrderLeg{
			Instrument:   "option",
			OptionSymbol: leg.OptionSymbol,
			Action:       models.LegAction(leg.Side),
			Quantity:     int(leg.Quantity),
		})
	}
	return view
}

func (t *TradierGateway) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Printf("Failed to close response body: %v", cerr)
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return ErrOrderNotFound
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap
		if rerr != nil {
			return &APIError{Status: resp.StatusCode,
				Message: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode,
			Message: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
