package broker

import (
	"context"
	"sync"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// MockGateway is a configurable Gateway test double. Each method delegates to
// its function field when set; otherwise queries return ErrOrderNotFound and
// mutations succeed. Call counts are tracked for assertions.
type MockGateway struct {
	mu sync.Mutex

	SubmitFunc  func(ctx context.Context, account string, legs []models.OrderLeg, limitPrice float64, tif string) (*OrderResult, error)
	PreviewFunc func(ctx context.Context, account string, legs []models.OrderLeg, limitPrice float64, tif string) (*PreviewResult, error)
	CancelFunc  func(ctx context.Context, account, orderID string) error
	CancelMLeg  func(ctx context.Context, account, orderID string) error
	GetFunc     func(ctx context.Context, account, orderID string) (*OrderView, error)
	OpenFunc    func(ctx context.Context, account string) ([]OrderView, error)

	SubmitCalls    int
	PreviewCalls   int
	CancelCalls    int
	CancelMLCalls  int
	GetCalls       int
	OpenCalls      int
	LastLimitPrice float64
}

var _ Gateway = (*MockGateway)(nil)

// TotalCalls returns every broker call made so far.
func (m *MockGateway) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SubmitCalls + m.PreviewCalls + m.CancelCalls + m.CancelMLCalls +
		m.GetCalls + m.OpenCalls
}

func (m *MockGateway) SubmitOrder(ctx context.Context, account string, legs []models.OrderLeg,
	limitPrice float64, tif string) (*OrderResult, error) {
	m.mu.Lock()
	m.SubmitCalls++
	m.LastLimitPrice = limitPrice
	m.mu.Unlock()
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, account, legs, limitPrice, tif)
	}
	return &OrderResult{OrderID: "mock-1", Status: "submitted"}, nil
}

func (m *MockGateway) PreviewOrder(ctx context.Context, account string, legs []models.OrderLeg,
	limitPrice float64, tif string) (*PreviewResult, error) {
	m.mu.Lock()
	m.PreviewCalls++
	m.mu.Unlock()
	if m.PreviewFunc != nil {
		return m.PreviewFunc(ctx, account, legs, limitPrice, tif)
	}
	return &PreviewResult{Valid: true}, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, account, orderID string) error {
	m.mu.Lock()
	m.CancelCalls++
	m.mu.Unlock()
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, account, orderID)
	}
	return nil
}

func (m *MockGateway) CancelMultiLegOrder(ctx context.Context, account, orderID string) error {
	m.mu.Lock()
	m.CancelMLCalls++
	m.mu.Unlock()
	if m.CancelMLeg != nil {
		return m.CancelMLeg(ctx, account, orderID)
	}
	return nil
}

func (m *MockGateway) GetOrder(ctx context.Context, account, orderID string) (*OrderView, error) {
	m.mu.Lock()
	m.GetCalls++
	m.mu.Unlock()
	if m.GetFunc != nil {
		return m.GetFunc(ctx, account, orderID)
	}
	return nil, ErrOrderNotFound
}

func (m *MockGateway) GetOpenOrders(ctx context.Context, account string) ([]OrderView, error) {
	m.mu.Lock()
	m.OpenCalls++
	m.mu.Unlock()
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, account)
	}
	return nil, nil
}
