package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests. It records
// call counts and can be told to fail specific operations.
type MockStorage struct {
	mu         sync.Mutex
	positions  map[string]models.Position
	trades     map[string]models.Trade
	statistics Statistics

	// FailCreate, FailUpdate and FailLock make the corresponding mutation
	// return an error, for crash-path tests.
	FailCreate error
	FailUpdate error
	FailLock   error

	CreateCalls int
	DeleteCalls int
	LockCalls   int
}

var _ Interface = (*MockStorage)(nil)

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions: make(map[string]models.Position),
		trades:    make(map[string]models.Trade),
	}
}

// Seed inserts a position without going through the create path.
func (m *MockStorage) Seed(pos *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = *pos
}

// SeedTrade inserts a trade without going through the create path.
func (m *MockStorage) SeedTrade(trade *models.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[trade.ID] = *trade
}

func (m *MockStorage) CreatePositionWithTrade(pos *models.Position, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, exists := m.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	m.positions[pos.ID] = *pos
	m.trades[trade.ID] = *trade
	return nil
}

func (m *MockStorage) GetPosition(id string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &pos, nil
}

func (m *MockStorage) GetOpenPositions() ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, pos := range m.positions {
		if !pos.IsTerminal() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *MockStorage) GetPositionsByAccount(account string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, pos := range m.positions {
		if pos.Account == account {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *MockStorage) UpdatePosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	if _, ok := m.positions[pos.ID]; !ok {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	pos.UpdatedAt = time.Now().UTC()
	m.positions[pos.ID] = *pos
	return nil
}

func (m *MockStorage) DeletePositionWithTrade(positionID, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if _, ok := m.positions[positionID]; !ok {
		return fmt.Errorf("position %s: %w", positionID, ErrNotFound)
	}
	delete(m.positions, positionID)
	delete(m.trades, tradeID)
	return nil
}

func (m *MockStorage) CreateTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, exists := m.trades[trade.ID]; exists {
		return fmt.Errorf("trade %s already exists", trade.ID)
	}
	m.trades[trade.ID] = *trade
	return nil
}

func (m *MockStorage) GetTrade(id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &trade, nil
}

func (m *MockStorage) GetTradeByBrokerOrderID(brokerOrderID string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, trade := range m.trades {
		if trade.BrokerOrderID == brokerOrderID {
			t := trade
			return &t, nil
		}
	}
	return nil, fmt.Errorf("trade with broker order %s: %w", brokerOrderID, ErrNotFound)
}

func (m *MockStorage) GetTradesByPosition(positionID string) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trade
	for _, trade := range m.trades {
		if trade.PositionID == positionID {
			out = append(out, trade)
		}
	}
	return out, nil
}

func (m *MockStorage) UpdateTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	if _, ok := m.trades[trade.ID]; !ok {
		return fmt.Errorf("trade %s: %w", trade.ID, ErrNotFound)
	}
	trade.UpdatedAt = time.Now().UTC()
	m.trades[trade.ID] = *trade
	return nil
}

func (m *MockStorage) WithPositionLock(id string, fn func(*models.Position) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LockCalls++
	if m.FailLock != nil {
		return m.FailLock
	}
	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err := fn(&pos); err != nil {
		return err
	}
	pos.UpdatedAt = time.Now().UTC()
	m.positions[id] = pos
	return nil
}

func (m *MockStorage) GetStatistics() (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.statistics
	return &stats, nil
}

func (m *MockStorage) RecordClose(finalPnL float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statistics.TotalClosed++
	m.statistics.TotalPnL += finalPnL
	if finalPnL > 0 {
		m.statistics.WinningTrades++
	} else {
		m.statistics.LosingTrades++
	}
	return nil
}

func (m *MockStorage) Close() error { return nil }
