package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// JSONStorage is a file-backed Interface implementation. A single RWMutex
// serializes access; every mutation is flushed with a temp-file write and
// atomic rename so a crash never leaves a half-written file.
type JSONStorage struct {
	mu       sync.RWMutex
	locks    map[string]*sync.Mutex // per-position row locks
	locksMu  sync.Mutex
	filepath string
	data     *storageData
}

type storageData struct {
	Positions   map[string]models.Position `json:"positions"`
	Trades      map[string]models.Trade    `json:"trades"`
	Statistics  Statistics                 `json:"statistics"`
	LastUpdated time.Time                  `json:"last_updated"`
}

// Ensure JSONStorage implements Interface.
var _ Interface = (*JSONStorage)(nil)

// NewJSONStorage opens (or creates) a JSON storage file.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		locks:    make(map[string]*sync.Mutex),
		data: &storageData{
			Positions: make(map[string]models.Position),
			Trades:    make(map[string]models.Trade),
		},
	}
	if _, err := os.Stat(filepath); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, s.data); err != nil {
		return err
	}
	if s.data.Positions == nil {
		s.data.Positions = make(map[string]models.Position)
	}
	if s.data.Trades == nil {
		s.data.Trades = make(map[string]models.Trade)
	}
	return nil
}

// save must be called with s.mu held.
func (s *JSONStorage) save() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// CreatePositionWithTrade persists a position and its trade together.
func (s *JSONStorage) CreatePositionWithTrade(pos *models.Position, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	if _, exists := s.data.Trades[trade.ID]; exists {
		return fmt.Errorf("trade %s already exists", trade.ID)
	}
	s.data.Positions[pos.ID] = *pos
	s.data.Trades[trade.ID] = *trade
	if err := s.save(); err != nil {
		delete(s.data.Positions, pos.ID)
		delete(s.data.Trades, trade.ID)
		return err
	}
	return nil
}

// GetPosition returns a copy of the position with the given id.
func (s *JSONStorage) GetPosition(id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.data.Positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &pos, nil
}

// GetOpenPositions returns all positions that still carry exposure,
// including pending entries.
func (s *JSONStorage) GetOpenPositions() ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if !pos.IsTerminal() {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetPositionsByAccount returns all positions owned by an account.
func (s *JSONStorage) GetPositionsByAccount(account string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if pos.Account == account {
			out = append(out, pos)
		}
	}
	return out, nil
}

// UpdatePosition persists a modified position.
func (s *JSONStorage) UpdatePosition(pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Positions[pos.ID]; !ok {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	pos.UpdatedAt = time.Now().UTC()
	s.data.Positions[pos.ID] = *pos
	return s.save()
}

// DeletePositionWithTrade removes a position and its trade together. Used to
// roll back a pending submission the broker never acknowledged.
func (s *JSONStorage) DeletePositionWithTrade(positionID, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Positions[positionID]; !ok {
		return fmt.Errorf("position %s: %w", positionID, ErrNotFound)
	}
	delete(s.data.Positions, positionID)
	delete(s.data.Trades, tradeID)
	return s.save()
}

// CreateTrade persists a new trade.
func (s *JSONStorage) CreateTrade(trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Trades[trade.ID]; exists {
		return fmt.Errorf("trade %s already exists", trade.ID)
	}
	s.data.Trades[trade.ID] = *trade
	return s.save()
}

// GetTrade returns a copy of the trade with the given id.
func (s *JSONStorage) GetTrade(id string) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trade, ok := s.data.Trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &trade, nil
}

// GetTradeByBrokerOrderID finds the trade holding a broker order id.
func (s *JSONStorage) GetTradeByBrokerOrderID(brokerOrderID string) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, trade := range s.data.Trades {
		if trade.BrokerOrderID == brokerOrderID {
			t := trade
			return &t, nil
		}
	}
	return nil, fmt.Errorf("trade with broker order %s: %w", brokerOrderID, ErrNotFound)
}

// GetTradesByPosition returns every trade tied to a position.
func (s *JSONStorage) GetTradesByPosition(positionID string) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Trade
	for _, trade := range s.data.Trades {
		if trade.PositionID == positionID {
			out = append(out, trade)
		}
	}
	return out, nil
}

// UpdateTrade persists a modified trade.
func (s *JSONStorage) UpdateTrade(trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Trades[trade.ID]; !ok {
		return fmt.Errorf("trade %s: %w", trade.ID, ErrNotFound)
	}
	trade.UpdatedAt = time.Now().UTC()
	s.data.Trades[trade.ID] = *trade
	return s.save()
}

func (s *JSONStorage) positionLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// WithPositionLock runs fn under the position's row lock and persists the
// mutation when fn returns nil.
func (s *JSONStorage) WithPositionLock(id string, fn func(*models.Position) error) error {
	lock := s.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	pos, ok := s.data.Positions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}

	if err := fn(&pos); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pos.UpdatedAt = time.Now().UTC()
	s.data.Positions[id] = pos
	return s.save()
}

// GetStatistics returns a copy of the closed-position statistics.
func (s *JSONStorage) GetStatistics() (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.data.Statistics
	return &stats, nil
}

// RecordClose folds a realized P&L into the statistics.
func (s *JSONStorage) RecordClose(finalPnL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Statistics.TotalClosed++
	s.data.Statistics.TotalPnL += finalPnL
	if finalPnL > 0 {
		s.data.Statistics.WinningTrades++
	} else {
		s.data.Statistics.LosingTrades++
	}
	return s.save()
}

// Close flushes any pending state. JSON storage writes on every mutation, so
// there is nothing to do.
func (s *JSONStorage) Close() error {
	return nil
}
