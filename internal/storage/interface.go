// Package storage provides durable persistence for positions and trades.
package storage

import (
	"errors"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Statistics summarizes closed-position outcomes.
type Statistics struct {
	TotalClosed   int     `json:"total_closed"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`
}

// Interface defines the contract for position and trade persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe.
//
// CreatePositionWithTrade and DeletePositionWithTrade are atomic: either
// both records change or neither does. WithPositionLock is the row-level
// locking primitive for the DTE automation record - the callback's mutation
// is persisted in the same critical section, so two concurrent automation
// runs can never interleave on one position.
type Interface interface {
	// Position management
	CreatePositionWithTrade(pos *models.Position, trade *models.Trade) error
	GetPosition(id string) (*models.Position, error)
	GetOpenPositions() ([]models.Position, error)
	GetPositionsByAccount(account string) ([]models.Position, error)
	UpdatePosition(pos *models.Position) error
	DeletePositionWithTrade(positionID, tradeID string) error

	// Trade management
	CreateTrade(trade *models.Trade) error
	GetTrade(id string) (*models.Trade, error)
	GetTradeByBrokerOrderID(brokerOrderID string) (*models.Trade, error)
	GetTradesByPosition(positionID string) ([]models.Trade, error)
	UpdateTrade(trade *models.Trade) error

	// WithPositionLock runs fn with exclusive access to one position. A nil
	// return from fn persists the (possibly mutated) position atomically;
	// an error discards the mutation.
	WithPositionLock(id string, fn func(*models.Position) error) error

	// Analytics
	GetStatistics() (*Statistics, error)
	RecordClose(finalPnL float64) error

	Close() error
}
