package models

import "time"

// SuggestionPricing is the quote snapshot attached to a suggestion.
type SuggestionPricing struct {
	MidPrice  float64   `json:"mid_price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Suggestion is an already-scored, already-validated trade proposal produced
// by an external strategy engine. The submission protocol only checks its
// approval, pricing freshness, and structure; it never re-scores it.
type Suggestion struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	Account    string             `json:"account"`
	Symbol     string             `json:"symbol"`
	StrategyID string             `json:"strategy_id"`
	Approved   bool               `json:"approved"`
	Quantity   int                `json:"quantity"`
	Spreads    int                `json:"spreads"`
	Width      float64            `json:"spread_width"`
	Strikes    []float64          `json:"strikes"`
	Expiration time.Time          `json:"expiration"`
	Pricing    *SuggestionPricing `json:"pricing,omitempty"`
}
