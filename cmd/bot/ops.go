package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/orders"
)

// One-shot operator commands. The bot normally runs as a daemon, but entries
// and manual cancels are operator actions, so they run against the same wired
// components and exit.

func runOneShot(ctx context.Context, b *Bot, submitFile string, dryRun bool,
	cancelID, reason string) error {
	if submitFile != "" {
		return b.submitFromFile(ctx, submitFile, dryRun)
	}
	return b.cancelTrade(ctx, cancelID, reason)
}

func (b *Bot) submitFromFile(ctx context.Context, path string, dryRun bool) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		return fmt.Errorf("reading suggestion file: %w", err)
	}
	var suggestion models.Suggestion
	if err := json.Unmarshal(raw, &suggestion); err != nil {
		return fmt.Errorf("parsing suggestion file: %w", err)
	}

	pos, preview, err := b.submitter.Submit(ctx, orders.SubmitParams{
		Suggestion: &suggestion,
		DryRun:     dryRun,
	})
	if err != nil {
		return err
	}
	if dryRun {
		b.logger.Printf("Dry run: valid=%v cost=%.2f commission=%.2f limit=%.2f warnings=%v",
			preview.Valid, preview.OrderCost, preview.Commission, preview.LimitPrice,
			preview.Warnings)
		return nil
	}
	b.logger.Printf("Submitted position %s for %s (state %s)", pos.ID, pos.Account, pos.State)
	return nil
}

func (b *Bot) cancelTrade(ctx context.Context, tradeID, reason string) error {
	trade, err := b.store.GetTrade(tradeID)
	if err != nil {
		return fmt.Errorf("loading trade %s: %w", tradeID, err)
	}
	pos, err := b.store.GetPosition(trade.PositionID)
	if err != nil {
		return fmt.Errorf("loading position %s: %w", trade.PositionID, err)
	}

	userID := ""
	for _, acct := range b.config.Accounts {
		if acct.AccountID == pos.Account {
			userID = acct.UserID
			break
		}
	}

	result, err := b.canceller.Cancel(ctx, tradeID, userID, reason)
	if err != nil {
		return err
	}
	switch {
	case result.Success:
		b.logger.Printf("Cancelled trade %s: %s", tradeID, result.Detail)
	case result.RaceCondition:
		b.logger.Printf("Trade %s filled while cancelling: %s", tradeID, result.Detail)
	default:
		b.logger.Printf("Trade %s not cancelled (status %s): %s",
			tradeID, result.FinalStatus, result.Detail)
	}
	return nil
}
