package main

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/spreadkeeper/spreadkeeper/internal/closer"
)

// runSweep processes every account: reconcile first so the closer works from
// repaired records, then step each open position's automation. Accounts run
// in parallel; within an account, position work is bounded by a semaphore to
// respect broker rate limits.
func (b *Bot) runSweep(ctx context.Context) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, acct := range b.config.Accounts {
		account := acct.AccountID
		g.Go(func() error {
			b.sweepAccount(gctx, account)
			return nil
		})
	}
	_ = g.Wait()
	b.logger.Printf("Sweep finished in %s", time.Since(start).Round(time.Millisecond))
}

func (b *Bot) sweepAccount(ctx context.Context, account string) {
	report, err := b.reconciler.ReconcileAccount(ctx, account, b.config.Reconciliation.Remediate)
	if err != nil {
		b.logger.Printf("Reconciliation for %s failed: %v", account, err)
		// Continue to the closer; DTE exits should not wait on a failed
		// reconciliation pass.
	} else if len(report.Actions) > 0 {
		b.logger.Printf("Reconciliation for %s took %d action(s)", account, len(report.Actions))
	}

	positions, err := b.store.GetPositionsByAccount(account)
	if err != nil {
		b.logger.Printf("Loading positions for %s failed: %v", account, err)
		return
	}

	now := time.Now().UTC()
	sem := semaphore.NewWeighted(int64(b.config.MaxConcurrent()))
	g, gctx := errgroup.WithContext(ctx)
	for i := range positions {
		pos := positions[i]
		if pos.IsTerminal() {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcome, err := b.closer.Process(gctx, pos.ID, now)
			if err != nil {
				b.logger.Printf("Close step for position %s: %s (%v)", pos.ID, outcome, err)
				return nil
			}
			if outcome != closer.OutcomeSkipped {
				b.logger.Printf("Close step for position %s: %s", pos.ID, outcome)
			}
			return nil
		})
	}
	_ = g.Wait()
}
