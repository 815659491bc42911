// Package reconcile diffs local order records against the broker's
// authoritative order book and repairs divergence. Classification is a pure
// function; remediation is a separate, independently invocable step.
package reconcile

import (
	"sort"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// Level is the reconciliation classification of one position.
type Level int

const (
	// LevelMatched means every expected slot has a live, broker-confirmed
	// profit target order.
	LevelMatched Level = iota
	// Level1MissingAll means the position has no profit target record at all.
	Level1MissingAll
	// Level2Partial means some expected slots are missing from the record.
	Level2Partial
	// Level3Cancelled means at least one slot's order was cancelled and
	// needs a replacement.
	Level3Cancelled
	// Level4Desynced means a stored order id is unknown to the broker's
	// active set and was never filled; the local reference is invalid.
	Level4Desynced
)

func (l Level) String() string {
	switch l {
	case LevelMatched:
		return "matched"
	case Level1MissingAll:
		return "level1_missing_all"
	case Level2Partial:
		return "level2_partial"
	case Level3Cancelled:
		return "level3_cancelled"
	case Level4Desynced:
		return "level4_desynced"
	}
	return "unknown"
}

// Classification is the result of classifying one position.
type Classification struct {
	PositionID string
	Level      Level
	// MissingSlots are expected slots with no record (levels 1 and 2).
	MissingSlots []string
	// CancelledSlots are slots whose stored status is cancelled (level 3).
	CancelledSlots []string
	// DesyncedSlots are slots whose stored order id the broker does not
	// track and which never filled (level 4).
	DesyncedSlots []string
}

// Classify maps one position onto exactly one level. Priority order, first
// match wins: missing-all, cancelled slot, desynced slot, partial record,
// matched. activeIDs is the broker's current open-order id set.
func Classify(pos *models.Position, expectedSlots []string, activeIDs map[string]bool) Classification {
	c := Classification{PositionID: pos.ID, Level: LevelMatched}

	if len(pos.ProfitTargets) == 0 {
		c.Level = Level1MissingAll
		c.MissingSlots = append(c.MissingSlots, expectedSlots...)
		sort.Strings(c.MissingSlots)
		return c
	}

	var slots []string
	for slot := range pos.ProfitTargets {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	for _, slot := range slots {
		pt := pos.ProfitTargets[slot]
		if pt.Status == models.StatusCancelled {
			c.CancelledSlots = append(c.CancelledSlots, slot)
		}
		if pt.OrderID != "" && !activeIDs[pt.OrderID] && pt.Status != models.StatusFilled &&
			pt.Status != models.StatusCancelled {
			c.DesyncedSlots = append(c.DesyncedSlots, slot)
		}
	}
	for _, slot := range expectedSlots {
		if _, ok := pos.ProfitTargets[slot]; !ok {
			c.MissingSlots = append(c.MissingSlots, slot)
		}
	}
	sort.Strings(c.MissingSlots)

	switch {
	case len(c.CancelledSlots) > 0:
		c.Level = Level3Cancelled
	case len(c.DesyncedSlots) > 0:
		c.Level = Level4Desynced
	case len(c.MissingSlots) > 0:
		c.Level = Level2Partial
	}
	return c
}

// CloseOrderSlot is the pseudo-slot name used when classifying a position
// whose exit is in flight; such positions carry a working close order rather
// than profit-target slots.
const CloseOrderSlot = "close_order"

// ClassifyClosing maps an exiting position onto a level. Its profit targets
// were cancelled when the close was submitted, so the only record to check is
// the working close order reference: absent from the broker's active set and
// not locally terminal means the reference is desynced. trades must be the
// position's trade rows.
func ClassifyClosing(pos *models.Position, trades []models.Trade, activeIDs map[string]bool) Classification {
	c := Classification{PositionID: pos.ID, Level: LevelMatched}
	orderID := pos.Automation.CurrentOrderID
	if orderID == "" || activeIDs[orderID] {
		return c
	}
	for i := range trades {
		if trades[i].BrokerOrderID == orderID && trades[i].Status.IsTerminal() {
			return c
		}
	}
	c.Level = Level4Desynced
	c.DesyncedSlots = []string{CloseOrderSlot}
	return c
}

// ReferencedOrderIDs collects every broker order id the local records point
// at: profit targets, the automation's working close order, and all trades.
func ReferencedOrderIDs(positions []models.Position, trades []models.Trade) map[string]bool {
	refs := make(map[string]bool)
	for i := range positions {
		pos := &positions[i]
		for _, pt := range pos.ProfitTargets {
			if pt.OrderID != "" {
				refs[pt.OrderID] = true
			}
		}
		if pos.Automation.CurrentOrderID != "" {
			refs[pos.Automation.CurrentOrderID] = true
		}
	}
	for i := range trades {
		if !trades[i].HasPlaceholderOrderID() && trades[i].BrokerOrderID != "" {
			refs[trades[i].BrokerOrderID] = true
		}
	}
	return refs
}

// FindOrphans returns broker active order ids that no local record
// references, sorted for stable output.
func FindOrphans(activeIDs map[string]bool, referenced map[string]bool) []string {
	var orphans []string
	for id := range activeIDs {
		if !referenced[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return orphans
}
