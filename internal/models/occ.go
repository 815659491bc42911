package models

import (
	"fmt"
	"strconv"
	"time"
)

// OptionType is the contract right encoded in an OCC symbol.
type OptionType byte

const (
	// OptionCall is a call contract.
	OptionCall OptionType = 'C'
	// OptionPut is a put contract.
	OptionPut OptionType = 'P'
)

// FormatOCCSymbol builds a standardized option symbol in OPRA format:
// TICKER[YYMMDD][C/P][STRIKE*1000 padded to 8 digits].
// Example: SPY, 2024-03-15, C, 610 -> SPY240315C00610000.
func FormatOCCSymbol(underlying string, expiration time.Time, right OptionType, strike float64) string {
	return fmt.Sprintf("%s%s%c%08d",
		underlying,
		expiration.Format("060102"),
		right,
		int64(strike*1000+0.5))
}

// ParseOCCSymbol extracts the underlying, expiration, right, and strike from
// an OPRA-format option symbol. Stock symbols fail with an error.
func ParseOCCSymbol(symbol string) (underlying string, expiration time.Time, right OptionType, strike float64, err error) {
	if len(symbol) < 15 {
		return "", time.Time{}, 0, 0, fmt.Errorf("option symbol too short: %s", symbol)
	}

	// Scan for the six-digit YYMMDD run; the ticker is everything before it.
	datePos := -1
	for i := 1; i <= len(symbol)-6; i++ {
		if isAllDigits(symbol[i : i+6]) {
			datePos = i
			break
		}
	}
	if datePos == -1 {
		return "", time.Time{}, 0, 0, fmt.Errorf("no YYMMDD expiration found in symbol: %s", symbol)
	}

	rightPos := datePos + 6
	if rightPos >= len(symbol) {
		return "", time.Time{}, 0, 0, fmt.Errorf("symbol truncated after expiration: %s", symbol)
	}
	switch symbol[rightPos] {
	case 'C':
		right = OptionCall
	case 'P':
		right = OptionPut
	default:
		return "", time.Time{}, 0, 0, fmt.Errorf("invalid option right %q in symbol: %s", symbol[rightPos], symbol)
	}

	strikeStr := symbol[rightPos+1:]
	if len(strikeStr) != 8 || !isAllDigits(strikeStr) {
		return "", time.Time{}, 0, 0, fmt.Errorf("invalid 8-digit strike in symbol: %s", symbol)
	}
	strikeInt, perr := strconv.ParseInt(strikeStr, 10, 64)
	if perr != nil {
		return "", time.Time{}, 0, 0, fmt.Errorf("parsing strike in %s: %w", symbol, perr)
	}

	exp, perr := time.Parse("060102", symbol[datePos:datePos+6])
	if perr != nil {
		return "", time.Time{}, 0, 0, fmt.Errorf("parsing expiration in %s: %w", symbol, perr)
	}

	return symbol[:datePos], exp, right, float64(strikeInt) / 1000.0, nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
