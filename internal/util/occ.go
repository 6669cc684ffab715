// Package util provides small helpers shared across packages.
package util

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeOCC strips the "O:" prefix some data vendors put in front of
// OCC option symbols. Brokers expect the bare OCC string.
func NormalizeOCC(occ string) string {
	occ = strings.TrimSpace(occ)
	if strings.HasPrefix(occ, "O:") {
		return occ[2:]
	}
	return occ
}

// OCCDetails is the decoded form of an OCC option symbol.
type OCCDetails struct {
	Underlying string
	Expiration string // YYYY-MM-DD
	Right      string // "C" or "P"
	Strike     float64
}

// ParseOCC decodes an OCC format option symbol:
// TICKER[YYMMDD][C/P][STRIKE*1000 padded to 8 digits], e.g.
// SPY240315C00610000 -> SPY, 2024-03-15, C, 610.00. Any "O:" prefix is
// stripped first.
func ParseOCC(symbol string) (*OCCDetails, error) {
	symbol = NormalizeOCC(symbol)
	if len(symbol) < 15 {
		return nil, fmt.Errorf("occ symbol too short: %q", symbol)
	}

	// Locate the YYMMDD run: six consecutive digits followed by C/P.
	datePos := -1
	for i := 1; i <= len(symbol)-6; i++ {
		if !isAllDigits(symbol[i : i+6]) {
			continue
		}
		if i+6 < len(symbol) && (symbol[i+6] == 'C' || symbol[i+6] == 'P') {
			datePos = i
			break
		}
	}
	if datePos == -1 {
		return nil, fmt.Errorf("no YYMMDD expiration found in occ symbol %q", symbol)
	}

	right := string(symbol[datePos+6])

	strikeStart := datePos + 7
	strikeEnd := strikeStart + 8
	if strikeEnd > len(symbol) {
		return nil, fmt.Errorf("occ symbol %q too short for 8-digit strike", symbol)
	}
	strikeStr := symbol[strikeStart:strikeEnd]
	if !isAllDigits(strikeStr) {
		return nil, fmt.Errorf("invalid strike %q in occ symbol %q", strikeStr, symbol)
	}
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing strike in occ symbol %q: %w", symbol, err)
	}

	dateStr := symbol[datePos : datePos+6]
	exp := "20" + dateStr[0:2] + "-" + dateStr[2:4] + "-" + dateStr[4:6]

	return &OCCDetails{
		Underlying: symbol[:datePos],
		Expiration: exp,
		Right:      right,
		Strike:     float64(strikeInt) / 1000.0,
	}, nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
