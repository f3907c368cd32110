package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var amountRegex = regexp.MustCompile(`\d[\d.,\s]*`)

// parseAmount extracts a single monetary value from text such as
// "EUR 1.250.000,00", "€ 1,250,000" or "1250000.5".
func parseAmount(text string) (float64, error) {
	m := amountRegex.FindString(text)
	m = strings.ReplaceAll(strings.TrimSpace(m), " ", "")
	if m == "" {
		return 0, fmt.Errorf("no amount in %q", text)
	}

	lastDot := strings.LastIndex(m, ".")
	lastComma := strings.LastIndex(m, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Whichever separator comes last is the decimal mark.
		if lastComma > lastDot {
			m = strings.ReplaceAll(m, ".", "")
			m = strings.Replace(m, ",", ".", 1)
		} else {
			m = strings.ReplaceAll(m, ",", "")
		}
	case lastComma >= 0:
		m = normalizeSingleSeparator(m, ",")
	case lastDot >= 0:
		m = normalizeSingleSeparator(m, ".")
	}

	val, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", text, err)
	}
	return val, nil
}

// normalizeSingleSeparator decides whether a lone separator kind is a
// thousands grouping ("1.250.000", "1,250") or a decimal mark ("12,5").
func normalizeSingleSeparator(m, sep string) string {
	parts := strings.Split(m, sep)
	grouping := len(parts) > 2
	if len(parts) == 2 && len(parts[1]) == 3 {
		grouping = true
	}
	if grouping {
		return strings.Join(parts, "")
	}
	return strings.Replace(m, sep, ".", 1)
}
