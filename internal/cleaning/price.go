package cleaning

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// DefaultCurrency is used when neither the text nor the source hints otherwise.
const DefaultCurrency = "USD"

var (
	errNoDigits = errors.New("no numeric value")
	errNegative = errors.New("negative price")

	numberExpr   = regexp.MustCompile(`\d[\d.,]*`)
	groupedDigit = regexp.MustCompile(`(\d)[\s\x{00A0}\x{202F}'](\d)`)
)

// Longer symbols first so "US$" wins over "$".
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"US$", "USD"},
	{"C$", "CAD"},
	{"A$", "AUD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
	{"₽", "RUB"},
}

var currencyCodes = []string{"USD", "EUR", "GBP", "JPY", "INR", "RUB", "CAD", "AUD", "CHF"}

// DetectCurrency returns the ISO code found in price text, or "" if none.
func DetectCurrency(text string) string {
	upper := strings.ToUpper(text)
	for _, code := range currencyCodes {
		if strings.Contains(upper, code) {
			return code
		}
	}
	for _, c := range currencySymbols {
		if strings.Contains(text, c.symbol) {
			return c.code
		}
	}
	return ""
}

// ParsePrice extracts a non-negative amount from free-form price text,
// tolerating currency markers and both "1,299.99" and "1.299,99" styles.
func ParsePrice(text string) (float64, error) {
	text = strings.TrimSpace(text)
	for {
		next := groupedDigit.ReplaceAllString(text, "$1$2")
		if next == text {
			break
		}
		text = next
	}

	loc := numberExpr.FindStringIndex(text)
	if loc == nil {
		return 0, errNoDigits
	}
	if strings.Contains(text[:loc[0]], "-") {
		return 0, errNegative
	}

	normalized := normalizeNumber(text[loc[0]:loc[1]])
	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errNegative
	}
	return value, nil
}

func normalizeNumber(tok string) string {
	tok = strings.TrimRight(tok, ".,")
	lastDot := strings.LastIndex(tok, ".")
	lastComma := strings.LastIndex(tok, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			return strings.ReplaceAll(tok, ",", "")
		}
		tok = strings.ReplaceAll(tok, ".", "")
		return strings.Replace(tok, ",", ".", 1)
	case lastComma >= 0:
		// A lone comma followed by exactly three digits is a thousands separator.
		if strings.Count(tok, ",") == 1 && len(tok)-lastComma-1 != 3 {
			return strings.Replace(tok, ",", ".", 1)
		}
		return strings.ReplaceAll(tok, ",", "")
	case lastDot >= 0:
		if strings.Count(tok, ".") > 1 {
			return strings.ReplaceAll(tok, ".", "")
		}
	}
	return tok
}
