// Package cleaning turns raw scraped records into canonical fields or a
// typed rejection. Everything here is pure and safe to run concurrently.
package cleaning

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"CatalogPipeline/internal/domain"
)

// RejectionReason is a deterministic data-quality failure.
type RejectionReason string

const (
	RejectMissingTitle     RejectionReason = "REJECT_MISSING_TITLE"
	RejectUnparseablePrice RejectionReason = "REJECT_UNPARSEABLE_PRICE"
)

// Rejection is returned for records that cannot be canonicalized.
// Retrying an unchanged record yields the same rejection.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

var (
	tagExpr   = regexp.MustCompile(`<[^>]+>`)
	spaceExpr = regexp.MustCompile(`\s+`)
)

// Out-of-stock phrases are checked first so "not available" never maps to IN_STOCK.
var availabilityTable = []struct {
	phrase string
	value  domain.Availability
}{
	{"out of stock", domain.OutOfStock},
	{"outofstock", domain.OutOfStock},
	{"sold out", domain.OutOfStock},
	{"not available", domain.OutOfStock},
	{"unavailable", domain.OutOfStock},
	{"no stock", domain.OutOfStock},
	{"discontinued", domain.OutOfStock},
	{"in stock", domain.InStock},
	{"instock", domain.InStock},
	{"available", domain.InStock},
	{"ready to ship", domain.InStock},
	{"ships today", domain.InStock},
	{"limited stock", domain.InStock},
}

// Validator applies the cleaning rules. The zero value is usable.
type Validator struct {
	// DefaultCurrency applies when the price text carries no currency marker.
	DefaultCurrency string
	// CurrencyHints maps a source name to its usual currency.
	CurrencyHints map[string]string
}

// NewValidator builds a validator with per-source currency hints.
func NewValidator(defaultCurrency string, hints map[string]string) *Validator {
	return &Validator{DefaultCurrency: defaultCurrency, CurrencyHints: hints}
}

// Validate applies the rules in order; the first failing rule wins.
// The fingerprint is left empty for the caller to fill in.
func (v *Validator) Validate(raw domain.RawRecord) (domain.CanonicalFields, error) {
	title := CleanText(raw.Title)
	if title == "" {
		return domain.CanonicalFields{}, &Rejection{Reason: RejectMissingTitle}
	}

	price, err := ParsePrice(raw.PriceText)
	if err != nil {
		return domain.CanonicalFields{}, &Rejection{
			Reason: RejectUnparseablePrice,
			Detail: fmt.Sprintf("%q: %v", raw.PriceText, err),
		}
	}
	price = domain.RoundPrice(price)

	return domain.CanonicalFields{
		Title:        title,
		Price:        price,
		Currency:     v.currency(raw),
		Availability: MapAvailability(raw.AvailabilityText),
		Description:  CleanText(raw.Description),
		ImageURL:     CleanImageURL(raw.ImageURL),
		Source:       strings.TrimSpace(raw.Source),
		SourceURL:    strings.TrimSpace(raw.SourceURL),
		ObservedAt:   raw.ExtractedAt,
		ZeroPrice:    price == 0,
	}, nil
}

func (v *Validator) currency(raw domain.RawRecord) string {
	if code := DetectCurrency(raw.PriceText); code != "" {
		return code
	}
	if v != nil {
		if hint := strings.TrimSpace(v.CurrencyHints[raw.Source]); hint != "" {
			return strings.ToUpper(hint)
		}
		if v.DefaultCurrency != "" {
			return strings.ToUpper(v.DefaultCurrency)
		}
	}
	return DefaultCurrency
}

// CleanText strips markup, unescapes entities and collapses whitespace.
func CleanText(s string) string {
	s = tagExpr.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(spaceExpr.ReplaceAllString(s, " "))
}

// MapAvailability maps free text through the fixed lexical table.
func MapAvailability(text string) domain.Availability {
	norm := strings.ToLower(CleanText(text))
	norm = strings.NewReplacer("-", " ", "_", " ").Replace(norm)
	if norm == "" {
		return domain.Unknown
	}
	for _, entry := range availabilityTable {
		if strings.Contains(norm, entry.phrase) {
			return entry.value
		}
	}
	return domain.Unknown
}

// CleanImageURL keeps only well-formed absolute http(s) URLs.
func CleanImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
