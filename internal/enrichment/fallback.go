package enrichment

import (
	"fmt"
	"strings"

	"CatalogPipeline/internal/domain"
)

// FallbackStrategy produces a degraded payload after every attempt of a
// capability failed. Returning false means no fallback is available and the
// result stays FAILED.
type FallbackStrategy interface {
	Fallback(kind domain.CapabilityKind, p domain.CanonicalProduct) (domain.Payload, bool)
}

// FallbackFunc adapts a function to FallbackStrategy.
type FallbackFunc func(kind domain.CapabilityKind, p domain.CanonicalProduct) (domain.Payload, bool)

func (f FallbackFunc) Fallback(kind domain.CapabilityKind, p domain.CanonicalProduct) (domain.Payload, bool) {
	return f(kind, p)
}

// FallbackModel is recorded as the model of fallback payloads.
const FallbackModel = "keyword-fallback"

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"Books", []string{"book", "novel", "story", "fiction"}},
	{"Electronics", []string{"phone", "laptop", "computer", "electronic"}},
	{"Clothing", []string{"shirt", "pants", "dress", "shoes"}},
}

// KeywordFallback is a rule-based stand-in for the AI capabilities: keyword
// categorization, a templated description and price-rule anomaly scoring.
type KeywordFallback struct{}

func (KeywordFallback) Fallback(kind domain.CapabilityKind, p domain.CanonicalProduct) (domain.Payload, bool) {
	switch kind {
	case domain.Categorize:
		return domain.Payload{
			Category:   KeywordCategory(p.Title),
			Confidence: 0.75,
			Model:      FallbackModel,
		}, true
	case domain.Describe:
		desc := fmt.Sprintf("Product: %s. Price: %s.", p.Title, formatPrice(p.Price, p.Currency))
		if p.Description != "" {
			desc += " " + p.Description
		}
		tags := ExtractTags(p.Title + " " + p.Description)
		if len(tags) == 0 {
			tags = []string{"product", "available"}
		}
		return domain.Payload{Description: desc, Tags: tags, Model: FallbackModel}, true
	case domain.Anomaly:
		score, anomalies := priceRisk(p.Price)
		return domain.Payload{
			RiskScore:       score,
			Anomalies:       anomalies,
			Recommendations: []string{"Manual review recommended"},
			Model:           FallbackModel,
		}, true
	default:
		return domain.Payload{}, false
	}
}

// KeywordCategory maps title keywords to a catalog category, or "Other".
func KeywordCategory(title string) string {
	lower := strings.ToLower(title)
	for _, entry := range categoryKeywords {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return entry.category
			}
		}
	}
	return "Other"
}

func priceRisk(price float64) (int, []string) {
	switch {
	case price == 0:
		return 8, []string{"zero price"}
	case price < 1:
		return 8, []string{"price below 1.00"}
	case price > 1000:
		return 6, []string{"price above 1000.00"}
	default:
		return 3, nil
	}
}

func formatPrice(price float64, currency string) string {
	if currency == "" || currency == "USD" {
		return fmt.Sprintf("$%.2f", price)
	}
	return fmt.Sprintf("%.2f %s", price, currency)
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"this": {}, "that": {}, "from": {}, "your": {},
}

// MaxTags caps the number of tags extracted from text.
const MaxTags = 5

// ExtractTags picks up to MaxTags distinct lowercase words longer than three
// letters that are not stop words.
func ExtractTags(text string) []string {
	var tags []string
	seen := map[string]struct{}{}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if len(word) <= 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		tags = append(tags, word)
		if len(tags) == MaxTags {
			break
		}
	}
	return tags
}
