package enrichment

import (
	"testing"

	"CatalogPipeline/internal/domain"
)

func TestKeywordCategory(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"A Gripping Mystery Novel": "Books",
		"Gaming Laptop 15\"":       "Electronics",
		"Running Shoes":            "Clothing",
		"Garden Hose":              "Other",
	}
	for title, want := range tests {
		if got := KeywordCategory(title); got != want {
			t.Fatalf("KeywordCategory(%q) = %q, want %q", title, got, want)
		}
	}
}

func TestKeywordFallbackAnomalyRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price float64
		want  int
	}{
		{0, 8},
		{0.5, 8},
		{19.99, 3},
		{1500, 6},
	}
	for _, tt := range tests {
		payload, ok := KeywordFallback{}.Fallback(domain.Anomaly, domain.CanonicalProduct{Title: "x", Price: tt.price})
		if !ok {
			t.Fatal("expected anomaly fallback to be available")
		}
		if payload.RiskScore != tt.want {
			t.Fatalf("price %v: risk %d, want %d", tt.price, payload.RiskScore, tt.want)
		}
	}
}

func TestKeywordFallbackDescription(t *testing.T) {
	t.Parallel()

	payload, ok := KeywordFallback{}.Fallback(domain.Describe, domain.CanonicalProduct{
		Title:       "Sharp Objects",
		Price:       47.82,
		Currency:    "GBP",
		Description: "WICKED above her hipbone",
	})
	if !ok {
		t.Fatal("expected description fallback")
	}
	want := "Product: Sharp Objects. Price: 47.82 GBP. WICKED above her hipbone"
	if payload.Description != want {
		t.Fatalf("unexpected description:\n got %q\nwant %q", payload.Description, want)
	}
	if len(payload.Tags) == 0 || payload.Tags[0] != "sharp" {
		t.Fatalf("unexpected tags: %v", payload.Tags)
	}
}

func TestExtractTags(t *testing.T) {
	t.Parallel()

	tags := ExtractTags("The quick brown fox jumps over the lazy dog, quick quick! Then sleeps soundly")
	want := []string{"quick", "brown", "jumps", "over", "lazy"}
	if len(tags) != len(want) {
		t.Fatalf("expected %v, got %v", want, tags)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tags)
		}
	}
}
