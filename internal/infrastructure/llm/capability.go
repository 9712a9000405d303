package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/enrichment"
	"CatalogPipeline/internal/ports"
)

// Categories is the closed set a product is categorized into.
var Categories = []string{
	"Books",
	"Electronics",
	"Clothing",
	"Home & Garden",
	"Sports & Outdoors",
	"Toys & Games",
	"Health & Beauty",
	"Automotive",
	"Tools & Hardware",
	"Other",
}

const systemPrompt = "You are a product data assistant for an e-commerce catalog. Reply with a single JSON object and nothing else."

// Capability runs one enrichment kind against a Generator.
type Capability struct {
	kind domain.CapabilityKind
	gen  Generator
}

var _ ports.Capability = (*Capability)(nil)

// NewCapability binds kind to gen.
func NewCapability(kind domain.CapabilityKind, gen Generator) *Capability {
	return &Capability{kind: kind, gen: gen}
}

// NewCapabilities returns all three capabilities backed by gen.
func NewCapabilities(gen Generator) []ports.Capability {
	out := make([]ports.Capability, 0, len(domain.AllCapabilities))
	for _, kind := range domain.AllCapabilities {
		out = append(out, NewCapability(kind, gen))
	}
	return out
}

// Kind reports the capability kind.
func (c *Capability) Kind() domain.CapabilityKind { return c.kind }

// Invoke prompts the model and parses its JSON answer. Malformed answers
// are permanent failures; transport errors keep the generator's marking.
func (c *Capability) Invoke(ctx context.Context, product domain.CanonicalProduct) (domain.Payload, error) {
	prompt, err := buildPrompt(c.kind, product)
	if err != nil {
		return domain.Payload{}, enrichment.Permanent(err)
	}

	text, err := c.gen.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return domain.Payload{}, classifyTransport(err)
	}

	payload, err := parsePayload(c.kind, text)
	if err != nil {
		return domain.Payload{}, enrichment.Permanent(fmt.Errorf("%s: %w", c.kind, err))
	}
	payload.Model = c.gen.Model()
	return payload, nil
}

func buildPrompt(kind domain.CapabilityKind, p domain.CanonicalProduct) (string, error) {
	description := p.Description
	if description == "" {
		description = "(none)"
	}
	price := fmt.Sprintf("%.2f %s", p.Price, p.Currency)

	switch kind {
	case domain.Categorize:
		return fmt.Sprintf(`Classify the product into exactly one of these categories: %s

Product Title: %s
Product Description: %s

Return {"category": "<one category from the list>", "confidence": <number between 0 and 1>}.`,
			strings.Join(Categories, ", "), p.Title, description), nil
	case domain.Describe:
		return fmt.Sprintf(`Write a compelling, SEO-friendly product description.

Title: %s
Price: %s
Original Description: %s

Requirements: 100-150 words, highlight key features and benefits, use engaging language, include relevant keywords naturally.
Return {"description": "<text>", "tags": ["<up to 5 lowercase keywords>"]}.`,
			p.Title, price, description), nil
	case domain.Anomaly:
		category := "Unknown"
		if p.Category != nil {
			category = *p.Category
		}
		return fmt.Sprintf(`Analyze this product listing for potential anomalies.

Title: %s
Price: %s
Category: %s
Description: %s

Check for unusually low or high pricing, misleading information, potential duplicates and quality concerns.
Return {"risk_score": <integer 1-10>, "anomalies": ["<finding>"], "recommendations": ["<action>"]}.`,
			p.Title, price, category, description), nil
	default:
		return "", fmt.Errorf("unsupported capability %q", kind)
	}
}

type categorizeResponse struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type describeResponse struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type anomalyResponse struct {
	RiskScore       int      `json:"risk_score"`
	Anomalies       []string `json:"anomalies"`
	Recommendations []string `json:"recommendations"`
}

func parsePayload(kind domain.CapabilityKind, text string) (domain.Payload, error) {
	raw := []byte(trimFences(text))

	switch kind {
	case domain.Categorize:
		var resp categorizeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return domain.Payload{}, fmt.Errorf("parse categorization: %w", err)
		}
		return domain.Payload{
			Category:   matchCategory(resp.Category),
			Confidence: clamp(resp.Confidence, 0, 1),
		}, nil
	case domain.Describe:
		var resp describeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return domain.Payload{}, fmt.Errorf("parse description: %w", err)
		}
		desc := strings.TrimSpace(resp.Description)
		if desc == "" {
			return domain.Payload{}, fmt.Errorf("parse description: empty description")
		}
		tags := normalizeTags(resp.Tags)
		if len(tags) == 0 {
			tags = enrichment.ExtractTags(desc)
		}
		return domain.Payload{Description: desc, Tags: tags}, nil
	case domain.Anomaly:
		var resp anomalyResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return domain.Payload{}, fmt.Errorf("parse anomaly report: %w", err)
		}
		return domain.Payload{
			RiskScore:       int(clamp(float64(resp.RiskScore), 1, 10)),
			Anomalies:       resp.Anomalies,
			Recommendations: resp.Recommendations,
		}, nil
	default:
		return domain.Payload{}, fmt.Errorf("unsupported capability %q", kind)
	}
}

// matchCategory maps free-form model output onto Categories, falling back
// to "Other".
func matchCategory(answer string) string {
	answer = strings.TrimSpace(answer)
	for _, category := range Categories {
		if strings.EqualFold(answer, category) {
			return category
		}
	}
	lower := strings.ToLower(answer)
	for _, category := range Categories {
		if strings.Contains(lower, strings.ToLower(category)) {
			return category
		}
	}
	return "Other"
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == enrichment.MaxTags {
			break
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
