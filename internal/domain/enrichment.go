package domain

import "time"

// CapabilityKind names one AI capability.
type CapabilityKind string

const (
	Categorize CapabilityKind = "CATEGORIZE"
	Describe   CapabilityKind = "DESCRIBE"
	Anomaly    CapabilityKind = "ANOMALY"
)

// AllCapabilities lists capabilities in their canonical order.
var AllCapabilities = []CapabilityKind{Categorize, Describe, Anomaly}

// EnrichmentStatus is the outcome of one capability invocation.
type EnrichmentStatus string

const (
	EnrichmentOK              EnrichmentStatus = "OK"
	EnrichmentFailed          EnrichmentStatus = "FAILED"
	EnrichmentSkippedFallback EnrichmentStatus = "SKIPPED_FALLBACK"
)

// Usable reports whether the result produced a payload worth keeping.
func (s EnrichmentStatus) Usable() bool {
	return s == EnrichmentOK || s == EnrichmentSkippedFallback
}

// Payload carries capability output. Only the fields relevant to the
// capability kind are populated.
type Payload struct {
	Category        string   `json:"category,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	Description     string   `json:"description,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	RiskScore       int      `json:"risk_score,omitempty"`
	Anomalies       []string `json:"anomalies,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Model           string   `json:"model,omitempty"`
}

// EnrichmentResult is retained for audit, many per product.
type EnrichmentResult struct {
	Fingerprint Fingerprint
	Capability  CapabilityKind
	Status      EnrichmentStatus
	Payload     Payload
	Error       string
	Attempts    int
	AttemptedAt time.Time
	Latency     time.Duration
}

// FlagRiskScore is the anomaly score at or above which a product is flagged.
const FlagRiskScore = 7

// EnrichmentUpdate is the non-null subset of enrichment output to merge
// into a stored product. Nil fields keep whatever is stored.
type EnrichmentUpdate struct {
	Category            *string
	EnhancedDescription *string
	Tags                []string
	AnomalyScore        *int
}

// Empty reports whether the update would change nothing.
func (u EnrichmentUpdate) Empty() bool {
	return u.Category == nil && u.EnhancedDescription == nil && u.Tags == nil && u.AnomalyScore == nil
}

// UpdateFromResults folds usable results into an update.
func UpdateFromResults(results map[CapabilityKind]EnrichmentResult) EnrichmentUpdate {
	var u EnrichmentUpdate
	for kind, res := range results {
		if !res.Status.Usable() {
			continue
		}
		p := res.Payload
		switch kind {
		case Categorize:
			if p.Category != "" {
				category := p.Category
				u.Category = &category
			}
		case Describe:
			if p.Description != "" {
				desc := p.Description
				u.EnhancedDescription = &desc
			}
			if len(p.Tags) > 0 {
				u.Tags = append([]string(nil), p.Tags...)
			}
		case Anomaly:
			score := p.RiskScore
			u.AnomalyScore = &score
		}
	}
	return u
}

// Apply merges the update into p, preserving prior values for nil fields.
func (u EnrichmentUpdate) Apply(p *CanonicalProduct) {
	if u.Category != nil {
		category := *u.Category
		p.Category = &category
	}
	if u.EnhancedDescription != nil {
		desc := *u.EnhancedDescription
		p.EnhancedDescription = &desc
	}
	if u.Tags != nil {
		p.Tags = append([]string(nil), u.Tags...)
	}
	if u.AnomalyScore != nil {
		score := *u.AnomalyScore
		p.AnomalyScore = &score
	}
	p.RefreshFlagged()
}
