package domain

import "time"

// CatalogStats summarizes what is stored: product coverage per enrichment,
// the audit log broken down by outcome and the most recent run.
type CatalogStats struct {
	Products     int
	Categorized  int
	Described    int
	Flagged      int
	PriceEntries int
	Categories   map[string]int
	Enrichments  map[CapabilityKind]map[EnrichmentStatus]int
	Runs         int
	LastRunID    string
	LastRunState RunState
	LastRunAt    time.Time
}

// NewCatalogStats returns empty stats with initialized maps.
func NewCatalogStats() CatalogStats {
	return CatalogStats{
		Categories:  map[string]int{},
		Enrichments: map[CapabilityKind]map[EnrichmentStatus]int{},
	}
}

// AddEnrichment counts one audit record.
func (s *CatalogStats) AddEnrichment(kind CapabilityKind, status EnrichmentStatus, n int) {
	if s.Enrichments[kind] == nil {
		s.Enrichments[kind] = map[EnrichmentStatus]int{}
	}
	s.Enrichments[kind][status] += n
}

// SuccessRate is the share of usable results for kind, or 0 without attempts.
func (s CatalogStats) SuccessRate(kind CapabilityKind) float64 {
	var total, usable int
	for status, n := range s.Enrichments[kind] {
		total += n
		if status.Usable() {
			usable += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(usable) / float64(total)
}
