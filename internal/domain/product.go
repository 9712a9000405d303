package domain

import (
	"math"
	"time"
)

// TargetType tells scanners whether a source renders server-side or needs a browser.
type TargetType string

const (
	TargetStatic  TargetType = "static"
	TargetDynamic TargetType = "dynamic"
)

// SourceJob is a unit of collection work taken from configuration.
type SourceJob struct {
	ID       string
	Name     string
	Scanner  string
	Target   TargetType
	Enabled  bool
	Pages    []string
	MinDelay time.Duration
	Currency string
	Options  map[string]string
}

// RawRecord holds fields exactly as extracted. An empty string means the
// field was absent on the page.
type RawRecord struct {
	Title            string
	PriceText        string
	ImageURL         string
	Description      string
	AvailabilityText string
	Source           string
	SourceURL        string
	ExtractedAt      time.Time
}

// Fingerprint is the stable identity key of a scraped item.
type Fingerprint string

// Availability is the three-state stock indicator.
type Availability string

const (
	InStock    Availability = "IN_STOCK"
	OutOfStock Availability = "OUT_OF_STOCK"
	Unknown    Availability = "UNKNOWN"
)

// CanonicalFields is the validated, normalized form of a raw record,
// before it is merged with stored state.
type CanonicalFields struct {
	Fingerprint  Fingerprint
	Title        string
	Price        float64
	Currency     string
	Availability Availability
	Description  string
	ImageURL     string
	Source       string
	SourceURL    string
	ObservedAt   time.Time

	// ZeroPrice marks a listing priced at exactly 0 for anomaly review.
	ZeroPrice bool
}

// CanonicalProduct is the stored entity keyed by fingerprint.
type CanonicalProduct struct {
	Fingerprint         Fingerprint
	Title               string
	Price               float64
	Currency            string
	Availability        Availability
	Category            *string
	Description         string
	EnhancedDescription *string
	Tags                []string
	AnomalyScore        *int
	Flagged             bool
	ImageURL            string
	Source              string
	SourceURL           string
	LastSeenAt          time.Time
	CreatedAt           time.Time
}

// Clone returns a copy that shares no pointers or slices with p.
func (p CanonicalProduct) Clone() CanonicalProduct {
	cp := p
	if p.Category != nil {
		v := *p.Category
		cp.Category = &v
	}
	if p.EnhancedDescription != nil {
		v := *p.EnhancedDescription
		cp.EnhancedDescription = &v
	}
	if p.AnomalyScore != nil {
		v := *p.AnomalyScore
		cp.AnomalyScore = &v
	}
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	return cp
}

// ProductFromFields builds an unsaved product view used for enrichment
// before the persistence phase runs.
func ProductFromFields(f CanonicalFields) CanonicalProduct {
	return CanonicalProduct{
		Fingerprint:  f.Fingerprint,
		Title:        f.Title,
		Price:        f.Price,
		Currency:     f.Currency,
		Availability: f.Availability,
		Description:  f.Description,
		ImageURL:     f.ImageURL,
		Source:       f.Source,
		SourceURL:    f.SourceURL,
		Flagged:      f.ZeroPrice || f.Price == 0,
		LastSeenAt:   f.ObservedAt,
		CreatedAt:    f.ObservedAt,
	}
}

// RefreshFlagged marks the product for review when it is listed at zero or
// its anomaly score reaches FlagRiskScore.
func (p *CanonicalProduct) RefreshFlagged() {
	p.Flagged = p.Price == 0 || (p.AnomalyScore != nil && *p.AnomalyScore >= FlagRiskScore)
}

// FieldsFromProduct is the inverse of ProductFromFields for stored products.
func FieldsFromProduct(p CanonicalProduct) CanonicalFields {
	return CanonicalFields{
		Fingerprint:  p.Fingerprint,
		Title:        p.Title,
		Price:        p.Price,
		Currency:     p.Currency,
		Availability: p.Availability,
		Description:  p.Description,
		ImageURL:     p.ImageURL,
		Source:       p.Source,
		SourceURL:    p.SourceURL,
		ObservedAt:   p.LastSeenAt,
		ZeroPrice:    p.Price == 0,
	}
}

// PriceHistoryEntry is one row of the append-only price ledger.
type PriceHistoryEntry struct {
	Fingerprint Fingerprint
	Price       float64
	Currency    string
	ObservedAt  time.Time
}

// RoundPrice rounds to cents, the precision prices are compared at.
func RoundPrice(v float64) float64 {
	return math.Round(v*100) / 100
}

// SamePrice reports whether two observations are the same price fact.
func SamePrice(aPrice float64, aCurrency string, bPrice float64, bCurrency string) bool {
	return aCurrency == bCurrency && math.Round(aPrice*100) == math.Round(bPrice*100)
}
