package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/ports"
)

var errEmptyFingerprint = errors.New("empty fingerprint")

// ledgerStep is how far a clamped observation is moved past the ledger tail.
const ledgerStep = time.Microsecond

// MemoryRepository keeps everything in process. It backs tests and runs
// configured without a database.
type MemoryRepository struct {
	mu          sync.Mutex
	products    map[domain.Fingerprint]domain.CanonicalProduct
	history     map[domain.Fingerprint][]domain.PriceHistoryEntry
	enrichments map[domain.Fingerprint][]domain.EnrichmentResult
	runs        []domain.PipelineRun
	now         func() time.Time
}

var (
	_ ports.Repository = (*MemoryRepository)(nil)
	_ ports.Pinger     = (*MemoryRepository)(nil)
)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products:    map[domain.Fingerprint]domain.CanonicalProduct{},
		history:     map[domain.Fingerprint][]domain.PriceHistoryEntry{},
		enrichments: map[domain.Fingerprint][]domain.EnrichmentResult{},
		now:         time.Now,
	}
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) UpsertCanonical(_ context.Context, fields domain.CanonicalFields, update domain.EnrichmentUpdate) (domain.CanonicalProduct, ports.UpsertResult, error) {
	if fields.Fingerprint == "" {
		return domain.CanonicalProduct{}, ports.UpsertResult{}, &ports.PersistenceError{Op: "upsert", Err: errEmptyFingerprint}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	seenAt := fields.ObservedAt
	if seenAt.IsZero() {
		seenAt = r.now()
	}

	var result ports.UpsertResult
	product, ok := r.products[fields.Fingerprint]
	if !ok {
		result.IsNew = true
		product = domain.CanonicalProduct{Fingerprint: fields.Fingerprint, CreatedAt: seenAt}
	} else {
		result.PriceChanged = !domain.SamePrice(product.Price, product.Currency, fields.Price, fields.Currency)
	}

	mergeFields(&product, fields, seenAt)
	update.Apply(&product)
	r.products[fields.Fingerprint] = product
	return product.Clone(), result, nil
}

// mergeFields overwrites scraped attributes. Description, image and source
// URL are optional on a page, so an empty value keeps what is stored.
// LastSeenAt only moves forward.
func mergeFields(p *domain.CanonicalProduct, f domain.CanonicalFields, seenAt time.Time) {
	p.Title = f.Title
	p.Price = f.Price
	p.Currency = f.Currency
	p.Availability = f.Availability
	if f.Description != "" {
		p.Description = f.Description
	}
	if f.ImageURL != "" {
		p.ImageURL = f.ImageURL
	}
	if f.SourceURL != "" {
		p.SourceURL = f.SourceURL
	}
	p.Source = f.Source
	if seenAt.After(p.LastSeenAt) {
		p.LastSeenAt = seenAt
	}
	p.RefreshFlagged()
}

func (r *MemoryRepository) AppendPriceHistoryIfChanged(_ context.Context, fp domain.Fingerprint, price float64, currency string, observedAt time.Time) (bool, error) {
	if fp == "" {
		return false, &ports.PersistenceError{Op: "append price history", Err: errEmptyFingerprint}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ledger := r.history[fp]
	if observedAt.IsZero() {
		observedAt = r.now()
	}
	if n := len(ledger); n > 0 {
		tail := ledger[n-1]
		if domain.SamePrice(tail.Price, tail.Currency, price, currency) {
			return false, nil
		}
		observedAt = nextObservation(tail.ObservedAt, observedAt)
	}
	r.history[fp] = append(ledger, domain.PriceHistoryEntry{
		Fingerprint: fp,
		Price:       domain.RoundPrice(price),
		Currency:    currency,
		ObservedAt:  observedAt,
	})
	return true, nil
}

func nextObservation(tail, observed time.Time) time.Time {
	if observed.After(tail) {
		return observed
	}
	return tail.Add(ledgerStep)
}

func (r *MemoryRepository) RecordEnrichment(_ context.Context, result domain.EnrichmentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result.Payload.Tags = append([]string(nil), result.Payload.Tags...)
	r.enrichments[result.Fingerprint] = append(r.enrichments[result.Fingerprint], result)
	return nil
}

func (r *MemoryRepository) ApplyEnrichment(_ context.Context, fp domain.Fingerprint, update domain.EnrichmentUpdate) (domain.CanonicalProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.products[fp]
	if !ok {
		return domain.CanonicalProduct{}, &ports.PersistenceError{Op: "apply enrichment", Fingerprint: fp, Err: ports.ErrNotFound}
	}
	update.Apply(&product)
	r.products[fp] = product
	return product.Clone(), nil
}

func (r *MemoryRepository) ProductsNeedingEnrichment(_ context.Context, caps []domain.CapabilityKind, limit int, force bool) ([]domain.CanonicalProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.CanonicalProduct
	for _, p := range r.products {
		if force || !r.hasAll(p.Fingerprint, caps) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) hasAll(fp domain.Fingerprint, caps []domain.CapabilityKind) bool {
	done := r.successful(fp)
	for _, c := range caps {
		if !done[c] {
			return false
		}
	}
	return true
}

func (r *MemoryRepository) successful(fp domain.Fingerprint) map[domain.CapabilityKind]bool {
	done := map[domain.CapabilityKind]bool{}
	for _, res := range r.enrichments[fp] {
		if res.Status.Usable() {
			done[res.Capability] = true
		}
	}
	return done
}

func (r *MemoryRepository) SuccessfulCapabilities(_ context.Context, fps []domain.Fingerprint) (map[domain.Fingerprint]map[domain.CapabilityKind]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[domain.Fingerprint]map[domain.CapabilityKind]bool, len(fps))
	for _, fp := range fps {
		if done := r.successful(fp); len(done) > 0 {
			out[fp] = done
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetProduct(_ context.Context, fp domain.Fingerprint) (domain.CanonicalProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.products[fp]
	if !ok {
		return domain.CanonicalProduct{}, &ports.PersistenceError{Op: "get product", Fingerprint: fp, Err: ports.ErrNotFound}
	}
	return product.Clone(), nil
}

func (r *MemoryRepository) PriceHistory(_ context.Context, fp domain.Fingerprint) ([]domain.PriceHistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]domain.PriceHistoryEntry(nil), r.history[fp]...), nil
}

// EnrichmentLog returns every recorded result for fp in insertion order.
func (r *MemoryRepository) EnrichmentLog(fp domain.Fingerprint) []domain.EnrichmentResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]domain.EnrichmentResult(nil), r.enrichments[fp]...)
}

// ProductCount reports how many products are stored.
func (r *MemoryRepository) ProductCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.products)
}

func (r *MemoryRepository) RecordRun(_ context.Context, run domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run = run.Clone()
	for i := range r.runs {
		if r.runs[i].ID == run.ID {
			r.runs[i] = run
			return nil
		}
	}
	r.runs = append(r.runs, run)
	return nil
}

func (r *MemoryRepository) Stats(context.Context) (domain.CatalogStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := domain.NewCatalogStats()
	stats.Products = len(r.products)
	for _, p := range r.products {
		if p.Category != nil {
			stats.Categorized++
			stats.Categories[*p.Category]++
		}
		if p.EnhancedDescription != nil {
			stats.Described++
		}
		if p.Flagged {
			stats.Flagged++
		}
	}
	for _, entries := range r.history {
		stats.PriceEntries += len(entries)
	}
	for _, results := range r.enrichments {
		for _, res := range results {
			stats.AddEnrichment(res.Capability, res.Status, 1)
		}
	}
	stats.Runs = len(r.runs)
	for _, run := range r.runs {
		if stats.LastRunID == "" || run.StartedAt.After(stats.LastRunAt) {
			stats.LastRunID, stats.LastRunState, stats.LastRunAt = run.ID, run.State, run.StartedAt
		}
	}
	return stats, nil
}

// Runs returns recorded runs in the order they were first recorded.
func (r *MemoryRepository) Runs() []domain.PipelineRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PipelineRun, len(r.runs))
	for i, run := range r.runs {
		out[i] = run.Clone()
	}
	return out
}
