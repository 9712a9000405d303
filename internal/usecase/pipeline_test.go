package usecase

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CatalogPipeline/internal/cleaning"
	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/identity"
	"CatalogPipeline/internal/infrastructure/storage"
	"CatalogPipeline/internal/ports"
)

var observedBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticSource struct {
	mu      sync.Mutex
	records map[string][]domain.RawRecord
	errs    map[string]error
}

func (s *staticSource) set(jobID string, records ...domain.RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[string][]domain.RawRecord{}
	}
	s.records[jobID] = records
}

func (s *staticSource) Collect(ctx context.Context, job domain.SourceJob, limiter ports.Limiter) iter.Seq2[domain.RawRecord, error] {
	s.mu.Lock()
	records := append([]domain.RawRecord(nil), s.records[job.ID]...)
	failure := s.errs[job.ID]
	s.mu.Unlock()

	return func(yield func(domain.RawRecord, error) bool) {
		for _, rec := range records {
			if err := limiter.Wait(ctx); err != nil {
				yield(domain.RawRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if failure != nil {
			yield(domain.RawRecord{}, failure)
		}
	}
}

type stubEnricher struct {
	calls    atomic.Int32
	fail     func(kind domain.CapabilityKind, p domain.CanonicalProduct) bool
	fallback func(kind domain.CapabilityKind, p domain.CanonicalProduct) bool
	mu       sync.Mutex
	seen     map[domain.Fingerprint][]domain.CapabilityKind
}

func (e *stubEnricher) Enrich(_ context.Context, p domain.CanonicalProduct, kinds []domain.CapabilityKind) map[domain.CapabilityKind]domain.EnrichmentResult {
	out := map[domain.CapabilityKind]domain.EnrichmentResult{}
	e.mu.Lock()
	if e.seen == nil {
		e.seen = map[domain.Fingerprint][]domain.CapabilityKind{}
	}
	e.seen[p.Fingerprint] = append(e.seen[p.Fingerprint], kinds...)
	e.mu.Unlock()

	for _, kind := range kinds {
		e.calls.Add(1)
		res := domain.EnrichmentResult{
			Fingerprint: p.Fingerprint,
			Capability:  kind,
			Status:      domain.EnrichmentOK,
			Attempts:    1,
			AttemptedAt: observedBase,
		}
		if e.fail != nil && e.fail(kind, p) {
			res.Status = domain.EnrichmentFailed
			res.Error = "capability unavailable"
			out[kind] = res
			continue
		}
		if e.fallback != nil && e.fallback(kind, p) {
			res.Status = domain.EnrichmentSkippedFallback
			res.Error = "rate limited"
			res.Attempts = 3
		}
		switch kind {
		case domain.Categorize:
			res.Payload = domain.Payload{Category: "Books", Confidence: 0.9}
		case domain.Describe:
			res.Payload = domain.Payload{Description: "A fine " + p.Title, Tags: []string{"fine"}}
		case domain.Anomaly:
			res.Payload = domain.Payload{RiskScore: 2}
		}
		out[kind] = res
	}
	return out
}

// flakyRepository decorates the memory repository with injected failures.
type flakyRepository struct {
	*storage.MemoryRepository
	upsertErr error
	pingErr   error
	upserts   atomic.Int32
}

func (r *flakyRepository) UpsertCanonical(ctx context.Context, fields domain.CanonicalFields, update domain.EnrichmentUpdate) (domain.CanonicalProduct, ports.UpsertResult, error) {
	r.upserts.Add(1)
	if r.upsertErr != nil {
		return domain.CanonicalProduct{}, ports.UpsertResult{}, r.upsertErr
	}
	return r.MemoryRepository.UpsertCanonical(ctx, fields, update)
}

func (r *flakyRepository) Ping(ctx context.Context) error {
	if r.pingErr != nil {
		return r.pingErr
	}
	return r.MemoryRepository.Ping(ctx)
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []domain.PipelineRun
}

func (n *recordingNotifier) PublishRunReport(_ context.Context, run domain.PipelineRun) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	return nil
}

func book(title, price string, minute int) domain.RawRecord {
	return domain.RawRecord{
		Title:            title,
		PriceText:        price,
		AvailabilityText: "In stock",
		SourceURL:        "https://books.example.com/" + title,
		ExtractedAt:      observedBase.Add(time.Duration(minute) * time.Minute),
	}
}

func fingerprintOf(rec domain.RawRecord, source string) domain.Fingerprint {
	rec.Source = source
	return identity.Resolve(rec)
}

type fixture struct {
	source   *staticSource
	repo     *flakyRepository
	enricher *stubEnricher
	notifier *recordingNotifier
	jobs     []domain.SourceJob
	opts     PipelineOptions
}

func newFixture() *fixture {
	return &fixture{
		source:   &staticSource{},
		repo:     &flakyRepository{MemoryRepository: storage.NewMemoryRepository()},
		enricher: &stubEnricher{},
		notifier: &recordingNotifier{},
		jobs:     []domain.SourceJob{{ID: "books", Name: "books", Enabled: true}},
	}
}

func (f *fixture) pipeline() *Pipeline {
	return NewPipeline(PipelineDeps{
		Source:     f.source,
		Repository: f.repo,
		Enricher:   f.enricher,
		Validator:  cleaning.NewValidator("USD", nil),
		Notifier:   f.notifier,
		Jobs:       f.jobs,
		Options:    f.opts,
	})
}

func TestPipelineRunPersistsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	first, second := book("dune", "$19.99", 0), book("emma", "$7.50", 0)
	f.source.set("books", first, second)
	p := f.pipeline()
	ctx := context.Background()

	run, err := p.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.State)
	assert.Equal(t, 2, run.Outcomes[domain.OutcomePersisted])
	assert.Equal(t, 2, run.RecordsCollected)
	assert.Equal(t, int32(6), f.enricher.calls.Load())

	fp := fingerprintOf(first, "books")
	product, err := f.repo.GetProduct(ctx, fp)
	require.NoError(t, err)
	require.NotNil(t, product.Category)
	assert.Equal(t, "Books", *product.Category)
	assert.Equal(t, 19.99, product.Price)
	assert.Equal(t, domain.InStock, product.Availability)

	rerun, err := p.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, rerun.State)
	assert.Equal(t, 2, rerun.Outcomes[domain.OutcomePersisted])
	assert.Equal(t, int32(6), f.enricher.calls.Load(), "successful capabilities are not re-run")
	assert.Equal(t, 2, f.repo.ProductCount())

	history, err := f.repo.PriceHistory(ctx, fp)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPipelinePriceChangeAppendsLedger(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.set("books", book("dune", "$19.99", 0))
	p := f.pipeline()
	ctx := context.Background()

	_, err := p.Run(ctx, RunRequest{})
	require.NoError(t, err)

	f.source.set("books", book("dune", "$24.99", 60))
	_, err = p.Run(ctx, RunRequest{})
	require.NoError(t, err)

	fp := fingerprintOf(book("dune", "", 0), "books")
	history, err := f.repo.PriceHistory(ctx, fp)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 19.99, history[0].Price)
	assert.Equal(t, 24.99, history[1].Price)
	assert.True(t, history[1].ObservedAt.After(history[0].ObservedAt))

	product, err := f.repo.GetProduct(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, 24.99, product.Price)
	assert.Equal(t, 1, f.repo.ProductCount())
}

func TestPipelineRejectsUnparseablePrice(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.set("books", book("dune", "$19.99", 0), book("widget", "N/A", 0), book("", "$3.00", 0))

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, run.State)
	assert.Equal(t, 2, run.Outcomes[domain.OutcomeRejected])
	assert.Equal(t, 1, run.Outcomes[domain.OutcomePersisted])
	assert.Equal(t, 1, run.Rejections[string(cleaning.RejectUnparseablePrice)])
	assert.Equal(t, 1, run.Rejections[string(cleaning.RejectMissingTitle)])
	assert.Equal(t, domain.PhaseCounters{Attempted: 3, Succeeded: 1, Failed: 2}, run.Counters[domain.PhaseClean])
	assert.Equal(t, 1, f.repo.ProductCount())
}

func TestPipelineDeduplicatesWithinRun(t *testing.T) {
	t.Parallel()

	f := newFixture()
	later := book("dune", "$21.00", 10)
	f.source.set("books", later, book("dune", "$19.99", 0))

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.State)
	assert.Equal(t, 1, run.Outcomes[domain.OutcomeDuplicate])
	assert.Equal(t, 1, run.Outcomes[domain.OutcomePersisted])
	assert.Equal(t, 1, run.Counters[domain.PhaseClean].Skipped)

	product, err := f.repo.GetProduct(context.Background(), fingerprintOf(later, "books"))
	require.NoError(t, err)
	assert.Equal(t, 21.0, product.Price, "the latest observation wins")
}

func TestPipelineIsolatesEnrichmentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.set("books", book("dune", "$19.99", 0), book("emma", "$7.50", 0), book("ulysses", "$12.00", 0))
	f.enricher.fail = func(kind domain.CapabilityKind, p domain.CanonicalProduct) bool {
		return kind == domain.Categorize && p.Title == "emma"
	}

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, run.State)
	assert.Equal(t, 2, run.Outcomes[domain.OutcomePersisted])
	assert.Equal(t, 1, run.Outcomes[domain.OutcomeFailedEnrich])
	assert.Equal(t, 1, run.Counters[domain.PhaseEnrich].Failed)
	assert.Equal(t, 3, f.repo.ProductCount(), "an item with a failed capability is still stored")

	fp := fingerprintOf(book("emma", "", 0), "books")
	product, err := f.repo.GetProduct(context.Background(), fp)
	require.NoError(t, err)
	assert.Nil(t, product.Category)
	require.NotNil(t, product.EnhancedDescription)
	assert.Len(t, f.repo.EnrichmentLog(fp), 3)
}

func TestPipelineFallbackCountsAsSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.set("books", book("dune", "$19.99", 0), book("emma", "$7.50", 0))
	f.enricher.fallback = func(kind domain.CapabilityKind, _ domain.CanonicalProduct) bool {
		return kind == domain.Categorize
	}

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.State)
	assert.Equal(t, 2, run.Outcomes[domain.OutcomePersisted])
	assert.Zero(t, run.Counters[domain.PhaseEnrich].Failed)

	fp := fingerprintOf(book("dune", "", 0), "books")
	product, err := f.repo.GetProduct(context.Background(), fp)
	require.NoError(t, err)
	require.NotNil(t, product.Category)
	assert.Equal(t, "Books", *product.Category)

	var statuses []domain.EnrichmentStatus
	for _, res := range f.repo.EnrichmentLog(fp) {
		if res.Capability == domain.Categorize {
			statuses = append(statuses, res.Status)
		}
	}
	assert.Equal(t, []domain.EnrichmentStatus{domain.EnrichmentSkippedFallback}, statuses)

	done, err := f.repo.SuccessfulCapabilities(context.Background(), []domain.Fingerprint{fp})
	require.NoError(t, err)
	assert.True(t, done[fp][domain.Categorize], "a fallback result is not re-enriched on resume")
}

func TestPipelineFlagsZeroPrice(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.opts = PipelineOptions{Capabilities: []domain.CapabilityKind{domain.Categorize}}
	free, paid := book("freebie", "$0.00", 0), book("dune", "$19.99", 0)
	f.source.set("books", free, paid)

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.State)

	freeFP, paidFP := fingerprintOf(free, "books"), fingerprintOf(paid, "books")
	product, err := f.repo.GetProduct(context.Background(), freeFP)
	require.NoError(t, err)
	assert.Zero(t, product.Price)
	assert.True(t, product.Flagged)
	require.NotNil(t, product.AnomalyScore, "zero-priced items get an anomaly review")

	f.enricher.mu.Lock()
	defer f.enricher.mu.Unlock()
	assert.ElementsMatch(t, []domain.CapabilityKind{domain.Categorize, domain.Anomaly}, f.enricher.seen[freeFP])
	assert.Equal(t, []domain.CapabilityKind{domain.Categorize}, f.enricher.seen[paidFP])

	paidProduct, err := f.repo.GetProduct(context.Background(), paidFP)
	require.NoError(t, err)
	assert.False(t, paidProduct.Flagged)
}

func TestPipelineCircuitBreakerFailsRun(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.repo.upsertErr = errors.New("connection reset")
	f.opts = PipelineOptions{Workers: 1, BreakerThreshold: 2}
	var records []domain.RawRecord
	for _, title := range []string{"a1", "a2", "a3", "a4", "a5"} {
		records = append(records, book(title, "$1.00", 0))
	}
	f.source.set("books", records...)

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Contains(t, run.FatalError, ErrCircuitOpen.Error())
	assert.Equal(t, 5, run.Outcomes[domain.OutcomeFailedPersist])
	assert.LessOrEqual(t, f.repo.upserts.Load(), int32(3))
	assert.Len(t, f.notifier.runs, 1)
}

func TestPipelineStorageUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.repo.pingErr = errors.New("dial tcp: connection refused")
	f.source.set("books", book("dune", "$19.99", 0))

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Equal(t, 1, run.Outcomes[domain.OutcomeFailedPersist])
	assert.Zero(t, f.repo.upserts.Load())
}

func TestPipelineCollectionErrorIsIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.jobs = []domain.SourceJob{
		{ID: "books", Name: "books", Enabled: true},
		{ID: "broken", Name: "broken", Enabled: true},
		{ID: "off", Name: "off", Enabled: false},
	}
	f.source.set("books", book("dune", "$19.99", 0))
	f.source.set("broken", book("emma", "$7.50", 0))
	f.source.errs = map[string]error{"broken": errors.New("status 503")}

	run, err := f.pipeline().Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, run.State)
	require.Len(t, run.CollectionErrors, 1)
	assert.Contains(t, run.CollectionErrors[0], "broken")
	assert.Equal(t, 2, run.Outcomes[domain.OutcomePersisted], "records yielded before the failure are kept")
	assert.Equal(t, domain.PhaseCounters{Attempted: 2, Succeeded: 1, Failed: 1, Skipped: 1}, run.Counters[domain.PhaseCollect])
}

func TestPipelineCanceledContext(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.set("books", book("dune", "$19.99", 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.pipeline().Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.True(t, run.Canceled)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Zero(t, f.repo.ProductCount())
	assert.Len(t, f.repo.Runs(), 1, "the run report is written after cancellation")
}

func TestPipelineEnrichOnlyResumesStoredProducts(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.set("books", book("dune", "$19.99", 0), book("emma", "$7.50", 0))
	p := f.pipeline()
	ctx := context.Background()

	run, err := p.Run(ctx, RunRequest{Phases: []domain.Phase{domain.PhaseCollect, domain.PhaseClean, domain.PhasePersist}})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Outcomes[domain.OutcomePersisted])
	assert.Zero(t, f.enricher.calls.Load())

	run, err = p.Run(ctx, RunRequest{Phases: []domain.Phase{domain.PhaseEnrich}})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.State)
	assert.Equal(t, 2, run.Outcomes[domain.OutcomeEnriched])
	assert.Equal(t, int32(6), f.enricher.calls.Load())

	product, err := f.repo.GetProduct(ctx, fingerprintOf(book("dune", "", 0), "books"))
	require.NoError(t, err)
	require.NotNil(t, product.AnomalyScore)
	assert.Equal(t, 2, *product.AnomalyScore)

	run, err = p.Run(ctx, RunRequest{Phases: []domain.Phase{domain.PhaseEnrich}})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.State)
	assert.Zero(t, run.Outcomes[domain.OutcomeEnriched])
	assert.Equal(t, int32(6), f.enricher.calls.Load())

	run, err = p.Run(ctx, RunRequest{Phases: []domain.Phase{domain.PhaseEnrich}, ForceEnrich: true, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Outcomes[domain.OutcomeEnriched])
	assert.Equal(t, int32(9), f.enricher.calls.Load())
}

func TestPipelineDryRuns(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.set("books", book("dune", "$19.99", 0), book("widget", "N/A", 0))
	p := f.pipeline()
	ctx := context.Background()

	run, err := p.Run(ctx, RunRequest{Phases: []domain.Phase{domain.PhaseCollect}})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Outcomes[domain.OutcomeCollected])
	assert.Equal(t, domain.RunSucceeded, run.State)

	run, err = p.Run(ctx, RunRequest{Phases: []domain.Phase{domain.PhaseCollect, domain.PhaseClean}})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Outcomes[domain.OutcomeCanonicalized])
	assert.Equal(t, 1, run.Outcomes[domain.OutcomeRejected])
	assert.Equal(t, domain.RunPartial, run.State)

	run, err = p.Run(ctx, RunRequest{Phases: []domain.Phase{domain.PhaseCollect, domain.PhaseEnrich}})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Outcomes[domain.OutcomeEnriched])

	assert.Zero(t, f.repo.ProductCount())
}

func TestPipelineSnapshotsAndHistory(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.opts = PipelineOptions{HistoryLimit: 2}
	f.source.set("books", book("dune", "$19.99", 0))
	p := f.pipeline()
	ctx := context.Background()

	var ids []string
	for range 3 {
		run, err := p.Run(ctx, RunRequest{})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	_, err := p.Snapshot(ids[0])
	assert.ErrorIs(t, err, ErrRunNotFound)

	snap, err := p.Snapshot(ids[2])
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, snap.State)
	snap.Outcomes[domain.OutcomePersisted] = 99

	again, err := p.Snapshot(ids[2])
	require.NoError(t, err)
	assert.Equal(t, 1, again.Outcomes[domain.OutcomePersisted], "snapshots do not alias run state")

	runs := p.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, ids[1], runs[0].ID)
	assert.Equal(t, ids[2], runs[1].ID)
	assert.Len(t, f.notifier.runs, 3)
	assert.Len(t, f.repo.Runs(), 3)
}

func TestPipelineRequiresCollaborators(t *testing.T) {
	t.Parallel()

	p := NewPipeline(PipelineDeps{})
	run, err := p.Run(context.Background(), RunRequest{})
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.State)
}

func TestNormalizePhases(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.AllPhases, normalizePhases(nil))
	assert.Equal(t,
		[]domain.Phase{domain.PhaseCollect, domain.PhasePersist},
		normalizePhases([]domain.Phase{domain.PhasePersist, domain.PhaseCollect, domain.PhasePersist}))
}
