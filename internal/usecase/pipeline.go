package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"CatalogPipeline/internal/cleaning"
	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/identity"
	"CatalogPipeline/internal/ports"
	"CatalogPipeline/internal/worker"
)

// Enricher runs capabilities for one product and always returns one result
// per requested kind. *enrichment.Coordinator satisfies it.
type Enricher interface {
	Enrich(ctx context.Context, product domain.CanonicalProduct, kinds []domain.CapabilityKind) map[domain.CapabilityKind]domain.EnrichmentResult
}

// Validator turns raw records into canonical fields. *cleaning.Validator satisfies it.
type Validator interface {
	Validate(raw domain.RawRecord) (domain.CanonicalFields, error)
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Source     ports.Source
	Repository ports.Repository
	Enricher   Enricher
	Validator  Validator
	Notifier   ports.Notifier
	Jobs       []domain.SourceJob
	Logger     *slog.Logger
	Options    PipelineOptions
}

// PipelineOptions tunes concurrency and failure handling.
type PipelineOptions struct {
	// CollectConcurrency bounds how many source jobs are scraped at once.
	CollectConcurrency int
	// Workers bounds per-item parallelism in clean, enrich and persist.
	Workers int
	// Capabilities are requested for every item during ENRICH.
	Capabilities []domain.CapabilityKind
	// BreakerThreshold consecutive persistence failures abort the run.
	BreakerThreshold int
	// ReportTimeout bounds the run report writes after a run ends.
	ReportTimeout time.Duration
	// HistoryLimit caps how many run snapshots are kept for Runs.
	HistoryLimit int

	Now   func() time.Time
	NewID func() string
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.CollectConcurrency <= 0 {
		o.CollectConcurrency = 2
	}
	if o.Workers <= 0 {
		o.Workers = worker.DefaultWorkers
	}
	if len(o.Capabilities) == 0 {
		o.Capabilities = domain.AllCapabilities
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.ReportTimeout <= 0 {
		o.ReportTimeout = 10 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// RunRequest selects the phases of one run.
type RunRequest struct {
	// Phases defaults to all phases in order.
	Phases []domain.Phase
	// ForceEnrich re-runs capabilities that already succeeded.
	ForceEnrich bool
	// Limit caps stored products loaded for an ENRICH run without COLLECT.
	Limit int
}

// Pipeline implements the catalog workflow as a barrier-per-phase state
// machine over a PipelineRun.
type Pipeline struct {
	source     ports.Source
	repository ports.Repository
	enricher   Enricher
	validator  Validator
	notifier   ports.Notifier
	jobs       []domain.SourceJob
	logger     *slog.Logger
	opts       PipelineOptions
	locks      *keyedMutex

	mu    sync.Mutex
	runs  map[string]*runTracker
	order []string
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := deps.Validator
	if validator == nil {
		validator = &cleaning.Validator{}
	}
	return &Pipeline{
		source:     deps.Source,
		repository: deps.Repository,
		enricher:   deps.Enricher,
		validator:  validator,
		notifier:   deps.Notifier,
		jobs:       append([]domain.SourceJob(nil), deps.Jobs...),
		logger:     logger,
		opts:       deps.Options.withDefaults(),
		locks:      newKeyedMutex(),
		runs:       map[string]*runTracker{},
	}
}

// item is one record moving through the phases. Each item is touched by a
// single worker at a time; phase barriers order all other access.
type item struct {
	fp           domain.Fingerprint
	fields       domain.CanonicalFields
	product      domain.CanonicalProduct
	stored       bool
	results      map[domain.CapabilityKind]domain.EnrichmentResult
	enrichFailed bool
	settled      bool
}

// Run executes one pipeline run and returns its terminal snapshot. The
// error is non-nil only when a fatal condition failed the run.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (domain.PipelineRun, error) {
	phases := normalizePhases(req.Phases)
	id := p.opts.NewID()
	tr := newRunTracker(id, phases, p.opts.Now())
	p.track(id, tr)

	logger := p.logger.With("run_id", id)
	logger.Info("pipeline run started", "phases", phases, "force_enrich", req.ForceEnrich)

	want := map[domain.Phase]bool{}
	for _, phase := range phases {
		want[phase] = true
	}

	fatal := p.execute(ctx, tr, want, req, logger)
	run := tr.finish(p.opts.Now(), fatal)
	p.report(ctx, run, logger)

	logger.Info("pipeline run finished",
		"state", run.State,
		"outcomes", run.Outcomes,
		"collection_errors", len(run.CollectionErrors),
		"audit_failures", run.AuditFailures,
		"canceled", run.Canceled,
		"duration", run.EndedAt.Sub(run.StartedAt))

	if fatal != nil {
		return run, fmt.Errorf("pipeline run %s: %w", id, fatal)
	}
	return run, nil
}

func (p *Pipeline) execute(ctx context.Context, tr *runTracker, want map[domain.Phase]bool, req RunRequest, logger *slog.Logger) error {
	if err := p.checkDeps(want); err != nil {
		return err
	}

	var items []*item
	switch {
	case want[domain.PhaseCollect]:
		tr.enter(domain.PhaseCollect)
		raws := p.collect(ctx, tr, logger)
		if !want[domain.PhaseClean] && !want[domain.PhaseEnrich] && !want[domain.PhasePersist] {
			for range raws {
				tr.outcome(domain.OutcomeCollected)
			}
			return nil
		}
		if p.stopped(ctx, tr) {
			for range raws {
				tr.outcome(domain.OutcomeCanceled)
			}
			return nil
		}
		// Raw records cannot be enriched or stored before canonicalization,
		// so CLEAN runs whenever collected records flow further.
		items = p.clean(ctx, tr, raws, logger)
	case want[domain.PhaseEnrich]:
		products, err := p.repository.ProductsNeedingEnrichment(ctx, p.opts.Capabilities, req.Limit, req.ForceEnrich)
		if err != nil {
			return fmt.Errorf("load products needing enrichment: %w", err)
		}
		items = storedItems(products)
		logger.Info("loaded stored products for enrichment", "count", len(items))
	case want[domain.PhaseClean]:
		tr.enter(domain.PhaseClean)
	}

	brk := newBreaker(p.opts.BreakerThreshold)

	if want[domain.PhaseEnrich] {
		if p.stopped(ctx, tr) {
			p.abandon(ctx, tr, items, logger)
			return nil
		}
		if err := p.enrich(ctx, tr, items, req.ForceEnrich, brk, logger); err != nil {
			p.settleAll(tr, items, domain.OutcomeFailedPersist)
			return err
		}
	}

	if want[domain.PhasePersist] {
		if p.stopped(ctx, tr) {
			p.abandon(ctx, tr, items, logger)
			return nil
		}
		if err := p.persist(ctx, tr, items, brk, logger); err != nil {
			p.settleAll(tr, items, domain.OutcomeFailedPersist)
			return err
		}
	}

	for _, it := range items {
		if it.settled {
			continue
		}
		switch {
		case want[domain.PhaseEnrich] && it.enrichFailed:
			p.settle(tr, it, domain.OutcomeFailedEnrich)
		case want[domain.PhaseEnrich]:
			p.settle(tr, it, domain.OutcomeEnriched)
		default:
			p.settle(tr, it, domain.OutcomeCanonicalized)
		}
	}
	return nil
}

func (p *Pipeline) checkDeps(want map[domain.Phase]bool) error {
	if want[domain.PhaseCollect] && p.source == nil {
		return errors.New("collect requested but no source is configured")
	}
	if want[domain.PhaseEnrich] && p.enricher == nil {
		return errors.New("enrich requested but no enricher is configured")
	}
	needsRepo := want[domain.PhasePersist] || (want[domain.PhaseEnrich] && !want[domain.PhaseCollect])
	if needsRepo && p.repository == nil {
		return errors.New("persistence requested but no repository is configured")
	}
	return nil
}

// stopped reports run cancellation at a phase boundary.
func (p *Pipeline) stopped(ctx context.Context, tr *runTracker) bool {
	if ctx.Err() == nil {
		return false
	}
	tr.cancel()
	return true
}

func (p *Pipeline) collect(ctx context.Context, tr *runTracker, logger *slog.Logger) []domain.RawRecord {
	jobs := append([]domain.SourceJob(nil), p.jobs...)
	perJob := make([][]domain.RawRecord, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.opts.CollectConcurrency)
	for i, job := range jobs {
		if !job.Enabled {
			tr.count(domain.PhaseCollect, func(c *domain.PhaseCounters) { c.Skipped++ })
			continue
		}
		if ctx.Err() != nil {
			tr.count(domain.PhaseCollect, func(c *domain.PhaseCounters) { c.Skipped++ })
			continue
		}
		tr.count(domain.PhaseCollect, func(c *domain.PhaseCounters) { c.Attempted++ })
		g.Go(func() error {
			records, err := p.collectJob(ctx, job)
			perJob[i] = records
			tr.collected(len(records))

			switch {
			case err == nil:
				tr.count(domain.PhaseCollect, func(c *domain.PhaseCounters) { c.Succeeded++ })
				logger.Debug("source job collected", "job", job.ID, "records", len(records))
			case errors.Is(err, context.Canceled) && ctx.Err() != nil:
				tr.cancel()
				tr.count(domain.PhaseCollect, func(c *domain.PhaseCounters) { c.Failed++ })
			default:
				cerr := &CollectionError{JobID: job.ID, Source: job.Name, Err: err}
				tr.collectionError(cerr)
				tr.count(domain.PhaseCollect, func(c *domain.PhaseCounters) { c.Failed++ })
				logger.Warn("source job failed", "job", job.ID, "records", len(records), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var raws []domain.RawRecord
	for _, records := range perJob {
		raws = append(raws, records...)
	}
	logger.Info("collect phase finished", "jobs", len(jobs), "records", len(raws))
	return raws
}

func (p *Pipeline) collectJob(ctx context.Context, job domain.SourceJob) (records []domain.RawRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panic: %v", r)
		}
	}()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if job.MinDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(job.MinDelay), 1)
	}
	for rec, recErr := range p.source.Collect(ctx, job, limiter) {
		if recErr != nil {
			return records, recErr
		}
		if rec.Source == "" {
			rec.Source = job.Name
		}
		records = append(records, rec)
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
	}
	return records, nil
}

func (p *Pipeline) clean(ctx context.Context, tr *runTracker, raws []domain.RawRecord, logger *slog.Logger) []*item {
	tr.enter(domain.PhaseClean)
	cleanedAt := p.opts.Now()

	results := worker.Map(ctx, raws, func(_ context.Context, raw domain.RawRecord) (domain.CanonicalFields, error) {
		fields, err := p.validator.Validate(raw)
		if err != nil {
			return domain.CanonicalFields{}, err
		}
		fields.Fingerprint = identity.Resolve(raw)
		if fields.ObservedAt.IsZero() {
			fields.ObservedAt = cleanedAt
		}
		return fields, nil
	}, worker.Options{Workers: p.opts.Workers})

	winners := map[domain.Fingerprint]int{}
	duplicates := 0
	for i, res := range results {
		if !res.Dispatched {
			tr.cancel()
			tr.outcome(domain.OutcomeCanceled)
			tr.count(domain.PhaseClean, func(c *domain.PhaseCounters) { c.Skipped++ })
			continue
		}
		tr.count(domain.PhaseClean, func(c *domain.PhaseCounters) { c.Attempted++ })
		if res.Err != nil {
			tr.rejection(rejectionReason(res.Err))
			tr.outcome(domain.OutcomeRejected)
			tr.count(domain.PhaseClean, func(c *domain.PhaseCounters) { c.Failed++ })
			logger.Debug("record rejected", "source", res.Input.Source, "url", res.Input.SourceURL, "error", res.Err)
			continue
		}

		fp := res.Output.Fingerprint
		if j, ok := winners[fp]; ok {
			duplicates++
			tr.outcome(domain.OutcomeDuplicate)
			// The latest observation wins; on a tie the later record does.
			if results[j].Output.ObservedAt.After(res.Output.ObservedAt) {
				continue
			}
		}
		winners[fp] = i
	}

	items := make([]*item, 0, len(winners))
	for i, res := range results {
		if !res.Dispatched || res.Err != nil {
			continue
		}
		if winners[res.Output.Fingerprint] != i {
			continue
		}
		items = append(items, &item{
			fp:      res.Output.Fingerprint,
			fields:  res.Output,
			product: domain.ProductFromFields(res.Output),
		})
	}
	tr.count(domain.PhaseClean, func(c *domain.PhaseCounters) {
		c.Succeeded += len(items)
		c.Skipped += duplicates
	})
	logger.Info("clean phase finished", "records", len(raws), "canonical", len(items), "duplicates", duplicates)
	return items
}

func rejectionReason(err error) string {
	var rej *cleaning.Rejection
	if errors.As(err, &rej) {
		return string(rej.Reason)
	}
	return "REJECT_INTERNAL"
}

func storedItems(products []domain.CanonicalProduct) []*item {
	items := make([]*item, 0, len(products))
	for _, product := range products {
		items = append(items, &item{
			fp:      product.Fingerprint,
			fields:  domain.FieldsFromProduct(product),
			product: product,
			stored:  true,
		})
	}
	return items
}

type enrichJob struct {
	it    *item
	kinds []domain.CapabilityKind
}

func (p *Pipeline) enrich(ctx context.Context, tr *runTracker, items []*item, force bool, brk *breaker, logger *slog.Logger) error {
	tr.enter(domain.PhaseEnrich)
	live := unsettled(items)

	done := map[domain.Fingerprint]map[domain.CapabilityKind]bool{}
	if !force && p.repository != nil && len(live) > 0 {
		fps := make([]domain.Fingerprint, len(live))
		for i, it := range live {
			fps[i] = it.fp
		}
		got, err := p.repository.SuccessfulCapabilities(ctx, fps)
		if err != nil {
			logger.Warn("loading enrichment state failed, enriching every capability", "error", err)
		} else {
			done = got
		}
	}

	var jobs []enrichJob
	for _, it := range live {
		kinds := pendingCapabilities(p.opts.Capabilities, done[it.fp])
		// Zero-priced listings always get an anomaly review.
		if it.fields.ZeroPrice && !done[it.fp][domain.Anomaly] && !slices.Contains(kinds, domain.Anomaly) {
			kinds = append(kinds, domain.Anomaly)
		}
		if len(kinds) == 0 {
			tr.count(domain.PhaseEnrich, func(c *domain.PhaseCounters) { c.Skipped++ })
			if it.stored {
				p.settle(tr, it, domain.OutcomeEnriched)
			}
			continue
		}
		jobs = append(jobs, enrichJob{it: it, kinds: kinds})
	}

	results := worker.Map(ctx, jobs, func(ctx context.Context, job enrichJob) (struct{}, error) {
		job.it.results = p.enricher.Enrich(ctx, job.it.product, job.kinds)
		for _, res := range job.it.results {
			if res.Status == domain.EnrichmentFailed {
				job.it.enrichFailed = true
			}
		}
		if job.it.stored {
			p.storeEnrichment(ctx, tr, job.it, brk, logger)
		}
		return struct{}{}, nil
	}, worker.Options{Workers: p.opts.Workers})

	for i, res := range results {
		it := jobs[i].it
		if !res.Dispatched {
			tr.cancel()
			tr.count(domain.PhaseEnrich, func(c *domain.PhaseCounters) { c.Skipped++ })
			p.settle(tr, it, domain.OutcomeCanceled)
			continue
		}
		if res.Err != nil {
			it.enrichFailed = true
			if !it.settled && it.stored {
				p.settle(tr, it, domain.OutcomeFailedEnrich)
			}
		}
		tr.count(domain.PhaseEnrich, func(c *domain.PhaseCounters) {
			c.Attempted++
			if it.enrichFailed {
				c.Failed++
			} else {
				c.Succeeded++
			}
		})
	}
	logger.Info("enrich phase finished", "items", len(live), "enriched", len(jobs))

	if brk.Open() {
		return fmt.Errorf("%w after %d consecutive failures", ErrCircuitOpen, p.opts.BreakerThreshold)
	}
	return nil
}

func pendingCapabilities(requested []domain.CapabilityKind, done map[domain.CapabilityKind]bool) []domain.CapabilityKind {
	var out []domain.CapabilityKind
	for _, kind := range requested {
		if !done[kind] {
			out = append(out, kind)
		}
	}
	return out
}

// storeEnrichment writes enrichment for a product that already exists.
func (p *Pipeline) storeEnrichment(ctx context.Context, tr *runTracker, it *item, brk *breaker, logger *slog.Logger) {
	wctx := context.WithoutCancel(ctx)
	unlock := p.locks.Lock(it.fp)
	defer unlock()

	if update := domain.UpdateFromResults(it.results); !update.Empty() {
		if brk.Open() {
			p.settle(tr, it, domain.OutcomeFailedPersist)
			return
		}
		_, err := p.repository.ApplyEnrichment(wctx, it.fp, update)
		if brk.Record(err) {
			logger.Error("persistence circuit opened", "threshold", p.opts.BreakerThreshold)
		}
		if err != nil {
			logger.Warn("apply enrichment failed", "fingerprint", it.fp, "error", err)
			p.settle(tr, it, domain.OutcomeFailedPersist)
			return
		}
	}
	p.recordAudit(wctx, tr, it, logger)
	if it.enrichFailed {
		p.settle(tr, it, domain.OutcomeFailedEnrich)
		return
	}
	p.settle(tr, it, domain.OutcomeEnriched)
}

func (p *Pipeline) persist(ctx context.Context, tr *runTracker, items []*item, brk *breaker, logger *slog.Logger) error {
	tr.enter(domain.PhasePersist)

	var live []*item
	for _, it := range unsettled(items) {
		if !it.stored {
			live = append(live, it)
		}
	}
	if len(live) == 0 {
		return nil
	}

	if pinger, ok := p.repository.(ports.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			tr.count(domain.PhasePersist, func(c *domain.PhaseCounters) { c.Skipped += len(live) })
			logger.Error("storage health check failed", "error", err)
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	dispatchCtx, stop := context.WithCancel(ctx)
	defer stop()

	results := worker.Map(dispatchCtx, live, func(_ context.Context, it *item) (struct{}, error) {
		if brk.Open() {
			return struct{}{}, ErrCircuitOpen
		}
		return struct{}{}, p.persistItem(ctx, tr, it, brk, stop, logger)
	}, worker.Options{Workers: p.opts.Workers})

	for i, res := range results {
		it := live[i]
		switch {
		case !res.Dispatched && brk.Open(), errors.Is(res.Err, ErrCircuitOpen):
			tr.count(domain.PhasePersist, func(c *domain.PhaseCounters) { c.Skipped++ })
			p.settle(tr, it, domain.OutcomeFailedPersist)
		case !res.Dispatched:
			tr.cancel()
			tr.count(domain.PhasePersist, func(c *domain.PhaseCounters) { c.Skipped++ })
			p.settle(tr, it, domain.OutcomeCanceled)
		case res.Err != nil:
			tr.count(domain.PhasePersist, func(c *domain.PhaseCounters) { c.Attempted++; c.Failed++ })
			p.settle(tr, it, domain.OutcomeFailedPersist)
		default:
			tr.count(domain.PhasePersist, func(c *domain.PhaseCounters) { c.Attempted++; c.Succeeded++ })
			if it.enrichFailed {
				p.settle(tr, it, domain.OutcomeFailedEnrich)
			} else {
				p.settle(tr, it, domain.OutcomePersisted)
			}
		}
	}
	logger.Info("persist phase finished", "items", len(live))

	if brk.Open() {
		return fmt.Errorf("%w after %d consecutive failures", ErrCircuitOpen, p.opts.BreakerThreshold)
	}
	return nil
}

// persistItem upserts the product and appends to its price ledger. Issued
// writes are detached from run cancellation so an item is never left half
// written by a cancel.
func (p *Pipeline) persistItem(ctx context.Context, tr *runTracker, it *item, brk *breaker, trip func(), logger *slog.Logger) error {
	wctx := context.WithoutCancel(ctx)
	unlock := p.locks.Lock(it.fp)
	defer unlock()

	_, _, err := p.repository.UpsertCanonical(wctx, it.fields, domain.UpdateFromResults(it.results))
	if err == nil {
		_, err = p.repository.AppendPriceHistoryIfChanged(wctx, it.fp, it.fields.Price, it.fields.Currency, it.fields.ObservedAt)
	}
	if brk.Record(err) {
		trip()
		logger.Error("persistence circuit opened", "threshold", p.opts.BreakerThreshold)
	}
	if err != nil {
		logger.Warn("persist item failed", "fingerprint", it.fp, "error", err)
		return err
	}
	p.recordAudit(wctx, tr, it, logger)
	return nil
}

// recordAudit writes enrichment results best-effort.
func (p *Pipeline) recordAudit(ctx context.Context, tr *runTracker, it *item, logger *slog.Logger) {
	if p.repository == nil {
		return
	}
	for _, kind := range domain.AllCapabilities {
		res, ok := it.results[kind]
		if !ok {
			continue
		}
		if err := p.repository.RecordEnrichment(ctx, res); err != nil {
			tr.auditFailure()
			logger.Debug("record enrichment failed", "fingerprint", it.fp, "capability", kind, "error", err)
		}
	}
}

// abandon settles every open item as canceled, keeping the audit trail of
// enrichment calls that already completed.
func (p *Pipeline) abandon(ctx context.Context, tr *runTracker, items []*item, logger *slog.Logger) {
	for _, it := range unsettled(items) {
		if len(it.results) > 0 {
			p.recordAudit(context.WithoutCancel(ctx), tr, it, logger)
		}
		p.settle(tr, it, domain.OutcomeCanceled)
	}
}

func (p *Pipeline) settle(tr *runTracker, it *item, kind domain.OutcomeKind) {
	if it.settled {
		return
	}
	it.settled = true
	tr.outcome(kind)
}

func (p *Pipeline) settleAll(tr *runTracker, items []*item, kind domain.OutcomeKind) {
	for _, it := range items {
		p.settle(tr, it, kind)
	}
}

func unsettled(items []*item) []*item {
	var out []*item
	for _, it := range items {
		if !it.settled {
			out = append(out, it)
		}
	}
	return out
}

func (p *Pipeline) report(ctx context.Context, run domain.PipelineRun, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ReportTimeout)
	defer cancel()

	if p.repository != nil {
		if err := p.repository.RecordRun(rctx, run); err != nil {
			logger.Warn("record run failed", "error", err)
		}
	}
	if p.notifier != nil {
		if err := p.notifier.PublishRunReport(rctx, run); err != nil {
			logger.Warn("publish run report failed", "error", err)
		}
	}
}

func (p *Pipeline) track(id string, tr *runTracker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runs[id] = tr
	p.order = append(p.order, id)
	for len(p.order) > p.opts.HistoryLimit {
		delete(p.runs, p.order[0])
		p.order = p.order[1:]
	}
}

// Snapshot returns a point-in-time copy of a run, in flight or finished.
func (p *Pipeline) Snapshot(runID string) (domain.PipelineRun, error) {
	p.mu.Lock()
	tr, ok := p.runs[runID]
	p.mu.Unlock()
	if !ok {
		return domain.PipelineRun{}, ErrRunNotFound
	}
	return tr.snapshot(), nil
}

// Runs returns snapshots of retained runs, oldest first.
func (p *Pipeline) Runs() []domain.PipelineRun {
	p.mu.Lock()
	trackers := make([]*runTracker, 0, len(p.order))
	for _, id := range p.order {
		trackers = append(trackers, p.runs[id])
	}
	p.mu.Unlock()

	out := make([]domain.PipelineRun, len(trackers))
	for i, tr := range trackers {
		out[i] = tr.snapshot()
	}
	return out
}

func normalizePhases(requested []domain.Phase) []domain.Phase {
	if len(requested) == 0 {
		return append([]domain.Phase(nil), domain.AllPhases...)
	}
	want := map[domain.Phase]bool{}
	for _, phase := range requested {
		want[phase] = true
	}
	var out []domain.Phase
	for _, phase := range domain.AllPhases {
		if want[phase] {
			out = append(out, phase)
		}
	}
	return out
}
