package ports

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"CatalogPipeline/internal/domain"
)

// Limiter paces requests against one upstream. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Source pulls raw records for one job. The sequence is lazy and finite;
// a non-nil error ends it for that job.
type Source interface {
	Collect(ctx context.Context, job domain.SourceJob, limiter Limiter) iter.Seq2[domain.RawRecord, error]
}

// Capability is one external AI call (categorize, describe, anomaly).
// Errors should be *enrichment.CapabilityError so retries can be decided.
type Capability interface {
	Kind() domain.CapabilityKind
	Invoke(ctx context.Context, product domain.CanonicalProduct) (domain.Payload, error)
}

// UpsertResult reports what an upsert changed.
type UpsertResult struct {
	IsNew        bool
	PriceChanged bool
}

// Repository is the persistence adapter for products, the price ledger and
// audit records. Implementations must be safe for concurrent use.
type Repository interface {
	// UpsertCanonical creates or updates a product. Nil enrichment fields
	// keep stored values; CreatedAt is never changed after creation.
	UpsertCanonical(ctx context.Context, fields domain.CanonicalFields, update domain.EnrichmentUpdate) (domain.CanonicalProduct, UpsertResult, error)
	// AppendPriceHistoryIfChanged appends when the ledger is empty or its last
	// entry differs. observedAt is moved forward if needed to keep the ledger
	// strictly increasing.
	AppendPriceHistoryIfChanged(ctx context.Context, fp domain.Fingerprint, price float64, currency string, observedAt time.Time) (bool, error)
	RecordEnrichment(ctx context.Context, result domain.EnrichmentResult) error
	// ApplyEnrichment merges enrichment into an existing product and
	// returns ErrNotFound when it does not exist.
	ApplyEnrichment(ctx context.Context, fp domain.Fingerprint, update domain.EnrichmentUpdate) (domain.CanonicalProduct, error)
	// ProductsNeedingEnrichment lists stored products lacking a usable result
	// for any of caps, or every product when force is set. limit <= 0 means no limit.
	ProductsNeedingEnrichment(ctx context.Context, caps []domain.CapabilityKind, limit int, force bool) ([]domain.CanonicalProduct, error)
	SuccessfulCapabilities(ctx context.Context, fps []domain.Fingerprint) (map[domain.Fingerprint]map[domain.CapabilityKind]bool, error)
	GetProduct(ctx context.Context, fp domain.Fingerprint) (domain.CanonicalProduct, error)
	PriceHistory(ctx context.Context, fp domain.Fingerprint) ([]domain.PriceHistoryEntry, error)
	RecordRun(ctx context.Context, run domain.PipelineRun) error
	// Stats aggregates catalog coverage, the audit log and run history.
	Stats(ctx context.Context) (domain.CatalogStats, error)
}

// Pinger is implemented by repositories that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Notifier publishes run reports to Telegram or other channels.
type Notifier interface {
	PublishRunReport(ctx context.Context, run domain.PipelineRun) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}

// ErrNotFound is returned for unknown fingerprints.
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op          string
	Fingerprint domain.Fingerprint
	Err         error
}

func (e *PersistenceError) Error() string {
	if e.Fingerprint == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Fingerprint, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
