package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/ports"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var productColumns = []string{
	"fingerprint", "title", "price", "currency", "availability", "category",
	"description", "enhanced_description", "tags", "anomaly_score", "flagged",
	"image_url", "source", "source_url", "last_seen_at", "created_at",
}

var usableStatuses = []string{string(domain.EnrichmentOK), string(domain.EnrichmentSkippedFallback)}

// PostgresRepository persists products, the price ledger and audit rows.
// Writes for one fingerprint serialize on a transaction-scoped advisory lock.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var (
	_ ports.Repository = (*PostgresRepository)(nil)
	_ ports.Pinger     = (*PostgresRepository)(nil)
)

// NewPostgresRepository wires a pgx pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// OpenPool parses dsn and connects a pool capped at maxConns.
func OpenPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return &ports.PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

func (r *PostgresRepository) UpsertCanonical(ctx context.Context, fields domain.CanonicalFields, update domain.EnrichmentUpdate) (domain.CanonicalProduct, ports.UpsertResult, error) {
	fail := func(err error) (domain.CanonicalProduct, ports.UpsertResult, error) {
		return domain.CanonicalProduct{}, ports.UpsertResult{}, &ports.PersistenceError{Op: "upsert", Fingerprint: fields.Fingerprint, Err: err}
	}
	if fields.Fingerprint == "" {
		return fail(errEmptyFingerprint)
	}

	seenAt := fields.ObservedAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	seenAt = seenAt.UTC().Truncate(time.Microsecond)

	var (
		product domain.CanonicalProduct
		result  ports.UpsertResult
	)
	err := r.inLockedTx(ctx, fields.Fingerprint, func(tx pgx.Tx) error {
		existing, err := selectProduct(ctx, tx, fields.Fingerprint, true)
		switch {
		case errors.Is(err, ports.ErrNotFound):
			result.IsNew = true
			product = domain.CanonicalProduct{Fingerprint: fields.Fingerprint, CreatedAt: seenAt}
		case err != nil:
			return err
		default:
			product = existing
			result.PriceChanged = !domain.SamePrice(existing.Price, existing.Currency, fields.Price, fields.Currency)
		}

		mergeFields(&product, fields, seenAt)
		update.Apply(&product)

		if result.IsNew {
			return insertProduct(ctx, tx, product)
		}
		return updateProduct(ctx, tx, product)
	})
	if err != nil {
		return fail(err)
	}
	return product, result, nil
}

func (r *PostgresRepository) AppendPriceHistoryIfChanged(ctx context.Context, fp domain.Fingerprint, price float64, currency string, observedAt time.Time) (bool, error) {
	if fp == "" {
		return false, &ports.PersistenceError{Op: "append price history", Err: errEmptyFingerprint}
	}
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	observedAt = observedAt.UTC().Truncate(time.Microsecond)

	appended := false
	err := r.inLockedTx(ctx, fp, func(tx pgx.Tx) error {
		query, args, err := psql.Select("price", "currency", "observed_at").
			From("price_history").
			Where(sq.Eq{"fingerprint": string(fp)}).
			OrderBy("observed_at DESC").
			Limit(1).
			ToSql()
		if err != nil {
			return err
		}

		var tail domain.PriceHistoryEntry
		err = tx.QueryRow(ctx, query, args...).Scan(&tail.Price, &tail.Currency, &tail.ObservedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("select ledger tail: %w", err)
		default:
			if domain.SamePrice(tail.Price, tail.Currency, price, currency) {
				return nil
			}
			observedAt = nextObservation(tail.ObservedAt, observedAt)
		}

		query, args, err = psql.Insert("price_history").
			Columns("fingerprint", "price", "currency", "observed_at").
			Values(string(fp), domain.RoundPrice(price), currency, observedAt).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		appended = true
		return nil
	})
	if err != nil {
		return false, &ports.PersistenceError{Op: "append price history", Fingerprint: fp, Err: err}
	}
	return appended, nil
}

func (r *PostgresRepository) RecordEnrichment(ctx context.Context, res domain.EnrichmentResult) error {
	query, args, err := psql.Insert("enrichment_results").
		Columns("fingerprint", "capability", "status", "payload", "error", "attempts", "attempted_at", "latency_ms").
		Values(string(res.Fingerprint), string(res.Capability), string(res.Status), res.Payload,
			res.Error, res.Attempts, res.AttemptedAt.UTC(), res.Latency.Milliseconds()).
		ToSql()
	if err == nil {
		_, err = r.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return &ports.PersistenceError{Op: "record enrichment", Fingerprint: res.Fingerprint, Err: err}
	}
	return nil
}

func (r *PostgresRepository) ApplyEnrichment(ctx context.Context, fp domain.Fingerprint, update domain.EnrichmentUpdate) (domain.CanonicalProduct, error) {
	var product domain.CanonicalProduct
	err := r.inLockedTx(ctx, fp, func(tx pgx.Tx) error {
		existing, err := selectProduct(ctx, tx, fp, true)
		if err != nil {
			return err
		}
		update.Apply(&existing)
		product = existing
		return updateProduct(ctx, tx, product)
	})
	if err != nil {
		return domain.CanonicalProduct{}, &ports.PersistenceError{Op: "apply enrichment", Fingerprint: fp, Err: err}
	}
	return product, nil
}

func (r *PostgresRepository) ProductsNeedingEnrichment(ctx context.Context, caps []domain.CapabilityKind, limit int, force bool) ([]domain.CanonicalProduct, error) {
	builder := psql.Select(productColumns...).From("products p").OrderBy("created_at", "fingerprint")
	if !force {
		builder = builder.Where(sq.Expr(`EXISTS (
			SELECT 1 FROM unnest(?::text[]) AS c(cap)
			WHERE NOT EXISTS (
				SELECT 1 FROM enrichment_results e
				WHERE e.fingerprint = p.fingerprint AND e.capability = c.cap AND e.status = ANY(?::text[])
			))`, capabilityNames(caps), usableStatuses))
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, &ports.PersistenceError{Op: "products needing enrichment", Err: err}
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &ports.PersistenceError{Op: "products needing enrichment", Err: err}
	}
	defer rows.Close()

	var out []domain.CanonicalProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, &ports.PersistenceError{Op: "products needing enrichment", Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &ports.PersistenceError{Op: "products needing enrichment", Err: err}
	}
	return out, nil
}

func (r *PostgresRepository) SuccessfulCapabilities(ctx context.Context, fps []domain.Fingerprint) (map[domain.Fingerprint]map[domain.CapabilityKind]bool, error) {
	out := map[domain.Fingerprint]map[domain.CapabilityKind]bool{}
	if len(fps) == 0 {
		return out, nil
	}

	ids := make([]string, len(fps))
	for i, fp := range fps {
		ids[i] = string(fp)
	}
	query, args, err := psql.Select("fingerprint", "capability").Distinct().
		From("enrichment_results").
		Where(sq.Expr("fingerprint = ANY(?)", ids)).
		Where(sq.Eq{"status": usableStatuses}).
		ToSql()
	if err != nil {
		return nil, &ports.PersistenceError{Op: "successful capabilities", Err: err}
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &ports.PersistenceError{Op: "successful capabilities", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var fp, capability string
		if err := rows.Scan(&fp, &capability); err != nil {
			return nil, &ports.PersistenceError{Op: "successful capabilities", Err: err}
		}
		key := domain.Fingerprint(fp)
		if out[key] == nil {
			out[key] = map[domain.CapabilityKind]bool{}
		}
		out[key][domain.CapabilityKind(capability)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, &ports.PersistenceError{Op: "successful capabilities", Err: err}
	}
	return out, nil
}

func (r *PostgresRepository) GetProduct(ctx context.Context, fp domain.Fingerprint) (domain.CanonicalProduct, error) {
	p, err := selectProduct(ctx, r.pool, fp, false)
	if err != nil {
		return domain.CanonicalProduct{}, &ports.PersistenceError{Op: "get product", Fingerprint: fp, Err: err}
	}
	return p, nil
}

func (r *PostgresRepository) PriceHistory(ctx context.Context, fp domain.Fingerprint) ([]domain.PriceHistoryEntry, error) {
	query, args, err := psql.Select("price", "currency", "observed_at").
		From("price_history").
		Where(sq.Eq{"fingerprint": string(fp)}).
		OrderBy("observed_at").
		ToSql()
	if err != nil {
		return nil, &ports.PersistenceError{Op: "price history", Fingerprint: fp, Err: err}
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &ports.PersistenceError{Op: "price history", Fingerprint: fp, Err: err}
	}
	defer rows.Close()

	var out []domain.PriceHistoryEntry
	for rows.Next() {
		entry := domain.PriceHistoryEntry{Fingerprint: fp}
		if err := rows.Scan(&entry.Price, &entry.Currency, &entry.ObservedAt); err != nil {
			return nil, &ports.PersistenceError{Op: "price history", Fingerprint: fp, Err: err}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &ports.PersistenceError{Op: "price history", Fingerprint: fp, Err: err}
	}
	return out, nil
}

type runReport struct {
	Counters         map[domain.Phase]domain.PhaseCounters `json:"counters"`
	Outcomes         map[domain.OutcomeKind]int            `json:"outcomes"`
	Rejections       map[string]int                        `json:"rejections"`
	CollectionErrors []string                              `json:"collection_errors,omitempty"`
	AuditFailures    int                                   `json:"audit_failures"`
	RecordsCollected int                                   `json:"records_collected"`
	Canceled         bool                                  `json:"canceled"`
}

func (r *PostgresRepository) RecordRun(ctx context.Context, run domain.PipelineRun) error {
	phases := make([]string, len(run.Phases))
	for i, p := range run.Phases {
		phases[i] = string(p)
	}
	var endedAt *time.Time
	if !run.EndedAt.IsZero() {
		t := run.EndedAt.UTC()
		endedAt = &t
	}
	report := runReport{
		Counters:         run.Counters,
		Outcomes:         run.Outcomes,
		Rejections:       run.Rejections,
		CollectionErrors: run.CollectionErrors,
		AuditFailures:    run.AuditFailures,
		RecordsCollected: run.RecordsCollected,
		Canceled:         run.Canceled,
	}

	query, args, err := psql.Insert("pipeline_runs").
		Columns("id", "started_at", "ended_at", "phases", "state", "fatal_error", "report").
		Values(run.ID, run.StartedAt.UTC(), endedAt, phases, string(run.State), run.FatalError, report).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			state = EXCLUDED.state,
			fatal_error = EXCLUDED.fatal_error,
			report = EXCLUDED.report`).
		ToSql()
	if err == nil {
		_, err = r.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return &ports.PersistenceError{Op: "record run", Err: err}
	}
	return nil
}

func (r *PostgresRepository) Stats(ctx context.Context) (domain.CatalogStats, error) {
	stats := domain.NewCatalogStats()
	fail := func(err error) (domain.CatalogStats, error) {
		return domain.CatalogStats{}, &ports.PersistenceError{Op: "stats", Err: err}
	}

	query, args, err := psql.Select(
		"count(*)",
		"count(category)",
		"count(enhanced_description)",
		"count(*) FILTER (WHERE flagged)",
		"(SELECT count(*) FROM price_history)",
		"(SELECT count(*) FROM pipeline_runs)",
	).From("products").ToSql()
	if err != nil {
		return fail(err)
	}
	if err := r.pool.QueryRow(ctx, query, args...).Scan(
		&stats.Products, &stats.Categorized, &stats.Described, &stats.Flagged, &stats.PriceEntries, &stats.Runs,
	); err != nil {
		return fail(err)
	}

	query, args, err = psql.Select("category", "count(*)").
		From("products").
		Where(sq.NotEq{"category": nil}).
		GroupBy("category").
		ToSql()
	if err != nil {
		return fail(err)
	}
	if err := r.scanCounts(ctx, query, args, func(key string, n int) { stats.Categories[key] = n }); err != nil {
		return fail(err)
	}

	query, args, err = psql.Select("capability || '/' || status", "count(*)").
		From("enrichment_results").
		GroupBy("capability", "status").
		ToSql()
	if err != nil {
		return fail(err)
	}
	if err := r.scanCounts(ctx, query, args, func(key string, n int) {
		kind, status, _ := strings.Cut(key, "/")
		stats.AddEnrichment(domain.CapabilityKind(kind), domain.EnrichmentStatus(status), n)
	}); err != nil {
		return fail(err)
	}

	query, args, err = psql.Select("id", "state", "started_at").
		From("pipeline_runs").
		OrderBy("started_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return fail(err)
	}
	var state string
	err = r.pool.QueryRow(ctx, query, args...).Scan(&stats.LastRunID, &state, &stats.LastRunAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fail(err)
	default:
		stats.LastRunState = domain.RunState(state)
	}
	return stats, nil
}

// scanCounts runs a two column key/count query.
func (r *PostgresRepository) scanCounts(ctx context.Context, query string, args []any, add func(key string, n int)) error {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}

// inLockedTx runs fn in a transaction holding the advisory lock for fp.
func (r *PostgresRepository) inLockedTx(ctx context.Context, fp domain.Fingerprint, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(fp)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func selectProduct(ctx context.Context, q querier, fp domain.Fingerprint, forUpdate bool) (domain.CanonicalProduct, error) {
	builder := psql.Select(productColumns...).From("products").Where(sq.Eq{"fingerprint": string(fp)})
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return domain.CanonicalProduct{}, err
	}
	p, err := scanProduct(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CanonicalProduct{}, ports.ErrNotFound
	}
	return p, err
}

func scanProduct(row pgx.Row) (domain.CanonicalProduct, error) {
	var (
		p            domain.CanonicalProduct
		fingerprint  string
		availability string
	)
	err := row.Scan(
		&fingerprint, &p.Title, &p.Price, &p.Currency, &availability, &p.Category,
		&p.Description, &p.EnhancedDescription, &p.Tags, &p.AnomalyScore, &p.Flagged,
		&p.ImageURL, &p.Source, &p.SourceURL, &p.LastSeenAt, &p.CreatedAt,
	)
	if err != nil {
		return domain.CanonicalProduct{}, err
	}
	p.Fingerprint = domain.Fingerprint(fingerprint)
	p.Availability = domain.Availability(availability)
	return p, nil
}

func productValues(p domain.CanonicalProduct) []any {
	return []any{
		string(p.Fingerprint), p.Title, domain.RoundPrice(p.Price), p.Currency, string(p.Availability), p.Category,
		p.Description, p.EnhancedDescription, p.Tags, p.AnomalyScore, p.Flagged,
		p.ImageURL, p.Source, p.SourceURL, p.LastSeenAt.UTC(), p.CreatedAt.UTC(),
	}
}

func insertProduct(ctx context.Context, tx pgx.Tx, p domain.CanonicalProduct) error {
	query, args, err := psql.Insert("products").Columns(productColumns...).Values(productValues(p)...).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func updateProduct(ctx context.Context, tx pgx.Tx, p domain.CanonicalProduct) error {
	values := productValues(p)
	builder := psql.Update("products")
	// created_at is immutable and fingerprint is the key.
	for i, col := range productColumns[1 : len(productColumns)-1] {
		builder = builder.Set(col, values[i+1])
	}
	query, args, err := builder.Where(sq.Eq{"fingerprint": string(p.Fingerprint)}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return nil
}

func capabilityNames(caps []domain.CapabilityKind) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
