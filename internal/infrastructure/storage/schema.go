package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements are idempotent and safe to run on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		fingerprint          TEXT PRIMARY KEY,
		title                TEXT NOT NULL,
		price                NUMERIC(14,2) NOT NULL,
		currency             TEXT NOT NULL,
		availability         TEXT NOT NULL,
		category             TEXT,
		description          TEXT NOT NULL DEFAULT '',
		enhanced_description TEXT,
		tags                 TEXT[],
		anomaly_score        INTEGER,
		flagged              BOOLEAN NOT NULL DEFAULT FALSE,
		image_url            TEXT NOT NULL DEFAULT '',
		source               TEXT NOT NULL DEFAULT '',
		source_url           TEXT NOT NULL DEFAULT '',
		last_seen_at         TIMESTAMPTZ NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS products_created_at_idx ON products (created_at, fingerprint)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id          BIGSERIAL PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		price       NUMERIC(14,2) NOT NULL,
		currency    TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		UNIQUE (fingerprint, observed_at)
	)`,
	`CREATE TABLE IF NOT EXISTS enrichment_results (
		id           BIGSERIAL PRIMARY KEY,
		fingerprint  TEXT NOT NULL,
		capability   TEXT NOT NULL,
		status       TEXT NOT NULL,
		payload      JSONB NOT NULL DEFAULT '{}',
		error        TEXT NOT NULL DEFAULT '',
		attempts     INTEGER NOT NULL DEFAULT 0,
		attempted_at TIMESTAMPTZ NOT NULL,
		latency_ms   BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS enrichment_results_fp_idx ON enrichment_results (fingerprint, capability, status)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id          TEXT PRIMARY KEY,
		started_at  TIMESTAMPTZ NOT NULL,
		ended_at    TIMESTAMPTZ,
		phases      TEXT[] NOT NULL,
		state       TEXT NOT NULL,
		fatal_error TEXT NOT NULL DEFAULT '',
		report      JSONB NOT NULL DEFAULT '{}'
	)`,
}

// EnsureSchema creates the tables the repository needs if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
