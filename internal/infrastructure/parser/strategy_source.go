package parser

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/ports"
	"CatalogPipeline/internal/scanner"
)

// StrategySource implements ports.Source via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	logger   *slog.Logger
}

var _ ports.Source = (*StrategySource)(nil)

// NewStrategySource wires the scanner registry into the collection port.
func NewStrategySource(reg *scanner.Registry, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		logger:   log,
	}
}

// Collect resolves the job's scanner and streams its records. Records
// without a source name are attributed to the job.
func (s *StrategySource) Collect(ctx context.Context, job domain.SourceJob, limiter ports.Limiter) iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		if s.registry == nil {
			yield(domain.RawRecord{}, fmt.Errorf("scanner registry is not configured"))
			return
		}
		strategy, err := s.registry.Resolve(job.Scanner)
		if err != nil {
			yield(domain.RawRecord{}, fmt.Errorf("job %s: %w", job.ID, err))
			return
		}

		s.debug("collect job", "job", job.ID, "scanner", job.Scanner, "pages", len(job.Pages))
		count := 0
		for rec, err := range strategy.Scan(ctx, scanner.Request{Job: job, Limiter: limiter}) {
			if err != nil {
				yield(domain.RawRecord{}, fmt.Errorf("scan job %s: %w", job.ID, err))
				return
			}
			if rec.Source == "" {
				rec.Source = job.Name
			}
			count++
			if !yield(rec, nil) {
				return
			}
		}
		s.debug("job produced records", "job", job.ID, "count", count)
	}
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
