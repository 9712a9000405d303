package usecase

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"CatalogPipeline/internal/ports"
)

// Scheduler wires the interval driver with the pipeline use case.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	request  RunRequest
	logger   *slog.Logger
	running  atomic.Bool
}

// NewScheduler returns a helper to start/stop recurring runs of request.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, request RunRequest, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, pipeline: pipeline, request: request, logger: logger}
}

// Start registers the pipeline with the provided scheduler. A tick that
// arrives while the previous run is still going is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if !s.running.CompareAndSwap(false, true) {
			s.logger.Warn("previous run still in progress, skipping tick", "trigger", trigger)
			return
		}
		defer s.running.Store(false)

		if _, err := s.pipeline.Run(ctx, s.request); err != nil {
			s.logger.Error("scheduled run failed", "trigger", trigger, "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
