// Package enrichment invokes the AI capabilities for a product with bounded
// concurrency, retries transient failures and degrades to a fallback when a
// capability stays unavailable.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/ports"
)

// Options configures a Coordinator.
type Options struct {
	Policy RetryPolicy
	// Fallback is consulted after the last failed attempt. Nil disables it.
	Fallback FallbackStrategy
	// MaxInFlight bounds concurrent capability calls across all items.
	MaxInFlight int
	// RatePerSecond additionally paces calls. Zero disables pacing.
	RatePerSecond float64
	// CallTimeout bounds a single attempt.
	CallTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Coordinator fans a product out to its capabilities.
type Coordinator struct {
	caps     map[domain.CapabilityKind]ports.Capability
	policy   RetryPolicy
	fallback FallbackStrategy
	sem      chan struct{}
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator registers capabilities by kind; a later capability of the
// same kind replaces an earlier one.
func NewCoordinator(capabilities []ports.Capability, opts Options) *Coordinator {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		caps:     make(map[domain.CapabilityKind]ports.Capability, len(capabilities)),
		policy:   opts.Policy.withDefaults(),
		fallback: opts.Fallback,
		sem:      make(chan struct{}, opts.MaxInFlight),
		timeout:  opts.CallTimeout,
		logger:   opts.Logger.With("component", "enrichment"),
		now:      opts.Now,
	}
	if opts.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	for _, capability := range capabilities {
		if capability != nil {
			c.caps[capability.Kind()] = capability
		}
	}
	return c
}

// Enrich runs each requested capability and always returns one result per
// distinct kind. It never panics on behalf of a capability. Capabilities run
// concurrently, except that ANOMALY waits for CATEGORIZE when both are
// requested so the anomaly check sees the fresh category.
func (c *Coordinator) Enrich(ctx context.Context, product domain.CanonicalProduct, kinds []domain.CapabilityKind) map[domain.CapabilityKind]domain.EnrichmentResult {
	results := make(map[domain.CapabilityKind]domain.EnrichmentResult, len(kinds))

	seen := map[domain.CapabilityKind]bool{}
	for _, kind := range kinds {
		seen[kind] = true
	}
	chained := seen[domain.Categorize] && seen[domain.Anomaly]
	categorized := make(chan struct{})

	var mu sync.Mutex
	var wg sync.WaitGroup
	for kind := range seen {
		wg.Add(1)
		go func(kind domain.CapabilityKind) {
			defer wg.Done()
			if kind == domain.Categorize {
				defer close(categorized)
			}

			subject := product
			if kind == domain.Anomaly && chained {
				<-categorized
				mu.Lock()
				cat := results[domain.Categorize]
				mu.Unlock()
				subject = withCategory(product, cat)
			}

			res := c.run(ctx, subject, kind)
			mu.Lock()
			results[kind] = res
			mu.Unlock()
		}(kind)
	}
	wg.Wait()
	return results
}

// withCategory returns product with the category from a usable result.
func withCategory(product domain.CanonicalProduct, res domain.EnrichmentResult) domain.CanonicalProduct {
	if !res.Status.Usable() || res.Payload.Category == "" {
		return product
	}
	out := product.Clone()
	category := res.Payload.Category
	out.Category = &category
	return out
}

func (c *Coordinator) run(ctx context.Context, product domain.CanonicalProduct, kind domain.CapabilityKind) (res domain.EnrichmentResult) {
	start := c.now()
	res = domain.EnrichmentResult{
		Fingerprint: product.Fingerprint,
		Capability:  kind,
		AttemptedAt: start,
	}
	defer func() {
		if r := recover(); r != nil {
			res.Status = domain.EnrichmentFailed
			res.Payload = domain.Payload{}
			res.Error = fmt.Sprintf("enrichment panic: %v", r)
		}
		res.Latency = c.now().Sub(start)
	}()

	capability, ok := c.caps[kind]
	if !ok {
		return c.finish(res, product, fmt.Errorf("%s: %w", kind, ErrMissingCapability))
	}

	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.policy.Backoff(attempt - 1)
			c.logger.Debug("retrying capability",
				"capability", kind, "fingerprint", product.Fingerprint,
				"attempt", attempt+1, "wait", wait, "error", lastErr)
			if err := sleep(ctx, wait); err != nil {
				return c.canceled(res, lastErr, err)
			}
		}

		payload, issued, err := c.attempt(ctx, capability, product)
		if !issued {
			return c.canceled(res, lastErr, err)
		}
		res.Attempts++
		if err == nil {
			res.Status = domain.EnrichmentOK
			res.Payload = payload
			return res
		}
		lastErr = err
		if !c.policy.transient(err) {
			break
		}
	}
	return c.finish(res, product, lastErr)
}

// attempt acquires a slot and issues one call. issued is false when ctx
// ended before the call could start.
func (c *Coordinator) attempt(ctx context.Context, capability ports.Capability, product domain.CanonicalProduct) (payload domain.Payload, issued bool, err error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.Payload{}, false, ctx.Err()
	}
	defer func() { <-c.sem }()

	if ctx.Err() != nil {
		return domain.Payload{}, false, ctx.Err()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Payload{}, false, err
		}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("capability panic: %v", r))
		}
	}()
	issued = true
	payload, err = capability.Invoke(callCtx, product)
	return payload, issued, err
}

func (c *Coordinator) finish(res domain.EnrichmentResult, product domain.CanonicalProduct, err error) domain.EnrichmentResult {
	res.Error = err.Error()
	if c.fallback != nil {
		if payload, ok := c.fallback.Fallback(res.Capability, product); ok {
			res.Status = domain.EnrichmentSkippedFallback
			res.Payload = payload
			c.logger.Warn("capability failed, using fallback",
				"capability", res.Capability, "fingerprint", product.Fingerprint,
				"attempts", res.Attempts, "error", err)
			return res
		}
	}
	res.Status = domain.EnrichmentFailed
	c.logger.Warn("capability failed",
		"capability", res.Capability, "fingerprint", product.Fingerprint,
		"attempts", res.Attempts, "error", err)
	return res
}

func (c *Coordinator) canceled(res domain.EnrichmentResult, lastErr, ctxErr error) domain.EnrichmentResult {
	res.Status = domain.EnrichmentFailed
	err := ctxErr
	if err == nil {
		err = context.Canceled
	}
	if lastErr != nil {
		err = errors.Join(lastErr, err)
	}
	res.Error = err.Error()
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
