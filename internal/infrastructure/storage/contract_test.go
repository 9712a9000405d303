package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/ports"
)

// runRepositoryContract exercises behavior every ports.Repository must share.
// newRepo must return an empty repository; fingerprints are prefixed per test
// so a shared database can be reused.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) ports.Repository) {
	t0 := time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC)

	fields := func(fp domain.Fingerprint, price float64, at time.Time) domain.CanonicalFields {
		return domain.CanonicalFields{
			Fingerprint:  fp,
			Title:        "Widget",
			Price:        price,
			Currency:     "USD",
			Availability: domain.InStock,
			Source:       "siteA",
			SourceURL:    "siteA/w1",
			ObservedAt:   at,
		}
	}
	fpFor := func(t *testing.T) domain.Fingerprint {
		return domain.Fingerprint(fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano()))
	}

	t.Run("upsert is idempotent", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		first, res, err := repo.UpsertCanonical(ctx, fields(fp, 19.99, t0), domain.EnrichmentUpdate{})
		require.NoError(t, err)
		assert.True(t, res.IsNew)

		second, res, err := repo.UpsertCanonical(ctx, fields(fp, 19.99, t0), domain.EnrichmentUpdate{})
		require.NoError(t, err)
		assert.False(t, res.IsNew)
		assert.False(t, res.PriceChanged)
		assert.Equal(t, first.Title, second.Title)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
		assert.True(t, first.LastSeenAt.Equal(second.LastSeenAt))
	})

	t.Run("price change scenario", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		_, _, err := repo.UpsertCanonical(ctx, fields(fp, 19.99, t0), domain.EnrichmentUpdate{})
		require.NoError(t, err)
		appended, err := repo.AppendPriceHistoryIfChanged(ctx, fp, 19.99, "USD", t0)
		require.NoError(t, err)
		assert.True(t, appended)

		appended, err = repo.AppendPriceHistoryIfChanged(ctx, fp, 19.99, "USD", t0.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, appended, "unchanged price must not append")

		later := t0.Add(24 * time.Hour)
		product, res, err := repo.UpsertCanonical(ctx, fields(fp, 24.99, later), domain.EnrichmentUpdate{})
		require.NoError(t, err)
		assert.True(t, res.PriceChanged)
		assert.Equal(t, 24.99, product.Price)
		assert.True(t, product.CreatedAt.Equal(t0))

		appended, err = repo.AppendPriceHistoryIfChanged(ctx, fp, 24.99, "USD", later)
		require.NoError(t, err)
		assert.True(t, appended)

		history, err := repo.PriceHistory(ctx, fp)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 19.99, history[0].Price)
		assert.Equal(t, 24.99, history[1].Price)
	})

	t.Run("ledger stays strictly increasing", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		prices := []float64{10, 11, 10, 12}
		for _, p := range prices {
			// Same and even earlier timestamps must still produce a monotonic ledger.
			_, err := repo.AppendPriceHistoryIfChanged(ctx, fp, p, "USD", t0)
			require.NoError(t, err)
		}
		history, err := repo.PriceHistory(ctx, fp)
		require.NoError(t, err)
		require.Len(t, history, len(prices))
		for i := 1; i < len(history); i++ {
			assert.True(t, history[i].ObservedAt.After(history[i-1].ObservedAt), "entry %d not after %d", i, i-1)
		}
	})

	t.Run("enrichment merge keeps prior values", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		category := "Tools & Hardware"
		score := 8
		_, _, err := repo.UpsertCanonical(ctx, fields(fp, 0.5, t0), domain.EnrichmentUpdate{Category: &category, AnomalyScore: &score})
		require.NoError(t, err)

		desc := "A sturdy widget."
		product, err := repo.ApplyEnrichment(ctx, fp, domain.EnrichmentUpdate{EnhancedDescription: &desc, Tags: []string{"widget"}})
		require.NoError(t, err)
		require.NotNil(t, product.Category)
		assert.Equal(t, category, *product.Category)
		require.NotNil(t, product.EnhancedDescription)
		assert.Equal(t, desc, *product.EnhancedDescription)
		assert.True(t, product.Flagged)

		product, _, err = repo.UpsertCanonical(ctx, fields(fp, 0.5, t0.Add(time.Hour)), domain.EnrichmentUpdate{})
		require.NoError(t, err)
		require.NotNil(t, product.Category, "nil enrichment must not clear stored values")
		assert.Equal(t, []string{"widget"}, product.Tags)

		stored, err := repo.GetProduct(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, product.Title, stored.Title)
		require.NotNil(t, stored.AnomalyScore)
		assert.Equal(t, 8, *stored.AnomalyScore)
	})

	t.Run("absent optional fields keep stored values", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		full := fields(fp, 19.99, t0)
		full.Description = "A desert planet epic."
		full.ImageURL = "https://siteA.example/w1.jpg"
		_, _, err := repo.UpsertCanonical(ctx, full, domain.EnrichmentUpdate{})
		require.NoError(t, err)

		product, _, err := repo.UpsertCanonical(ctx, fields(fp, 19.99, t0.Add(time.Hour)), domain.EnrichmentUpdate{})
		require.NoError(t, err)
		assert.Equal(t, "A desert planet epic.", product.Description)
		assert.Equal(t, "https://siteA.example/w1.jpg", product.ImageURL)
		assert.True(t, product.LastSeenAt.Equal(t0.Add(time.Hour)))

		stored, err := repo.GetProduct(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, "A desert planet epic.", stored.Description)
		assert.Equal(t, "https://siteA.example/w1.jpg", stored.ImageURL)
	})

	t.Run("zero price is flagged for review", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		free := fields(fp, 0, t0)
		free.ZeroPrice = true
		product, _, err := repo.UpsertCanonical(ctx, free, domain.EnrichmentUpdate{})
		require.NoError(t, err)
		assert.True(t, product.Flagged)

		low := 2
		product, _, err = repo.UpsertCanonical(ctx, fields(fp, 4.5, t0.Add(time.Hour)), domain.EnrichmentUpdate{AnomalyScore: &low})
		require.NoError(t, err)
		assert.False(t, product.Flagged, "a repriced listing with a low score is not flagged")

		stored, err := repo.GetProduct(ctx, fp)
		require.NoError(t, err)
		assert.False(t, stored.Flagged)
	})

	t.Run("unknown fingerprint", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		_, err := repo.GetProduct(ctx, "missing")
		assert.True(t, errors.Is(err, ports.ErrNotFound))
		var perr *ports.PersistenceError
		assert.True(t, errors.As(err, &perr))

		_, err = repo.ApplyEnrichment(ctx, "missing", domain.EnrichmentUpdate{})
		assert.True(t, errors.Is(err, ports.ErrNotFound))
	})

	t.Run("successful capabilities and resume", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		_, _, err := repo.UpsertCanonical(ctx, fields(fp, 5, t0), domain.EnrichmentUpdate{})
		require.NoError(t, err)
		require.NoError(t, repo.RecordEnrichment(ctx, domain.EnrichmentResult{
			Fingerprint: fp, Capability: domain.Categorize, Status: domain.EnrichmentOK,
			Payload: domain.Payload{Category: "Other"}, Attempts: 1, AttemptedAt: t0,
		}))
		require.NoError(t, repo.RecordEnrichment(ctx, domain.EnrichmentResult{
			Fingerprint: fp, Capability: domain.Describe, Status: domain.EnrichmentFailed,
			Error: "timeout", Attempts: 3, AttemptedAt: t0,
		}))

		done, err := repo.SuccessfulCapabilities(ctx, []domain.Fingerprint{fp})
		require.NoError(t, err)
		assert.True(t, done[fp][domain.Categorize])
		assert.False(t, done[fp][domain.Describe])

		pending, err := repo.ProductsNeedingEnrichment(ctx, domain.AllCapabilities, 0, false)
		require.NoError(t, err)
		assert.True(t, containsFingerprint(pending, fp))

		pending, err = repo.ProductsNeedingEnrichment(ctx, []domain.CapabilityKind{domain.Categorize}, 0, false)
		require.NoError(t, err)
		assert.False(t, containsFingerprint(pending, fp))

		pending, err = repo.ProductsNeedingEnrichment(ctx, []domain.CapabilityKind{domain.Categorize}, 0, true)
		require.NoError(t, err)
		assert.True(t, containsFingerprint(pending, fp))
	})

	t.Run("concurrent appends for one fingerprint", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.AppendPriceHistoryIfChanged(ctx, fp, float64(i%2+1), "USD", t0)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		history, err := repo.PriceHistory(ctx, fp)
		require.NoError(t, err)
		for i := 1; i < len(history); i++ {
			assert.True(t, history[i].ObservedAt.After(history[i-1].ObservedAt))
			assert.NotEqual(t, history[i].Price, history[i-1].Price, "consecutive entries must differ")
		}
	})

	t.Run("stats count stored rows", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		fp := fpFor(t)
		category := fmt.Sprintf("Stats %d", time.Now().UnixNano())

		before, err := repo.Stats(ctx)
		require.NoError(t, err)

		free := fields(fp, 0, t0)
		free.ZeroPrice = true
		_, _, err = repo.UpsertCanonical(ctx, free, domain.EnrichmentUpdate{Category: &category})
		require.NoError(t, err)
		_, err = repo.AppendPriceHistoryIfChanged(ctx, fp, 0, "USD", t0)
		require.NoError(t, err)
		require.NoError(t, repo.RecordEnrichment(ctx, domain.EnrichmentResult{
			Fingerprint: fp, Capability: domain.Categorize, Status: domain.EnrichmentOK,
			Payload: domain.Payload{Category: category}, Attempts: 1, AttemptedAt: t0,
		}))
		require.NoError(t, repo.RecordEnrichment(ctx, domain.EnrichmentResult{
			Fingerprint: fp, Capability: domain.Describe, Status: domain.EnrichmentFailed,
			Error: "timeout", Attempts: 3, AttemptedAt: t0,
		}))
		runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
		require.NoError(t, repo.RecordRun(ctx, domain.PipelineRun{
			ID: runID, StartedAt: time.Now().Add(time.Hour), Phases: domain.AllPhases, State: domain.RunPartial,
		}))

		after, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.Products+1, after.Products)
		assert.Equal(t, before.Categorized+1, after.Categorized)
		assert.Equal(t, before.Described, after.Described)
		assert.Equal(t, before.Flagged+1, after.Flagged)
		assert.Equal(t, before.PriceEntries+1, after.PriceEntries)
		assert.Equal(t, 1, after.Categories[category])
		assert.Equal(t, before.Enrichments[domain.Categorize][domain.EnrichmentOK]+1, after.Enrichments[domain.Categorize][domain.EnrichmentOK])
		assert.Equal(t, before.Enrichments[domain.Describe][domain.EnrichmentFailed]+1, after.Enrichments[domain.Describe][domain.EnrichmentFailed])
		assert.Equal(t, before.Runs+1, after.Runs)
		assert.Equal(t, runID, after.LastRunID)
		assert.Equal(t, domain.RunPartial, after.LastRunState)
	})

	t.Run("record run", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		run := domain.PipelineRun{
			ID:        fmt.Sprintf("run-%d", time.Now().UnixNano()),
			StartedAt: t0,
			Phases:    domain.AllPhases,
			State:     domain.RunPending,
			Counters:  map[domain.Phase]domain.PhaseCounters{},
		}
		require.NoError(t, repo.RecordRun(ctx, run))
		run.State = domain.RunSucceeded
		run.EndedAt = t0.Add(time.Minute)
		require.NoError(t, repo.RecordRun(ctx, run))
	})
}

func containsFingerprint(products []domain.CanonicalProduct, fp domain.Fingerprint) bool {
	for _, p := range products {
		if p.Fingerprint == fp {
			return true
		}
	}
	return false
}
