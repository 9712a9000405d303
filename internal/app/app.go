package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"CatalogPipeline/internal/cleaning"
	"CatalogPipeline/internal/config"
	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/enrichment"
	"CatalogPipeline/internal/infrastructure/llm"
	"CatalogPipeline/internal/infrastructure/ml"
	"CatalogPipeline/internal/infrastructure/parser"
	"CatalogPipeline/internal/infrastructure/scheduler"
	"CatalogPipeline/internal/infrastructure/storage"
	"CatalogPipeline/internal/infrastructure/telegram"
	"CatalogPipeline/internal/ports"
	"CatalogPipeline/internal/scanner"
	"CatalogPipeline/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg        config.Config
	logger     *slog.Logger
	repository ports.Repository
	pipeline   *usecase.Pipeline
	closers    []func()
}

// New builds the runnable application: storage, sources, enrichment and
// notifications, all chosen by configuration.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}
	a.repository = repo

	registry := scanner.NewRegistry()
	httpClient := &http.Client{Timeout: cfg.Collection.RequestTimeout}
	registry.Register(parser.NewCatalogScanner(httpClient, cfg.Collection.UserAgent))
	source := parser.NewStrategySource(registry, baseLogger.With("component", "source"))

	enricher, err := a.buildEnricher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	kinds, err := cfg.CapabilityKinds()
	if err != nil {
		a.Close()
		return nil, err
	}

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.Enabled() {
		notifier = telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
	}

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Source:     source,
		Repository: repo,
		Enricher:   enricher,
		Validator:  cleaning.NewValidator(cfg.Collection.DefaultCurrency, cfg.CurrencyHints()),
		Notifier:   notifier,
		Jobs:       cfg.Jobs(),
		Logger:     baseLogger.With("component", "pipeline"),
		Options: usecase.PipelineOptions{
			CollectConcurrency: cfg.Collection.Concurrency,
			Workers:            cfg.Pipeline.Workers,
			Capabilities:       kinds,
			BreakerThreshold:   cfg.Pipeline.BreakerThreshold,
		},
	})
	return a, nil
}

func (a *Application) openRepository(ctx context.Context) (ports.Repository, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := storage.OpenPool(ctx, a.cfg.Storage.DSN, a.cfg.Storage.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := storage.EnsureSchema(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return storage.NewPostgresRepository(pool), nil
	default:
		a.logger.Warn("using in-memory storage; data is lost on exit")
		return storage.NewMemoryRepository(), nil
	}
}

func (a *Application) buildEnricher(ctx context.Context) (*enrichment.Coordinator, error) {
	ec := a.cfg.Enrichment

	var caps []ports.Capability
	switch ec.Provider {
	case config.ProviderGemini:
		gen, err := llm.NewGeminiGenerator(ctx, llm.GeminiConfig{
			APIKey:      ec.GeminiAPIKey,
			Model:       ec.Model,
			BaseURL:     ec.BaseURL,
			Temperature: float32(ec.Temperature),
		})
		if err != nil {
			return nil, err
		}
		caps = llm.NewCapabilities(gen)
	case config.ProviderOpenRouter:
		gen, err := llm.NewLangChainGenerator(llm.LangChainConfig{
			APIKey:      ec.OpenRouterAPIKey,
			Model:       ec.Model,
			BaseURL:     ec.BaseURL,
			Temperature: ec.Temperature,
		})
		if err != nil {
			return nil, err
		}
		caps = llm.NewCapabilities(gen)
	case config.ProviderML:
		if strings.TrimSpace(ec.BaseURL) == "" {
			return nil, errors.New("ml provider needs enrichment.baseUrl")
		}
		caps = ml.NewClient(ec.BaseURL, ec.MLAPIKey, ec.Model, ec.RequestTimeout).Capabilities()
	case config.ProviderFallback:
		if !ec.FallbackEnabled() {
			return nil, errors.New("fallback provider requires enrichment.fallback to be enabled")
		}
	}

	var fallback enrichment.FallbackStrategy
	if ec.FallbackEnabled() {
		fallback = enrichment.KeywordFallback{}
	}

	policy := enrichment.DefaultRetryPolicy()
	policy.MaxAttempts = ec.Retry.MaxAttempts
	policy.BaseDelay = ec.Retry.BaseDelay
	policy.MaxDelay = ec.Retry.MaxDelay

	return enrichment.NewCoordinator(caps, enrichment.Options{
		Policy:        policy,
		Fallback:      fallback,
		MaxInFlight:   ec.MaxInFlight,
		RatePerSecond: float64(ec.RequestsPerMinute) / 60,
		CallTimeout:   ec.RequestTimeout,
		Logger:        a.logger,
	}), nil
}

// DefaultRequest builds a run request from configured phases.
func (a *Application) DefaultRequest() (usecase.RunRequest, error) {
	if len(a.cfg.Pipeline.Phases) == 0 {
		return usecase.RunRequest{}, nil
	}
	phases, err := domain.ParsePhases(strings.Join(a.cfg.Pipeline.Phases, ","))
	if err != nil {
		return usecase.RunRequest{}, err
	}
	return usecase.RunRequest{Phases: phases}, nil
}

// Run performs a single pipeline execution.
func (a *Application) Run(ctx context.Context, req usecase.RunRequest) (domain.PipelineRun, error) {
	return a.pipeline.Run(ctx, req)
}

// Schedule runs the pipeline on the configured interval until ctx ends.
func (a *Application) Schedule(ctx context.Context, req usecase.RunRequest) error {
	driver := scheduler.NewIntervalScheduler(a.cfg.Scheduler.Interval, a.cfg.Scheduler.RunOnStart)
	sched := usecase.NewScheduler(driver, a.pipeline, req, a.logger.With("component", "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", "interval", a.cfg.Scheduler.Interval)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Collection.RequestTimeout)
	defer cancel()
	return sched.Stop(stopCtx)
}

// History returns a stored product and its price ledger.
func (a *Application) History(ctx context.Context, fp domain.Fingerprint) (domain.CanonicalProduct, []domain.PriceHistoryEntry, error) {
	product, err := a.repository.GetProduct(ctx, fp)
	if err != nil {
		return domain.CanonicalProduct{}, nil, err
	}
	history, err := a.repository.PriceHistory(ctx, fp)
	if err != nil {
		return domain.CanonicalProduct{}, nil, err
	}
	return product, history, nil
}

// Stats summarizes the stored catalog.
func (a *Application) Stats(ctx context.Context) (domain.CatalogStats, error) {
	return a.repository.Stats(ctx)
}

// Runs returns the runs executed by this process.
func (a *Application) Runs() []domain.PipelineRun {
	return a.pipeline.Runs()
}

// Close releases storage connections.
func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
