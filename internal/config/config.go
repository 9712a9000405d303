package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"CatalogPipeline/internal/domain"
)

const (
	configPathEnv       = "CATALOG_PIPELINE_CONFIG"
	databaseDSNEnv      = "DATABASE_DSN"
	geminiAPIKeyEnv     = "GEMINI_API_KEY"
	openRouterAPIKeyEnv = "OPENROUTER_API_KEY"
	mlAPIKeyEnv         = "ML_API_KEY"
	telegramTokenEnv    = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv   = "TELEGRAM_CHAT_ID"
	logLevelEnv         = "LOG_LEVEL"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Enrichment providers.
const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderML         = "ml"
	ProviderFallback   = "fallback"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Storage       StorageConfig      `yaml:"storage"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Collection    CollectionConfig   `yaml:"collection"`
	Enrichment    EnrichmentConfig   `yaml:"enrichment"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	Notifications NotificationConfig `yaml:"notifications"`
	Sources       []SourceConfig     `yaml:"sources"`
}

// LoggingConfig controls the slog handlers.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File additionally receives JSON logs when set.
	File string `yaml:"file"`
}

// StorageConfig selects the repository implementation.
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"maxConns"`
}

// SchedulerConfig defines how often the pipeline runs in schedule mode.
type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"runOnStart"`
}

// CollectionConfig holds scraping defaults shared by all sources.
type CollectionConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	UserAgent       string        `yaml:"userAgent"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	DefaultDelay    time.Duration `yaml:"defaultDelay"`
	DefaultCurrency string        `yaml:"defaultCurrency"`
}

// EnrichmentConfig describes how AI capabilities are reached.
type EnrichmentConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"baseUrl"`
	GeminiAPIKey      string        `yaml:"geminiApiKey"`
	OpenRouterAPIKey  string        `yaml:"openRouterApiKey"`
	MLAPIKey          string        `yaml:"mlApiKey"`
	Temperature       float64       `yaml:"temperature"`
	Capabilities      []string      `yaml:"capabilities"`
	MaxInFlight       int           `yaml:"maxInFlight"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	Retry             RetryConfig   `yaml:"retry"`
	Fallback          *bool         `yaml:"fallback"`
}

// RetryConfig mirrors enrichment.RetryPolicy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	Workers          int      `yaml:"workers"`
	BreakerThreshold int      `yaml:"breakerThreshold"`
	Phases           []string `yaml:"phases"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// Enabled reports whether both credentials are present.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// SourceConfig describes a single source with its scanner strategy.
type SourceConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Scanner  string            `yaml:"scanner"`
	Target   string            `yaml:"target"`
	Enabled  *bool             `yaml:"enabled"`
	Pages    []string          `yaml:"pages"`
	Delay    time.Duration     `yaml:"delay"`
	Currency string            `yaml:"currency"`
	Options  map[string]string `yaml:"options"`
}

// Job converts the source into a collection job, filling collection defaults.
func (s SourceConfig) Job(defaults CollectionConfig) domain.SourceJob {
	job := domain.SourceJob{
		ID:       s.ID,
		Name:     s.Name,
		Scanner:  s.Scanner,
		Target:   domain.TargetType(strings.ToLower(s.Target)),
		Enabled:  s.Enabled == nil || *s.Enabled,
		Pages:    append([]string(nil), s.Pages...),
		MinDelay: s.Delay,
		Currency: s.Currency,
		Options:  s.Options,
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if job.Scanner == "" {
		job.Scanner = "catalog"
	}
	if job.Target == "" {
		job.Target = domain.TargetStatic
	}
	if job.MinDelay == 0 {
		job.MinDelay = defaults.DefaultDelay
	}
	return job
}

// Jobs converts all configured sources.
func (c Config) Jobs() []domain.SourceJob {
	jobs := make([]domain.SourceJob, 0, len(c.Sources))
	for _, s := range c.Sources {
		jobs = append(jobs, s.Job(c.Collection))
	}
	return jobs
}

// CurrencyHints maps source names to their configured currency.
func (c Config) CurrencyHints() map[string]string {
	hints := map[string]string{}
	for _, job := range c.Jobs() {
		if job.Currency != "" {
			hints[job.Name] = strings.ToUpper(job.Currency)
		}
	}
	return hints
}

// CapabilityKinds parses the configured capability list.
func (c Config) CapabilityKinds() ([]domain.CapabilityKind, error) {
	if len(c.Enrichment.Capabilities) == 0 {
		return append([]domain.CapabilityKind(nil), domain.AllCapabilities...), nil
	}
	var kinds []domain.CapabilityKind
	for _, name := range c.Enrichment.Capabilities {
		kind := domain.CapabilityKind(strings.ToUpper(strings.TrimSpace(name)))
		switch kind {
		case domain.Categorize, domain.Describe, domain.Anomaly:
			kinds = append(kinds, kind)
		default:
			return nil, fmt.Errorf("unknown capability %q", name)
		}
	}
	return kinds, nil
}

// FallbackEnabled reports whether keyword fallback is on; it defaults to true.
func (e EnrichmentConfig) FallbackEnabled() bool {
	return e.Fallback == nil || *e.Fallback
}

// Load reads YAML configuration from path, or from CATALOG_PIPELINE_CONFIG
// when path is empty, and applies environment overrides. A missing file is
// only an error when it was asked for explicitly.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg = mergeConfig(cfg, fileCfg)
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Storage.DSN = v
		if c.Storage.Driver == DriverMemory {
			c.Storage.Driver = DriverPostgres
		}
	}

	if v := os.Getenv(geminiAPIKeyEnv); v != "" {
		c.Enrichment.GeminiAPIKey = v
	}

	if v := os.Getenv(openRouterAPIKeyEnv); v != "" {
		c.Enrichment.OpenRouterAPIKey = v
	}

	if v := os.Getenv(mlAPIKeyEnv); v != "" {
		c.Enrichment.MLAPIKey = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations the application cannot wire.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage: postgres driver needs a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}

	switch c.Enrichment.Provider {
	case ProviderGemini, ProviderOpenRouter, ProviderML, ProviderFallback:
	default:
		errs = append(errs, fmt.Errorf("enrichment: unknown provider %q", c.Enrichment.Provider))
	}
	if _, err := c.CapabilityKinds(); err != nil {
		errs = append(errs, fmt.Errorf("enrichment: %w", err))
	}
	if len(c.Pipeline.Phases) > 0 {
		if _, err := domain.ParsePhases(strings.Join(c.Pipeline.Phases, ",")); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: %w", err))
		}
	}

	seen := map[string]bool{}
	for i, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		switch domain.TargetType(strings.ToLower(s.Target)) {
		case "", domain.TargetStatic, domain.TargetDynamic:
		default:
			errs = append(errs, fmt.Errorf("sources[%d]: unknown target %q", i, s.Target))
		}
	}

	return errors.Join(errs...)
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.File != "" {
		base.Logging.File = override.Logging.File
	}

	if override.Storage.Driver != "" {
		base.Storage.Driver = override.Storage.Driver
	}
	if override.Storage.DSN != "" {
		base.Storage.DSN = override.Storage.DSN
	}
	if override.Storage.MaxConns > 0 {
		base.Storage.MaxConns = override.Storage.MaxConns
	}

	if override.Scheduler.Interval > 0 {
		base.Scheduler.Interval = override.Scheduler.Interval
	}
	if override.Scheduler.RunOnStart {
		base.Scheduler.RunOnStart = true
	}

	if override.Collection.Concurrency > 0 {
		base.Collection.Concurrency = override.Collection.Concurrency
	}
	if override.Collection.UserAgent != "" {
		base.Collection.UserAgent = override.Collection.UserAgent
	}
	if override.Collection.RequestTimeout > 0 {
		base.Collection.RequestTimeout = override.Collection.RequestTimeout
	}
	if override.Collection.DefaultDelay > 0 {
		base.Collection.DefaultDelay = override.Collection.DefaultDelay
	}
	if override.Collection.DefaultCurrency != "" {
		base.Collection.DefaultCurrency = override.Collection.DefaultCurrency
	}

	base.Enrichment = mergeEnrichment(base.Enrichment, override.Enrichment)

	if override.Pipeline.Workers > 0 {
		base.Pipeline.Workers = override.Pipeline.Workers
	}
	if override.Pipeline.BreakerThreshold > 0 {
		base.Pipeline.BreakerThreshold = override.Pipeline.BreakerThreshold
	}
	if len(override.Pipeline.Phases) > 0 {
		base.Pipeline.Phases = override.Pipeline.Phases
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if len(override.Sources) > 0 {
		base.Sources = override.Sources
	}

	return base
}

func mergeEnrichment(base, override EnrichmentConfig) EnrichmentConfig {
	if override.Provider != "" {
		base.Provider = override.Provider
	}
	if override.Model != "" {
		base.Model = override.Model
	}
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.GeminiAPIKey != "" {
		base.GeminiAPIKey = override.GeminiAPIKey
	}
	if override.OpenRouterAPIKey != "" {
		base.OpenRouterAPIKey = override.OpenRouterAPIKey
	}
	if override.MLAPIKey != "" {
		base.MLAPIKey = override.MLAPIKey
	}
	if override.Temperature > 0 {
		base.Temperature = override.Temperature
	}
	if len(override.Capabilities) > 0 {
		base.Capabilities = override.Capabilities
	}
	if override.MaxInFlight > 0 {
		base.MaxInFlight = override.MaxInFlight
	}
	if override.RequestsPerMinute > 0 {
		base.RequestsPerMinute = override.RequestsPerMinute
	}
	if override.RequestTimeout > 0 {
		base.RequestTimeout = override.RequestTimeout
	}
	if override.Retry.MaxAttempts > 0 {
		base.Retry.MaxAttempts = override.Retry.MaxAttempts
	}
	if override.Retry.BaseDelay > 0 {
		base.Retry.BaseDelay = override.Retry.BaseDelay
	}
	if override.Retry.MaxDelay > 0 {
		base.Retry.MaxDelay = override.Retry.MaxDelay
	}
	if override.Fallback != nil {
		fallback := *override.Fallback
		base.Fallback = &fallback
	}
	return base
}

func defaultConfig() Config {
	return Config{
		Logging:   LoggingConfig{Level: "info"},
		Storage:   StorageConfig{Driver: DriverMemory, MaxConns: 10},
		Scheduler: SchedulerConfig{Interval: 24 * time.Hour, RunOnStart: true},
		Collection: CollectionConfig{
			Concurrency:     2,
			UserAgent:       "CatalogPipeline/1.0 (+https://example.org/bot)",
			RequestTimeout:  30 * time.Second,
			DefaultDelay:    2 * time.Second,
			DefaultCurrency: "USD",
		},
		Enrichment: EnrichmentConfig{
			Provider:          ProviderFallback,
			Model:             "gemini-2.5-flash",
			Temperature:       0.2,
			MaxInFlight:       4,
			RequestsPerMinute: 60,
			RequestTimeout:    30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
		Pipeline: PipelineConfig{Workers: 8, BreakerThreshold: 5},
		Sources: []SourceConfig{
			{
				ID:       "books-toscrape",
				Name:     "books.toscrape.com",
				Scanner:  "catalog",
				Target:   string(domain.TargetStatic),
				Pages:    []string{"https://books.toscrape.com/catalogue/page-1.html"},
				Currency: "GBP",
				Options:  map[string]string{"max_pages": "5"},
			},
		},
	}
}
