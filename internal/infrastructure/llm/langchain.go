package llm

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint of OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// LangChainConfig configures an OpenAI-compatible chat model.
type LangChainConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	HTTPClient  *http.Client
}

// LangChainGenerator drives any OpenAI-compatible API (OpenRouter, OpenAI)
// through langchaingo.
type LangChainGenerator struct {
	llm         llms.Model
	model       string
	temperature float64
}

var _ Generator = (*LangChainGenerator)(nil)

// NewLangChainGenerator creates the chat model.
func NewLangChainGenerator(cfg LangChainConfig) (*LangChainGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(baseURL),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return &LangChainGenerator{llm: model, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Model returns the configured model name.
func (g *LangChainGenerator) Model() string { return g.model }

// Generate sends a system and user message with JSON mode on.
func (g *LangChainGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	response, err := g.llm.GenerateContent(ctx, messages,
		llms.WithJSONMode(),
		llms.WithTemperature(g.temperature),
	)
	if err != nil {
		return "", classifyStatus(statusFromError(err), fmt.Errorf("generate: %w", err))
	}
	if len(response.Choices) == 0 {
		return "", classifyStatus(http.StatusBadGateway, fmt.Errorf("generate: no response choices"))
	}
	return response.Choices[0].Content, nil
}

var statusExpr = regexp.MustCompile(`status code:? (\d{3})`)

// statusFromError recovers the HTTP status langchaingo folds into its
// error text. Zero means the status is unknown.
func statusFromError(err error) int {
	match := statusExpr.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}
	code, _ := strconv.Atoi(match[1])
	return code
}
