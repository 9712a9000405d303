package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"CatalogPipeline/internal/enrichment"
)

// GeminiConfig configures the Gemini generator.
type GeminiConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the Gemini API base URL for proxies and tests.
	BaseURL     string
	Temperature float32
}

// GeminiGenerator calls the Gemini API with JSON output enabled.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

var _ Generator = (*GeminiGenerator)(nil)

// NewGeminiGenerator builds a client for the Gemini developer API.
func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{
		client:      client,
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the Gemini model name.
func (g *GeminiGenerator) Model() string { return g.model }

// Generate sends the prompts and returns the response text.
func (g *GeminiGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		genai.Text(user),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			CandidateCount:    1,
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr(g.temperature),
		},
	)
	if err != nil {
		return "", classifyGeminiErr(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", enrichment.Permanent(errors.New("gemini: empty response"))
	}
	return text, nil
}

func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, fmt.Errorf("gemini: %w", err))
	}
	return classifyTransport(fmt.Errorf("gemini: %w", err))
}
