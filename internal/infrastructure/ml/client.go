package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/enrichment"
	"CatalogPipeline/internal/ports"
)

// Client talks to a self-hosted inference service exposing one endpoint per
// capability: POST /categorize, /describe and /anomaly.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

// NewClient creates a reusable HTTP client. timeout <= 0 means 30s.
func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
	}
}

// Capabilities returns one ports.Capability per kind served by the service.
func (c *Client) Capabilities() []ports.Capability {
	out := make([]ports.Capability, 0, len(domain.AllCapabilities))
	for _, kind := range domain.AllCapabilities {
		out = append(out, &capability{client: c, kind: kind})
	}
	return out
}

type capability struct {
	client *Client
	kind   domain.CapabilityKind
}

func (c *capability) Kind() domain.CapabilityKind { return c.kind }

func (c *capability) Invoke(ctx context.Context, product domain.CanonicalProduct) (domain.Payload, error) {
	return c.client.Invoke(ctx, c.kind, product)
}

type productRequest struct {
	Fingerprint string  `json:"fingerprint"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	Category    string  `json:"category,omitempty"`
}

var paths = map[domain.CapabilityKind]string{
	domain.Categorize: "/categorize",
	domain.Describe:   "/describe",
	domain.Anomaly:    "/anomaly",
}

// Invoke posts the product to the capability endpoint and decodes the payload.
func (c *Client) Invoke(ctx context.Context, kind domain.CapabilityKind, product domain.CanonicalProduct) (domain.Payload, error) {
	path, ok := paths[kind]
	if !ok {
		return domain.Payload{}, enrichment.Permanent(fmt.Errorf("unsupported capability %q", kind))
	}

	req := productRequest{
		Fingerprint: string(product.Fingerprint),
		Title:       product.Title,
		Description: product.Description,
		Price:       product.Price,
		Currency:    product.Currency,
	}
	if product.Category != nil {
		req.Category = *product.Category
	}

	var payload domain.Payload
	if err := c.post(ctx, path, req, &payload); err != nil {
		return domain.Payload{}, err
	}
	if payload.Model == "" {
		payload.Model = c.model
	}
	return payload, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return enrichment.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return enrichment.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures are retried; the service may be restarting.
		return enrichment.Transient(fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return enrichment.Transient(statusErr)
		}
		return enrichment.Permanent(statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return enrichment.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
