// Package llm implements the enrichment capabilities on top of chat models.
// Providers only need to turn a system and a user prompt into text; the
// capabilities own prompting and response parsing.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"CatalogPipeline/internal/enrichment"
)

// Generator produces one completion for a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
	Model() string
}

// classifyStatus marks rate limits and server errors as transient.
func classifyStatus(code int, err error) error {
	if code == http.StatusTooManyRequests || code/100 == 5 {
		return enrichment.Transient(err)
	}
	if code != 0 {
		return enrichment.Permanent(err)
	}
	return classifyTransport(err)
}

// classifyTransport leaves timeouts and network errors retryable and treats
// anything else as permanent.
func classifyTransport(err error) error {
	var capErr *enrichment.CapabilityError
	if errors.As(err, &capErr) {
		return err
	}
	if enrichment.IsTransient(err) {
		return enrichment.Transient(err)
	}
	return enrichment.Permanent(err)
}

func trimFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
