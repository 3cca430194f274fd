// Package openai implements the dialogue policy backend against the OpenAI
// Chat Completions API, using forced tool calling so the model always selects
// exactly one outcome.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4.1-mini"
)

// Backend implements policy.Backend on the Chat Completions API.
type Backend struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option configures the backend.
type Option func(*Backend)

func WithBaseURL(baseURL string) Option {
	return func(b *Backend) {
		if strings.TrimSpace(baseURL) != "" {
			b.baseURL = baseURL
		}
	}
}

func WithModel(model string) Option {
	return func(b *Backend) {
		if strings.TrimSpace(model) != "" {
			b.model = model
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// New creates an OpenAI policy backend.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "openai" }

// Decide sends one tool-calling chat completion and maps the selected tool
// to the outcome.
func (b *Backend) Decide(ctx context.Context, req policy.Request) (policy.Decision, error) {
	body, err := b.doRequest(ctx, buildRequest(b.model, req))
	if err != nil {
		return policy.Decision{}, fmt.Errorf("openai decide: %w", err)
	}
	return parseDecision(body)
}
