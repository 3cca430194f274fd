// Package retell is a minimal client for the Retell AI REST API, covering
// the call and agent operations the gateway needs.
package retell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// DefaultBaseURL is the public Retell API endpoint.
const DefaultBaseURL = "https://api.retellai.com"

// Client calls the Retell REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Options tune the client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Retell client with the given API key.
func New(apiKey string, opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}
}

// WebCall is the response to creating a browser-based call.
type WebCall struct {
	CallID      string `json:"call_id"`
	AccessToken string `json:"access_token"`
	AgentID     string `json:"agent_id"`
}

// PhoneCall is the response to creating an outbound phone call.
type PhoneCall struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
	AgentID    string `json:"agent_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

// ResponseEngine describes how an agent produces replies.
type ResponseEngine struct {
	Type            string `json:"type"`
	LLMWebsocketURL string `json:"llm_websocket_url,omitempty"`
}

// Agent is a Retell agent as returned by the API.
type Agent struct {
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name"`
	IsPublished    bool           `json:"is_published"`
	Version        int            `json:"version"`
	ResponseEngine ResponseEngine `json:"response_engine"`
}

// CreateWebCall starts a web call against the given agent. Version is
// optional; pass nil to let Retell pick.
func (c *Client) CreateWebCall(ctx context.Context, agentID string, version *int, metadata map[string]any) (WebCall, error) {
	body := map[string]any{
		"agent_id": agentID,
		"metadata": metadata,
	}
	if version != nil {
		body["agent_version"] = *version
	}

	var call WebCall
	if err := c.post(ctx, "/v2/create-web-call", body, &call); err != nil {
		return WebCall{}, err
	}
	return call, nil
}

// PhoneCallRequest carries the parameters for an outbound call.
type PhoneCallRequest struct {
	AgentID    string
	FromNumber string
	ToNumber   string
	Metadata   map[string]any
}

// CreatePhoneCall dials an outbound call to a driver.
func (c *Client) CreatePhoneCall(ctx context.Context, req PhoneCallRequest) (PhoneCall, error) {
	body := map[string]any{
		"override_agent_id": req.AgentID,
		"from_number":       req.FromNumber,
		"to_number":         req.ToNumber,
		"metadata":          req.Metadata,
	}

	var call PhoneCall
	if err := c.post(ctx, "/v2/create-phone-call", body, &call); err != nil {
		return PhoneCall{}, err
	}
	return call, nil
}

// CreateAgent registers a custom-LLM dispatch agent pointed at the given
// websocket URL.
func (c *Client) CreateAgent(ctx context.Context, llmWebsocketURL string) (Agent, error) {
	body := map[string]any{
		"agent_name": "Logistics Dispatch Agent",
		"voice_id":   "11labs-Adrian",
		"response_engine": ResponseEngine{
			Type:            "custom-llm",
			LLMWebsocketURL: llmWebsocketURL,
		},
		"voice_temperature":         0.7,
		"voice_speed":               1.0,
		"interruption_sensitivity":  0.8,
		"enable_backchannel":        true,
		"backchannel_frequency":     0.3,
		"backchannel_words":         []string{"mm-hmm", "I see", "okay", "right"},
		"end_call_after_silence_ms": 10000,
		"max_call_duration_ms":      300000,
		"language":                  "en-US",
	}

	var agent Agent
	if err := c.post(ctx, "/create-agent", body, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// ListAgents returns every agent in the account.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, "/list-agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// PublishedVersion finds the newest published custom-llm version of the
// given agent. Returns nil when none is published, in which case the caller
// should omit the version.
func (c *Client) PublishedVersion(ctx context.Context, agentID string) *int {
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return nil
	}

	var versions []int
	for _, a := range agents {
		if a.AgentID == agentID && a.IsPublished && a.ResponseEngine.Type == "custom-llm" {
			versions = append(versions, a.Version)
		}
	}
	if len(versions) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return &versions[0]
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode retell request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build retell request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build retell request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("retell request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode retell response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope struct {
		ErrorMessage string `json:"error_message"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.ErrorMessage != "" {
			return fmt.Errorf("retell api: %s (status %d)", envelope.ErrorMessage, resp.StatusCode)
		}
		if envelope.Message != "" {
			return fmt.Errorf("retell api: %s (status %d)", envelope.Message, resp.StatusCode)
		}
	}
	return fmt.Errorf("retell api: status %d", resp.StatusCode)
}
