package retell

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWebCall(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/create-web-call", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(WebCall{CallID: "call_123", AccessToken: "tok_abc"})
	}))
	defer srv.Close()

	c := New("key_test", Options{BaseURL: srv.URL})
	version := 3
	call, err := c.CreateWebCall(context.Background(), "agent_1", &version, map[string]any{
		"driver_name": "Sam",
		"load_number": "482",
	})
	require.NoError(t, err)

	assert.Equal(t, "call_123", call.CallID)
	assert.Equal(t, "tok_abc", call.AccessToken)
	assert.Equal(t, "Bearer key_test", gotAuth)
	assert.Equal(t, "agent_1", gotBody["agent_id"])
	assert.Equal(t, float64(3), gotBody["agent_version"])
	meta, ok := gotBody["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Sam", meta["driver_name"])
}

func TestCreateWebCallOmitsVersionWhenNil(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(WebCall{CallID: "call_123"})
	}))
	defer srv.Close()

	c := New("key_test", Options{BaseURL: srv.URL})
	_, err := c.CreateWebCall(context.Background(), "agent_1", nil, nil)
	require.NoError(t, err)
	assert.NotContains(t, gotBody, "agent_version")
}

func TestCreatePhoneCall(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/create-phone-call", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(PhoneCall{CallID: "call_456", CallStatus: "registered"})
	}))
	defer srv.Close()

	c := New("key_test", Options{BaseURL: srv.URL})
	call, err := c.CreatePhoneCall(context.Background(), PhoneCallRequest{
		AgentID:    "agent_1",
		FromNumber: "+15550100",
		ToNumber:   "+15550111",
		Metadata:   map[string]any{"driver_name": "Sam", "load_number": "482"},
	})
	require.NoError(t, err)

	assert.Equal(t, "call_456", call.CallID)
	assert.Equal(t, "+15550111", gotBody["to_number"])
	assert.Equal(t, "agent_1", gotBody["override_agent_id"])
}

func TestCreateAgentPayload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/create-agent", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Agent{AgentID: "agent_new"})
	}))
	defer srv.Close()

	c := New("key_test", Options{BaseURL: srv.URL})
	agent, err := c.CreateAgent(context.Background(), "wss://example.com/llm-websocket")
	require.NoError(t, err)

	assert.Equal(t, "agent_new", agent.AgentID)
	engine, ok := gotBody["response_engine"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "custom-llm", engine["type"])
	assert.Equal(t, "wss://example.com/llm-websocket", engine["llm_websocket_url"])
	assert.Equal(t, "en-US", gotBody["language"])
}

func TestPublishedVersionPicksNewest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/list-agents", r.URL.Path)
		json.NewEncoder(w).Encode([]Agent{
			{AgentID: "agent_1", IsPublished: true, Version: 2, ResponseEngine: ResponseEngine{Type: "custom-llm"}},
			{AgentID: "agent_1", IsPublished: true, Version: 5, ResponseEngine: ResponseEngine{Type: "custom-llm"}},
			{AgentID: "agent_1", IsPublished: true, Version: 9, ResponseEngine: ResponseEngine{Type: "retell-llm"}},
			{AgentID: "agent_2", IsPublished: true, Version: 7, ResponseEngine: ResponseEngine{Type: "custom-llm"}},
		})
	}))
	defer srv.Close()

	c := New("key_test", Options{BaseURL: srv.URL})
	version := c.PublishedVersion(context.Background(), "agent_1")
	require.NotNil(t, version)
	assert.Equal(t, 5, *version)
}

func TestPublishedVersionNoneFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Agent{})
	}))
	defer srv.Close()

	c := New("key_test", Options{BaseURL: srv.URL})
	assert.Nil(t, c.PublishedVersion(context.Background(), "agent_1"))
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"error_message": "insufficient balance"})
	}))
	defer srv.Close()

	c := New("key_test", Options{BaseURL: srv.URL})
	_, err := c.CreateWebCall(context.Background(), "agent_1", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Contains(t, err.Error(), "402")
}
