package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/apierror"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/storage"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/telephony/retell"
)

// AgentStore is the persistence surface for agent configurations.
type AgentStore interface {
	SaveAgentConfig(ctx context.Context, input storage.AgentConfigInput) (string, error)
	ActiveAgentConfig(ctx context.Context) (storage.AgentConfig, error)
	AgentConfigs(ctx context.Context) ([]storage.AgentConfig, error)
}

// AgentPlatform registers agents on the telephony platform.
type AgentPlatform interface {
	CreateAgent(ctx context.Context, llmWebsocketURL string) (retell.Agent, error)
}

// Agents serves the agent-configuration endpoints.
type Agents struct {
	Store           AgentStore
	Platform        AgentPlatform
	LLMWebsocketURL string
	Logger          *slog.Logger
}

// GetConfig handles GET /agent-config.
func (h *Agents) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.ActiveAgentConfig(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": "No active agent configuration found",
			})
			return
		}
		h.Logger.Error("load active agent config failed", "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrAPI, Message: "failed to get agent config",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

// SaveConfig handles POST /agent-config.
func (h *Agents) SaveConfig(w http.ResponseWriter, r *http.Request) {
	var input storage.AgentConfigInput
	if err := decodeBody(r, &input); err != nil {
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "invalid agent config body",
		})
		return
	}

	id, err := h.Store.SaveAgentConfig(r.Context(), input)
	if err != nil {
		h.Logger.Error("save agent config failed", "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrAPI, Message: "failed to save agent config",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"config_id": id,
		"message":   "Agent configuration saved successfully",
	})
}

// ListConfigs handles GET /agent-configs.
func (h *Agents) ListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.Store.AgentConfigs(r.Context())
	if err != nil {
		h.Logger.Error("list agent configs failed", "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrAPI, Message: "failed to get agent configs",
		})
		return
	}
	if configs == nil {
		configs = []storage.AgentConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "configs": configs})
}

// Create handles POST /create, registering a custom-LLM agent on the
// telephony platform pointed at this gateway's websocket URL.
func (h *Agents) Create(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Platform.CreateAgent(r.Context(), h.LLMWebsocketURL)
	if err != nil {
		h.Logger.Error("create platform agent failed", "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrUpstream, Message: "failed to create agent",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": agent})
}
