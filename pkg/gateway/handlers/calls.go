package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/apierror"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/sessions"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/storage"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/telephony/retell"
)

// CallStore is the persistence surface for call records.
type CallStore interface {
	CreateCallResult(ctx context.Context, rec storage.NewCallRecord) (string, error)
	CallHistory(ctx context.Context, limit int) ([]storage.CallResult, error)
	CallDetails(ctx context.Context, callID string) (storage.CallResult, error)
}

// CallPlatform dials calls on the telephony platform.
type CallPlatform interface {
	CreateWebCall(ctx context.Context, agentID string, version *int, metadata map[string]any) (retell.WebCall, error)
	CreatePhoneCall(ctx context.Context, req retell.PhoneCallRequest) (retell.PhoneCall, error)
	PublishedVersion(ctx context.Context, agentID string) *int
}

// Calls serves call triggering, history and details.
type Calls struct {
	Store      CallStore
	Platform   CallPlatform
	Sessions   *sessions.Store
	AgentID    string
	FromNumber string
	Logger     *slog.Logger
}

type callRequest struct {
	DriverName  string `json:"driver_name"`
	PhoneNumber string `json:"phone_number"`
	LoadNumber  string `json:"load_number"`
}

// Trigger handles POST /trigger-call, dialing an outbound call to a driver.
func (h *Calls) Trigger(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeBody(r, &req); err != nil {
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "invalid call request body",
		})
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "phone_number is required", Param: "phone_number",
		})
		return
	}

	call, err := h.Platform.CreatePhoneCall(r.Context(), retell.PhoneCallRequest{
		AgentID:    h.AgentID,
		FromNumber: h.FromNumber,
		ToNumber:   req.PhoneNumber,
		Metadata: map[string]any{
			"driver_name": req.DriverName,
			"load_number": req.LoadNumber,
		},
	})
	if err != nil {
		h.Logger.Error("trigger phone call failed", "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrUpstream, Message: "failed to trigger call",
		})
		return
	}

	h.registerCall(call.CallID, req)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "call": call})
}

// CreateTestCall handles POST /create-test-call, starting a browser-based
// call for dashboard testing.
func (h *Calls) CreateTestCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeBody(r, &req); err != nil {
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "invalid call request body",
		})
		return
	}
	if req.DriverName == "" {
		req.DriverName = "Driver"
	}
	if req.LoadNumber == "" {
		req.LoadNumber = "Load"
	}

	version := h.Platform.PublishedVersion(r.Context(), h.AgentID)
	call, err := h.Platform.CreateWebCall(r.Context(), h.AgentID, version, map[string]any{
		"driver_name":  req.DriverName,
		"phone_number": req.PhoneNumber,
		"load_number":  req.LoadNumber,
	})
	if err != nil {
		h.Logger.Error("create web call failed", "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrUpstream, Message: "failed to create web call",
		})
		return
	}

	h.registerCall(call.CallID, req)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"call_id":      call.CallID,
		"access_token": call.AccessToken,
	})
}

// registerCall seeds the session context for the websocket connect and
// creates the initial call record off the request path.
func (h *Calls) registerCall(callID string, req callRequest) {
	h.Sessions.Register(callID, sessions.Context{
		DriverName:  req.DriverName,
		LoadNumber:  req.LoadNumber,
		PhoneNumber: req.PhoneNumber,
	})

	go func() {
		_, err := h.Store.CreateCallResult(context.Background(), storage.NewCallRecord{
			CallID:      callID,
			DriverName:  req.DriverName,
			PhoneNumber: req.PhoneNumber,
			LoadNumber:  req.LoadNumber,
			Metadata: map[string]any{
				"driver_name":  req.DriverName,
				"phone_number": req.PhoneNumber,
				"load_number":  req.LoadNumber,
			},
		})
		if err != nil {
			h.Logger.Error("create call record failed", "call_id", callID, "error", err)
		}
	}()
}

// History handles GET /call-history.
func (h *Calls) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apierror.WriteJSON(w, requestID(r), &apierror.Error{
				Type: apierror.ErrInvalidRequest, Message: "limit must be a positive integer", Param: "limit",
			})
			return
		}
		limit = n
	}

	calls, err := h.Store.CallHistory(r.Context(), limit)
	if err != nil {
		h.Logger.Error("call history query failed", "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrAPI, Message: "failed to get call history",
		})
		return
	}
	if calls == nil {
		calls = []storage.CallResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "calls": calls})
}

// Details handles GET /call-details/{call_id}.
func (h *Calls) Details(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	call, err := h.Store.CallDetails(r.Context(), callID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			apierror.WriteJSON(w, requestID(r), &apierror.Error{
				Type: apierror.ErrNotFound, Message: "call not found",
			})
			return
		}
		h.Logger.Error("call details query failed", "call_id", callID, "error", err)
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrAPI, Message: "failed to get call details",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "call": call})
}
