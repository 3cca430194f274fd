package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/apierror"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/protocol"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/sessions"
)

// CallFinalizer commits a finished call's state exactly once.
type CallFinalizer interface {
	Finalize(ctx context.Context, callID string, authoritative []sessions.Turn) (map[string]any, error)
}

// RecordingWebhook handles POST /recording-webhook, the platform's
// call-ended notification. This is one of the two racing finalize triggers;
// when the websocket disconnect won the race this is a no-op.
type RecordingWebhook struct {
	Finalizer CallFinalizer
	Logger    *slog.Logger
}

func (h *RecordingWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body protocol.CallEndedNotification
	if err := decodeBody(r, &body); err != nil {
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "invalid webhook body",
		})
		return
	}
	if body.CallID == "" {
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "call_id is required", Param: "call_id",
		})
		return
	}

	authoritative := make([]sessions.Turn, 0, len(body.Transcript))
	for _, u := range body.Transcript {
		role := "user"
		if u.Role == protocol.RoleAgent {
			role = "assistant"
		}
		authoritative = append(authoritative, sessions.Turn{Role: role, Content: u.Content})
	}

	structured, err := h.Finalizer.Finalize(r.Context(), body.CallID, authoritative)
	if err != nil {
		h.Logger.Error("webhook finalize failed", "call_id", body.CallID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"structured_data": structured,
	})
}
