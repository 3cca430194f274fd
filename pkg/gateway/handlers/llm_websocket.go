package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/apierror"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/session"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/sessions"
)

// LiveWebsocket handles GET /llm-websocket/{call_id}: the telephony
// platform's custom-LLM connection for one call.
type LiveWebsocket struct {
	Store     *sessions.Store
	Policy    session.TurnPolicy
	Finalizer *session.Finalizer
	Config    session.Config
	Logger    *slog.Logger

	upgrader websocket.Upgrader
}

func NewLiveWebsocket(store *sessions.Store, pol session.TurnPolicy, fin *session.Finalizer, cfg session.Config, logger *slog.Logger) *LiveWebsocket {
	return &LiveWebsocket{
		Store:     store,
		Policy:    pol,
		Finalizer: fin,
		Config:    cfg,
		Logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The platform connects server-to-server without a browser Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *LiveWebsocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if callID == "" {
		apierror.WriteJSON(w, requestID(r), &apierror.Error{
			Type: apierror.ErrInvalidRequest, Message: "call_id is required", Param: "call_id",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.Logger.Warn("websocket upgrade failed", "call_id", callID, "error", err)
		return
	}

	call, err := session.New(session.Dependencies{
		Conn:      conn,
		Store:     h.Store,
		Policy:    h.Policy,
		Finalizer: h.Finalizer,
		Logger:    h.Logger,
		CallID:    callID,
		Config:    h.Config,
	})
	if err != nil {
		h.Logger.Error("live call setup failed", "call_id", callID, "error", err)
		_ = conn.Close()
		return
	}

	if err := call.Run(r.Context()); err != nil {
		h.Logger.Warn("live call ended with error", "call_id", callID, "error", err)
	}
}
