package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/config"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/handlers"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/session"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/sessions"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/mw"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/storage"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/telephony/retell"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store     *storage.Store
	sessions  *sessions.Store
	platform  *retell.Client
	turns     *policy.Adapter
	finalizer *session.Finalizer
}

func New(cfg config.Config, logger *slog.Logger, store *storage.Store, backend policy.Backend) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	sessionStore := sessions.NewStore()

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		store:    store,
		sessions: sessionStore,
		platform: retell.New(cfg.RetellAPIKey, retell.Options{BaseURL: cfg.RetellBaseURL}),
		turns: &policy.Adapter{
			Backend: backend,
			Timeout: cfg.PolicyTimeout,
			Logger:  logger,
		},
		finalizer: &session.Finalizer{
			Store:    sessionStore,
			Recorder: store,
			Logger:   logger,
			Timeout:  cfg.FinalizeTimeout,
		},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", handlers.Health(s.store, Version))

	agents := &handlers.Agents{
		Store:           s.store,
		Platform:        s.platform,
		LLMWebsocketURL: s.cfg.LLMWebsocketURL,
		Logger:          s.logger,
	}
	s.mux.HandleFunc("GET /agent-config", agents.GetConfig)
	s.mux.HandleFunc("POST /agent-config", agents.SaveConfig)
	s.mux.HandleFunc("GET /agent-configs", agents.ListConfigs)
	s.mux.HandleFunc("POST /create", agents.Create)

	calls := &handlers.Calls{
		Store:      s.store,
		Platform:   s.platform,
		Sessions:   s.sessions,
		AgentID:    s.cfg.RetellAgentID,
		FromNumber: s.cfg.RetellFromNumber,
		Logger:     s.logger,
	}
	s.mux.HandleFunc("POST /trigger-call", calls.Trigger)
	s.mux.HandleFunc("POST /create-test-call", calls.CreateTestCall)
	s.mux.HandleFunc("GET /call-history", calls.History)
	s.mux.HandleFunc("GET /call-details/{call_id}", calls.Details)

	s.mux.Handle("POST /recording-webhook", &handlers.RecordingWebhook{
		Finalizer: s.finalizer,
		Logger:    s.logger,
	})

	s.mux.Handle("GET /llm-websocket/{call_id}", handlers.NewLiveWebsocket(
		s.sessions,
		s.turns,
		s.finalizer,
		session.Config{
			ReceiveTimeout:    s.cfg.LiveReceiveTimeout,
			KeepaliveInterval: s.cfg.KeepaliveInterval,
			WriteTimeout:      s.cfg.LiveWriteTimeout,
			ContextWindow:     s.cfg.ContextWindow,
			FinalizeTimeout:   s.cfg.FinalizeTimeout,
		},
		s.logger,
	))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain waits for live call sessions to finish, cancelling any that remain
// when ctx expires. A cancelled session still finalizes through its deferred
// path, so a short grace period follows the cancellation. Sessions registered
// for calls that never connected have no goroutine to cancel and are left to
// the webhook trigger.
func (s *Server) Drain(ctx context.Context) {
	if s.sessions.Wait(ctx) {
		return
	}
	canceled := s.sessions.CancelAll()
	s.logger.Warn("shutdown drain expired, cancelled live sessions", "sessions", canceled)

	grace, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.sessions.Wait(grace)
}
