package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/config"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/storage"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		openStorage: func(context.Context, config.Config, *slog.Logger) (*storage.Store, error) {
			t.Fatalf("openStorage should not be called when config load fails")
			return nil, nil
		},
		newBackend: func(context.Context, config.Config) (policy.Backend, error) {
			t.Fatalf("newBackend should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestNewBackend_UnknownProviderFails(t *testing.T) {
	t.Parallel()

	_, err := newBackend(context.Background(), config.Config{PolicyProvider: "other"})
	if err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestNewBackend_OpenAI(t *testing.T) {
	t.Parallel()

	backend, err := newBackend(context.Background(), config.Config{
		PolicyProvider: config.PolicyProviderOpenAI,
		OpenAIAPIKey:   "sk-test",
		OpenAIModel:    "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("newBackend error: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected a backend")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}
