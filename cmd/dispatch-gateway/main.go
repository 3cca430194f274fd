// Command dispatch-gateway runs the voice dispatch gateway: the HTTP API for
// the dashboard, the Retell webhook receiver, and the custom-LLM websocket
// that drives live calls.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-hamzaa22/Voice-dispatch-agent/internal/dotenv"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/config"
	gatewayserver "github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/server"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy/gemini"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy/openai"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/storage"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openStorage  func(context.Context, config.Config, *slog.Logger) (*storage.Store, error)
	newBackend   func(context.Context, config.Config) (policy.Backend, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:  config.LoadFromEnv,
		openStorage: openStorage,
		newBackend:  newBackend,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.Store, error) {
	return storage.Open(ctx, cfg.DatabaseURL, storage.Options{
		MinConns: int32(cfg.DBMinConns),
		MaxConns: int32(cfg.DBMaxConns),
		Logger:   logger,
	})
}

func newBackend(ctx context.Context, cfg config.Config) (policy.Backend, error) {
	switch cfg.PolicyProvider {
	case config.PolicyProviderGemini:
		return gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case config.PolicyProviderOpenAI:
		opts := []openai.Option{}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		if cfg.OpenAIModel != "" {
			opts = append(opts, openai.WithModel(cfg.OpenAIModel))
		}
		return openai.New(cfg.OpenAIAPIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown policy provider %q", cfg.PolicyProvider)
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.openStorage == nil || deps.newBackend == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := deps.openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	backend, err := deps.newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("policy backend: %w", err)
	}

	gw := gatewayserver.New(cfg, logger, store, backend)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "policy_provider", cfg.PolicyProvider)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	gw.Drain(drainCtx)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "dispatch-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "dispatch-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
