package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PolicyProvider selects the dialogue policy backend.
type PolicyProvider string

const (
	PolicyProviderOpenAI PolicyProvider = "openai"
	PolicyProviderGemini PolicyProvider = "gemini"
)

type Config struct {
	Addr string

	// Telephony platform (Retell-style custom-LLM integration).
	RetellAPIKey     string
	RetellAgentID    string
	RetellFromNumber string
	RetellBaseURL    string

	// Public websocket URL the platform connects back to for each call.
	LLMWebsocketURL string

	// Dialogue policy backend.
	PolicyProvider PolicyProvider
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	GeminiAPIKey   string
	GeminiModel    string

	// Budget for one policy decision. Must stay tighter than
	// LiveReceiveTimeout so a hung policy call cannot stall turn delivery.
	PolicyTimeout time.Duration

	// Postgres.
	DatabaseURL string
	DBMinConns  int
	DBMaxConns  int

	// Live websocket session behavior.
	LiveReceiveTimeout time.Duration
	KeepaliveInterval  time.Duration
	LiveWriteTimeout   time.Duration
	ContextWindow      int

	// Finalization write bound.
	FinalizeTimeout time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("DISPATCH_ADDR", ":8005"),
		RetellAPIKey:        os.Getenv("RETELL_API_KEY"),
		RetellAgentID:       os.Getenv("RETELL_AGENT_ID"),
		RetellFromNumber:    os.Getenv("RETELL_FROM_NUMBER"),
		RetellBaseURL:       envOr("RETELL_BASE_URL", "https://api.retellai.com"),
		LLMWebsocketURL:     os.Getenv("DISPATCH_LLM_WEBSOCKET_URL"),
		PolicyProvider:      PolicyProvider(envOr("DISPATCH_POLICY_PROVIDER", string(PolicyProviderOpenAI))),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       envOr("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:         envOr("DISPATCH_OPENAI_MODEL", "gpt-4.1-mini"),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         envOr("DISPATCH_GEMINI_MODEL", "gemini-2.0-flash"),
		PolicyTimeout:       envDurationOr("DISPATCH_POLICY_TIMEOUT", 10*time.Second),
		DatabaseURL:         os.Getenv("DISPATCH_DATABASE_URL"),
		DBMinConns:          envIntOr("DISPATCH_DB_MIN_CONNS", 1),
		DBMaxConns:          envIntOr("DISPATCH_DB_MAX_CONNS", 8),
		LiveReceiveTimeout:  envDurationOr("DISPATCH_LIVE_RECEIVE_TIMEOUT", 30*time.Second),
		KeepaliveInterval:   envDurationOr("DISPATCH_KEEPALIVE_INTERVAL", 2*time.Second),
		LiveWriteTimeout:    envDurationOr("DISPATCH_LIVE_WRITE_TIMEOUT", 5*time.Second),
		ContextWindow:       envIntOr("DISPATCH_CONTEXT_WINDOW", 6),
		FinalizeTimeout:     envDurationOr("DISPATCH_FINALIZE_TIMEOUT", 15*time.Second),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("DISPATCH_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("DISPATCH_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("DISPATCH_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("DISPATCH_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.PolicyProvider {
	case PolicyProviderOpenAI, PolicyProviderGemini:
	default:
		return Config{}, fmt.Errorf("DISPATCH_POLICY_PROVIDER must be one of openai|gemini")
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DISPATCH_DATABASE_URL is required")
	}
	if cfg.DBMinConns < 0 {
		return Config{}, fmt.Errorf("DISPATCH_DB_MIN_CONNS must be >= 0")
	}
	if cfg.DBMaxConns <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_DB_MAX_CONNS must be > 0")
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		return Config{}, fmt.Errorf("DISPATCH_DB_MIN_CONNS must be <= DISPATCH_DB_MAX_CONNS")
	}
	if cfg.PolicyTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_POLICY_TIMEOUT must be > 0")
	}
	if cfg.LiveReceiveTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_LIVE_RECEIVE_TIMEOUT must be > 0")
	}
	if cfg.PolicyTimeout >= cfg.LiveReceiveTimeout {
		return Config{}, fmt.Errorf("DISPATCH_POLICY_TIMEOUT must be < DISPATCH_LIVE_RECEIVE_TIMEOUT")
	}
	if cfg.KeepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.LiveWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_LIVE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ContextWindow <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_CONTEXT_WINDOW must be > 0")
	}
	if cfg.FinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	switch cfg.PolicyProvider {
	case PolicyProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("OPENAI_API_KEY is required when DISPATCH_POLICY_PROVIDER=openai")
		}
	case PolicyProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY is required when DISPATCH_POLICY_PROVIDER=gemini")
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOr(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
