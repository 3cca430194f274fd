// Package storage persists agent configurations and call results in
// PostgreSQL. It uses pgxpool directly with plain SQL, no ORM.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoRecord is returned when a lookup or update matches no row.
var ErrNoRecord = errors.New("storage: no matching record")

// TranscriptEntry is one utterance in a stored call transcript.
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallResult is a row of the call_results table.
type CallResult struct {
	ID                   string            `json:"id"`
	CallID               string            `json:"call_id"`
	AgentConfigurationID *string           `json:"agent_configuration_id,omitempty"`
	DriverName           *string           `json:"driver_name,omitempty"`
	PhoneNumber          *string           `json:"phone_number,omitempty"`
	LoadNumber           *string           `json:"load_number,omitempty"`
	CallStatus           *string           `json:"call_status,omitempty"`
	CallOutcome          *string           `json:"call_outcome,omitempty"`
	DriverStatus         *string           `json:"driver_status,omitempty"`
	CurrentLocation      *string           `json:"current_location,omitempty"`
	ETA                  *string           `json:"eta,omitempty"`
	EmergencyType        *string           `json:"emergency_type,omitempty"`
	EmergencyLocation    *string           `json:"emergency_location,omitempty"`
	EscalationStatus     *string           `json:"escalation_status,omitempty"`
	FullTranscript       []TranscriptEntry `json:"full_transcript,omitempty"`
	StructuredData       map[string]any    `json:"structured_data,omitempty"`
	CallMetadata         map[string]any    `json:"call_metadata,omitempty"`
	CallStartedAt        *time.Time        `json:"call_started_at,omitempty"`
	CallEndedAt          *time.Time        `json:"call_ended_at,omitempty"`
	CreatedAt            *time.Time        `json:"created_at,omitempty"`
	UpdatedAt            *time.Time        `json:"updated_at,omitempty"`
}

// AgentConfig is a row of the agent_configurations table.
type AgentConfig struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Prompts       string         `json:"prompts"`
	VoiceSettings map[string]any `json:"voice_settings"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     *time.Time     `json:"created_at,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
}

// Store wraps a pgx connection pool with the queries the gateway needs.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Options configure pool sizing for Open.
type Options struct {
	MinConns int32
	MaxConns int32
	Logger   *slog.Logger
}

// Open connects to PostgreSQL, verifies the connection and runs pending
// migrations.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("storage: database URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("storage ready",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns)
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
