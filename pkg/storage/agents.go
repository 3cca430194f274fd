package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AgentConfigInput carries the caller-provided fields for saving an
// agent configuration. VoiceSettings holds only the tunable knobs; the
// backend fills in the rest.
type AgentConfigInput struct {
	Name          string         `json:"name"`
	Prompts       string         `json:"prompts"`
	VoiceSettings map[string]any `json:"voice_settings"`
}

// completeVoiceSettings merges caller overrides with the backchannel and
// call-duration settings the backend manages.
func completeVoiceSettings(base map[string]any) map[string]any {
	pick := func(key string, fallback any) any {
		if v, ok := base[key]; ok {
			return v
		}
		return fallback
	}

	return map[string]any{
		"temperature":              pick("temperature", 0.7),
		"speed":                    pick("speed", 0.8),
		"interruption_sensitivity": pick("interruption_sensitivity", 0.8),

		"enable_backchannel":    true,
		"backchannel_frequency": 0.8,
		"backchannel_words": []string{
			"mm-hmm", "uh-huh", "I see", "okay", "right", "got it", "sure", "alright",
		},
		"end_call_after_silence_ms": 10000,
		"max_call_duration_ms":      300000,
	}
}

// SaveAgentConfig updates the active configuration if one exists,
// otherwise inserts a new active one. Returns the configuration id.
func (s *Store) SaveAgentConfig(ctx context.Context, input AgentConfigInput) (string, error) {
	settings, err := json.Marshal(completeVoiceSettings(orEmptyMap(input.VoiceSettings)))
	if err != nil {
		return "", fmt.Errorf("encode voice settings: %w", err)
	}

	var existingID string
	row := s.pool.QueryRow(ctx,
		`SELECT id FROM agent_configurations WHERE is_active = true LIMIT 1`)
	err = row.Scan(&existingID)
	switch {
	case err == nil:
		name := input.Name
		if name == "" {
			name = "Updated Agent"
		}
		var id string
		err = s.pool.QueryRow(ctx, `
			UPDATE agent_configurations
			SET name = $1, prompts = $2, voice_settings = $3, updated_at = NOW()
			WHERE id = $4
			RETURNING id`,
			name, input.Prompts, settings, existingID).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("update agent config: %w", err)
		}
		return id, nil
	case errors.Is(err, pgx.ErrNoRows):
		name := input.Name
		if name == "" {
			name = "New Agent"
		}
		var id string
		err = s.pool.QueryRow(ctx, `
			INSERT INTO agent_configurations (name, prompts, voice_settings, is_active)
			VALUES ($1, $2, $3, true)
			RETURNING id`,
			name, input.Prompts, settings).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("insert agent config: %w", err)
		}
		return id, nil
	default:
		return "", fmt.Errorf("lookup active agent config: %w", err)
	}
}

// ActiveAgentConfig returns the newest active configuration, or
// ErrNoRecord when none has been saved yet.
func (s *Store) ActiveAgentConfig(ctx context.Context) (AgentConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, prompts, voice_settings, is_active, created_at, updated_at
		FROM agent_configurations
		WHERE is_active = true
		ORDER BY created_at DESC
		LIMIT 1`)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("query active agent config: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return AgentConfig{}, fmt.Errorf("query active agent config: %w", err)
		}
		return AgentConfig{}, fmt.Errorf("active agent config: %w", ErrNoRecord)
	}
	return scanAgentConfig(rows)
}

// AgentConfigs lists every saved configuration, newest first.
func (s *Store) AgentConfigs(ctx context.Context) ([]AgentConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, prompts, voice_settings, is_active, created_at, updated_at
		FROM agent_configurations
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query agent configs: %w", err)
	}
	defer rows.Close()

	var configs []AgentConfig
	for rows.Next() {
		cfg, err := scanAgentConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent configs: %w", err)
	}
	return configs, nil
}

func scanAgentConfig(rows pgx.Rows) (AgentConfig, error) {
	var cfg AgentConfig
	var settings []byte
	err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Prompts, &settings,
		&cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("scan agent config: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg.VoiceSettings); err != nil {
			return AgentConfig{}, fmt.Errorf("decode voice settings for %s: %w", cfg.ID, err)
		}
	}
	return cfg, nil
}
