package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// NewCallRecord carries the fields for a fresh call_results row.
type NewCallRecord struct {
	CallID      string
	DriverName  string
	PhoneNumber string
	LoadNumber  string
	Metadata    map[string]any
}

// CallResultUpdate maps column names to new values. Only allowlisted
// columns are applied; everything else is ignored.
type CallResultUpdate map[string]any

var updateTextColumns = []string{
	"call_status", "call_outcome", "driver_status", "current_location",
	"eta", "emergency_type", "emergency_location", "escalation_status",
}

var updateJSONColumns = []string{"full_transcript", "structured_data"}

// CreateCallResult inserts a new in_progress call row linked to the
// active agent configuration, if one exists.
func (s *Store) CreateCallResult(ctx context.Context, rec NewCallRecord) (string, error) {
	if rec.CallID == "" {
		rec.CallID = uuid.NewString()
	}

	var agentConfigID *string
	row := s.pool.QueryRow(ctx,
		`SELECT id FROM agent_configurations WHERE is_active = true LIMIT 1`)
	var id string
	switch err := row.Scan(&id); {
	case err == nil:
		agentConfigID = &id
	case errors.Is(err, pgx.ErrNoRows):
		// no active configuration yet, record the call anyway
	default:
		return "", fmt.Errorf("lookup active agent config: %w", err)
	}

	metadata, err := json.Marshal(orEmptyMap(rec.Metadata))
	if err != nil {
		return "", fmt.Errorf("encode call metadata: %w", err)
	}

	var resultID string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO call_results (
			call_id, agent_configuration_id, driver_name, phone_number,
			load_number, call_status, call_started_at, call_metadata
		) VALUES ($1, $2, $3, $4, $5, 'in_progress', NOW(), $6)
		RETURNING id`,
		rec.CallID, agentConfigID, nullableText(rec.DriverName),
		nullableText(rec.PhoneNumber), nullableText(rec.LoadNumber),
		metadata).Scan(&resultID)
	if err != nil {
		return "", fmt.Errorf("insert call result: %w", err)
	}
	return resultID, nil
}

// UpdateCallResult applies the allowlisted columns of update to the row
// with the given call_id. Returns ErrNoRecord when the call is unknown.
func (s *Store) UpdateCallResult(ctx context.Context, callID string, update CallResultUpdate) error {
	query, args, err := buildCallUpdate(callID, update)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update call result %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update call result %s: %w", callID, ErrNoRecord)
	}
	return nil
}

// buildCallUpdate renders the UPDATE statement for an allowlisted set of
// columns. Column order is fixed so the statement is deterministic.
func buildCallUpdate(callID string, update CallResultUpdate) (string, []any, error) {
	var clauses []string
	var args []any

	next := func() string { return fmt.Sprintf("$%d", len(args)+1) }

	for _, col := range updateTextColumns {
		v, ok := update[col]
		if !ok {
			continue
		}
		args = append(args, v)
		clauses = append(clauses, col+" = "+next())
	}
	for _, col := range updateJSONColumns {
		v, ok := update[col]
		if !ok {
			continue
		}
		if v == nil {
			clauses = append(clauses, col+" = NULL")
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", nil, fmt.Errorf("encode %s: %w", col, err)
		}
		args = append(args, encoded)
		clauses = append(clauses, col+" = "+next())
	}
	if _, ok := update["call_ended_at"]; ok {
		clauses = append(clauses, "call_ended_at = NOW()")
	}

	if len(clauses) == 0 {
		return "", nil, errors.New("storage: no updatable columns in call update")
	}

	clauses = append(clauses, "updated_at = NOW()")
	args = append(args, callID)
	query := "UPDATE call_results SET " + strings.Join(clauses, ", ") +
		fmt.Sprintf(" WHERE call_id = $%d", len(args))
	return query, args, nil
}

// CallHistory returns the most recent calls, newest first.
func (s *Store) CallHistory(ctx context.Context, limit int) ([]CallResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, agent_configuration_id, driver_name, phone_number,
		       load_number, call_status, call_outcome, driver_status,
		       current_location, eta, emergency_type, emergency_location,
		       escalation_status, full_transcript, structured_data,
		       call_metadata, call_started_at, call_ended_at, created_at,
		       updated_at
		FROM call_results
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	var results []CallResult
	for rows.Next() {
		cr, err := scanCallResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call history: %w", err)
	}
	return results, nil
}

// CallDetails returns the full row for one call. Returns ErrNoRecord
// when the call is unknown.
func (s *Store) CallDetails(ctx context.Context, callID string) (CallResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, agent_configuration_id, driver_name, phone_number,
		       load_number, call_status, call_outcome, driver_status,
		       current_location, eta, emergency_type, emergency_location,
		       escalation_status, full_transcript, structured_data,
		       call_metadata, call_started_at, call_ended_at, created_at,
		       updated_at
		FROM call_results
		WHERE call_id = $1`, callID)
	if err != nil {
		return CallResult{}, fmt.Errorf("query call details: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return CallResult{}, fmt.Errorf("query call details: %w", err)
		}
		return CallResult{}, fmt.Errorf("call %s: %w", callID, ErrNoRecord)
	}
	return scanCallResult(rows)
}

func scanCallResult(rows pgx.Rows) (CallResult, error) {
	var cr CallResult
	var transcript, structured, metadata []byte
	err := rows.Scan(
		&cr.ID, &cr.CallID, &cr.AgentConfigurationID, &cr.DriverName,
		&cr.PhoneNumber, &cr.LoadNumber, &cr.CallStatus, &cr.CallOutcome,
		&cr.DriverStatus, &cr.CurrentLocation, &cr.ETA, &cr.EmergencyType,
		&cr.EmergencyLocation, &cr.EscalationStatus, &transcript,
		&structured, &metadata, &cr.CallStartedAt, &cr.CallEndedAt,
		&cr.CreatedAt, &cr.UpdatedAt)
	if err != nil {
		return CallResult{}, fmt.Errorf("scan call result: %w", err)
	}

	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &cr.FullTranscript); err != nil {
			return CallResult{}, fmt.Errorf("decode transcript for %s: %w", cr.CallID, err)
		}
	}
	if len(structured) > 0 {
		if err := json.Unmarshal(structured, &cr.StructuredData); err != nil {
			return CallResult{}, fmt.Errorf("decode structured data for %s: %w", cr.CallID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cr.CallMetadata); err != nil {
			return CallResult{}, fmt.Errorf("decode metadata for %s: %w", cr.CallID, err)
		}
	}
	return cr, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
