package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/sessions"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/storage"
)

// CallRecorder is the persistence boundary the finalizer writes through.
type CallRecorder interface {
	UpdateCallResult(ctx context.Context, callID string, update storage.CallResultUpdate) error
}

// promotedFields are copied from the accumulated data onto their own columns
// so the dashboard can filter without unpacking JSON.
var promotedFields = []string{
	"call_outcome", "driver_status", "current_location", "eta",
	"emergency_type", "emergency_location", "escalation_status",
}

// Finalizer commits a session's final state exactly once. Both triggers,
// the call-ended webhook and the websocket disconnect, funnel through
// Finalize; whichever takes the session from the store does the write and
// the other observes absence and no-ops.
type Finalizer struct {
	Store    *sessions.Store
	Recorder CallRecorder
	Logger   *slog.Logger
	Timeout  time.Duration
}

// Finalize takes the session for callID and persists it. Returns the
// structured data that was written, or (nil, nil) when the call was already
// finalized or never tracked. A persistence failure is returned to the
// caller; the session is not re-inserted, so the write is never retried.
func (f *Finalizer) Finalize(ctx context.Context, callID string, authoritative []sessions.Turn) (map[string]any, error) {
	sess, ok := f.Store.TakeForFinalize(callID)
	if !ok {
		return nil, nil
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	structured := make(map[string]any, len(sess.Extracted)+2)
	for k, v := range sess.Extracted {
		structured[k] = v
	}
	driver := sess.DriverName
	if driver == "" {
		driver = "driver"
	}
	load := sess.LoadNumber
	if load == "" {
		load = "N/A"
	}
	if len(sess.Extracted) == 0 {
		structured["call_outcome"] = "Call Completed"
		structured["confidence"] = 0.3
		structured["summary"] = fmt.Sprintf(
			"Call completed with %s about load %s - no data extracted during conversation", driver, load)
	} else {
		if _, ok := structured["call_outcome"]; !ok {
			structured["call_outcome"] = "Call Completed"
		}
		structured["summary"] = fmt.Sprintf("Call completed with %s about load %s", driver, load)
	}

	transcript := sess.Transcript
	if len(transcript) == 0 && len(authoritative) > 0 {
		transcript = authoritative
	}

	update := storage.CallResultUpdate{
		"call_status":     "completed",
		"call_ended_at":   true,
		"full_transcript": transcript,
		"structured_data": structured,
	}
	for _, field := range promotedFields {
		if v, ok := structured[field]; ok {
			update[field] = v
		}
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	if err := f.Recorder.UpdateCallResult(ctx, callID, update); err != nil {
		logger.Error("call finalization write failed",
			"call_id", callID,
			"error", err)
		return structured, fmt.Errorf("finalize call %s: %w", callID, err)
	}

	logger.Info("call finalized",
		"call_id", callID,
		"fields", len(structured),
		"transcript_turns", len(transcript))
	return structured, nil
}
