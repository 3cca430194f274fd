package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	dec   Decision
	err   error
	block bool
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Decide(ctx context.Context, req Request) (Decision, error) {
	if b.block {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}
	return b.dec, b.err
}

func TestAdapter_SetsDerivedFlags(t *testing.T) {
	a := &Adapter{Backend: &stubBackend{dec: Decision{
		Reply:   "Are you safe? Where are you right now?",
		Outcome: OutcomeEmergency,
		Fields:  map[string]any{"emergency_type": "Accident", "confidence": 0.9},
	}}}

	dec := a.Decide(context.Background(), Request{Utterance: "I'm stuck on I-10 after an accident"})

	require.Equal(t, OutcomeEmergency, dec.Outcome)
	assert.Equal(t, true, dec.Fields["is_emergency"])
	assert.Equal(t, false, dec.Fields["should_end_call"])
	assert.Equal(t, "Accident", dec.Fields["emergency_type"])
}

func TestAdapter_EndCallOutcome(t *testing.T) {
	a := &Adapter{Backend: &stubBackend{dec: Decision{
		Reply:   "Thanks for the update, drive safely!",
		Outcome: OutcomeEndCall,
		Fields:  map[string]any{"reason": "All data collected", "confidence": 0.95},
	}}}

	dec := a.Decide(context.Background(), Request{Utterance: "that's all"})

	assert.Equal(t, false, dec.Fields["is_emergency"])
	assert.Equal(t, true, dec.Fields["should_end_call"])
}

func TestAdapter_TimeoutFallback(t *testing.T) {
	a := &Adapter{Backend: &stubBackend{block: true}, Timeout: 20 * time.Millisecond}

	start := time.Now()
	dec := a.Decide(context.Background(), Request{Utterance: "hello"})

	require.Less(t, time.Since(start), 5*time.Second, "adapter must not block past its budget")
	assert.Equal(t, FallbackReply, dec.Reply)
	assert.Equal(t, OutcomeRoutine, dec.Outcome)
	assert.Equal(t, 0.1, dec.Fields["confidence"])
	assert.Equal(t, "timeout", dec.Fields["error"])
	assert.Equal(t, false, dec.Fields["is_emergency"])
}

func TestAdapter_MalformedFallback(t *testing.T) {
	a := &Adapter{Backend: &stubBackend{err: fmt.Errorf("no tool call: %w", ErrMalformed)}}

	dec := a.Decide(context.Background(), Request{Utterance: "hello"})

	assert.Equal(t, "malformed_response", dec.Fields["error"])
	assert.Equal(t, 0.1, dec.Fields["confidence"])
}

func TestAdapter_BackendErrorFallback(t *testing.T) {
	a := &Adapter{Backend: &stubBackend{err: errors.New("connection refused")}}

	dec := a.Decide(context.Background(), Request{Utterance: "hello"})

	assert.Equal(t, "backend_error", dec.Fields["error"])
}

func TestOutcomeForTool(t *testing.T) {
	for name, want := range map[string]Outcome{
		ToolRoutineCheckin:    OutcomeRoutine,
		ToolEmergencyProtocol: OutcomeEmergency,
		ToolEndCall:           OutcomeEndCall,
	} {
		got, ok := OutcomeForTool(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got)
	}
	_, ok := OutcomeForTool("handle_small_talk")
	assert.False(t, ok)
}

func TestSystemPrompt_IncludesCollectedFields(t *testing.T) {
	prompt := SystemPrompt(Request{
		DriverName: "Sam",
		LoadNumber: "482",
		Accumulated: map[string]any{
			"current_location": "I-10 near Phoenix",
			"driver_status":    "Driving",
			"eta":              "",
		},
	})

	assert.True(t, strings.Contains(prompt, "Sam"))
	assert.True(t, strings.Contains(prompt, "482"))
	assert.True(t, strings.Contains(prompt, "- Location: I-10 near Phoenix"))
	assert.True(t, strings.Contains(prompt, "- Status: Driving"))
	assert.False(t, strings.Contains(prompt, "- ETA:"), "empty eta must not be listed")
}

func TestSystemPrompt_NoAccumulatedSection(t *testing.T) {
	prompt := SystemPrompt(Request{DriverName: "Sam", LoadNumber: "482"})
	assert.False(t, strings.Contains(prompt, "INFORMATION ALREADY COLLECTED"))
}
