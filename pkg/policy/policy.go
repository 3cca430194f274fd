// Package policy is the boundary to the external dialogue decision service.
// A backend returns one reply plus structured fields per turn, and must
// select exactly one outcome; the Adapter bounds the call with a timeout and
// converts every failure into a low-confidence fallback so a session is
// never aborted by the policy.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Outcome is the closed set of decisions a backend may select.
type Outcome string

const (
	OutcomeRoutine   Outcome = "routine"
	OutcomeEmergency Outcome = "emergency"
	OutcomeEndCall   Outcome = "end_call"
)

// Tool names the dialogue LLM chooses between; each maps to one outcome.
const (
	ToolRoutineCheckin    = "handle_routine_checkin"
	ToolEmergencyProtocol = "handle_emergency_protocol"
	ToolEndCall           = "end_call"
)

// OutcomeForTool maps a selected tool to its outcome.
func OutcomeForTool(name string) (Outcome, bool) {
	switch name {
	case ToolRoutineCheckin:
		return OutcomeRoutine, true
	case ToolEmergencyProtocol:
		return OutcomeEmergency, true
	case ToolEndCall:
		return OutcomeEndCall, true
	default:
		return "", false
	}
}

// Message is one entry of the bounded conversation context sent to the
// backend. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// Request carries everything a backend needs for one decision.
type Request struct {
	DriverName  string
	LoadNumber  string
	Utterance   string
	Context     []Message
	Accumulated map[string]any
}

// Decision is a backend's answer: the spoken reply, the selected outcome,
// and the structured fields extracted this turn.
type Decision struct {
	Reply   string
	Outcome Outcome
	Fields  map[string]any
}

var (
	// ErrMalformed reports a backend response that selected zero or an
	// unknown outcome, or could not be parsed.
	ErrMalformed = errors.New("policy: malformed decision")
)

// Backend is one concrete decision service client.
type Backend interface {
	Name() string
	Decide(ctx context.Context, req Request) (Decision, error)
}

// FallbackReply is spoken when the backend fails; the conversation continues.
const FallbackReply = "I understand. Can you provide more details about your current status?"

// Adapter wraps a Backend with the decision budget and the failure fallback.
// Decide never returns an error: the caller always gets something to say.
type Adapter struct {
	Backend Backend
	Timeout time.Duration
	Logger  *slog.Logger
}

func (a *Adapter) Decide(ctx context.Context, req Request) Decision {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dec, err := a.Backend.Decide(cctx, req)
	if err != nil {
		kind := classifyFailure(err)
		if a.Logger != nil {
			a.Logger.Warn("policy decision failed, using fallback",
				"backend", a.Backend.Name(),
				"kind", kind,
				"error", err,
			)
		}
		return fallbackDecision(kind)
	}

	if dec.Fields == nil {
		dec.Fields = make(map[string]any)
	}
	dec.Fields["is_emergency"] = dec.Outcome == OutcomeEmergency
	dec.Fields["should_end_call"] = dec.Outcome == OutcomeEndCall
	return dec
}

func classifyFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed_response"
	default:
		return "backend_error"
	}
}

func fallbackDecision(kind string) Decision {
	return Decision{
		Reply:   FallbackReply,
		Outcome: OutcomeRoutine,
		Fields: map[string]any{
			"is_emergency":    false,
			"should_end_call": false,
			"confidence":      0.1,
			"error":           kind,
		},
	}
}

// SystemPrompt builds the dispatcher instruction for one decision, folding
// in what has already been collected so the LLM does not re-ask for it.
func SystemPrompt(req Request) string {
	driver := req.DriverName
	if driver == "" {
		driver = "the driver"
	}
	load := req.LoadNumber
	if load == "" {
		load = "their load"
	}

	var collected []string
	if v, ok := nonEmptyString(req.Accumulated, "current_location"); ok {
		collected = append(collected, "- Location: "+v)
	}
	if v, ok := nonEmptyString(req.Accumulated, "driver_status"); ok {
		collected = append(collected, "- Status: "+v)
	}
	if v, ok := nonEmptyString(req.Accumulated, "eta"); ok {
		collected = append(collected, "- ETA: "+v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional logistics dispatcher talking to %s about load %s.", driver, load)
	if len(collected) > 0 {
		b.WriteString("\n\nINFORMATION ALREADY COLLECTED:\n")
		b.WriteString(strings.Join(collected, "\n"))
	}
	b.WriteString(`

Choose exactly one tool per turn:
- Use 'handle_emergency_protocol' when the driver mentions an accident, breakdown, medical issue, injury, being stuck or stranded, or asks for urgent help. Acknowledge, confirm safety, get the location, and flag escalation to a human dispatcher.
- Use 'handle_routine_checkin' for normal status updates (driving, delayed, arrived), location updates, and minor issues, when you still need more information (location, status, ETA).
- Use 'end_call' when you have collected everything required (location + status + ETA for routine calls, or the emergency details), or the emergency has been escalated. End professionally.

Do not re-ask for information you already collected. Provide both a spoken response and the extracted fields.`)
	return b.String()
}

func nonEmptyString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
