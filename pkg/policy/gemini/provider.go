// Package gemini implements the dialogue policy backend on the Gemini API,
// mirroring the openai backend: forced function calling, one outcome per
// decision.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// Backend implements policy.Backend on the Gemini API.
type Backend struct {
	client *genai.Client
	model  string
}

// New creates a Gemini policy backend.
func New(ctx context.Context, apiKey, model string) (*Backend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Backend{client: client, model: model}, nil
}

func (b *Backend) Name() string { return "gemini" }

func (b *Backend) Decide(ctx context.Context, req policy.Request) (policy.Decision, error) {
	contents := make([]*genai.Content, 0, len(req.Context)+1)
	for _, m := range req.Context {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Utterance, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(policy.SystemPrompt(req), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.3),
		Tools:             []*genai.Tool{{FunctionDeclarations: decisionDeclarations()}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				// The model must pick exactly one outcome.
				Mode: genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{
					policy.ToolRoutineCheckin,
					policy.ToolEmergencyProtocol,
					policy.ToolEndCall,
				},
			},
		},
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("gemini decide: %w", err)
	}
	return decisionFromResponse(resp)
}

func decisionFromResponse(resp *genai.GenerateContentResponse) (policy.Decision, error) {
	var call *genai.FunctionCall
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.FunctionCall != nil {
				call = part.FunctionCall
				break
			}
		}
		if call != nil {
			break
		}
	}
	if call == nil {
		return policy.Decision{}, fmt.Errorf("no function call selected: %w", policy.ErrMalformed)
	}

	outcome, ok := policy.OutcomeForTool(call.Name)
	if !ok {
		return policy.Decision{}, fmt.Errorf("unknown function %q: %w", call.Name, policy.ErrMalformed)
	}

	fields := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		fields[k] = v
	}
	reply, _ := fields["response_text"].(string)
	delete(fields, "response_text")
	if strings.TrimSpace(reply) == "" {
		reply = policy.FallbackReply
	}
	fields["tool_used"] = call.Name

	return policy.Decision{Reply: reply, Outcome: outcome, Fields: fields}, nil
}

func decisionDeclarations() []*genai.FunctionDeclaration {
	str := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc}
	}
	num := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeNumber, Description: desc}
	}
	boolean := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeBoolean, Description: desc}
	}

	return []*genai.FunctionDeclaration{
		{
			Name:        policy.ToolRoutineCheckin,
			Description: "Handle a normal driver check-in - ask about location, ETA, status updates",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"response_text":    str("Professional dispatcher response asking for location, ETA, or status updates"),
					"call_outcome":     str("Current call status: 'In-Transit Update' or 'Arrival Confirmation'"),
					"driver_status":    str("Driver's current status: 'Driving', 'Delayed', 'Arrived', etc."),
					"current_location": str("Specific location mentioned (highway, city, mile marker)"),
					"eta":              str("Estimated arrival time if provided"),
					"issues_delays":    str("Any non-emergency issues or delays mentioned"),
					"confidence":       num("Confidence in extracted data (0.0-1.0)"),
				},
				Required: []string{"response_text", "confidence"},
			},
		},
		{
			Name:        policy.ToolEmergencyProtocol,
			Description: "EMERGENCY DETECTED - gather critical information and escalate to a human dispatcher",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"response_text":               str("Emergency response: acknowledge, ask if safe, get location, escalate to a human dispatcher"),
					"call_outcome":                str("Must be 'Emergency Detected'"),
					"emergency_type":              str("Type of emergency: 'Accident', 'Breakdown', 'Medical', or 'Other'"),
					"emergency_location":          str("Specific location of the emergency (highway, mile marker, etc.)"),
					"escalation_status":           str("Must be 'Escalation Flagged' - a human dispatcher will call back"),
					"driver_safety_status":        str("Is the driver safe? 'Safe', 'Injured', 'Unknown'"),
					"immediate_assistance_needed": boolean("Does the driver need immediate emergency services?"),
					"confidence":                  num("Confidence in emergency assessment (0.0-1.0)"),
				},
				Required: []string{"response_text", "call_outcome", "emergency_type", "escalation_status", "confidence"},
			},
		},
		{
			Name:        policy.ToolEndCall,
			Description: "END THE CALL - use when all required information is collected",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"response_text": str("Final farewell message ending the call professionally"),
					"call_complete": boolean("Must be true - indicates the call should end"),
					"reason":        str("Why the call is ending: 'All data collected', 'Emergency escalated', 'Driver unresponsive', etc."),
					"confidence":    num("Confidence that the call should end (0.0-1.0)"),
				},
				Required: []string{"response_text", "call_complete", "reason", "confidence"},
			},
		},
	}
}
