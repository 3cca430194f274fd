package openai

import (
	"encoding/json"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
)

// chatRequest is the OpenAI Chat Completions API request format.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"` // "function"
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func buildRequest(model string, req policy.Request) *chatRequest {
	temperature := 0.3

	messages := make([]chatMessage, 0, len(req.Context)+2)
	messages = append(messages, chatMessage{Role: "system", Content: policy.SystemPrompt(req)})
	for _, m := range req.Context {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Utterance})

	return &chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: &temperature,
		Tools:       decisionTools(),
		ToolChoice:  "required", // the model must pick exactly one outcome
	}
}

func decisionTools() []chatTool {
	return []chatTool{
		{
			Type: "function",
			Function: toolFunction{
				Name:        policy.ToolRoutineCheckin,
				Description: "Handle a normal driver check-in - ask about location, ETA, status updates",
				Parameters:  routineCheckinSchema,
			},
		},
		{
			Type: "function",
			Function: toolFunction{
				Name:        policy.ToolEmergencyProtocol,
				Description: "EMERGENCY DETECTED - gather critical information and escalate to a human dispatcher",
				Parameters:  emergencyProtocolSchema,
			},
		},
		{
			Type: "function",
			Function: toolFunction{
				Name:        policy.ToolEndCall,
				Description: "END THE CALL - use when all required information is collected (location + status + ETA for routine, or emergency details)",
				Parameters:  endCallSchema,
			},
		},
	}
}

var routineCheckinSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"response_text": {"type": "string", "description": "Professional dispatcher response asking for location, ETA, or status updates"},
		"call_outcome": {"type": "string", "description": "Current call status: 'In-Transit Update' or 'Arrival Confirmation'"},
		"driver_status": {"type": "string", "description": "Driver's current status: 'Driving', 'Delayed', 'Arrived', etc."},
		"current_location": {"type": "string", "description": "Specific location mentioned (highway, city, mile marker)"},
		"eta": {"type": "string", "description": "Estimated arrival time if provided"},
		"issues_delays": {"type": "string", "description": "Any non-emergency issues or delays mentioned"},
		"confidence": {"type": "number", "description": "Confidence in extracted data (0.0-1.0)", "minimum": 0, "maximum": 1}
	},
	"required": ["response_text", "confidence"]
}`)

var emergencyProtocolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"response_text": {"type": "string", "description": "Emergency response: acknowledge, ask if safe, get location, escalate to a human dispatcher"},
		"call_outcome": {"type": "string", "description": "Must be 'Emergency Detected'"},
		"emergency_type": {"type": "string", "description": "Type of emergency: 'Accident', 'Breakdown', 'Medical', or 'Other'"},
		"emergency_location": {"type": "string", "description": "Specific location of the emergency (highway, mile marker, etc.)"},
		"escalation_status": {"type": "string", "description": "Must be 'Escalation Flagged' - a human dispatcher will call back"},
		"driver_safety_status": {"type": "string", "description": "Is the driver safe? 'Safe', 'Injured', 'Unknown'"},
		"immediate_assistance_needed": {"type": "boolean", "description": "Does the driver need immediate emergency services?"},
		"confidence": {"type": "number", "description": "Confidence in emergency assessment (0.0-1.0)", "minimum": 0, "maximum": 1}
	},
	"required": ["response_text", "call_outcome", "emergency_type", "escalation_status", "confidence"]
}`)

var endCallSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"response_text": {"type": "string", "description": "Final farewell message ending the call professionally"},
		"call_complete": {"type": "boolean", "description": "Must be true - indicates the call should end"},
		"reason": {"type": "string", "description": "Why the call is ending: 'All data collected', 'Emergency escalated', 'Driver unresponsive', etc."},
		"confidence": {"type": "number", "description": "Confidence that the call should end (0.0-1.0)", "minimum": 0, "maximum": 1}
	},
	"required": ["response_text", "call_complete", "reason", "confidence"]
}`)
