package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
)

// chatResponse is the OpenAI Chat Completions response format.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// parseDecision extracts the single selected tool call and maps it to a
// policy decision. Zero tool calls or an unknown tool is malformed.
func parseDecision(body []byte) (policy.Decision, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return policy.Decision{}, fmt.Errorf("unmarshal response: %w: %w", err, policy.ErrMalformed)
	}
	if len(resp.Choices) == 0 {
		return policy.Decision{}, fmt.Errorf("no choices in response: %w", policy.ErrMalformed)
	}

	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) == 0 {
		return policy.Decision{}, fmt.Errorf("no tool call selected: %w", policy.ErrMalformed)
	}
	call := calls[0]

	outcome, ok := policy.OutcomeForTool(call.Function.Name)
	if !ok {
		return policy.Decision{}, fmt.Errorf("unknown tool %q: %w", call.Function.Name, policy.ErrMalformed)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(call.Function.Arguments), &fields); err != nil {
		return policy.Decision{}, fmt.Errorf("unmarshal tool arguments: %w: %w", err, policy.ErrMalformed)
	}

	reply, _ := fields["response_text"].(string)
	delete(fields, "response_text")
	if strings.TrimSpace(reply) == "" {
		reply = policy.FallbackReply
	}
	fields["tool_used"] = call.Function.Name

	return policy.Decision{Reply: reply, Outcome: outcome, Fields: fields}, nil
}
