package server

import (
	"encoding/json"
	"fmt"

	"github.com/rakunlabs/at/internal/translate"
	"github.com/rakunlabs/at/pkg/openapierr"
)

// validateRequest implements spec.md §4.2's cross-field invariants. Unknown
// top-level fields are never rejected (translate.ChatCompletionRequest
// simply ignores them via json.Unmarshal's default behavior).
func validateRequest(req *translate.ChatCompletionRequest) *openapierr.Error {
	if req.Model == "" {
		return openapierr.New(openapierr.InvalidRequest, "model is required").WithParam("model")
	}

	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return openapierr.New(openapierr.InvalidRequest, "max_tokens must be > 0").WithParam("max_tokens")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return openapierr.New(openapierr.InvalidRequest, "temperature must be within [0, 2]").WithParam("temperature")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return openapierr.New(openapierr.InvalidRequest, "top_p must be within [0, 1]").WithParam("top_p")
	}

	if len(req.ToolChoice) > 0 {
		if err := validateToolChoice(req.ToolChoice); err != nil {
			return openapierr.New(openapierr.InvalidRequest, err.Error()).WithParam("tool_choice")
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return openapierr.New(openapierr.InvalidRequest, fmt.Sprintf("unknown role %q", m.Role)).WithParam("messages")
		}
	}

	if err := validateToolMessageIDs(req.Messages); err != nil {
		return openapierr.New(openapierr.InvalidToolMessage, err.Error())
	}

	return nil
}

// validateToolMessageIDs enforces spec.md §4.2/§8's tool id matching
// invariant: every role=tool message's tool_call_id must reference an
// earlier role=assistant message's tool_calls[*].id.
func validateToolMessageIDs(messages []translate.Message) error {
	seen := map[string]bool{}
	for _, m := range messages {
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				seen[tc.ID] = true
			}
			continue
		}
		if m.Role == "tool" {
			if m.ToolCallID == "" || !seen[m.ToolCallID] {
				return fmt.Errorf("tool message references unknown tool_call_id %q", m.ToolCallID)
			}
		}
	}
	return nil
}

func validateToolChoice(raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none", "auto", "required":
			return nil
		default:
			return fmt.Errorf("tool_choice string must be none, auto, or required")
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("tool_choice must be a string or {type:\"function\",function:{name}}")
	}
	if obj.Type != "function" || obj.Function.Name == "" {
		return fmt.Errorf(`tool_choice object must be {"type":"function","function":{"name":...}}`)
	}
	return nil
}
