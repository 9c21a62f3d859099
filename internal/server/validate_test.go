package server

import (
	"encoding/json"
	"testing"

	"github.com/rakunlabs/at/internal/translate"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestValidateRequestRequiresModel(t *testing.T) {
	req := &translate.ChatCompletionRequest{}
	err := validateRequest(req)
	if err == nil || err.Param != "model" {
		t.Fatalf("validateRequest() = %v, want an error on param=model", err)
	}
}

func TestValidateRequestRejectsNonPositiveMaxTokens(t *testing.T) {
	req := &translate.ChatCompletionRequest{Model: "m", MaxTokens: intPtr(0)}
	err := validateRequest(req)
	if err == nil || err.Param != "max_tokens" {
		t.Fatalf("validateRequest() = %v, want an error on param=max_tokens", err)
	}
}

func TestValidateRequestRejectsOutOfRangeTemperature(t *testing.T) {
	req := &translate.ChatCompletionRequest{Model: "m", Temperature: floatPtr(3)}
	err := validateRequest(req)
	if err == nil || err.Param != "temperature" {
		t.Fatalf("validateRequest() = %v, want an error on param=temperature", err)
	}
}

func TestValidateRequestRejectsOutOfRangeTopP(t *testing.T) {
	req := &translate.ChatCompletionRequest{Model: "m", TopP: floatPtr(1.5)}
	err := validateRequest(req)
	if err == nil || err.Param != "top_p" {
		t.Fatalf("validateRequest() = %v, want an error on param=top_p", err)
	}
}

func TestValidateRequestRejectsUnknownRole(t *testing.T) {
	req := &translate.ChatCompletionRequest{
		Model:    "m",
		Messages: []translate.Message{{Role: "admin", Content: json.RawMessage(`"hi"`)}},
	}
	err := validateRequest(req)
	if err == nil {
		t.Fatal("expected an error for an unknown message role")
	}
}

func TestValidateRequestAcceptsValidRequest(t *testing.T) {
	req := &translate.ChatCompletionRequest{
		Model:    "m",
		Messages: []translate.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
	if err := validateRequest(req); err != nil {
		t.Fatalf("validateRequest() = %v, want nil", err)
	}
}

func TestValidateToolMessageIDsAcceptsKnownID(t *testing.T) {
	messages := []translate.Message{
		{Role: "assistant", ToolCalls: []translate.ToolCall{{ID: "call_1"}}},
		{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`"42"`)},
	}
	if err := validateToolMessageIDs(messages); err != nil {
		t.Fatalf("validateToolMessageIDs() = %v, want nil", err)
	}
}

func TestValidateToolMessageIDsRejectsUnknownID(t *testing.T) {
	messages := []translate.Message{
		{Role: "tool", ToolCallID: "call_unknown", Content: json.RawMessage(`"42"`)},
	}
	if err := validateToolMessageIDs(messages); err == nil {
		t.Fatal("expected an error for a tool_call_id with no matching assistant tool_calls entry")
	}
}

func TestValidateToolChoiceStringValues(t *testing.T) {
	for _, v := range []string{"none", "auto", "required"} {
		raw, _ := json.Marshal(v)
		if err := validateToolChoice(raw); err != nil {
			t.Errorf("validateToolChoice(%q) = %v, want nil", v, err)
		}
	}
}

func TestValidateToolChoiceRejectsUnknownString(t *testing.T) {
	raw, _ := json.Marshal("sometimes")
	if err := validateToolChoice(raw); err == nil {
		t.Fatal("expected an error for an unrecognized tool_choice string")
	}
}

func TestValidateToolChoiceAcceptsFunctionObject(t *testing.T) {
	raw := json.RawMessage(`{"type":"function","function":{"name":"search"}}`)
	if err := validateToolChoice(raw); err != nil {
		t.Fatalf("validateToolChoice() = %v, want nil", err)
	}
}

func TestValidateToolChoiceRejectsMalformedObject(t *testing.T) {
	raw := json.RawMessage(`{"type":"function"}`)
	if err := validateToolChoice(raw); err == nil {
		t.Fatal("expected an error for a function tool_choice missing a name")
	}
}
