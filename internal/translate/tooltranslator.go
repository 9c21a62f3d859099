package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// ErrToolParseError signals spec.md §4.3/§7's tool_parse_error: the model
// appeared to attempt a tool call but the envelope could not be parsed.
var ErrToolParseError = errors.New("tool_parse_error")

const callIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewCallID generates "call_<24-random-alphanum>" per spec.md §4.3, used
// when a backend emits a tool call without an id.
func NewCallID() string {
	b := make([]byte, 24)
	for i := range b {
		b[i] = callIDAlphabet[rand.IntN(len(callIDAlphabet))]
	}
	return "call_" + string(b)
}

// toolEnvelope is the shape the backend is instructed to emit when calling
// a function: {"tool_calls":[{"id","type":"function","function":{"name","arguments"}}]}.
type toolEnvelope struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// BuildToolPromptBlock renders the instruction block injected into the
// system message when tools are present (spec.md §4.3 step 1).
func BuildToolPromptBlock(tools []Tool) string {
	var b strings.Builder
	b.WriteString("You have access to the following functions. ")
	b.WriteString("When you need to call one, respond with a single JSON object of the form ")
	b.WriteString(`{"tool_calls":[{"id":"<id>","type":"function","function":{"name":"<name>","arguments":"<json-encoded-string>"}}]}. `)
	b.WriteString("The \"arguments\" value must be a JSON-encoded string, not a nested object.\n\n")
	b.WriteString("Available functions:\n")
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		schema, _ := json.Marshal(t.Function.Parameters)
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", t.Function.Name, t.Function.Description, schema)
	}
	return b.String()
}

// InjectTools rewrites req.Messages for forwarding to a backend that cannot
// natively call tools: it merges the tool-prompt block into the leading
// system message (or prepends one), rewrites role=tool messages to
// role=user wrappers, and returns the stripped message slice. The caller is
// responsible for stripping tools/tool_choice/parallel_tool_calls/
// stream_options from the outgoing request body (spec.md §4.3 step 3).
func InjectTools(messages []Message, tools []Tool) []Message {
	if len(tools) == 0 {
		return messages
	}

	block := BuildToolPromptBlock(tools)
	out := make([]Message, 0, len(messages)+1)

	if len(messages) > 0 && messages[0].Role == "system" {
		existing := extractContentString(messages[0].Content)
		merged := existing + "\n\n" + block
		raw, _ := json.Marshal(merged)
		out = append(out, Message{Role: "system", Content: raw})
		messages = messages[1:]
	} else {
		raw, _ := json.Marshal(block)
		out = append(out, Message{Role: "system", Content: raw})
	}

	for _, m := range messages {
		if m.Role == "tool" {
			out = append(out, wrapToolResult(m))
			continue
		}
		out = append(out, m)
	}

	return out
}

// wrapToolResult rewrites a role=tool message into a role=user message
// carrying the tool_call_id and result content in a recognizable shape
// (spec.md §4.3 step 4), since the backend does not accept role=tool.
func wrapToolResult(m Message) Message {
	content := extractContentString(m.Content)
	wrapped := fmt.Sprintf("[tool result for call %s]\n%s", m.ToolCallID, content)
	raw, _ := json.Marshal(wrapped)
	return Message{Role: "user", Content: raw}
}

// StripToolFields reports the request with tools/tool_choice/
// parallel_tool_calls/stream_options cleared, for forwarding to a backend
// that rejects unknown fields (spec.md §4.3 step 3).
func StripToolFields(req ChatCompletionRequest) ChatCompletionRequest {
	req.Tools = nil
	req.ToolChoice = nil
	req.ParallelToolCalls = nil
	req.StreamOptions = nil
	return req
}

// ExtractResult is the outcome of attempting to pull a tool-call envelope
// out of a backend's plain-text content.
type ExtractResult struct {
	ToolCalls []ToolCall
	Content   *string // nil iff the original content was purely the envelope
	Matched   bool
}

// Extract implements spec.md §4.3's backend → client extraction: try a
// fenced ```json block first, then a bare leading JSON object, each
// requiring a "tool_calls" key. Tolerant, not a JSON repair engine (§9).
func Extract(content string) (ExtractResult, error) {
	if body, fenced, ok := extractFencedJSON(content); ok {
		return parseEnvelope(content, body, strings.TrimSpace(content) == strings.TrimSpace(fenced))
	}
	if body, ok := extractLeadingJSONObject(content); ok {
		return parseEnvelope(content, body, strings.TrimSpace(content) == strings.TrimSpace(body))
	}
	return ExtractResult{}, nil
}

func parseEnvelope(original, candidate string, isWholeContent bool) (ExtractResult, error) {
	var env toolEnvelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		// Looked like a tool-call attempt (fenced/leading JSON) but failed
		// to parse: surface tool_parse_error per spec.md §4.3/§7.
		return ExtractResult{}, fmt.Errorf("%w: %v", ErrToolParseError, err)
	}
	if len(env.ToolCalls) == 0 {
		return ExtractResult{}, nil
	}

	for i := range env.ToolCalls {
		if env.ToolCalls[i].ID == "" {
			env.ToolCalls[i].ID = NewCallID()
		}
		if env.ToolCalls[i].Type == "" {
			env.ToolCalls[i].Type = "function"
		}
	}

	res := ExtractResult{ToolCalls: env.ToolCalls, Matched: true}
	if !isWholeContent {
		c := original
		res.Content = &c
	}
	return res, nil
}

// extractFencedJSON finds a ```json ... ``` fenced block and returns its body
// along with the full fenced span (fences included), so the caller can tell
// whether the fence was the whole message or just part of it.
func extractFencedJSON(content string) (body, fenced string, ok bool) {
	const openTag = "```json"
	start := strings.Index(content, openTag)
	if start == -1 {
		return "", "", false
	}
	rest := content[start+len(openTag):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", "", false
	}
	fenced = content[start : start+len(openTag)+end+len("```")]
	return strings.TrimSpace(rest[:end]), fenced, true
}

// extractLeadingJSONObject returns the leading balanced {...} object at the
// start of content (after trimming whitespace), if any.
func extractLeadingJSONObject(content string) (string, bool) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if trimmed == "" || trimmed[0] != '{' {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i, r := range trimmed {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return trimmed[:i+1], true
			}
		}
	}
	return "", false
}
