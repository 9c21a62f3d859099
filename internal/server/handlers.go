package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/at/internal/proxy"
	"github.com/rakunlabs/at/internal/registry"
	"github.com/rakunlabs/at/internal/store"
	"github.com/rakunlabs/at/internal/switchengine"
	"github.com/rakunlabs/at/internal/translate"
	"github.com/rakunlabs/at/pkg/openapierr"
)

func requestID(r *http.Request) string {
	return r.Header.Get(mrequestid.HeaderXRequestID)
}

func writeErr(w http.ResponseWriter, r *http.Request, err *openapierr.Error) {
	openapierr.Write(w, requestID(r), err)
}

// withAuth wraps a handler with spec.md §4.1's authorize(request) check.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorize(r); err != nil {
			writeErr(w, r, err)
			return
		}
		next(w, r)
	}
}

// adminAuthMiddlewareFunc protects admin-only endpoints (GET /v1/usage) with
// the separate admin bearer token, a supplement on top of spec.md's surface
// (SPEC_FULL.md §12).
func (s *Server) adminAuthMiddlewareFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if s.config.AdminToken == "" || !strings.HasPrefix(auth, prefix) || !constantTimeEqual(strings.TrimPrefix(auth, prefix), s.config.AdminToken) {
			writeErr(w, r, openapierr.New(openapierr.InvalidAPIKey, "invalid admin token"))
			return
		}
		next(w, r)
	}
}

// decodeRequest parses the OpenAI chat-completion body, preserving unknown
// top-level fields in Extra per spec.md §4.2. It also returns the raw body
// bytes so callers that end up making no changes to the request can forward
// them unchanged instead of re-marshaling through the struct, which would
// otherwise silently drop Extra and perturb field order/formatting.
func decodeRequest(r *http.Request) ([]byte, translate.ChatCompletionRequest, *openapierr.Error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		return nil, translate.ChatCompletionRequest{}, openapierr.New(openapierr.InvalidRequest, "failed to read body")
	}

	var req translate.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, translate.ChatCompletionRequest{}, openapierr.New(openapierr.InvalidRequest, "malformed JSON body")
	}

	var extra map[string]json.RawMessage
	if json.Unmarshal(body, &extra) == nil {
		for _, known := range []string{
			"model", "messages", "stream", "stream_options", "max_tokens",
			"temperature", "top_p", "stop", "tools", "tool_choice", "parallel_tool_calls",
		} {
			delete(extra, known)
		}
		req.Extra = extra
	}

	return body, req, nil
}

// resolveBackend is spec.md §4.4's pure backend-selection function.
func (s *Server) resolveBackend(model string) (registry.ModelSpec, *openapierr.Error) {
	spec, ok := s.registry.Get(model)
	if !ok {
		return registry.ModelSpec{}, openapierr.New(openapierr.ModelNotFound, "model not found: "+model).WithParam("model")
	}
	return spec, nil
}

// ChatCompletions implements POST /v1/chat/completions (spec.md §4.7),
// running the Tool Translator's inject/extract pair around the Proxy Core.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleCompletions(w, r, "/v1/chat/completions", true)
}

// Completions implements the legacy POST /v1/completions route: identical
// backend routing, no tool translation (spec.md §4.7).
func (s *Server) Completions(w http.ResponseWriter, r *http.Request) {
	s.handleCompletions(w, r, "/v1/completions", false)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request, backendPath string, allowTools bool) {
	start := time.Now()

	rawBody, req, verr := decodeRequest(r)
	if verr != nil {
		writeErr(w, r, verr)
		return
	}

	// hadToolFields reflects what the client actually sent, before the
	// !allowTools branch below clears it on the Go struct, so we can tell
	// whether forwarding the raw body verbatim would still be correct for
	// the legacy /v1/completions route.
	hadToolFields := len(req.Tools) > 0 || len(req.ToolChoice) > 0 || req.ParallelToolCalls != nil

	if !allowTools {
		req.Tools = nil
		req.ToolChoice = nil
		req.ParallelToolCalls = nil
	}

	if verr := validateRequest(&req); verr != nil {
		writeErr(w, r, verr)
		return
	}

	spec, verr := s.resolveBackend(req.Model)
	if verr != nil {
		writeErr(w, r, verr)
		return
	}

	useTools := allowTools && len(req.Tools) > 0

	var body []byte
	switch {
	case useTools:
		outgoing := req
		outgoing.Messages = translate.InjectTools(req.Messages, req.Tools)
		outgoing = translate.StripToolFields(outgoing)
		b, err := json.Marshal(outgoing)
		if err != nil {
			writeErr(w, r, openapierr.New(openapierr.InvalidRequest, "failed to encode outgoing request"))
			return
		}
		body = b
	case hadToolFields:
		// Legacy /v1/completions stripped tool fields the client sent; the
		// raw body still has them, so it must be re-marshaled without them.
		b, err := json.Marshal(req)
		if err != nil {
			writeErr(w, r, openapierr.New(openapierr.InvalidRequest, "failed to encode outgoing request"))
			return
		}
		body = b
	default:
		// Nothing changed: forward the client's bytes byte-for-byte
		// (spec.md §8's identity-passthrough property), preserving Extra
		// fields and original formatting instead of re-marshaling.
		body = rawBody
	}

	if req.Stream {
		s.streamCompletion(w, r, spec, backendPath, body, useTools, req.Model)
	} else {
		s.nonStreamCompletion(w, r, spec, backendPath, body, useTools, req.Model, start)
	}
}

func (s *Server) nonStreamCompletion(w http.ResponseWriter, r *http.Request, spec registry.ModelSpec, path string, body []byte, useTools bool, model string, start time.Time) {
	respBody, err := s.core.NonStream(r.Context(), spec.BackendBaseURL, path, body)
	if err != nil {
		s.writeProxyErr(w, r, err)
		return
	}

	var statusCode = http.StatusOK
	if useTools {
		respBody, err = rewriteNonStreamToolResponse(respBody, translate.ResultTemplate{Script: spec.ResultTemplateScript})
		if err != nil {
			if errors.Is(err, translate.ErrToolParseError) {
				writeErr(w, r, openapierr.New(openapierr.ToolParseError, err.Error()))
				return
			}
		}
	}

	w.Header().Set("X-Request-Id", requestID(r))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(respBody)

	s.logRequest(r, model, spec.ID, statusCode, time.Since(start))
}

// rewriteNonStreamToolResponse applies the Tool Translator's extraction pass
// to a non-stream chat-completion body (spec.md §4.3 backend -> client).
func rewriteNonStreamToolResponse(body []byte, tmpl translate.ResultTemplate) ([]byte, error) {
	var resp translate.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return body, nil
	}

	msg := &resp.Choices[0].Message
	if msg.Content == nil || *msg.Content == "" {
		return body, nil
	}

	result, err := translate.Extract(*msg.Content)
	if err != nil {
		return nil, err
	}
	if !result.Matched {
		return body, nil
	}

	for i := range result.ToolCalls {
		result.ToolCalls[i].Function.Arguments = tmpl.Apply(result.ToolCalls[i].Function.Name, result.ToolCalls[i].Function.Arguments)
	}

	msg.ToolCalls = result.ToolCalls
	msg.Content = result.Content
	resp.Choices[0].FinishReason = "tool_calls"

	out, err := json.Marshal(resp)
	if err != nil {
		return body, nil
	}
	return out, nil
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, spec registry.ModelSpec, path string, body []byte, useTools bool, model string) {
	flusher, _ := w.(http.Flusher)

	if !useTools {
		proxy.SetSSEHeaders(w)
		w.Header().Set("X-Request-Id", requestID(r))
		w.WriteHeader(http.StatusOK)

		err := s.core.Stream(r.Context(), spec.BackendBaseURL, path, body, func(data string) error {
			if _, err := w.Write([]byte("data: " + data + "\n\n")); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err == nil {
			w.Write([]byte("data: [DONE]\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	rewriter := translate.NewStreamRewriter(translate.GenerateChatID(), model)
	var sawChunk bool

	err := s.core.Stream(r.Context(), spec.BackendBaseURL, path, body, func(data string) error {
		var chunk translate.ChatCompletionChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			return nil
		}
		if !sawChunk {
			proxy.SetSSEHeaders(w)
			w.Header().Set("X-Request-Id", requestID(r))
			w.WriteHeader(http.StatusOK)
			sawChunk = true
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != nil {
				rewriter.Feed(*c.Delta.Content)
			}
		}
		return nil
	})

	if !sawChunk {
		if err != nil {
			s.writeProxyErr(w, r, err)
			return
		}
		proxy.SetSSEHeaders(w)
		w.Header().Set("X-Request-Id", requestID(r))
		w.WriteHeader(http.StatusOK)
	}

	chunks, ferr := rewriter.Finish()
	if ferr == nil {
		tmpl := translate.ResultTemplate{Script: spec.ResultTemplateScript}
		for ci := range chunks {
			for cj := range chunks[ci].Choices {
				for tk := range chunks[ci].Choices[cj].Delta.ToolCalls {
					tc := &chunks[ci].Choices[cj].Delta.ToolCalls[tk]
					if tc.Function.Arguments != "" {
						tc.Function.Arguments = tmpl.Apply(tc.Function.Name, tc.Function.Arguments)
					}
				}
			}
		}
	}
	if ferr != nil && errors.Is(ferr, translate.ErrToolParseError) {
		// Partial tool-call structure but unparseable: surface as an SSE
		// error frame and close, per spec.md §7.
		w.Write([]byte(`data: {"error":{"message":"tool_parse_error","type":"api_error","code":"tool_parse_error"}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		return
	}
	for _, c := range chunks {
		enc, encErr := translate.EncodeSSE(c)
		if encErr != nil {
			continue
		}
		w.Write(enc)
	}
	w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

// writeProxyErr maps a proxy.Core error (already an *openapierr.Error) onto
// the response, falling back to backend_unavailable for anything else.
func (s *Server) writeProxyErr(w http.ResponseWriter, r *http.Request, err error) {
	var oe *openapierr.Error
	if errors.As(err, &oe) {
		writeErr(w, r, oe)
		return
	}
	writeErr(w, r, openapierr.New(openapierr.BackendUnavailable, err.Error()).WithRetryAfter(5))
}

func (s *Server) logRequest(r *http.Request, model, backend string, statusCode int, latency time.Duration) {
	if s.accounting == nil {
		return
	}
	_ = s.accounting.LogRequest(r.Context(), store.RequestLogEntry{
		RequestID:   requestID(r),
		Model:       model,
		Backend:     backend,
		StatusCode:  statusCode,
		LatencyMS:   latency.Milliseconds(),
		PromptTok:   0,
		CompleteTok: 0,
		At:          time.Now(),
	})
}

// ListModels implements GET /v1/models.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	data := make([]translate.ModelData, 0, len(s.registry.IDs()))
	for _, spec := range s.registry.All() {
		data = append(data, translate.ModelData{ID: spec.ID, Object: "model", OwnedBy: "local"})
	}
	httpResponseJSON(w, translate.ModelsResponse{Object: "list", Data: data}, http.StatusOK)
}

// ModelsStatus implements GET /v1/models/status (spec.md §4.5/§6).
func (s *Server) ModelsStatus(w http.ResponseWriter, r *http.Request) {
	payload := s.aggregator.Status(r.Context())
	httpResponseJSON(w, payload, http.StatusOK)
}

// StartModel implements POST /v1/models/{id}/start: explicit start, no
// eviction (spec.md §4.7).
func (s *Server) StartModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.switchEngine.ExplicitStart(r.Context(), id); err != nil {
		if errors.Is(err, switchengine.ErrModelNotFound) {
			writeErr(w, r, openapierr.New(openapierr.ModelNotFound, "model not found: "+id))
			return
		}
		writeErr(w, r, openapierr.New(openapierr.SwitchFailed, err.Error()))
		return
	}
	httpResponseJSON(w, map[string]string{"status": "starting", "model": id}, http.StatusAccepted)
}

// StopModel implements POST /v1/models/{id}/stop.
func (s *Server) StopModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.switchEngine.ExplicitStop(r.Context(), id); err != nil {
		if errors.Is(err, switchengine.ErrModelNotFound) {
			writeErr(w, r, openapierr.New(openapierr.ModelNotFound, "model not found: "+id))
			return
		}
		writeErr(w, r, openapierr.New(openapierr.SwitchFailed, err.Error()))
		return
	}
	httpResponseJSON(w, map[string]string{"status": "stopped", "model": id}, http.StatusOK)
}

// SwitchModel implements POST /v1/models/switch?target_model=... (spec.md §4.6).
func (s *Server) SwitchModel(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target_model")
	if target == "" {
		writeErr(w, r, openapierr.New(openapierr.InvalidRequest, "target_model is required").WithParam("target_model"))
		return
	}

	outcome, err := s.switchEngine.Switch(r.Context(), target)
	if err != nil {
		switch {
		case errors.Is(err, switchengine.ErrModelNotFound):
			writeErr(w, r, openapierr.New(openapierr.ModelNotFound, "model not found: "+target))
		case errors.Is(err, switchengine.ErrSwitchInProgress):
			writeErr(w, r, openapierr.New(openapierr.SwitchInProgress, "a switch is already in progress for a different target"))
		default:
			writeErr(w, r, openapierr.New(openapierr.SwitchFailed, err.Error()))
		}
		return
	}

	if s.accounting != nil {
		_ = s.accounting.LogSwitchTicket(r.Context(), store.SwitchTicketEntry{
			TargetModel:   target,
			ToState:       outcome.Status,
			Reason:        outcome.Code,
			EvictedModels: strings.Join(outcome.UnloadedModels, ","),
			At:            time.Now(),
		})
	}

	if outcome.Status == "error" && outcome.Code == "insufficient_memory" {
		writeErr(w, r, openapierr.New(openapierr.InsufficientMemory, "insufficient GPU memory to switch").WithExtra(map[string]any{
			"required_gb":   outcome.RequiredGB,
			"available_gb":  outcome.AvailableGB,
			"achievable_gb": outcome.AchievableGB,
		}))
		return
	}
	if outcome.Status == "error" {
		writeErr(w, r, openapierr.New(openapierr.SwitchFailed, "switch failed: "+outcome.Code))
		return
	}

	httpResponseJSON(w, outcome, http.StatusOK)
}

// Usage implements GET /v1/usage, an admin-only supplement to the core spec
// (SPEC_FULL.md §12) exposing recent request and switch-ticket history.
func (s *Server) Usage(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	requests, err := s.accounting.RecentRequests(r.Context(), limit)
	if err != nil {
		writeErr(w, r, openapierr.New(openapierr.InvalidRequest, err.Error()))
		return
	}
	tickets, err := s.accounting.RecentSwitchTickets(r.Context(), limit)
	if err != nil {
		writeErr(w, r, openapierr.New(openapierr.InvalidRequest, err.Error()))
		return
	}

	httpResponseJSON(w, map[string]any{
		"requests":       requests,
		"switch_tickets": tickets,
	}, http.StatusOK)
}

// Health implements GET /health: liveness only, always 200 once the process
// is serving.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// Ready implements GET /ready: progressive readiness, spec.md §4.5.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	if s.aggregator.Ready(r.Context()) {
		httpResponseJSON(w, map[string]string{"status": "ready"}, http.StatusOK)
		return
	}
	httpResponseJSON(w, map[string]string{"status": "not_ready"}, http.StatusServiceUnavailable)
}
