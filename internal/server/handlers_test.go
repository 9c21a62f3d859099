package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/at/internal/container"
	"github.com/rakunlabs/at/internal/gpu"
	"github.com/rakunlabs/at/internal/prober"
	"github.com/rakunlabs/at/internal/proxy"
	"github.com/rakunlabs/at/internal/registry"
	"github.com/rakunlabs/at/internal/status"
	"github.com/rakunlabs/at/internal/switchengine"
)

type nullAdapter struct{}

func (nullAdapter) Start(ctx context.Context, handle string) error { return nil }
func (nullAdapter) Stop(ctx context.Context, handle string) error  { return nil }
func (nullAdapter) Inspect(ctx context.Context, handle string) (container.Inspection, error) {
	return container.Inspection{State: container.Absent}, nil
}

type zeroSampler struct{}

func (zeroSampler) Sample(ctx context.Context) (gpu.Snapshot, error) { return gpu.Snapshot{}, nil }

func newTestServer(t *testing.T, backendURL string) *Server {
	t.Helper()
	reg := registry.New([]registry.ModelSpec{
		{ID: "m1", BackendBaseURL: backendURL, ContainerHandle: "h1", ApproxWeightsGB: 1},
	}, 1)

	core, err := proxy.New(time.Second)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}

	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, nullAdapter{}, zeroSampler{}, pr, switchengine.Config{})
	agg := status.New(reg, eng, nullAdapter{}, pr, zeroSampler{}, time.Minute)

	return &Server{
		registry:       reg,
		switchEngine:   eng,
		aggregator:     agg,
		core:           core,
		apiKey:         "sk-test",
		allowedOrigins: []string{"*"},
	}
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyHandlerNotReady(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestListModelsHandler(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.ListModels(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data, _ := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected 1 model, got %v", body)
	}
}

func TestModelsStatusHandler(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.ModelsStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/models/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStartModelNotFound(t *testing.T) {
	s := newTestServer(t, "")
	r := httptest.NewRequest(http.MethodPost, "/v1/models/missing/start", nil)
	r.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	s.StartModel(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for model_not_found", rec.Code)
	}
}

func TestStartModelSuccess(t *testing.T) {
	s := newTestServer(t, "")
	r := httptest.NewRequest(http.MethodPost, "/v1/models/m1/start", nil)
	r.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()
	s.StartModel(rec, r)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestStopModelSuccess(t *testing.T) {
	s := newTestServer(t, "")
	r := httptest.NewRequest(http.MethodPost, "/v1/models/m1/stop", nil)
	r.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()
	s.StopModel(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSwitchModelMissingTarget(t *testing.T) {
	s := newTestServer(t, "")
	r := httptest.NewRequest(http.MethodPost, "/v1/models/switch", nil)
	rec := httptest.NewRecorder()
	s.SwitchModel(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSwitchModelNotFound(t *testing.T) {
	s := newTestServer(t, "")
	r := httptest.NewRequest(http.MethodPost, "/v1/models/switch?target_model=missing", nil)
	rec := httptest.NewRecorder()
	s.SwitchModel(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for model_not_found", rec.Code)
	}
}

func TestChatCompletionsNonStreamPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"x","object":"chat.completion","model":"m1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL)
	reqBody := bytes.NewBufferString(`{"model":"m1","messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", reqBody)
	rec := httptest.NewRecorder()

	s.ChatCompletions(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionsNoToolsForwardsRawBytesUnchanged(t *testing.T) {
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"x","object":"chat.completion","model":"m1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL)
	// Deliberately odd formatting and an unknown top-level field: a
	// byte-exact forward must preserve both, which a re-marshal through the
	// Go struct would not.
	raw := `{"model":"m1",  "messages":[{"role":"user","content":"hi"}],"x_vendor_extra":{"foo":1}}`
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(raw))
	rec := httptest.NewRecorder()

	s.ChatCompletions(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if string(gotBody) != raw {
		t.Fatalf("backend received %q, want byte-identical passthrough of %q", gotBody, raw)
	}
}

func TestCompletionsStripsToolFieldsWhenPresent(t *testing.T) {
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"x","object":"chat.completion","model":"m1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL)
	raw := `{"model":"m1","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"f"}}]}`
	r := httptest.NewRequest(http.MethodPost, "/v1/completions", bytes.NewBufferString(raw))
	rec := httptest.NewRecorder()

	s.Completions(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if _, ok := gotBody["tools"]; ok {
		t.Fatalf("backend received tools field, want it stripped for the legacy /v1/completions route: %v", gotBody)
	}
}

func TestChatCompletionsModelNotFound(t *testing.T) {
	s := newTestServer(t, "")
	reqBody := bytes.NewBufferString(`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", reqBody)
	rec := httptest.NewRecorder()

	s.ChatCompletions(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionsInvalidBody(t *testing.T) {
	s := newTestServer(t, "")
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()

	s.ChatCompletions(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
