package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/at/pkg/openapierr"
)

func TestNonStreamSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New(time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body, err := c.NonStream(context.Background(), srv.URL, "/v1/chat/completions", []byte(`{}`))
	if err != nil {
		t.Fatalf("NonStream: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}
}

func TestNonStream4xxMapsToInvalidRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad field"}`))
	}))
	defer srv.Close()

	c, err := New(time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.NonStream(context.Background(), srv.URL, "/v1/chat/completions", []byte(`{}`))
	var apiErr *openapierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *openapierr.Error", err)
	}
	if apiErr.Kind != openapierr.InvalidRequest {
		t.Fatalf("Kind = %v, want InvalidRequest", apiErr.Kind)
	}
	if apiErr.Message != "bad field" {
		t.Fatalf("Message = %q, want the backend's message field extracted", apiErr.Message)
	}
}

func TestNonStream5xxMapsToBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.NonStream(context.Background(), srv.URL, "/v1/chat/completions", []byte(`{}`))
	var apiErr *openapierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *openapierr.Error", err)
	}
	if apiErr.Kind != openapierr.BackendUnavailable {
		t.Fatalf("Kind = %v, want BackendUnavailable", apiErr.Kind)
	}
}

func TestNonStreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.NonStream(context.Background(), srv.URL, "/v1/chat/completions", []byte(`{}`))
	var apiErr *openapierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *openapierr.Error", err)
	}
	if apiErr.Kind != openapierr.BackendTimeout {
		t.Fatalf("Kind = %v, want BackendTimeout", apiErr.Kind)
	}
}

func TestStreamInvokesOnLinePerDataFrameAndStopsAtDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetSSEHeaders(w)
		w.Write([]byte("data: chunk-1\n\n"))
		w.Write([]byte("data: chunk-2\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c, err := New(time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []string
	err = c.Stream(context.Background(), srv.URL, "/v1/chat/completions", []byte(`{}`), func(data string) error {
		got = append(got, data)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(got) != 2 || got[0] != "chunk-1" || got[1] != "chunk-2" {
		t.Fatalf("got = %v, want [chunk-1 chunk-2]", got)
	}
}

func TestStreamNon200MapsToBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Stream(context.Background(), srv.URL, "/v1/chat/completions", []byte(`{}`), func(data string) error {
		return nil
	})
	var apiErr *openapierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *openapierr.Error", err)
	}
	if apiErr.Kind != openapierr.BackendUnavailable {
		t.Fatalf("Kind = %v, want BackendUnavailable", apiErr.Kind)
	}
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Fatalf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
}
