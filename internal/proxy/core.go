// Package proxy implements the Proxy Core: non-stream and SSE stream
// forwarding to a backend and error mapping (spec.md §4.4). The
// X-Request-Id response header is set by the HTTP handlers in
// internal/server, not here.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/at/pkg/openapierr"
)

// Core forwards requests to backends over a shared HTTP client. One Core
// serves every backend; base URL varies per call.
type Core struct {
	client  *http.Client
	timeout time.Duration
}

func New(timeout time.Duration) (*Core, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	c, err := klient.New(
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build proxy client: %w", err)
	}

	return &Core{client: c.HTTP, timeout: timeout}, nil
}

// NonStream POSTs body to backendURL+path and returns the raw response body
// on a 2xx status, or an *openapierr.Error mapped per spec.md §4.4/§7.
func (c *Core) NonStream(ctx context.Context, backendURL, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, openapierr.New(openapierr.BackendUnavailable, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, openapierr.New(openapierr.BackendTimeout, "backend did not respond in time")
		}
		return nil, openapierr.New(openapierr.BackendUnavailable, err.Error()).WithRetryAfter(5)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, openapierr.New(openapierr.BackendUnavailable, err.Error()).WithRetryAfter(5)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := string(respBody)
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"].(string); ok {
				msg = m
			}
		}
		e := openapierr.New(openapierr.InvalidRequest, msg)
		return nil, e
	default:
		return nil, openapierr.New(openapierr.BackendUnavailable, fmt.Sprintf("backend returned status %d", resp.StatusCode)).WithRetryAfter(5)
	}
}

// Stream opens an SSE connection to backendURL+path and invokes onLine for
// each raw "data: ..." payload (without the "data: " prefix or trailing
// blank line), stopping at "[DONE]" or ctx cancellation. It does not
// interpret the payload: the caller decides whether to passthrough or run
// it through the Tool Translator's streaming rewriter.
func (c *Core) Stream(ctx context.Context, backendURL, path string, body []byte, onLine func(data string) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL+path, bytes.NewReader(body))
	if err != nil {
		return openapierr.New(openapierr.BackendUnavailable, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return openapierr.New(openapierr.BackendUnavailable, err.Error()).WithRetryAfter(5)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return openapierr.New(openapierr.BackendUnavailable, fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, respBody)).WithRetryAfter(5)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}
		if err := onLine(data); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return openapierr.New(openapierr.BackendUnavailable, err.Error())
	}
	return nil
}

// SetSSEHeaders writes the headers required for an OpenAI-compatible SSE
// response, matching the teacher's streaming handler conventions.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
