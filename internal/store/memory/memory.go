// Package memory is the default accounting/audit store (SPEC_FULL.md §13.4):
// an in-memory, non-persistent ring buffer used when Store.Type is "none"
// (the default). Core correctness never depends on it; only GET /v1/usage
// loses history across restarts. Grounded in the teacher's memory.go
// sync.RWMutex-guarded map idiom, narrowed from provider/token/workflow
// CRUD to the gateway's two accounting tables.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/at/internal/store"
)

const defaultCapacity = 1000

// Memory is an in-memory implementation of store.Accounting. Data does not
// survive process restarts.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	requests []store.RequestLogEntry
	tickets  []store.SwitchTicketEntry
}

var _ store.Accounting = (*Memory)(nil)

func New() *Memory {
	slog.Info("using in-memory accounting store (history will not persist across restarts)")
	return &Memory{capacity: defaultCapacity}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) LogRequest(_ context.Context, e store.RequestLogEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, e)
	if len(m.requests) > m.capacity {
		m.requests = m.requests[len(m.requests)-m.capacity:]
	}
	return nil
}

func (m *Memory) LogSwitchTicket(_ context.Context, e store.SwitchTicketEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets = append(m.tickets, e)
	if len(m.tickets) > m.capacity {
		m.tickets = m.tickets[len(m.tickets)-m.capacity:]
	}
	return nil
}

// RecentRequests returns up to limit entries, most recent first.
func (m *Memory) RecentRequests(_ context.Context, limit int) ([]store.RequestLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return reversedTail(m.requests, limit), nil
}

// RecentSwitchTickets returns up to limit entries, most recent first.
func (m *Memory) RecentSwitchTickets(_ context.Context, limit int) ([]store.SwitchTicketEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return reversedTail(m.tickets, limit), nil
}

func reversedTail[T any](items []T, limit int) []T {
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]T, len(items))
	for i, v := range items {
		out[len(items)-1-i] = v
	}
	return out
}
