// Package store defines the narrow accounting/audit persistence contract
// SPEC_FULL.md §13.4 adds on top of spec.md's core: a request log and a
// switch-ticket audit trail. Core correctness never depends on this store;
// when unconfigured (Store.Type == "none"), New returns nil and
// cmd/gateway uses the in-memory store/memory instead, so history is lost
// across restarts.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/store/postgres"
	"github.com/rakunlabs/at/internal/store/sqlite3"
)

// RequestLogEntry is one row of the request accounting log.
type RequestLogEntry struct {
	ID          string
	RequestID   string
	Model       string
	Backend     string
	StatusCode  int
	LatencyMS   int64
	PromptTok   int
	CompleteTok int
	At          time.Time
}

// SwitchTicketEntry is one row of the switch-ticket audit trail.
type SwitchTicketEntry struct {
	ID            string
	TargetModel   string
	FromState     string
	ToState       string
	Reason        string
	EvictedModels string // comma-joined, for a simple single-column log
	At            time.Time
}

// Accounting is the store contract consumed by the HTTP Surface: its
// completion handlers log requests, its SwitchModel handler logs switch
// tickets, and its /v1/usage endpoint reads both back.
type Accounting interface {
	LogRequest(ctx context.Context, e RequestLogEntry) error
	LogSwitchTicket(ctx context.Context, e SwitchTicketEntry) error
	RecentRequests(ctx context.Context, limit int) ([]RequestLogEntry, error)
	RecentSwitchTickets(ctx context.Context, limit int) ([]SwitchTicketEntry, error)
	Close() error
}

// New builds an Accounting store from configuration, or returns (nil, nil)
// when Store.Type is "none" (the default) — callers fall back to
// store/memory's in-memory ring buffer in that case, since internal/store
// cannot import internal/store/memory without an import cycle (memory
// depends on store for the Accounting interface and entry types).
func New(ctx context.Context, cfg config.Store) (Accounting, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "sqlite":
		if cfg.SQLite == nil {
			return nil, fmt.Errorf("store type sqlite requires store.sqlite config")
		}
		return sqlite3.New(ctx, cfg.SQLite)
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("store type postgres requires store.postgres config")
		}
		return postgres.New(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
