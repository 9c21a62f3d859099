// Package sqlite3 implements the accounting/audit store (SPEC_FULL.md §13.4)
// on modernc.org/sqlite, grounded in the teacher's sqlite3.go WAL-mode,
// single-writer, goqu-query-builder idiom. The provider/token CRUD schema
// that idiom originally served has no equivalent in spec.md; only the
// connection setup and query-building texture survive.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/store"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

const (
	tableRequestLog    = "gateway_request_log"
	tableSwitchTickets = "gateway_switch_tickets"
)

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableRequestLog    exp.IdentifierExpression
	tableSwitchTickets exp.IdentifierExpression
}

var _ store.Accounting = (*SQLite)(nil)

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create accounting tables: %w", err)
	}

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                 db,
		goqu:               dbGoqu,
		tableRequestLog:    goqu.T(tableRequestLog),
		tableSwitchTickets: goqu.T(tableSwitchTickets),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ` + tableRequestLog + ` (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	backend       TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	latency_ms    INTEGER NOT NULL,
	prompt_tok    INTEGER NOT NULL,
	complete_tok  INTEGER NOT NULL,
	at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_` + tableRequestLog + `_at ON ` + tableRequestLog + ` (at DESC);

CREATE TABLE IF NOT EXISTS ` + tableSwitchTickets + ` (
	id             TEXT PRIMARY KEY,
	target_model   TEXT NOT NULL,
	from_state     TEXT NOT NULL,
	to_state       TEXT NOT NULL,
	reason         TEXT NOT NULL,
	evicted_models TEXT NOT NULL,
	at             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_` + tableSwitchTickets + `_at ON ` + tableSwitchTickets + ` (at DESC);
`

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) LogRequest(ctx context.Context, e store.RequestLogEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	query, _, err := s.goqu.Insert(s.tableRequestLog).Rows(
		goqu.Record{
			"id":           e.ID,
			"request_id":   e.RequestID,
			"model":        e.Model,
			"backend":      e.Backend,
			"status_code":  e.StatusCode,
			"latency_ms":   e.LatencyMS,
			"prompt_tok":   e.PromptTok,
			"complete_tok": e.CompleteTok,
			"at":           e.At.UTC().Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert request log query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

func (s *SQLite) LogSwitchTicket(ctx context.Context, e store.SwitchTicketEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	query, _, err := s.goqu.Insert(s.tableSwitchTickets).Rows(
		goqu.Record{
			"id":             e.ID,
			"target_model":   e.TargetModel,
			"from_state":     e.FromState,
			"to_state":       e.ToState,
			"reason":         e.Reason,
			"evicted_models": e.EvictedModels,
			"at":             e.At.UTC().Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert switch ticket query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert switch ticket: %w", err)
	}
	return nil
}

func (s *SQLite) RecentRequests(ctx context.Context, limit int) ([]store.RequestLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query, _, err := s.goqu.From(s.tableRequestLog).
		Select("id", "request_id", "model", "backend", "status_code", "latency_ms", "prompt_tok", "complete_tok", "at").
		Order(goqu.I("at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build recent requests query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query recent requests: %w", err)
	}
	defer rows.Close()

	var out []store.RequestLogEntry
	for rows.Next() {
		var e store.RequestLogEntry
		var at string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Model, &e.Backend, &e.StatusCode, &e.LatencyMS, &e.PromptTok, &e.CompleteTok, &at); err != nil {
			return nil, fmt.Errorf("scan request log row: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) RecentSwitchTickets(ctx context.Context, limit int) ([]store.SwitchTicketEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query, _, err := s.goqu.From(s.tableSwitchTickets).
		Select("id", "target_model", "from_state", "to_state", "reason", "evicted_models", "at").
		Order(goqu.I("at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build recent switch tickets query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query recent switch tickets: %w", err)
	}
	defer rows.Close()

	var out []store.SwitchTicketEntry
	for rows.Next() {
		var e store.SwitchTicketEntry
		var at string
		if err := rows.Scan(&e.ID, &e.TargetModel, &e.FromState, &e.ToState, &e.Reason, &e.EvictedModels, &at); err != nil {
			return nil, fmt.Errorf("scan switch ticket row: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
