// Package postgres implements the accounting/audit store (SPEC_FULL.md
// §13.4) on pgx, grounded in the teacher's postgres.go connection-pool and
// goqu-query-builder idiom. The provider/token/workflow schema that idiom
// originally served has no equivalent in spec.md; only the connection
// setup and query-building texture survive.
package postgres

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

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3
)

const (
	tableRequestLog    = "gateway_request_log"
	tableSwitchTickets = "gateway_switch_tickets"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableRequestLog    exp.IdentifierExpression
	tableSwitchTickets exp.IdentifierExpression
}

var _ store.Accounting = (*Postgres)(nil)

func New(ctx context.Context, cfg *config.StorePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	requestLog := schema + "." + tableRequestLog
	switchTickets := schema + "." + tableSwitchTickets

	if _, err := db.ExecContext(ctx, schemaSQL(requestLog, switchTickets)); err != nil {
		db.Close()
		return nil, fmt.Errorf("create accounting tables: %w", err)
	}

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                 db,
		goqu:               dbGoqu,
		tableRequestLog:    goqu.T(requestLog),
		tableSwitchTickets: goqu.T(switchTickets),
	}, nil
}

func schemaSQL(requestLog, switchTickets string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + requestLog + ` (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	backend       TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	latency_ms    BIGINT NOT NULL,
	prompt_tok    INTEGER NOT NULL,
	complete_tok  INTEGER NOT NULL,
	at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gateway_request_log_at ON ` + requestLog + ` (at DESC);

CREATE TABLE IF NOT EXISTS ` + switchTickets + ` (
	id             TEXT PRIMARY KEY,
	target_model   TEXT NOT NULL,
	from_state     TEXT NOT NULL,
	to_state       TEXT NOT NULL,
	reason         TEXT NOT NULL,
	evicted_models TEXT NOT NULL,
	at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gateway_switch_tickets_at ON ` + switchTickets + ` (at DESC);
`
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) LogRequest(ctx context.Context, e store.RequestLogEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	query, args, err := p.goqu.Insert(p.tableRequestLog).Rows(
		goqu.Record{
			"id":           e.ID,
			"request_id":   e.RequestID,
			"model":        e.Model,
			"backend":      e.Backend,
			"status_code":  e.StatusCode,
			"latency_ms":   e.LatencyMS,
			"prompt_tok":   e.PromptTok,
			"complete_tok": e.CompleteTok,
			"at":           e.At.UTC(),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert request log query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

func (p *Postgres) LogSwitchTicket(ctx context.Context, e store.SwitchTicketEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	query, args, err := p.goqu.Insert(p.tableSwitchTickets).Rows(
		goqu.Record{
			"id":             e.ID,
			"target_model":   e.TargetModel,
			"from_state":     e.FromState,
			"to_state":       e.ToState,
			"reason":         e.Reason,
			"evicted_models": e.EvictedModels,
			"at":             e.At.UTC(),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert switch ticket query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert switch ticket: %w", err)
	}
	return nil
}

func (p *Postgres) RecentRequests(ctx context.Context, limit int) ([]store.RequestLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := p.goqu.From(p.tableRequestLog).
		Select("id", "request_id", "model", "backend", "status_code", "latency_ms", "prompt_tok", "complete_tok", "at").
		Order(goqu.I("at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build recent requests query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent requests: %w", err)
	}
	defer rows.Close()

	var out []store.RequestLogEntry
	for rows.Next() {
		var e store.RequestLogEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Model, &e.Backend, &e.StatusCode, &e.LatencyMS, &e.PromptTok, &e.CompleteTok, &e.At); err != nil {
			return nil, fmt.Errorf("scan request log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) RecentSwitchTickets(ctx context.Context, limit int) ([]store.SwitchTicketEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := p.goqu.From(p.tableSwitchTickets).
		Select("id", "target_model", "from_state", "to_state", "reason", "evicted_models", "at").
		Order(goqu.I("at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build recent switch tickets query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent switch tickets: %w", err)
	}
	defer rows.Close()

	var out []store.SwitchTicketEntry
	for rows.Next() {
		var e store.SwitchTicketEntry
		if err := rows.Scan(&e.ID, &e.TargetModel, &e.FromState, &e.ToState, &e.Reason, &e.EvictedModels, &e.At); err != nil {
			return nil, fmt.Errorf("scan switch ticket row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
