// Package sqlstore implements the journal on database/sql via sqlx.
// The "sqlite" driver is modernc.org/sqlite; "pgx" is jackc/pgx stdlib.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/reflexcore/internal/store"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is a sqlx-backed store.Journal.
type Store struct {
	db    *sqlx.DB
	agent string
}

var _ store.Journal = (*Store)(nil)

type entryRow struct {
	ID        string `db:"id"`
	Agent     string `db:"agent"`
	Kind      string `db:"kind"`
	Subject   string `db:"subject"`
	Success   bool   `db:"success"`
	Detail    string `db:"detail"`
	CreatedMS int64  `db:"created_ms"`
}

func (r entryRow) entry() store.Entry {
	return store.Entry{
		ID:        r.ID,
		Agent:     r.Agent,
		Kind:      r.Kind,
		Subject:   r.Subject,
		Success:   r.Success,
		Detail:    r.Detail,
		CreatedAt: time.UnixMilli(r.CreatedMS).UTC(),
	}
}

// Open connects, pings and creates the schema.
func Open(cfg store.StoreConfig) (*Store, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case "sqlite":
		if !strings.Contains(dsn, "_pragma") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, agent: cfg.Agent}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("journal.opened", "driver", cfg.Driver, "dsn_len", len(cfg.DSN))
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id VARCHAR(36) PRIMARY KEY,
			agent VARCHAR(64) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			subject VARCHAR(255) NOT NULL,
			success BOOLEAN NOT NULL,
			detail TEXT NOT NULL,
			created_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_kind_created ON journal_entries(kind, created_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_created ON journal_entries(created_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordAction journals an executor outcome.
func (s *Store) RecordAction(ctx context.Context, rec store.ActionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = store.GenNewID()
	}
	at := rec.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.insert(ctx, rec.ID.String(), store.KindAction, rec.Label, rec.Success, rec, at)
}

// RecordMode journals a reflex preemption.
func (s *Store) RecordMode(ctx context.Context, rec store.ModeRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	return s.insert(ctx, store.GenNewID().String(), store.KindMode, rec.Mode, rec.Success, rec, rec.At)
}

// RecordTranscript journals a conversation flushed on end.
func (s *Store) RecordTranscript(ctx context.Context, rec store.TranscriptRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	return s.insert(ctx, store.GenNewID().String(), store.KindTranscript, rec.Peer, true, rec, rec.At)
}

func (s *Store) insert(ctx context.Context, id, kind, subject string, success bool, detail any, at time.Time) error {
	if err := store.ValidateSubject(subject); err != nil {
		return err
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal %s detail: %w", kind, err)
	}
	agent := s.agent
	if name := store.AgentNameFromContext(ctx); name != "" {
		agent = name
	}

	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO journal_entries (id, agent, kind, subject, success, detail, created_ms)
		 VALUES (:id, :agent, :kind, :subject, :success, :detail, :created_ms)`,
		entryRow{
			ID:        id,
			Agent:     agent,
			Kind:      kind,
			Subject:   subject,
			Success:   success,
			Detail:    string(data),
			CreatedMS: at.UnixMilli(),
		})
	if err != nil {
		return fmt.Errorf("insert %s entry: %w", kind, err)
	}
	return nil
}

// Recent returns the newest entries, optionally filtered by kind.
func (s *Store) Recent(ctx context.Context, kind string, limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, agent, kind, subject, success, detail, created_ms FROM journal_entries`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select recent: %w", err)
	}
	out := make([]store.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

// Get returns one entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*store.Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT id, agent, kind, subject, success, detail, created_ms FROM journal_entries WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	e := row.entry()
	return &e, nil
}

// Prune deletes entries created before cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM journal_entries WHERE created_ms < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
