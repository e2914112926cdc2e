package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rexliu/porthole/pkg/jsonrpc"
	"github.com/rexliu/porthole/pkg/porthole"
)

// Store is the call journal of a profile.
type Store struct {
	db   *sql.DB
	path string
	ids  *jsonrpc.ULIDs
}

// Entry is one journaled call.
type Entry struct {
	RowID     string
	RequestID string
	Server    string
	Method    string
	State     string
	// Kind is empty for successful calls and for errors outside the call taxonomy.
	Kind     string
	Error    string
	Started  time.Time
	Duration time.Duration
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, ids: jsonrpc.NewULIDs()}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			server TEXT NOT NULL,
			method TEXT NOT NULL,
			state TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			duration_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_server ON calls(server, started_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Record journals a finished call.
func (s *Store) Record(ctx context.Context, rec porthole.CallRecord) error {
	var kind, msg string
	if rec.Err != nil {
		msg = rec.Err.Error()
		if k, ok := porthole.KindOf(rec.Err); ok {
			kind = k.String()
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO calls(id, request_id, server, method, state, kind, error, started_at, duration_us) VALUES(?,?,?,?,?,?,?,?,?)`,
		s.ids.NewID(), rec.ID, rec.Server, rec.Method, rec.State.String(), kind, msg,
		rec.Started.UnixMilli(), rec.Duration.Microseconds())
	if err != nil {
		return fmt.Errorf("record call %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. server filters when non-empty.
func (s *Store) Recent(ctx context.Context, server string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, request_id, server, method, state, kind, error, started_at, duration_us FROM calls`
	args := []any{}
	if server != "" {
		query += ` WHERE server = ?`
		args = append(args, server)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			started  int64
			duration int64
		)
		if err := rows.Scan(&e.RowID, &e.RequestID, &e.Server, &e.Method, &e.State, &e.Kind, &e.Error, &started, &duration); err != nil {
			return nil, err
		}
		e.Started = time.UnixMilli(started)
		e.Duration = time.Duration(duration) * time.Microsecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes entries older than before and reports how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Observer returns a porthole.Observer journaling into s. Failures to write
// are logged and do not affect the call.
func (s *Store) Observer(log zerolog.Logger) porthole.Observer {
	return porthole.ObserverFunc(func(ctx context.Context, rec porthole.CallRecord) {
		if err := s.Record(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn().Err(err).Str("server", rec.Server).Msg("Failed to journal call")
		}
	})
}
