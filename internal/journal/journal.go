// Package journal keeps an append-only SQLite history of rule changes and
// reconciliation passes.
//
// The rules file stays the source of truth: callers log journal failures and
// carry on.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/appwall/internal/clock"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/reconcile"
	"grimm.is/appwall/internal/rules"
)

// Kind of journal event.
type Kind string

const (
	KindRule      Kind = "rule"
	KindReconcile Kind = "reconcile"
)

// Event is one journal row.
type Event struct {
	ID   int64     `json:"id"`
	At   time.Time `json:"at"`
	Kind Kind      `json:"kind"`

	// Rule events. An empty state means no rule.
	Path     string       `json:"path,omitempty"`
	OldState rules.State  `json:"old_state,omitempty"`
	NewState rules.State  `json:"new_state,omitempty"`
	Source   rules.Source `json:"source,omitempty"`

	// Reconcile events.
	PassID  string `json:"pass_id,omitempty"`
	Applied int    `json:"applied,omitempty"`
	Revoked int    `json:"revoked,omitempty"`
	Failed  int    `json:"failed,omitempty"`
	Drift   int    `json:"drift,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// Options configures a Journal.
type Options struct {
	Path   string // Database file path (":memory:" for in-memory)
	Clock  clock.Clock
	Logger *logging.Logger
}

// Journal is the SQLite-backed event log.
type Journal struct {
	db     *sql.DB
	clock  clock.Clock
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

const maxDetail = 1024

// Open opens or creates the journal database.
func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		return nil, awerrors.New(awerrors.KindValidation, "journal path is required")
	}
	dsn := opts.Path
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, awerrors.Wrap(err, awerrors.KindStorage, "create journal directory")
		}
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindStorage, "failed to open journal")
	}
	// SQLite has one writer; a single connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, awerrors.Wrap(err, awerrors.KindStorage, "failed to connect to journal")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	j := &Journal{
		db:     db,
		clock:  clock.OrReal(opts.Clock),
		logger: logger.WithComponent("journal"),
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, awerrors.Wrap(err, awerrors.KindStorage, "failed to initialize journal schema")
	}
	return j, nil
}

// initSchema creates the database tables.
func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			old_state TEXT NOT NULL DEFAULT '',
			new_state TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			pass_id TEXT NOT NULL DEFAULT '',
			applied INTEGER NOT NULL DEFAULT 0,
			revoked INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			drift INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
		CREATE INDEX IF NOT EXISTS idx_events_path ON events(path);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *Journal) insert(ctx context.Context, e Event) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return awerrors.New(awerrors.KindStorage, "journal is closed")
	}
	if e.At.IsZero() {
		e.At = j.clock.Now()
	}
	if len(e.Detail) > maxDetail {
		e.Detail = e.Detail[:maxDetail]
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (at, kind, path, old_state, new_state, source, pass_id, applied, revoked, failed, drift, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixNano(), string(e.Kind), e.Path, string(e.OldState), string(e.NewState), string(e.Source),
		e.PassID, e.Applied, e.Revoked, e.Failed, e.Drift, e.Detail)
	if err != nil {
		return awerrors.Wrapf(err, awerrors.KindStorage, "failed to record %s event", e.Kind)
	}
	return nil
}

// RecordRule logs a rule transition for path.
func (j *Journal) RecordRule(ctx context.Context, path string, old, updated rules.State, src rules.Source) error {
	return j.insert(ctx, Event{Kind: KindRule, Path: path, OldState: old, NewState: updated, Source: src})
}

// RecordPass logs a finished reconciliation pass.
func (j *Journal) RecordPass(ctx context.Context, rep reconcile.Report) error {
	e := Event{
		At:      rep.Finished,
		Kind:    KindReconcile,
		PassID:  rep.ID,
		Applied: len(rep.Applied),
		Revoked: len(rep.Revoked),
		Failed:  len(rep.Failed),
		Drift:   rep.Drift,
	}
	if err := rep.Err(); err != nil {
		e.Detail = err.Error()
	} else if rep.Aborted {
		e.Detail = "aborted"
	}
	return j.insert(ctx, e)
}

// Observe records rep, logging failures instead of returning them. It fits
// reconcile.Options.OnReport.
func (j *Journal) Observe(rep reconcile.Report) {
	if err := j.RecordPass(context.Background(), rep); err != nil {
		j.logger.Warn("Failed to journal reconcile pass", "pass", rep.ID, "error", err)
	}
}

// Query filters Recent.
type Query struct {
	Limit int
	Path  string
	Kind  Kind
	Since time.Time
}

// Recent returns the newest events first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, awerrors.New(awerrors.KindStorage, "journal is closed")
	}

	var where []string
	var args []any
	if q.Path != "" {
		where = append(where, "path = ?")
		args = append(args, q.Path)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	query := `SELECT id, at, kind, path, old_state, new_state, source, pass_id, applied, revoked, failed, drift, detail FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindStorage, "failed to query journal")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                     Event
			at                    int64
			kind, oldS, newS, src string
		)
		if err := rows.Scan(&e.ID, &at, &kind, &e.Path, &oldS, &newS, &src, &e.PassID,
			&e.Applied, &e.Revoked, &e.Failed, &e.Drift, &e.Detail); err != nil {
			return nil, awerrors.Wrap(err, awerrors.KindStorage, "failed to read journal row")
		}
		e.At = time.Unix(0, at).UTC()
		e.Kind = Kind(kind)
		e.OldState = rules.State(oldS)
		e.NewState = rules.State(newS)
		e.Source = rules.Source(src)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindStorage, "failed to read journal")
	}
	return events, nil
}

// Prune deletes events older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, awerrors.New(awerrors.KindStorage, "journal is closed")
	}
	res, err := j.db.ExecContext(ctx, "DELETE FROM events WHERE at < ?", before.UnixNano())
	if err != nil {
		return 0, awerrors.Wrap(err, awerrors.KindStorage, "failed to prune journal")
	}
	return res.RowsAffected()
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

// String renders e for the history command.
func (e Event) String() string {
	switch e.Kind {
	case KindRule:
		from, to := stateOrNone(e.OldState), stateOrNone(e.NewState)
		return fmt.Sprintf("rule %s: %s -> %s (%s)", e.Path, from, to, e.Source)
	case KindReconcile:
		s := fmt.Sprintf("reconcile %s: applied=%d revoked=%d failed=%d drift=%d", e.PassID, e.Applied, e.Revoked, e.Failed, e.Drift)
		if e.Detail != "" {
			s += ": " + e.Detail
		}
		return s
	default:
		return string(e.Kind)
	}
}

func stateOrNone(s rules.State) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
