package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/observability"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
)

// SQLiteSaver persists checkpoints to SQLite.
// It is suitable for single-process production use.
type SQLiteSaver struct {
	db         *sql.DB
	serializer *serde.Serializer
	q          sqlQueries
	logger     *slog.Logger
	mu         sync.RWMutex
	closed     bool
}

// NewSQLiteSaver creates a new SQLite saver.
// The path should be a file path (e.g., "./checkpoints.db") or ":memory:" for testing.
func NewSQLiteSaver(path string, opts ...SaverOption) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s, err := NewSQLiteSaverFromDB(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}

	observability.LogSaverOpened(s.logger, "sqlite", path)
	return s, nil
}

// NewSQLiteSaverFromDB creates a saver over an open database and ensures
// the schema exists. The saver owns db and closes it on Close.
func NewSQLiteSaverFromDB(db *sql.DB, opts ...SaverOption) (*SQLiteSaver, error) {
	o := applySaverOptions(opts)
	q := newSQLQueries(o.tableName, "?")

	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			checkpoint BLOB NOT NULL,
			UNIQUE (thread_id, namespace, checkpoint_id)
		)
	`, o.tableName)); err != nil {
		o.serializer.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_thread
		ON %s(thread_id, namespace, seq)
	`, o.tableName, o.tableName)); err != nil {
		o.serializer.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteSaver{db: db, serializer: o.serializer, q: q, logger: o.logger}, nil
}

// Put implements Saver.
func (s *SQLiteSaver) Put(ctx context.Context, key Key, cp Checkpoint, meta Metadata, _ ChannelVersions) (Key, error) {
	id, data, err := encodePut(s.serializer, key, cp, meta)
	if err != nil {
		return Key{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Key{}, ErrStoreClosed
	}

	// Overwrites keep their original seq.
	_, err = s.db.ExecContext(ctx, s.q.upsert,
		key.ThreadID, key.Namespace, id, key.CheckpointID,
		time.Now().UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return Key{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: id}, nil
}

// Get implements Saver.
func (s *SQLiteSaver) Get(ctx context.Context, key Key) (Checkpoint, error) {
	if key.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var row *sql.Row
	if key.CheckpointID == "" {
		row = s.db.QueryRowContext(ctx, s.q.latest, key.ThreadID, key.Namespace)
	} else {
		row = s.db.QueryRowContext(ctx, s.q.byID, key.ThreadID, key.Namespace, key.CheckpointID)
	}

	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	rec, err := decodeRecord(s.serializer, data)
	if err != nil {
		return nil, err
	}
	return rec.Checkpoint, nil
}

// List implements Saver.
func (s *SQLiteSaver) List(ctx context.Context, key Key, opts ListOptions) ([]Tuple, error) {
	if key.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query, args := s.q.list(key, opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	tuples := []Tuple{}
	for rows.Next() {
		var (
			id, parentID, createdAt string
			data                    []byte
		)
		if err := rows.Scan(&id, &parentID, &createdAt, &data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		tuple, err := s.tuple(key, id, parentID, data)
		if err != nil {
			return nil, err
		}
		tuple.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		tuples = append(tuples, tuple)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return tuples, nil
}

func (s *SQLiteSaver) tuple(key Key, id, parentID string, data []byte) (Tuple, error) {
	rec, err := decodeRecord(s.serializer, data)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{
		Key:        Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: id},
		ParentID:   parentID,
		Checkpoint: rec.Checkpoint,
		Metadata:   rec.Metadata,
		Size:       int64(len(data)),
	}, nil
}

// DeleteThread implements Saver.
func (s *SQLiteSaver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, s.q.deleteThread, threadID); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close implements Saver.
func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.serializer.Close()
	return s.db.Close()
}

// sqlQueries holds the statements shared by the SQL backends. Only the
// placeholder style differs between SQLite and Postgres.
type sqlQueries struct {
	table        string
	placeholder  func(n int) string
	upsert       string
	latest       string
	byID         string
	deleteThread string
}

// newSQLQueries builds statements for table. style is "?" for SQLite or
// "$" for Postgres.
func newSQLQueries(table, style string) sqlQueries {
	ph := func(int) string { return "?" }
	if style == "$" {
		ph = func(n int) string { return fmt.Sprintf("$%d", n) }
	}

	return sqlQueries{
		table:       table,
		placeholder: ph,
		upsert: fmt.Sprintf(`
			INSERT INTO %s (thread_id, namespace, checkpoint_id, parent_id, created_at, checkpoint)
			VALUES (%s, %s, %s, %s, %s, %s)
			ON CONFLICT (thread_id, namespace, checkpoint_id) DO UPDATE SET
				parent_id = excluded.parent_id,
				created_at = excluded.created_at,
				checkpoint = excluded.checkpoint
		`, table, ph(1), ph(2), ph(3), ph(4), ph(5), ph(6)),
		latest: fmt.Sprintf(`
			SELECT checkpoint FROM %s
			WHERE thread_id = %s AND namespace = %s
			ORDER BY seq DESC LIMIT 1
		`, table, ph(1), ph(2)),
		byID: fmt.Sprintf(`
			SELECT checkpoint FROM %s
			WHERE thread_id = %s AND namespace = %s AND checkpoint_id = %s
		`, table, ph(1), ph(2), ph(3)),
		deleteThread: fmt.Sprintf(`DELETE FROM %s WHERE thread_id = %s`, table, ph(1)),
	}
}

// list builds the List query for key and opts.
func (q sqlQueries) list(key Key, opts ListOptions) (string, []any) {
	args := []any{key.ThreadID, key.Namespace}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT checkpoint_id, parent_id, created_at, checkpoint FROM %s WHERE thread_id = %s AND namespace = %s`,
		q.table, q.placeholder(1), q.placeholder(2))

	if opts.Before != "" {
		args = append(args, key.ThreadID, key.Namespace, opts.Before)
		fmt.Fprintf(&b, ` AND seq < (SELECT seq FROM %s WHERE thread_id = %s AND namespace = %s AND checkpoint_id = %s)`,
			q.table, q.placeholder(3), q.placeholder(4), q.placeholder(5))
	}

	b.WriteString(` ORDER BY seq DESC`)

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, ` LIMIT %s`, q.placeholder(len(args)))
	}
	return b.String(), args
}
