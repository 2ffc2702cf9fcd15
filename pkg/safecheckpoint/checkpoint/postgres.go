package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/observability"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
)

// PostgresSaver persists checkpoints to PostgreSQL.
// It is suitable for multi-process deployments sharing one database.
type PostgresSaver struct {
	pool       *pgxpool.Pool
	serializer *serde.Serializer
	q          sqlQueries
	logger     *slog.Logger
	mu         sync.RWMutex
	closed     bool
}

// NewPostgresSaver connects to dsn and ensures the schema exists.
func NewPostgresSaver(ctx context.Context, dsn string, opts ...SaverOption) (*PostgresSaver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewPostgresSaverFromPool(pool, opts...)
	if err := s.CreateTables(ctx); err != nil {
		s.Close()
		return nil, err
	}

	observability.LogSaverOpened(s.logger, "postgres", pool.Config().ConnConfig.Database)
	return s, nil
}

// NewPostgresSaverFromPool creates a saver over an existing pool.
// The saver owns pool and closes it on Close. Call CreateTables before use.
func NewPostgresSaverFromPool(pool *pgxpool.Pool, opts ...SaverOption) *PostgresSaver {
	o := applySaverOptions(opts)
	return &PostgresSaver{
		pool:       pool,
		serializer: o.serializer,
		q:          newSQLQueries(o.tableName, "$"),
		logger:     o.logger,
	}
}

// CreateTables creates the checkpoint table and index if missing.
func (s *PostgresSaver) CreateTables(ctx context.Context) error {
	table := s.q.table
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checkpoint BYTEA NOT NULL,
			UNIQUE (thread_id, namespace, checkpoint_id)
		);

		CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s (thread_id, namespace, seq);
	`, table, table, table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Put implements Saver.
func (s *PostgresSaver) Put(ctx context.Context, key Key, cp Checkpoint, meta Metadata, _ ChannelVersions) (Key, error) {
	id, data, err := encodePut(s.serializer, key, cp, meta)
	if err != nil {
		return Key{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Key{}, ErrStoreClosed
	}

	_, err = s.pool.Exec(ctx, s.q.upsert,
		key.ThreadID, key.Namespace, id, key.CheckpointID, time.Now().UTC(), data)
	if err != nil {
		return Key{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: id}, nil
}

// Get implements Saver.
func (s *PostgresSaver) Get(ctx context.Context, key Key) (Checkpoint, error) {
	if key.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var row pgx.Row
	if key.CheckpointID == "" {
		row = s.pool.QueryRow(ctx, s.q.latest, key.ThreadID, key.Namespace)
	} else {
		row = s.pool.QueryRow(ctx, s.q.byID, key.ThreadID, key.Namespace, key.CheckpointID)
	}

	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresSaver) List(ctx context.Context, key Key, opts ListOptions) ([]Tuple, error) {
	if key.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query, args := s.q.list(key, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	tuples := []Tuple{}
	for rows.Next() {
		var (
			id, parentID string
			createdAt    time.Time
			data         []byte
		)
		if err := rows.Scan(&id, &parentID, &createdAt, &data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}

		rec, err := decodeRecord(s.serializer, data)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, Tuple{
			Key:        Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: id},
			ParentID:   parentID,
			Checkpoint: rec.Checkpoint,
			Metadata:   rec.Metadata,
			CreatedAt:  createdAt,
			Size:       int64(len(data)),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return tuples, nil
}

// DeleteThread implements Saver.
func (s *PostgresSaver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.pool.Exec(ctx, s.q.deleteThread, threadID); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close implements Saver.
func (s *PostgresSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.serializer.Close()
	s.pool.Close()
	return nil
}
