package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/observability"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
)

// Key layout:
//
//	cp \x00 thread \x00 namespace \x00 seq(8, big endian) -> badgerEntry
//	id \x00 thread \x00 namespace \x00 checkpointID       -> seq(8, big endian)
//
// seq comes from a badger.Sequence, so data keys sort in write order and
// a reverse prefix scan yields newest first.
const (
	badgerDataPrefix   = "cp\x00"
	badgerIndexPrefix  = "id\x00"
	badgerSeqKey       = "seq"
	badgerSeqBandwidth = 128
	badgerMaxRetries   = 8
)

// ErrInvalidKeyPart indicates a thread ID or namespace containing a NUL byte.
var ErrInvalidKeyPart = errors.New("thread ID and namespace must not contain NUL")

// BadgerConfig configures a BadgerSaver.
type BadgerConfig struct {
	// Path is the directory for database files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// Logger receives Badger's internal log output. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerEntry is the stored value of a data key.
type badgerEntry struct {
	ID        string    `msgpack:"id"`
	ParentID  string    `msgpack:"parent_id,omitempty"`
	CreatedAt time.Time `msgpack:"created_at"`
	Data      []byte    `msgpack:"data"`
}

// BadgerSaver persists checkpoints to an embedded BadgerDB.
type BadgerSaver struct {
	db         *badger.DB
	seq        *badger.Sequence
	gc         *gcRunner
	serializer *serde.Serializer
	mu         sync.RWMutex
	closed     bool
}

// NewBadgerSaver opens a BadgerDB and creates a saver over it.
func NewBadgerSaver(cfg BadgerConfig, opts ...SaverOption) (*BadgerSaver, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}

	bopts = bopts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(badgerSeqKey), badgerSeqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sequence: %w", err)
	}

	o := applySaverOptions(opts)
	s := &BadgerSaver{db: db, seq: seq, serializer: o.serializer}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, o.logger)
		s.gc.start()
	}

	location := cfg.Path
	if cfg.InMemory {
		location = "memory"
	}
	observability.LogSaverOpened(o.logger, "badger", location)
	return s, nil
}

// Put implements Saver.
func (s *BadgerSaver) Put(ctx context.Context, key Key, cp Checkpoint, meta Metadata, _ ChannelVersions) (Key, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	if err := checkKeyParts(key.ThreadID, key.Namespace); err != nil {
		return Key{}, err
	}

	id, data, err := encodePut(s.serializer, key, cp, meta)
	if err != nil {
		return Key{}, err
	}

	value, err := msgpack.Marshal(badgerEntry{
		ID:        id,
		ParentID:  key.CheckpointID,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return Key{}, fmt.Errorf("encode entry: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Key{}, ErrStoreClosed
	}

	idKey := badgerIndexKey(key.ThreadID, key.Namespace, id)
	err = s.updateWithRetry(func(txn *badger.Txn) error {
		seq, found, err := lookupSeq(txn, idKey)
		if err != nil {
			return err
		}
		// Overwrites keep their original seq.
		if !found {
			next, err := s.seq.Next()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			seq = next + 1
			if err := txn.Set(idKey, encodeSeq(seq)); err != nil {
				return err
			}
		}
		return txn.Set(badgerDataKey(key.ThreadID, key.Namespace, seq), value)
	})
	if err != nil {
		return Key{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: id}, nil
}

// Get implements Saver.
func (s *BadgerSaver) Get(ctx context.Context, key Key) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKeyParts(key.ThreadID, key.Namespace); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var entry badgerEntry
	err := s.db.View(func(txn *badger.Txn) error {
		if key.CheckpointID != "" {
			seq, found, err := lookupSeq(txn, badgerIndexKey(key.ThreadID, key.Namespace, key.CheckpointID))
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			item, err := txn.Get(badgerDataKey(key.ThreadID, key.Namespace, seq))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return item.Value(func(v []byte) error {
				return msgpack.Unmarshal(v, &entry)
			})
		}

		prefix := badgerThreadNSPrefix(key.ThreadID, key.Namespace)
		it := txn.NewIterator(reverseOptions(prefix))
		defer it.Close()

		it.Seek(seekLast(prefix))
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(v []byte) error {
			return msgpack.Unmarshal(v, &entry)
		})
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	rec, err := decodeRecord(s.serializer, entry.Data)
	if err != nil {
		return nil, err
	}
	return rec.Checkpoint, nil
}

// List implements Saver.
func (s *BadgerSaver) List(ctx context.Context, key Key, opts ListOptions) ([]Tuple, error) {
	if err := checkKeyParts(key.ThreadID, key.Namespace); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	prefix := badgerThreadNSPrefix(key.ThreadID, key.Namespace)
	var entries []badgerEntry

	err := s.db.View(func(txn *badger.Txn) error {
		start := seekLast(prefix)
		if opts.Before != "" {
			seq, found, err := lookupSeq(txn, badgerIndexKey(key.ThreadID, key.Namespace, opts.Before))
			if err != nil {
				return err
			}
			if !found || seq <= 1 {
				return nil
			}
			start = badgerDataKey(key.ThreadID, key.Namespace, seq-1)
		}

		it := txn.NewIterator(reverseOptions(prefix))
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if opts.Limit > 0 && len(entries) >= opts.Limit {
				break
			}
			var entry badgerEntry
			if err := it.Item().Value(func(v []byte) error {
				return msgpack.Unmarshal(v, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	tuples := make([]Tuple, 0, len(entries))
	for _, entry := range entries {
		rec, err := decodeRecord(s.serializer, entry.Data)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, Tuple{
			Key:        Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: entry.ID},
			ParentID:   entry.ParentID,
			Checkpoint: rec.Checkpoint,
			Metadata:   rec.Metadata,
			CreatedAt:  entry.CreatedAt,
			Size:       int64(len(entry.Data)),
		})
	}
	return tuples, nil
}

// DeleteThread implements Saver.
func (s *BadgerSaver) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKeyParts(threadID, ""); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{
			[]byte(badgerDataPrefix + threadID + "\x00"),
			[]byte(badgerIndexPrefix + threadID + "\x00"),
		} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete thread checkpoints: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close implements Saver.
func (s *BadgerSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.gc != nil {
		s.gc.stop()
	}
	s.serializer.Close()

	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sequence: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close badger database: %w", err))
	}
	return errors.Join(errs...)
}

// updateWithRetry runs fn in a read-write transaction, retrying when a
// concurrent Put touched the same keys.
func (s *BadgerSaver) updateWithRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for range badgerMaxRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func checkKeyParts(threadID, namespace string) error {
	if threadID == "" {
		return ErrThreadIDRequired
	}
	if strings.IndexByte(threadID, 0) >= 0 || strings.IndexByte(namespace, 0) >= 0 {
		return ErrInvalidKeyPart
	}
	return nil
}

func lookupSeq(txn *badger.Txn, idKey []byte) (uint64, bool, error) {
	item, err := txn.Get(idKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	var seq uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt index entry for %q", idKey)
		}
		seq = binary.BigEndian.Uint64(v)
		return nil
	})
	return seq, err == nil, err
}

func badgerThreadNSPrefix(threadID, namespace string) []byte {
	return []byte(badgerDataPrefix + threadID + "\x00" + namespace + "\x00")
}

func badgerDataKey(threadID, namespace string, seq uint64) []byte {
	return append(badgerThreadNSPrefix(threadID, namespace), encodeSeq(seq)...)
}

func badgerIndexKey(threadID, namespace, id string) []byte {
	return []byte(badgerIndexPrefix + threadID + "\x00" + namespace + "\x00" + id)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func reverseOptions(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	return opts
}

// seekLast returns a key sorting after every data key under prefix.
func seekLast(prefix []byte) []byte {
	return append(bytes.Clone(prefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// ErrNoRewrite means nothing was worth collecting.
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
		r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
	}
}
