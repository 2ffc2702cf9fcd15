package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
)

// Saver persists checkpoints.
// Implementations must be safe for concurrent use.
type Saver interface {
	// Put stores a checkpoint under key's thread and namespace and returns
	// the key of the stored checkpoint. key.CheckpointID, if set, is
	// recorded as the parent. A checkpoint without an ID is assigned one.
	// hints names the channels updated by this write; backends that store
	// whole checkpoints may ignore it.
	Put(ctx context.Context, key Key, cp Checkpoint, meta Metadata, hints ChannelVersions) (Key, error)

	// Get retrieves the checkpoint at key, or the latest in the thread and
	// namespace when key.CheckpointID is empty.
	// Returns ErrNotFound if no checkpoint matches.
	Get(ctx context.Context, key Key) (Checkpoint, error)

	// List returns checkpoints in key's thread and namespace, newest first.
	// Returns an empty slice (not an error) if there are none.
	List(ctx context.Context, key Key, opts ListOptions) ([]Tuple, error)

	// DeleteThread removes every checkpoint of a thread, in all namespaces.
	// Returns nil if the thread has no checkpoints.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// ListOptions filters List results.
type ListOptions struct {
	// Limit caps the number of results. Zero means no limit.
	Limit int

	// Before restricts results to checkpoints written before the one with
	// this ID. An unknown ID yields no results.
	Before string
}

// Tuple is a stored checkpoint with its storage metadata.
type Tuple struct {
	Key        Key
	ParentID   string
	Checkpoint Checkpoint
	Metadata   Metadata
	CreatedAt  time.Time
	Size       int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the saver has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrThreadIDRequired indicates a key without a thread ID.
	ErrThreadIDRequired = errors.New("thread ID required")

	// ErrNilCheckpoint indicates Put was called with a nil checkpoint.
	ErrNilCheckpoint = errors.New("checkpoint is nil")
)

// record is the unit encoded into a backend blob.
type record struct {
	Checkpoint Checkpoint `json:"checkpoint" msgpack:"checkpoint"`
	Metadata   Metadata   `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// encodePut validates a Put and encodes its record. It returns the ID the
// checkpoint is stored under.
func encodePut(s *serde.Serializer, key Key, cp Checkpoint, meta Metadata) (string, []byte, error) {
	if key.ThreadID == "" {
		return "", nil, ErrThreadIDRequired
	}
	if cp == nil {
		return "", nil, ErrNilCheckpoint
	}

	id := cp.ID()
	if id == "" {
		id = NewID()
		cp = cp.withID(id)
	}

	data, err := s.Encode(record{Checkpoint: cp, Metadata: meta})
	if err != nil {
		return "", nil, err
	}
	return id, data, nil
}

func decodeRecord(s *serde.Serializer, data []byte) (record, error) {
	var rec record
	if err := s.Decode(data, &rec); err != nil {
		return record{}, err
	}
	return rec, nil
}

// saverOptions holds configuration shared by the backends.
type saverOptions struct {
	serializer *serde.Serializer
	tableName  string
	logger     *slog.Logger
}

func defaultSaverOptions() saverOptions {
	return saverOptions{tableName: "checkpoints"}
}

// SaverOption configures a backend.
type SaverOption func(*saverOptions)

// WithSerializer sets the blob serializer. The saver takes ownership and
// closes it on Close. Default: uncompressed JSON.
func WithSerializer(s *serde.Serializer) SaverOption {
	return func(o *saverOptions) {
		o.serializer = s
	}
}

// WithTableName overrides the SQL table name ("checkpoints"). Names that
// are not plain identifiers are ignored.
func WithTableName(name string) SaverOption {
	return func(o *saverOptions) {
		if isSafeIdent(name) {
			o.tableName = name
		}
	}
}

// WithSaverLogger sets the logger for backend events.
func WithSaverLogger(logger *slog.Logger) SaverOption {
	return func(o *saverOptions) {
		o.logger = logger
	}
}

func applySaverOptions(opts []SaverOption) saverOptions {
	o := defaultSaverOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.serializer == nil {
		o.serializer = serde.Default()
	}
	return o
}

// isSafeIdent permits only ASCII letters, digits and underscore.
func isSafeIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			continue
		}
		return false
	}
	return true
}
