package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
)

// MemorySaver is an in-memory Saver for testing.
// Checkpoints are serialized on Put so reads never alias caller maps.
// Data is lost when the process exits.
type MemorySaver struct {
	mu         sync.RWMutex
	serializer *serde.Serializer
	threads    map[string]map[string][]storedCheckpoint // threadID -> namespace -> checkpoints by seq
	seq        int64
	closed     bool
}

// storedCheckpoint holds an encoded record with its storage metadata.
type storedCheckpoint struct {
	id        string
	parentID  string
	seq       int64
	createdAt time.Time
	data      []byte
}

// NewMemorySaver creates a new in-memory saver.
func NewMemorySaver(opts ...SaverOption) *MemorySaver {
	o := applySaverOptions(opts)
	return &MemorySaver{
		serializer: o.serializer,
		threads:    make(map[string]map[string][]storedCheckpoint),
	}
}

// Put implements Saver.
func (m *MemorySaver) Put(ctx context.Context, key Key, cp Checkpoint, meta Metadata, _ ChannelVersions) (Key, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}

	id, data, err := encodePut(m.serializer, key, cp, meta)
	if err != nil {
		return Key{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Key{}, ErrStoreClosed
	}

	if m.threads[key.ThreadID] == nil {
		m.threads[key.ThreadID] = make(map[string][]storedCheckpoint)
	}
	list := m.threads[key.ThreadID][key.Namespace]

	entry := storedCheckpoint{
		id:        id,
		parentID:  key.CheckpointID,
		createdAt: time.Now().UTC(),
		data:      data,
	}

	// Overwrites keep their original position.
	for i := range list {
		if list[i].id == id {
			entry.seq = list[i].seq
			list[i] = entry
			return Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: id}, nil
		}
	}

	m.seq++
	entry.seq = m.seq
	m.threads[key.ThreadID][key.Namespace] = append(list, entry)

	return Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: id}, nil
}

// Get implements Saver.
func (m *MemorySaver) Get(ctx context.Context, key Key) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	list := m.threads[key.ThreadID][key.Namespace]
	if len(list) == 0 {
		return nil, ErrNotFound
	}

	entry := list[len(list)-1]
	if key.CheckpointID != "" {
		i := indexOf(list, key.CheckpointID)
		if i < 0 {
			return nil, ErrNotFound
		}
		entry = list[i]
	}

	rec, err := decodeRecord(m.serializer, entry.data)
	if err != nil {
		return nil, err
	}
	return rec.Checkpoint, nil
}

// List implements Saver.
func (m *MemorySaver) List(ctx context.Context, key Key, opts ListOptions) ([]Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	list := m.threads[key.ThreadID][key.Namespace]
	end := len(list)
	if opts.Before != "" {
		end = indexOf(list, opts.Before)
		if end < 0 {
			return []Tuple{}, nil
		}
	}

	tuples := make([]Tuple, 0, end)
	for i := end - 1; i >= 0; i-- {
		if opts.Limit > 0 && len(tuples) >= opts.Limit {
			break
		}
		entry := list[i]
		rec, err := decodeRecord(m.serializer, entry.data)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, Tuple{
			Key:        Key{ThreadID: key.ThreadID, Namespace: key.Namespace, CheckpointID: entry.id},
			ParentID:   entry.parentID,
			Checkpoint: rec.Checkpoint,
			Metadata:   rec.Metadata,
			CreatedAt:  entry.createdAt,
			Size:       int64(len(entry.data)),
		})
	}
	return tuples, nil
}

// DeleteThread implements Saver.
func (m *MemorySaver) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.threads, threadID)
	return nil
}

// Close implements Saver.
func (m *MemorySaver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.threads = nil
	m.serializer.Close()
	return nil
}

// Len returns the total number of checkpoints (for testing).
func (m *MemorySaver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, namespaces := range m.threads {
		for _, list := range namespaces {
			count += len(list)
		}
	}
	return count
}

func indexOf(list []storedCheckpoint, id string) int {
	for i := range list {
		if list[i].id == id {
			return i
		}
	}
	return -1
}
