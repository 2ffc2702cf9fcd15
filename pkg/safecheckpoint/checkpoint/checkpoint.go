// Package checkpoint provides checkpoint persistence with type-safe channel
// versions.
//
// A Saver persists checkpoints keyed by thread and namespace. MemorySaver,
// SQLiteSaver, BadgerSaver and PostgresSaver are the available backends.
// TypeSafeSaver decorates any Saver so that every channel version marker
// read or written is an integer, whatever encoding the orchestration engine
// produced.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field names of a checkpoint document.
const (
	FieldID        = "id"
	FieldTimestamp = "ts"
	FieldValues    = "values"
	FieldVersions  = "versions"
)

// Checkpoint is a snapshot of orchestration state. Its layout is defined by
// the orchestration engine, so it is kept as a document rather than a struct.
// This package only reads FieldID and only rewrites FieldVersions.
type Checkpoint map[string]any

// Metadata is free-form data stored alongside a checkpoint.
type Metadata map[string]any

// ChannelVersions maps channel names to version markers.
type ChannelVersions map[string]any

// New creates a checkpoint with a fresh time-ordered ID and timestamp.
func New(values map[string]any, versions map[string]any) Checkpoint {
	return Checkpoint{
		FieldID:        NewID(),
		FieldTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		FieldValues:    values,
		FieldVersions:  versions,
	}
}

// NewID returns a UUIDv7 string. UUIDv7 sorts by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ID returns the checkpoint ID, or "" if unset or not a string.
func (c Checkpoint) ID() string {
	id, _ := c[FieldID].(string)
	return id
}

// Values returns the channel values, or nil if absent or not a map.
func (c Checkpoint) Values() map[string]any {
	values, _ := c[FieldValues].(map[string]any)
	return values
}

// Versions returns the channel versions map if it is a map[string]any.
func (c Checkpoint) Versions() (map[string]any, bool) {
	switch v := c[FieldVersions].(type) {
	case map[string]any:
		return v, true
	case ChannelVersions:
		return v, true
	}
	return nil, false
}

// withID returns a shallow copy of c carrying id.
func (c Checkpoint) withID(id string) Checkpoint {
	out := make(Checkpoint, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[FieldID] = id
	return out
}

// Key addresses checkpoints. ThreadID is required by every backend.
// An empty CheckpointID on Get selects the latest checkpoint; on Put it
// names the parent of the checkpoint being written.
type Key struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// String formats the key for logs.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ThreadID, k.Namespace, k.CheckpointID)
}

// Latest returns the key with CheckpointID cleared.
func (k Key) Latest() Key {
	k.CheckpointID = ""
	return k
}
