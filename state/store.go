// Package state defines the durable, thread-keyed checkpoint store used by the
// graph executor. Checkpoint payloads are opaque JSON blobs; stores only index
// them by thread id and sequence.
package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListThreadsQuery struct {
	OwnerID string
	Status  ThreadStatus
	Limit   int
	Offset  int
}

type Store interface {
	SaveThread(ctx context.Context, thread ThreadRecord) error
	LoadThread(ctx context.Context, threadID string) (ThreadRecord, error)
	ListThreads(ctx context.Context, query ListThreadsQuery) ([]ThreadRecord, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, threadID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]CheckpointRecord, error)

	Close() error
}
