// Package store defines the durable task gateway used by the sync engine.
// Implementations live in the sub packages.
package store

import (
	"context"
	"errors"

	"github.com/astromechza/listsync/pkg/tasktree"
)

// ErrNotFound is returned when an update names a task that does not exist in its list.
var ErrNotFound = errors.New("task not found")

// Gateway is the sole durable owner of tasks.
type Gateway interface {
	// FindByList returns every task of the list ordered by index ascending,
	// tasks without an index last, ties in insertion order.
	FindByList(ctx context.Context, listID string) ([]tasktree.Task, error)
	// Insert stores a new task and returns it with its assigned ID.
	Insert(ctx context.Context, task tasktree.Task) (tasktree.Task, error)
	// UpdateByID overwrites the mutable fields of the task with the given id in
	// task.ListID. The list id itself is never changed.
	UpdateByID(ctx context.Context, id string, task tasktree.Task) error
	Close() error
}

// BatchUpdater is implemented by gateways that can apply a set of updates
// atomically. Either every task is updated or none is.
type BatchUpdater interface {
	UpdateBatch(ctx context.Context, tasks []tasktree.Task) error
}

// Flusher is implemented by gateways that buffer writes and need a periodic
// flush to durable storage.
type Flusher interface {
	Flush(ctx context.Context) error
}
