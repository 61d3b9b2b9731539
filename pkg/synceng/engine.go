// Package synceng handles client intents against a list: joining its room,
// creating tasks and persisting reorders, then fanning the result out to the
// room.
//
// The engine keeps no per-list state of its own. Each call is handled to
// completion by the caller's goroutine; calls from different channels may run
// concurrently and the gateway is the only shared durable state.
package synceng

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/astromechza/listsync/pkg/protocol"
	"github.com/astromechza/listsync/pkg/rooms"
	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/tasktree"
)

type Engine struct {
	gateway  store.Gateway
	registry *rooms.Registry
	logger   *slog.Logger
}

func New(gateway store.Gateway, registry *rooms.Registry, logger *slog.Logger) *Engine {
	return &Engine{gateway: gateway, registry: registry, logger: logger.With("component", "synceng")}
}

// Join subscribes ch to the list and sends it the list snapshot. The channel
// stays joined even when the snapshot cannot be loaded.
func (e *Engine) Join(ctx context.Context, ch protocol.Channel, listID string) error {
	if listID == "" {
		return fmt.Errorf("%w: empty list id", ErrBadMessage)
	}
	e.registry.Join(ch, listID)

	tasks, err := e.gateway.FindByList(ctx, listID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	tasktree.SortByIndex(tasks)

	env, err := protocol.FullLoad(tasks)
	if err != nil {
		return err
	}
	if err := ch.Send(env); err != nil {
		return fmt.Errorf("failed to send snapshot: %w", err)
	}
	e.logger.Info("joined", "channel", ch.ID(), "list", listID, "tasks", len(tasks))
	return nil
}

// Create persists a new task and announces it to every member of its list,
// the originator included.
func (e *Engine) Create(ctx context.Context, ch protocol.Channel, task tasktree.Task) (tasktree.Task, error) {
	ctx = context.WithoutCancel(ctx)
	task = tasktree.NormalizeParent(task)
	task.ID = ""
	if task.Label == "" {
		return tasktree.Task{}, fmt.Errorf("%w: label is required", ErrCreateFailed)
	}
	if task.ListID == "" {
		return tasktree.Task{}, fmt.Errorf("%w: list id is required", ErrCreateFailed)
	}

	if task.ParentID != nil || task.Index == nil {
		existing, err := e.gateway.FindByList(ctx, task.ListID)
		if err != nil {
			return tasktree.Task{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
		}
		if task.ParentID != nil {
			if _, ok := tasktree.Find(existing, *task.ParentID); !ok {
				return tasktree.Task{}, fmt.Errorf("%w: parent %s is not in list %s", ErrCreateFailed, *task.ParentID, task.ListID)
			}
			task.Index = nil
		} else {
			supertasks, _ := tasktree.Partition(existing)
			task.Index = tasktree.IntPtr(len(supertasks))
		}
	}

	created, err := e.gateway.Insert(ctx, task)
	if err != nil {
		return tasktree.Task{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	env, err := protocol.TaskCreated(created)
	if err != nil {
		return created, err
	}
	e.broadcast(created.ListID, env)
	e.logger.Info("created", "channel", ch.ID(), "list", created.ListID, "task", created.ID)
	return created, nil
}

// ReorderBatch persists the supertasks of a reordered list and sends the whole
// list to the room. The batch must already carry a dense ordering.
func (e *Engine) ReorderBatch(ctx context.Context, ch protocol.Channel, batch protocol.Batch) error {
	if len(batch.Supertasks) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	listID := batch.Supertasks[0].ListID

	supertasks := make([]tasktree.Task, len(batch.Supertasks))
	for i, t := range batch.Supertasks {
		t = tasktree.NormalizeParent(t)
		if t.ParentID != nil {
			return fmt.Errorf("%w: supertask %s has a parent", ErrInvalidBatch, t.ID)
		}
		if t.ListID != listID {
			return fmt.Errorf("%w: supertask %s belongs to list %q, not %q", ErrInvalidBatch, t.ID, t.ListID, listID)
		}
		supertasks[i] = t
	}
	for _, t := range batch.Subtasks {
		if t.ListID != listID {
			return fmt.Errorf("%w: subtask %s belongs to list %q, not %q", ErrInvalidBatch, t.ID, t.ListID, listID)
		}
	}
	if err := tasktree.CheckDense(supertasks); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}

	if bu, ok := e.gateway.(store.BatchUpdater); ok {
		if err := bu.UpdateBatch(ctx, supertasks); err != nil {
			return &ReorderError{Applied: 0, Err: err}
		}
	} else {
		for i, t := range supertasks {
			if err := e.gateway.UpdateByID(ctx, t.ID, t); err != nil {
				return &ReorderError{Applied: i, Err: err}
			}
		}
	}

	full := make([]tasktree.Task, 0, len(supertasks)+len(batch.Subtasks))
	full = append(full, supertasks...)
	full = append(full, batch.Subtasks...)
	env, err := protocol.FullLoad(full)
	if err != nil {
		return err
	}
	e.broadcast(listID, env)
	e.logger.Info("reordered", "channel", ch.ID(), "list", listID, "supertasks", len(supertasks))
	return nil
}

// Disconnect removes ch from every room.
func (e *Engine) Disconnect(ch protocol.Channel) {
	e.registry.Leave(ch)
	e.logger.Info("disconnected", "channel", ch.ID())
}

// Handle decodes and applies one client message. A failure is reported to ch
// only and returned for logging.
func (e *Engine) Handle(ctx context.Context, ch protocol.Channel, env protocol.Envelope) error {
	err := e.dispatch(ctx, ch, env)
	if err != nil {
		e.logger.Warn("request failed", "channel", ch.ID(), "event", env.Event, "err", err)
		if out, encErr := protocol.Error(errorPayload(err)); encErr != nil {
			e.logger.Error("failed to encode error", "err", encErr)
		} else if sendErr := ch.Send(out); sendErr != nil {
			e.logger.Error("failed to send error", "channel", ch.ID(), "err", sendErr)
		}
	}
	return err
}

func (e *Engine) dispatch(ctx context.Context, ch protocol.Channel, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventJoinList:
		var listID string
		if err := env.Decode(&listID); err != nil {
			return fmt.Errorf("%w: %w", ErrBadMessage, err)
		}
		return e.Join(ctx, ch, listID)
	case protocol.EventCreateTask:
		var task tasktree.Task
		if err := env.Decode(&task); err != nil {
			return fmt.Errorf("%w: %w", ErrBadMessage, err)
		}
		_, err := e.Create(ctx, ch, task)
		return err
	case protocol.EventUpdateTasks:
		var batch protocol.Batch
		if err := env.Decode(&batch); err != nil {
			return fmt.Errorf("%w: %w", ErrBadMessage, err)
		}
		return e.ReorderBatch(ctx, ch, batch)
	default:
		return fmt.Errorf("%w: unknown event %q", ErrBadMessage, env.Event)
	}
}

func (e *Engine) broadcast(listID string, env protocol.Envelope) {
	for _, member := range e.registry.MembersOf(listID) {
		if err := member.Send(env); err != nil {
			e.logger.Warn("failed to send", "channel", member.ID(), "list", listID, "event", env.Event, "err", err)
		}
	}
}
