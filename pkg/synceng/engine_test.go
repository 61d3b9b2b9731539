package synceng

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/listsync/pkg/protocol"
	"github.com/astromechza/listsync/pkg/rooms"
	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/store/sqlitestore"
	"github.com/astromechza/listsync/pkg/tasktree"
)

var errOffline = errors.New("connection refused")

// memGateway is a non transactional gateway with failure injection.
type memGateway struct {
	mu          sync.Mutex
	tasks       []tasktree.Task
	nextID      int
	findErr     error
	insertErr   error
	failUpdates map[string]bool
	finds       int
	inserts     int
	updates     int
}

func (g *memGateway) FindByList(_ context.Context, listID string) ([]tasktree.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finds++
	if g.findErr != nil {
		return nil, g.findErr
	}
	out := make([]tasktree.Task, 0)
	for _, t := range g.tasks {
		if t.ListID == listID {
			out = append(out, t)
		}
	}
	tasktree.SortByIndex(out)
	return out, nil
}

func (g *memGateway) Insert(_ context.Context, task tasktree.Task) (tasktree.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inserts++
	if g.insertErr != nil {
		return tasktree.Task{}, g.insertErr
	}
	g.nextID++
	task.ID = fmt.Sprintf("t%d", g.nextID)
	g.tasks = append(g.tasks, task)
	return task, nil
}

func (g *memGateway) UpdateByID(_ context.Context, id string, task tasktree.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates++
	if g.failUpdates[id] {
		return errOffline
	}
	for i, t := range g.tasks {
		if t.ID == id && t.ListID == task.ListID {
			task.ID = id
			g.tasks[i] = task
			return nil
		}
	}
	return store.ErrNotFound
}

func (g *memGateway) Close() error { return nil }

func (g *memGateway) byID(id string) tasktree.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, _ := tasktree.Find(g.tasks, id)
	return t
}

// recordingChannel captures every envelope sent to it.
type recordingChannel struct {
	id   string
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (c *recordingChannel) ID() string { return c.id }

func (c *recordingChannel) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *recordingChannel) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

func (c *recordingChannel) last(t *testing.T) protocol.Envelope {
	t.Helper()
	envs := c.envelopes()
	require.NotEmpty(t, envs, "channel %s received nothing", c.id)
	return envs[len(envs)-1]
}

func decodeTasks(t *testing.T, env protocol.Envelope) []tasktree.Task {
	t.Helper()
	var out []tasktree.Task
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func decodeTask(t *testing.T, env protocol.Envelope) tasktree.Task {
	t.Helper()
	var out tasktree.Task
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func decodeError(t *testing.T, env protocol.Envelope) protocol.ErrorPayload {
	t.Helper()
	require.Equal(t, protocol.EventError, env.Event)
	var out protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func newTestEngine(g store.Gateway) (*Engine, *rooms.Registry) {
	reg := rooms.New()
	return New(g, reg, slog.New(slog.NewTextHandler(io.Discard, nil))), reg
}

func threeSupertasks(g *memGateway) {
	for i := 1; i <= 3; i++ {
		g.tasks = append(g.tasks, tasktree.Task{ID: fmt.Sprintf("%d", i), Label: fmt.Sprintf("task %d", i), ListID: "groceries", Index: tasktree.IntPtr(i - 1)})
	}
	g.tasks = append(g.tasks, tasktree.Task{ID: "1a", Label: "sub", ListID: "groceries", ParentID: tasktree.StrPtr("1")})
}

func taskIDs(tasks []tasktree.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestJoin_EmptyListSnapshotGoesOnlyToJoiner(t *testing.T) {
	g := &memGateway{}
	e, reg := newTestEngine(g)
	a := &recordingChannel{id: "a"}
	b := &recordingChannel{id: "b"}
	reg.Join(b, "groceries")

	require.NoError(t, e.Join(context.Background(), a, "groceries"))

	env := a.last(t)
	assert.Equal(t, protocol.EventFullLoad, env.Event)
	assert.JSONEq(t, `[]`, string(env.Data))
	assert.Empty(t, b.envelopes())
	assert.Len(t, reg.MembersOf("groceries"), 2)
}

func TestJoin_SnapshotSortedByIndex(t *testing.T) {
	g := &memGateway{tasks: []tasktree.Task{
		{ID: "sub", ListID: "groceries", ParentID: tasktree.StrPtr("b")},
		{ID: "b", ListID: "groceries", Index: tasktree.IntPtr(1)},
		{ID: "a", ListID: "groceries", Index: tasktree.IntPtr(0)},
		{ID: "other", ListID: "chores", Index: tasktree.IntPtr(0)},
	}}
	e, _ := newTestEngine(g)
	a := &recordingChannel{id: "a"}

	require.NoError(t, e.Join(context.Background(), a, "groceries"))
	assert.Equal(t, []string{"a", "b", "sub"}, taskIDs(decodeTasks(t, a.last(t))))
}

func TestJoin_StoreUnavailableKeepsMembership(t *testing.T) {
	g := &memGateway{findErr: errOffline}
	e, reg := newTestEngine(g)
	a := &recordingChannel{id: "a"}

	err := e.Join(context.Background(), a, "groceries")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errOffline)
	assert.Empty(t, a.envelopes())
	assert.Len(t, reg.MembersOf("groceries"), 1)

	// retrying once the store is back delivers the snapshot
	g.findErr = nil
	require.NoError(t, e.Join(context.Background(), a, "groceries"))
	assert.Equal(t, protocol.EventFullLoad, a.last(t).Event)
	assert.Len(t, reg.MembersOf("groceries"), 1)
}

func TestCreate_BroadcastsToWholeRoom(t *testing.T) {
	g := &memGateway{}
	e, _ := newTestEngine(g)
	a := &recordingChannel{id: "a"}
	b := &recordingChannel{id: "b"}
	outsider := &recordingChannel{id: "c"}
	ctx := context.Background()
	require.NoError(t, e.Join(ctx, a, "groceries"))
	require.NoError(t, e.Join(ctx, b, "groceries"))
	require.NoError(t, e.Join(ctx, outsider, "chores"))

	created, err := e.Create(ctx, a, tasktree.Task{Label: "milk", ListID: "groceries", ParentID: tasktree.StrPtr(""), Index: tasktree.IntPtr(0)})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Nil(t, created.ParentID)

	for _, ch := range []*recordingChannel{a, b} {
		env := ch.last(t)
		assert.Equal(t, protocol.EventTaskCreated, env.Event)
		got := decodeTask(t, env)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "milk", got.Label)
		assert.Nil(t, got.ParentID)
	}
	assert.Len(t, outsider.envelopes(), 1)
	assert.Nil(t, g.byID(created.ID).ParentID)
}

func TestCreate_AssignsIndexAndParent(t *testing.T) {
	g := &memGateway{}
	threeSupertasks(g)
	e, _ := newTestEngine(g)
	a := &recordingChannel{id: "a"}
	ctx := context.Background()

	top, err := e.Create(ctx, a, tasktree.Task{Label: "bread", ListID: "groceries"})
	require.NoError(t, err)
	require.NotNil(t, top.Index)
	assert.Equal(t, 3, *top.Index)

	sub, err := e.Create(ctx, a, tasktree.Task{Label: "rye", ListID: "groceries", ParentID: &top.ID, Index: tasktree.IntPtr(9)})
	require.NoError(t, err)
	assert.Equal(t, top.ID, *sub.ParentID)
	assert.Nil(t, sub.Index)
}

func TestCreate_Failures(t *testing.T) {
	tests := []struct {
		name string
		g    *memGateway
		task tasktree.Task
	}{
		{name: "empty label", g: &memGateway{}, task: tasktree.Task{ListID: "groceries", Index: tasktree.IntPtr(0)}},
		{name: "empty list", g: &memGateway{}, task: tasktree.Task{Label: "milk", Index: tasktree.IntPtr(0)}},
		{name: "insert fails", g: &memGateway{insertErr: errOffline}, task: tasktree.Task{Label: "milk", ListID: "groceries", Index: tasktree.IntPtr(0)}},
		{name: "lookup fails", g: &memGateway{findErr: errOffline}, task: tasktree.Task{Label: "milk", ListID: "groceries"}},
		{name: "parent in other list", g: &memGateway{tasks: []tasktree.Task{{ID: "p", ListID: "chores", Index: tasktree.IntPtr(0)}}}, task: tasktree.Task{Label: "milk", ListID: "groceries", ParentID: tasktree.StrPtr("p")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, reg := newTestEngine(tt.g)
			a := &recordingChannel{id: "a"}
			b := &recordingChannel{id: "b"}
			reg.Join(a, "groceries")
			reg.Join(b, "groceries")

			env, err := protocol.CreateTask(tt.task)
			require.NoError(t, err)
			err = e.Handle(context.Background(), a, env)
			require.ErrorIs(t, err, ErrCreateFailed)

			assert.Equal(t, protocol.CodeCreateFailed, decodeError(t, a.last(t)).Code)
			assert.Empty(t, b.envelopes())
		})
	}
}

func TestReorderBatch_DragLastToFirst(t *testing.T) {
	g := &memGateway{}
	threeSupertasks(g)
	e, reg := newTestEngine(g)
	a := &recordingChannel{id: "a"}
	b := &recordingChannel{id: "b"}
	reg.Join(a, "groceries")
	reg.Join(b, "groceries")
	ctx := context.Background()

	all, err := g.FindByList(ctx, "groceries")
	require.NoError(t, err)
	super, sub := tasktree.Partition(all)
	reordered, err := tasktree.Reindex(super, "3", 2, 0)
	require.NoError(t, err)

	require.NoError(t, e.ReorderBatch(ctx, a, protocol.Batch{Supertasks: reordered, Subtasks: sub}))

	for _, ch := range []*recordingChannel{a, b} {
		env := ch.last(t)
		assert.Equal(t, protocol.EventFullLoad, env.Event)
		assert.Equal(t, []string{"3", "1", "2", "1a"}, taskIDs(decodeTasks(t, env)))
	}
	assert.Equal(t, 0, *g.byID("3").Index)
	assert.Equal(t, 1, *g.byID("1").Index)
	assert.Equal(t, 2, *g.byID("2").Index)
	assert.Equal(t, 3, g.updates)
}

func TestReorderBatch_EmptyIsNoop(t *testing.T) {
	g := &memGateway{}
	e, reg := newTestEngine(g)
	a := &recordingChannel{id: "a"}
	reg.Join(a, "groceries")

	env, err := protocol.UpdateTasks(protocol.Batch{Subtasks: []tasktree.Task{{ID: "x", ListID: "groceries", ParentID: tasktree.StrPtr("y")}}})
	require.NoError(t, err)
	require.NoError(t, e.Handle(context.Background(), a, env))

	assert.Empty(t, a.envelopes())
	assert.Zero(t, g.updates)
	assert.Zero(t, g.finds)
}

func TestReorderBatch_RejectsInvalidOrdering(t *testing.T) {
	tests := []struct {
		name  string
		batch protocol.Batch
	}{
		{name: "duplicate index", batch: protocol.Batch{Supertasks: []tasktree.Task{
			{ID: "1", ListID: "groceries", Index: tasktree.IntPtr(0)},
			{ID: "2", ListID: "groceries", Index: tasktree.IntPtr(0)},
		}}},
		{name: "gap", batch: protocol.Batch{Supertasks: []tasktree.Task{
			{ID: "1", ListID: "groceries", Index: tasktree.IntPtr(0)},
			{ID: "2", ListID: "groceries", Index: tasktree.IntPtr(2)},
		}}},
		{name: "mixed lists", batch: protocol.Batch{Supertasks: []tasktree.Task{
			{ID: "1", ListID: "groceries", Index: tasktree.IntPtr(0)},
			{ID: "2", ListID: "chores", Index: tasktree.IntPtr(1)},
		}}},
		{name: "supertask with parent", batch: protocol.Batch{Supertasks: []tasktree.Task{
			{ID: "1", ListID: "groceries", Index: tasktree.IntPtr(0), ParentID: tasktree.StrPtr("2")},
		}}},
		{name: "subtask from other list", batch: protocol.Batch{
			Supertasks: []tasktree.Task{{ID: "1", ListID: "groceries", Index: tasktree.IntPtr(0)}},
			Subtasks:   []tasktree.Task{{ID: "1a", ListID: "chores", ParentID: tasktree.StrPtr("1")}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &memGateway{}
			threeSupertasks(g)
			e, reg := newTestEngine(g)
			a := &recordingChannel{id: "a"}
			b := &recordingChannel{id: "b"}
			reg.Join(a, "groceries")
			reg.Join(b, "groceries")

			env, err := protocol.UpdateTasks(tt.batch)
			require.NoError(t, err)
			require.ErrorIs(t, e.Handle(context.Background(), a, env), ErrInvalidBatch)

			assert.Equal(t, protocol.CodeInvalidBatch, decodeError(t, a.last(t)).Code)
			assert.Empty(t, b.envelopes())
			assert.Zero(t, g.updates)
		})
	}
}

func TestReorderBatch_PartialFailureReportsApplied(t *testing.T) {
	g := &memGateway{failUpdates: map[string]bool{"2": true}}
	threeSupertasks(g)
	e, reg := newTestEngine(g)
	a := &recordingChannel{id: "a"}
	b := &recordingChannel{id: "b"}
	reg.Join(a, "groceries")
	reg.Join(b, "groceries")
	ctx := context.Background()

	all, err := g.FindByList(ctx, "groceries")
	require.NoError(t, err)
	super, sub := tasktree.Partition(all)
	reordered, err := tasktree.Reindex(super, "3", 2, 0)
	require.NoError(t, err)

	env, err := protocol.UpdateTasks(protocol.Batch{Supertasks: reordered, Subtasks: sub})
	require.NoError(t, err)
	err = e.Handle(ctx, a, env)

	var re *ReorderError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrReorderFailed)
	assert.Equal(t, 2, re.Applied)

	p := decodeError(t, a.last(t))
	assert.Equal(t, protocol.CodeReorderFailed, p.Code)
	require.NotNil(t, p.Applied)
	assert.Equal(t, 2, *p.Applied)
	assert.Empty(t, b.envelopes())

	// the first two updates are not rolled back, leaving index 1 twice
	assert.Equal(t, 0, *g.byID("3").Index)
	assert.Equal(t, 1, *g.byID("1").Index)
	assert.Equal(t, 1, *g.byID("2").Index)
}

func TestReorderBatch_UnknownTaskWithTransactionalStore(t *testing.T) {
	ctx := context.Background()
	s, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "tasks.sqlite3"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	e, reg := newTestEngine(s)
	a := &recordingChannel{id: "a"}
	reg.Join(a, "groceries")

	first, err := e.Create(ctx, a, tasktree.Task{Label: "milk", ListID: "groceries"})
	require.NoError(t, err)

	batch := protocol.Batch{Supertasks: []tasktree.Task{
		{ID: "ghost", Label: "ghost", ListID: "groceries", Index: tasktree.IntPtr(0)},
		{ID: first.ID, Label: first.Label, ListID: "groceries", Index: tasktree.IntPtr(1)},
	}}
	err = e.ReorderBatch(ctx, a, batch)
	var re *ReorderError
	require.ErrorAs(t, err, &re)
	assert.Zero(t, re.Applied)
	assert.ErrorIs(t, err, store.ErrNotFound)

	tasks, err := s.FindByList(ctx, "groceries")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 0, *tasks[0].Index)
}

func TestConcurrentReordersLastWriteWins(t *testing.T) {
	g := &memGateway{}
	threeSupertasks(g)
	e, reg := newTestEngine(g)
	a := &recordingChannel{id: "a"}
	b := &recordingChannel{id: "b"}
	reg.Join(a, "groceries")
	reg.Join(b, "groceries")
	ctx := context.Background()

	all, err := g.FindByList(ctx, "groceries")
	require.NoError(t, err)
	super, sub := tasktree.Partition(all)
	fromA, err := tasktree.Reindex(super, "", 0, 2)
	require.NoError(t, err)
	fromB, err := tasktree.Reindex(super, "", 2, 0)
	require.NoError(t, err)

	require.NoError(t, e.ReorderBatch(ctx, a, protocol.Batch{Supertasks: fromA, Subtasks: sub}))
	require.NoError(t, e.ReorderBatch(ctx, b, protocol.Batch{Supertasks: fromB, Subtasks: sub}))

	for _, task := range fromB {
		assert.Equal(t, *task.Index, *g.byID(task.ID).Index)
	}
	assert.Equal(t, []string{"3", "1", "2", "1a"}, taskIDs(decodeTasks(t, a.last(t))))
}

func TestHandle_BadMessages(t *testing.T) {
	e, _ := newTestEngine(&memGateway{})
	a := &recordingChannel{id: "a"}
	ctx := context.Background()

	for _, env := range []protocol.Envelope{
		{Event: "delete_everything", Data: json.RawMessage(`{}`)},
		{Event: protocol.EventJoinList},
		{Event: protocol.EventJoinList, Data: json.RawMessage(`""`)},
		{Event: protocol.EventCreateTask, Data: json.RawMessage(`"not a task"`)},
	} {
		err := e.Handle(ctx, a, env)
		require.ErrorIs(t, err, ErrBadMessage, env.Event)
		assert.Equal(t, protocol.CodeBadMessage, decodeError(t, a.last(t)).Code)
	}
}

func TestHandle_JoinStoreUnavailable(t *testing.T) {
	e, _ := newTestEngine(&memGateway{findErr: errOffline})
	a := &recordingChannel{id: "a"}

	env, err := protocol.JoinList("groceries")
	require.NoError(t, err)
	require.ErrorIs(t, e.Handle(context.Background(), a, env), ErrStoreUnavailable)

	envs := a.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.CodeStoreUnavailable, decodeError(t, envs[0]).Code)
}

func TestCreateScenario_TwoClientsSeeSameTask(t *testing.T) {
	e, _ := newTestEngine(&memGateway{})
	a := &recordingChannel{id: "a"}
	b := &recordingChannel{id: "b"}
	ctx := context.Background()

	for _, ch := range []*recordingChannel{a, b} {
		env, err := protocol.JoinList("groceries")
		require.NoError(t, err)
		require.NoError(t, e.Handle(ctx, ch, env))
	}
	env := protocol.Envelope{Event: protocol.EventCreateTask, Data: json.RawMessage(`{"label":"milk","isComplete":false,"parentId":null,"listId":"groceries","index":0}`)}
	require.NoError(t, e.Handle(ctx, a, env))

	fromA := decodeTask(t, a.last(t))
	fromB := decodeTask(t, b.last(t))
	assert.Equal(t, protocol.EventTaskCreated, a.last(t).Event)
	assert.Equal(t, protocol.EventTaskCreated, b.last(t).Event)
	assert.NotEmpty(t, fromA.ID)
	assert.Equal(t, fromA.ID, fromB.ID)
	assert.Equal(t, "milk", fromB.Label)
}

func TestDisconnect(t *testing.T) {
	e, reg := newTestEngine(&memGateway{})
	a := &recordingChannel{id: "a"}
	ctx := context.Background()
	require.NoError(t, e.Join(ctx, a, "groceries"))
	require.NoError(t, e.Join(ctx, a, "chores"))

	e.Disconnect(a)
	e.Disconnect(a)
	assert.Empty(t, reg.Rooms())
}

type deadChannel struct{ id string }

func (c deadChannel) ID() string { return c.id }

func (c deadChannel) Send(protocol.Envelope) error { return errors.New("broken pipe") }

func TestBroadcast_SendFailureDoesNotStopOthers(t *testing.T) {
	g := &memGateway{}
	e, reg := newTestEngine(g)
	ctx := context.Background()
	reg.Join(deadChannel{id: "dead"}, "groceries")
	b := &recordingChannel{id: "b"}
	require.NoError(t, e.Join(ctx, b, "groceries"))

	_, err := e.Create(ctx, b, tasktree.Task{Label: "milk", ListID: "groceries"})
	require.NoError(t, err)
	assert.Equal(t, protocol.EventTaskCreated, b.last(t).Event)
}
