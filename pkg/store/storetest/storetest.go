// Package storetest holds the behaviour every store.Gateway implementation
// must share, as a reusable test suite.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/tasktree"
)

// Run exercises a gateway created fresh for every sub test by newGateway.
func Run(t *testing.T, newGateway func(t *testing.T) store.Gateway) {
	t.Run("empty list", func(t *testing.T) {
		g := newGateway(t)
		tasks, err := g.FindByList(context.Background(), "nothing-here")
		require.NoError(t, err)
		assert.NotNil(t, tasks)
		assert.Empty(t, tasks)
	})

	t.Run("insert assigns unique ids", func(t *testing.T) {
		g := newGateway(t)
		ctx := context.Background()
		a, err := g.Insert(ctx, tasktree.Task{Label: "milk", ListID: "groceries", Index: tasktree.IntPtr(0)})
		require.NoError(t, err)
		b, err := g.Insert(ctx, tasktree.Task{Label: "milk", ListID: "groceries", Index: tasktree.IntPtr(1)})
		require.NoError(t, err)
		assert.NotEmpty(t, a.ID)
		assert.NotEmpty(t, b.ID)
		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, "milk", a.Label)
	})

	t.Run("insert ignores a caller supplied id", func(t *testing.T) {
		g := newGateway(t)
		a, err := g.Insert(context.Background(), tasktree.Task{ID: "mine", Label: "milk", ListID: "groceries"})
		require.NoError(t, err)
		assert.NotEqual(t, "mine", a.ID)
	})

	t.Run("insert normalizes empty parent", func(t *testing.T) {
		g := newGateway(t)
		ctx := context.Background()
		_, err := g.Insert(ctx, tasktree.Task{Label: "milk", ListID: "groceries", ParentID: tasktree.StrPtr(""), Index: tasktree.IntPtr(0)})
		require.NoError(t, err)
		tasks, err := g.FindByList(ctx, "groceries")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Nil(t, tasks[0].ParentID)
	})

	t.Run("find orders by index with nil last", func(t *testing.T) {
		g := newGateway(t)
		ctx := context.Background()
		two := insert(t, g, tasktree.Task{Label: "two", ListID: "groceries", Index: tasktree.IntPtr(2)})
		zero := insert(t, g, tasktree.Task{Label: "zero", ListID: "groceries", Index: tasktree.IntPtr(0)})
		sub1 := insert(t, g, tasktree.Task{Label: "sub1", ListID: "groceries", ParentID: &zero.ID})
		oneA := insert(t, g, tasktree.Task{Label: "one-a", ListID: "groceries", Index: tasktree.IntPtr(1)})
		oneB := insert(t, g, tasktree.Task{Label: "one-b", ListID: "groceries", Index: tasktree.IntPtr(1)})
		sub2 := insert(t, g, tasktree.Task{Label: "sub2", ListID: "groceries", ParentID: &two.ID})
		insert(t, g, tasktree.Task{Label: "elsewhere", ListID: "chores", Index: tasktree.IntPtr(0)})

		tasks, err := g.FindByList(ctx, "groceries")
		require.NoError(t, err)
		assert.Equal(t, []string{zero.ID, oneA.ID, oneB.ID, two.ID, sub1.ID, sub2.ID}, ids(tasks))
		assert.Equal(t, zero.ID, *tasks[4].ParentID)
		assert.Nil(t, tasks[4].Index)
	})

	t.Run("update by id", func(t *testing.T) {
		g := newGateway(t)
		ctx := context.Background()
		a := insert(t, g, tasktree.Task{Label: "milk", ListID: "groceries", Index: tasktree.IntPtr(0)})

		a.Label = "oat milk"
		a.IsComplete = true
		a.Index = tasktree.IntPtr(3)
		require.NoError(t, g.UpdateByID(ctx, a.ID, a))

		tasks, err := g.FindByList(ctx, "groceries")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, a, tasks[0])
	})

	t.Run("update of unknown id is not found", func(t *testing.T) {
		g := newGateway(t)
		err := g.UpdateByID(context.Background(), "missing", tasktree.Task{ID: "missing", Label: "x", ListID: "groceries"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update never moves a task between lists", func(t *testing.T) {
		g := newGateway(t)
		ctx := context.Background()
		a := insert(t, g, tasktree.Task{Label: "milk", ListID: "groceries", Index: tasktree.IntPtr(0)})

		moved := a
		moved.ListID = "chores"
		assert.ErrorIs(t, g.UpdateByID(ctx, a.ID, moved), store.ErrNotFound)

		tasks, err := g.FindByList(ctx, "groceries")
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID}, ids(tasks))
		tasks, err = g.FindByList(ctx, "chores")
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("batch update is all or nothing", func(t *testing.T) {
		g := newGateway(t)
		bu, ok := g.(store.BatchUpdater)
		if !ok {
			t.Skip("gateway does not support batch updates")
		}
		ctx := context.Background()
		a := insert(t, g, tasktree.Task{Label: "a", ListID: "groceries", Index: tasktree.IntPtr(0)})
		b := insert(t, g, tasktree.Task{Label: "b", ListID: "groceries", Index: tasktree.IntPtr(1)})

		a.Index, b.Index = tasktree.IntPtr(1), tasktree.IntPtr(0)
		missing := tasktree.Task{ID: "missing", Label: "x", ListID: "groceries", Index: tasktree.IntPtr(2)}
		assert.ErrorIs(t, bu.UpdateBatch(ctx, []tasktree.Task{a, missing, b}), store.ErrNotFound)

		tasks, err := g.FindByList(ctx, "groceries")
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID, b.ID}, ids(tasks))
		assert.Equal(t, 0, *tasks[0].Index)

		require.NoError(t, bu.UpdateBatch(ctx, []tasktree.Task{a, b}))
		tasks, err = g.FindByList(ctx, "groceries")
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID, a.ID}, ids(tasks))
	})
}

func insert(t *testing.T, g store.Gateway, task tasktree.Task) tasktree.Task {
	t.Helper()
	out, err := g.Insert(context.Background(), task)
	require.NoError(t, err)
	return out
}

func ids(tasks []tasktree.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
