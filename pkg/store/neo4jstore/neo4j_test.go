package neo4jstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/listsync/pkg/tasktree"
)

func TestRecordToTask(t *testing.T) {
	task, err := recordToTask(map[string]any{
		"id":         "a",
		"label":      "milk",
		"isComplete": true,
		"parentId":   nil,
		"listId":     "groceries",
		"index":      int64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, tasktree.Task{ID: "a", Label: "milk", IsComplete: true, ListID: "groceries", Index: tasktree.IntPtr(2)}, task)

	task, err = recordToTask(map[string]any{
		"id":         "b",
		"label":      "oat",
		"isComplete": false,
		"parentId":   "a",
		"listId":     "groceries",
		"index":      nil,
	})
	require.NoError(t, err)
	assert.Equal(t, tasktree.Task{ID: "b", Label: "oat", ParentID: tasktree.StrPtr("a"), ListID: "groceries"}, task)
}

func TestRecordToTask_Invalid(t *testing.T) {
	_, err := recordToTask(map[string]any{"label": "milk"})
	assert.Error(t, err)

	_, err = recordToTask(map[string]any{"id": "a", "index": "zero"})
	assert.Error(t, err)
}

func TestTaskParams(t *testing.T) {
	p := taskParams(tasktree.Task{ID: "a", Label: "milk", ListID: "groceries", Index: tasktree.IntPtr(1)})
	assert.Equal(t, int64(1), p["index"])

	p = taskParams(tasktree.Task{ID: "b", Label: "oat", ListID: "groceries", ParentID: tasktree.StrPtr("a")})
	assert.Nil(t, p["index"])
}
