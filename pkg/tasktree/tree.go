package tasktree

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	// ErrInvalidPosition is returned when a reorder names a position outside the sequence.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrNotDense is returned when supertask indices are not exactly 0..n-1.
	ErrNotDense = errors.New("indices are not a dense permutation")
)

// Partition splits tasks into supertasks and subtasks, keeping input order in both.
func Partition(tasks []Task) (supertasks []Task, subtasks []Task) {
	supertasks = make([]Task, 0, len(tasks))
	subtasks = make([]Task, 0)
	for _, t := range tasks {
		if t.IsSupertask() {
			supertasks = append(supertasks, t)
		} else {
			subtasks = append(subtasks, t)
		}
	}
	return supertasks, subtasks
}

// Reindex moves the supertask at source to destination and rewrites every
// Index to its new position. The input slice is left untouched. movedID may be
// empty; when set it must identify the task at source.
func Reindex(supertasks []Task, movedID string, source, destination int) ([]Task, error) {
	n := len(supertasks)
	if source < 0 || source >= n {
		return nil, fmt.Errorf("%w: source %d not in [0, %d)", ErrInvalidPosition, source, n)
	}
	if destination < 0 || destination >= n {
		return nil, fmt.Errorf("%w: destination %d not in [0, %d)", ErrInvalidPosition, destination, n)
	}
	if movedID != "" && supertasks[source].ID != movedID {
		return nil, fmt.Errorf("%w: task at %d is %q, not %q", ErrInvalidPosition, source, supertasks[source].ID, movedID)
	}

	out := slices.Clone(supertasks)
	moved := out[source]
	out = slices.Delete(out, source, source+1)
	out = slices.Insert(out, destination, moved)
	for i := range out {
		out[i].Index = IntPtr(i)
	}
	return out, nil
}

// CheckDense verifies that the supertask indices are exactly {0..n-1}.
func CheckDense(supertasks []Task) error {
	seen := make([]bool, len(supertasks))
	for _, t := range supertasks {
		if t.Index == nil {
			return fmt.Errorf("%w: task %q has no index", ErrNotDense, t.ID)
		}
		i := *t.Index
		if i < 0 || i >= len(supertasks) {
			return fmt.Errorf("%w: task %q has index %d outside [0, %d)", ErrNotDense, t.ID, i, len(supertasks))
		}
		if seen[i] {
			return fmt.Errorf("%w: index %d used more than once", ErrNotDense, i)
		}
		seen[i] = true
	}
	return nil
}

// ChildrenOf returns the direct children of parentID in lookup order.
func ChildrenOf(tasks []Task, parentID string) []Task {
	out := make([]Task, 0)
	for _, t := range tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out
}

// Find returns the task with the given id.
func Find(tasks []Task, id string) (Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// SortByIndex orders tasks by Index ascending with nil indices last. Ties keep
// their existing order.
func SortByIndex(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].Index, tasks[j].Index
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}
