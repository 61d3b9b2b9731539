// Package tasktree holds the task data model for a shared list and the
// ordering rules applied to its top-level items.
package tasktree

// Task is a single item of a list. Top-level items (supertasks) have a nil
// ParentID and a position in Index; nested items (subtasks) have a ParentID
// and no Index.
type Task struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	IsComplete bool    `json:"isComplete"`
	ParentID   *string `json:"parentId"`
	ListID     string  `json:"listId"`
	Index      *int    `json:"index"`
}

// IsSupertask reports whether the task sits at the top level of its list.
func (t Task) IsSupertask() bool {
	return t.ParentID == nil
}

// IndexOr returns the task index or fallback when it has none.
func (t Task) IndexOr(fallback int) int {
	if t.Index == nil {
		return fallback
	}
	return *t.Index
}

// NormalizeParent clears an empty ParentID so that falsy parents are stored
// as absent.
func NormalizeParent(t Task) Task {
	if t.ParentID != nil && *t.ParentID == "" {
		t.ParentID = nil
	}
	return t
}

// IntPtr is a small helper for building tasks with an index.
func IntPtr(i int) *int {
	return &i
}

// StrPtr is a small helper for building tasks with a parent.
func StrPtr(s string) *string {
	return &s
}
