package tasktree

import "fmt"

// Filter selects which supertasks a view shows.
type Filter string

const (
	FilterAll  Filter = "all"
	FilterDone Filter = "done"
	FilterTodo Filter = "todo"
)

// ParseFilter accepts "all", "done" or "todo". An empty string means all.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterDone, FilterTodo:
		return Filter(s), nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// Match reports whether a supertask is visible under the filter. Subtasks
// never match; they are shown under their parent.
func (f Filter) Match(t Task) bool {
	if !t.IsSupertask() {
		return false
	}
	switch f {
	case FilterDone:
		return t.IsComplete
	case FilterTodo:
		return !t.IsComplete
	default:
		return true
	}
}
