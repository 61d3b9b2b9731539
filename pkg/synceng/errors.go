package synceng

import (
	"errors"
	"fmt"

	"github.com/astromechza/listsync/pkg/protocol"
	"github.com/astromechza/listsync/pkg/tasktree"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCreateFailed     = errors.New("create failed")
	ErrReorderFailed    = errors.New("reorder failed")
	ErrInvalidBatch     = errors.New("invalid batch")
	ErrBadMessage       = errors.New("bad message")
)

// ReorderError reports a batch that stopped part way. Updates before the
// failing one stay applied.
type ReorderError struct {
	Applied int
	Err     error
}

func (e *ReorderError) Error() string {
	return fmt.Sprintf("%s after %d updates: %v", ErrReorderFailed, e.Applied, e.Err)
}

func (e *ReorderError) Unwrap() []error {
	return []error{ErrReorderFailed, e.Err}
}

// errorPayload maps an engine error onto the wire error codes.
func errorPayload(err error) protocol.ErrorPayload {
	p := protocol.ErrorPayload{Message: err.Error()}
	var re *ReorderError
	switch {
	case errors.As(err, &re):
		p.Code = protocol.CodeReorderFailed
		applied := re.Applied
		p.Applied = &applied
	case errors.Is(err, ErrStoreUnavailable):
		p.Code = protocol.CodeStoreUnavailable
	case errors.Is(err, ErrCreateFailed):
		p.Code = protocol.CodeCreateFailed
	case errors.Is(err, tasktree.ErrInvalidPosition):
		p.Code = protocol.CodeInvalidPosition
	case errors.Is(err, ErrInvalidBatch):
		p.Code = protocol.CodeInvalidBatch
	default:
		p.Code = protocol.CodeBadMessage
	}
	return p
}
