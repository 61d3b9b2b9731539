// Package protocol defines the messages exchanged between list clients and the
// server. Every frame is a JSON Envelope naming an event and carrying its data.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/listsync/pkg/tasktree"
)

const (
	// client -> server
	EventJoinList    = "join_list"
	EventCreateTask  = "create_task"
	EventUpdateTasks = "update_tasks"

	// server -> client
	EventFullLoad    = "full_load"
	EventTaskCreated = "task_created"
	EventError       = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeStoreUnavailable = "StoreUnavailable"
	CodeInvalidPosition  = "InvalidPosition"
	CodeCreateFailed     = "CreateFailed"
	CodeReorderFailed    = "ReorderFailed"
	CodeInvalidBatch     = "InvalidBatch"
	CodeBadMessage       = "BadMessage"
)

// Envelope is a single frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Batch is the payload of update_tasks: the reordered supertasks and the
// untouched subtasks of a list.
type Batch struct {
	Supertasks []tasktree.Task `json:"supertasks"`
	Subtasks   []tasktree.Task `json:"subtasks"`
}

// ErrorPayload is sent to the originator of a request that failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Applied is the number of updates persisted before a reorder failed.
	Applied *int `json:"applied,omitempty"`
}

// Channel is a client connection that can be addressed by the server.
type Channel interface {
	ID() string
	Send(env Envelope) error
}

// NewEnvelope encodes data under the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope data into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%s: failed to decode data: %w", e.Event, err)
	}
	return nil
}

// FullLoad builds a full_load envelope. A nil slice is sent as an empty array.
func FullLoad(tasks []tasktree.Task) (Envelope, error) {
	if tasks == nil {
		tasks = []tasktree.Task{}
	}
	return NewEnvelope(EventFullLoad, tasks)
}

// TaskCreated builds a task_created envelope.
func TaskCreated(task tasktree.Task) (Envelope, error) {
	return NewEnvelope(EventTaskCreated, task)
}

// Error builds an error envelope.
func Error(p ErrorPayload) (Envelope, error) {
	return NewEnvelope(EventError, p)
}

// JoinList builds a join_list envelope.
func JoinList(listID string) (Envelope, error) {
	return NewEnvelope(EventJoinList, listID)
}

// CreateTask builds a create_task envelope.
func CreateTask(task tasktree.Task) (Envelope, error) {
	return NewEnvelope(EventCreateTask, task)
}

// UpdateTasks builds an update_tasks envelope.
func UpdateTasks(b Batch) (Envelope, error) {
	if b.Subtasks == nil {
		b.Subtasks = []tasktree.Task{}
	}
	return NewEnvelope(EventUpdateTasks, b)
}
