package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/listsync/pkg/protocol"
	"github.com/astromechza/listsync/pkg/tasktree"
)

// session is one client connection joined to a single list.
type session struct {
	conn   *websocket.Conn
	listID string
}

func dial(ctx context.Context, addr, listID string) (*session, []tasktree.Task, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/sync"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}
	s := &session{conn: conn, listID: listID}
	env, err := protocol.JoinList(listID)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := s.send(env); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	got, err := s.await(protocol.EventFullLoad)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	var tasks []tasktree.Task
	if err := got.Decode(&tasks); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return s, tasks, nil
}

func (s *session) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *session) send(env protocol.Envelope) error {
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Event, err)
	}
	return nil
}

func (s *session) read() (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		return env, fmt.Errorf("failed to read: %w", err)
	}
	return env, nil
}

// await reads until an event of the given kind arrives. An error event from
// the server is returned as an error.
func (s *session) await(event string) (protocol.Envelope, error) {
	for {
		env, err := s.read()
		if err != nil {
			return env, err
		}
		switch env.Event {
		case event:
			return env, nil
		case protocol.EventError:
			return env, errorFrom(env)
		}
	}
}

func errorFrom(env protocol.Envelope) error {
	var p protocol.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.Applied != nil {
		return fmt.Errorf("%s: %s (%d applied)", p.Code, p.Message, *p.Applied)
	}
	return fmt.Errorf("%s: %s", p.Code, p.Message)
}

// matchesCreate reports whether an announced task is the one this client
// asked for. Ids are assigned by the server, so only the requested fields
// can be compared.
func matchesCreate(sent, created tasktree.Task) bool {
	if sent.Label != created.Label || sent.ListID != created.ListID {
		return false
	}
	if (sent.ParentID == nil) != (created.ParentID == nil) {
		return false
	}
	return sent.ParentID == nil || *sent.ParentID == *created.ParentID
}

// render prints the visible supertasks in index order with their subtasks
// indented beneath them.
func render(w io.Writer, tasks []tasktree.Task, filter tasktree.Filter) {
	supertasks, _ := tasktree.Partition(tasks)
	tasktree.SortByIndex(supertasks)
	for i, t := range supertasks {
		if !filter.Match(t) {
			continue
		}
		renderTask(w, tasks, t, fmt.Sprintf("%3d ", i), 0)
	}
}

func renderTask(w io.Writer, tasks []tasktree.Task, t tasktree.Task, prefix string, depth int) {
	mark := "[ ]"
	if t.IsComplete {
		mark = "[x]"
	}
	_, _ = fmt.Fprintf(w, "%s%s%s %s\n", prefix, strings.Repeat("    ", depth), mark, t.Label)
	for _, child := range tasktree.ChildrenOf(tasks, t.ID) {
		renderTask(w, tasks, child, "    ", depth+1)
	}
}
