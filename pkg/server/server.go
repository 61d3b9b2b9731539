// Package server exposes the sync engine over HTTP: a websocket endpoint
// speaking the list protocol plus a few read-only endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/listsync/pkg/protocol"
	"github.com/astromechza/listsync/pkg/rooms"
	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/synceng"
	"github.com/astromechza/listsync/pkg/tasktree"
	"github.com/astromechza/listsync/pkg/viz"
)

type Server struct {
	engine   *synceng.Engine
	gateway  store.Gateway
	registry *rooms.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(engine *synceng.Engine, gateway store.Gateway, registry *rooms.Registry, logger *slog.Logger) *Server {
	return &Server{
		engine:   engine,
		gateway:  gateway,
		registry: registry,
		logger:   logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router returns the http handler with request logging applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/lists/{list}/tasks").HandlerFunc(s.getTasks)
	r.Methods(http.MethodGet).Path("/lists/{list}/tree.svg").HandlerFunc(s.getTree)
	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.getRooms)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	return r
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	s.writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getRooms(writer http.ResponseWriter, request *http.Request) {
	s.writeJSON(writer, http.StatusOK, s.registry.Rooms())
}

func (s *Server) loadList(writer http.ResponseWriter, request *http.Request) (string, []tasktree.Task, bool) {
	listID := mux.Vars(request)["list"]
	tasks, err := s.gateway.FindByList(request.Context(), listID)
	if err != nil {
		s.logger.Error("failed to load list", "list", listID, "err", err)
		s.writeJSON(writer, http.StatusServiceUnavailable, protocol.ErrorPayload{Code: protocol.CodeStoreUnavailable, Message: err.Error()})
		return listID, nil, false
	}
	tasktree.SortByIndex(tasks)
	return listID, tasks, true
}

func (s *Server) getTasks(writer http.ResponseWriter, request *http.Request) {
	if _, tasks, ok := s.loadList(writer, request); ok {
		s.writeJSON(writer, http.StatusOK, tasks)
	}
}

func (s *Server) getTree(writer http.ResponseWriter, request *http.Request) {
	listID, tasks, ok := s.loadList(writer, request)
	if !ok {
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderTreeToSvg(listID, tasks, &buff); err != nil {
		s.logger.Error("failed to render", "list", listID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) sync(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	ch := newChannel(conn)
	s.logger.Info("connected", "channel", ch.ID(), "remote", request.RemoteAddr)
	defer s.engine.Disconnect(ch)

	if err := s.serve(request.Context(), ch); err != nil {
		s.logger.Info("connection closed", "channel", ch.ID(), "err", err)
	}
}

// serve reads frames until the connection fails. Frames are handled one at a
// time so a channel's messages are applied in the order they were sent.
func (s *Server) serve(ctx context.Context, ch *wsChannel) error {
	wg := new(sync.WaitGroup)
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch.conn.SetReadLimit(maxMessage)
	_ = ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	ch.conn.SetPongHandler(func(string) error {
		return ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := ch.ping(); err != nil {
					s.logger.Debug("failed to ping", "channel", ch.ID(), "err", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		mt, p, err := ch.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			var env protocol.Envelope
			if err := json.Unmarshal(p, &env); err != nil {
				s.rejectFrame(ch, err)
				continue
			}
			_ = s.engine.Handle(ctx, ch, env)
		default:
		}
	}
}

func (s *Server) rejectFrame(ch *wsChannel, cause error) {
	env, err := protocol.Error(protocol.ErrorPayload{Code: protocol.CodeBadMessage, Message: fmt.Sprintf("failed to decode frame: %v", cause)})
	if err != nil {
		s.logger.Error("failed to encode error", "err", err)
		return
	}
	if err := ch.Send(env); err != nil {
		s.logger.Error("failed to send error", "channel", ch.ID(), "err", err)
	}
}
