// Package ws is the server-side WebSocket service: a registry of live
// connections addressed by logical name, per-connection state machines and
// bounded message history, and event handler dispatch. The network side is
// pluggable; Bridge adapts a gorilla connection onto the service.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillframe/quill/pkg/logger"
)

type Event string

const (
	EventConnect Event = "connect"
	EventMessage Event = "message"
	EventError   Event = "error"
	EventClose   Event = "close"
)

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// stateRank orders the lifecycle; transitions may only move forward.
var stateRank = map[State]int{
	StateConnecting: 0,
	StateOpen:       1,
	StateClosing:    2,
	StateClosed:     3,
}

const DefaultHistoryLimit = 100

// Message is what handlers receive. Data carries the parsed JSON payload
// when the raw text was JSON, else the raw string.
type Message struct {
	ConnectionID string
	Name         string
	Event        Event
	Data         any
	Raw          string
	Code         int
	Reason       string
	Err          error
	ReceivedAt   time.Time
}

type Handler func(ctx context.Context, msg *Message) error

type connection struct {
	id      string
	name    string
	state   State
	history []*Message
	pending []string
}

// ConnectionInfo is the read-only view of a connection.
type ConnectionInfo struct {
	ID      string
	Name    string
	State   State
	Pending int
}

type Service struct {
	mu           sync.RWMutex
	conns        map[string]*connection
	byName       map[string]map[string]*connection
	handlers     map[string]map[Event][]Handler
	historyLimit int
	log          *slog.Logger
}

type Option func(*Service)

func WithHistoryLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

func NewService(opts ...Option) *Service {
	s := &Service{
		conns:        make(map[string]*connection),
		byName:       make(map[string]map[string]*connection),
		handlers:     make(map[string]map[Event][]Handler),
		historyLimit: DefaultHistoryLimit,
		log:          logger.GetLogger("ws"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterConnection adds a connection under a logical name and dispatches
// the connect event. Returns the connection id.
func (s *Service) RegisterConnection(ctx context.Context, name string) string {
	id := uuid.New().String()

	s.mu.Lock()
	conn := &connection{id: id, name: name, state: StateConnecting}
	s.conns[id] = conn
	if s.byName[name] == nil {
		s.byName[name] = make(map[string]*connection)
	}
	s.byName[name][id] = conn
	s.mu.Unlock()

	s.log.Debug("connection registered", "name", name, "id", id)
	s.dispatch(ctx, name, &Message{ConnectionID: id, Name: name, Event: EventConnect, ReceivedAt: time.Now()})
	return id
}

// SetConnectionState advances the connection's lifecycle. Backward
// transitions are rejected.
func (s *Service) SetConnectionState(id string, state State) error {
	rank, ok := stateRank[state]
	if !ok {
		return fmt.Errorf("unknown connection state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("unknown connection %q", id)
	}
	if rank < stateRank[conn.state] {
		return fmt.Errorf("cannot move connection %q from %s back to %s", id, conn.state, state)
	}
	conn.state = state
	return nil
}

// RemoveConnection drops the connection and dispatches the close event.
func (s *Service) RemoveConnection(ctx context.Context, id string, code int, reason string) {
	s.mu.Lock()
	conn, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	conn.state = StateClosed
	delete(s.conns, id)
	if group := s.byName[conn.name]; group != nil {
		delete(group, id)
		if len(group) == 0 {
			delete(s.byName, conn.name)
		}
	}
	name := conn.name
	s.mu.Unlock()

	s.log.Debug("connection removed", "name", name, "id", id, "code", code)
	s.dispatch(ctx, name, &Message{
		ConnectionID: id,
		Name:         name,
		Event:        EventClose,
		Code:         code,
		Reason:       reason,
		ReceivedAt:   time.Now(),
	})
}

// ReceiveMessage records an inbound frame in the connection's history and
// dispatches the message event. JSON payloads are parsed before dispatch.
func (s *Service) ReceiveMessage(ctx context.Context, id, raw string) error {
	msg := &Message{
		ConnectionID: id,
		Event:        EventMessage,
		Raw:          raw,
		Data:         parsePayload(raw),
		ReceivedAt:   time.Now(),
	}

	s.mu.Lock()
	conn, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown connection %q", id)
	}
	msg.Name = conn.name
	conn.history = append(conn.history, msg)
	if len(conn.history) > s.historyLimit {
		conn.history = conn.history[len(conn.history)-s.historyLimit:]
	}
	s.mu.Unlock()

	s.dispatch(ctx, msg.Name, msg)
	return nil
}

// ReportError dispatches the error event for a connection.
func (s *Service) ReportError(ctx context.Context, id string, err error) {
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.dispatch(ctx, conn.name, &Message{
		ConnectionID: id,
		Name:         conn.name,
		Event:        EventError,
		Err:          err,
		ReceivedAt:   time.Now(),
	})
}

// SendMessage queues an outbound message on one connection. Non-string
// payloads are JSON encoded.
func (s *Service) SendMessage(id string, payload any) error {
	encoded, err := encodePayload(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("unknown connection %q", id)
	}
	if conn.state == StateClosing || conn.state == StateClosed {
		return fmt.Errorf("connection %q is %s", id, conn.state)
	}
	conn.pending = append(conn.pending, encoded)
	return nil
}

// Broadcast queues an outbound message on every connection sharing a name.
// Returns the number of connections reached.
func (s *Service) Broadcast(name string, payload any) (int, error) {
	encoded, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, conn := range s.byName[name] {
		if conn.state == StateClosing || conn.state == StateClosed {
			continue
		}
		conn.pending = append(conn.pending, encoded)
		count++
	}
	return count, nil
}

// PendingMessages drains the outbound queue of a connection.
func (s *Service) PendingMessages(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok || len(conn.pending) == 0 {
		return nil
	}
	out := conn.pending
	conn.pending = nil
	return out
}

// History returns the retained inbound messages of a connection, oldest
// first.
func (s *Service) History(id string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[id]
	if !ok {
		return nil
	}
	out := make([]*Message, len(conn.history))
	copy(out, conn.history)
	return out
}

// RegisterHandler attaches a handler for one event of a logical name.
func (s *Service) RegisterHandler(name string, event Event, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers[name] == nil {
		s.handlers[name] = make(map[Event][]Handler)
	}
	s.handlers[name][event] = append(s.handlers[name][event], fn)
}

// CloseConnection marks every connection under a name as closing and queues
// nothing further. The transport bridge observes the state and closes the
// socket with the given code.
func (s *Service) CloseConnection(ctx context.Context, name string, code int, reason string) []string {
	s.mu.Lock()
	var ids []string
	for id, conn := range s.byName[name] {
		if conn.state == StateClosed {
			continue
		}
		conn.state = StateClosing
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.RemoveConnection(ctx, id, code, reason)
	}
	return ids
}

// Connections lists live connections, optionally filtered by name.
func (s *Service) Connections(name string) []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ConnectionInfo
	for _, conn := range s.conns {
		if name != "" && conn.name != name {
			continue
		}
		out = append(out, ConnectionInfo{
			ID:      conn.id,
			Name:    conn.name,
			State:   conn.state,
			Pending: len(conn.pending),
		})
	}
	return out
}

// dispatch invokes every handler registered for the event. Handler errors
// and panics are logged and never stop the remaining handlers.
func (s *Service) dispatch(ctx context.Context, name string, msg *Message) {
	s.mu.RLock()
	var fns []Handler
	if events := s.handlers[name]; events != nil {
		fns = append(fns, events[msg.Event]...)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		s.invoke(ctx, fn, msg)
	}
}

func (s *Service) invoke(ctx context.Context, fn Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("websocket handler panicked", "name", msg.Name, "event", msg.Event, "panic", r)
		}
	}()
	if err := fn(ctx, msg); err != nil {
		s.log.Error("websocket handler failed", "name", msg.Name, "event", msg.Event, "error", err)
	}
}

func parsePayload(raw string) any {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return parsed
	}
	return raw
}

func encodePayload(payload any) (string, error) {
	if s, ok := payload.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode websocket payload: %w", err)
	}
	return string(encoded), nil
}
