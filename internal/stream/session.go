// Package stream carries one query per WebSocket connection and reports each
// marketplace's outcome as it settles, terminated by DONE.
package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrQueryInFlight rejects a second query while the first is running.
	ErrQueryInFlight = errors.New("a query is already in flight on this connection")
	// ErrSessionCompleted rejects a query on a connection that already finished one.
	ErrSessionCompleted = errors.New("connection already completed its query; open a new connection")
	// ErrConnectionTimeout is returned by Dial when the socket does not open in time.
	ErrConnectionTimeout = errors.New("connection timeout")
)

type State int

const (
	StateIdle State = iota
	StateAwaitingAdapters
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAdapters:
		return "awaiting_adapters"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Session is the per-connection state machine Idle -> AwaitingAdapters ->
// Completed. It is owned by the handler invocation serving the connection.
type Session struct {
	ID    string
	mu    sync.Mutex
	state State
	query string
}

func NewSession() *Session {
	return &Session{ID: uuid.NewString()}
}

// Begin moves an idle session to AwaitingAdapters.
func (s *Session) Begin(query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAwaitingAdapters:
		return ErrQueryInFlight
	case StateCompleted:
		return ErrSessionCompleted
	}
	s.state = StateAwaitingAdapters
	s.query = query
	return nil
}

// Complete marks the session done; it never returns to Idle.
func (s *Session) Complete() {
	s.mu.Lock()
	s.state = StateCompleted
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}
