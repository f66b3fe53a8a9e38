package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"briefgate/auth"
)

// State is a session's position in its lifecycle.
type State int32

// Session states.
const (
	StateUnauthenticated State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var nowFunc = time.Now

// Session is a live protocol connection bound to one principal. It also
// acts as the tool server's client session.
type Session struct {
	ID        string
	ConnID    string
	Principal auth.Principal
	CreatedAt time.Time

	transport     Transport
	state         atomic.Int32
	lastSeen      atomic.Int64
	initialized   atomic.Bool
	notifications chan mcp.JSONRPCNotification
}

func newSession(id, connID string, principal auth.Principal, t Transport, now time.Time) *Session {
	s := &Session{
		ID:            id,
		ConnID:        connID,
		Principal:     principal,
		CreatedAt:     now,
		transport:     t,
		notifications: make(chan mcp.JSONRPCNotification, 16),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// Transport returns the session's transport handle.
func (s *Session) Transport() Transport { return s.transport }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastSeen returns the time of the last inbound message.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// SessionID implements server.ClientSession.
func (s *Session) SessionID() string { return s.ID }

// NotificationChannel implements server.ClientSession.
func (s *Session) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.notifications }

// Initialize implements server.ClientSession.
func (s *Session) Initialize() { s.initialized.Store(true) }

// Initialized implements server.ClientSession.
func (s *Session) Initialized() bool { return s.initialized.Load() }

// forwardNotifications moves tool-server notifications onto the transport
// until it closes. Pushes that cannot be delivered are dropped.
func forwardNotifications(s *Session, logger *slog.Logger) {
	done := s.transport.Done()
	for {
		select {
		case <-done:
			return
		case n := <-s.notifications:
			if s.State() != StateActive {
				continue
			}
			if err := s.transport.Send(context.Background(), n); err != nil {
				logger.Debug("push dropped", "session_id", s.ID, "method", n.Method, "error", err)
			}
		}
	}
}
