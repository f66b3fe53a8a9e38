package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/singleflight"

	"briefgate/auth"
)

// ErrShuttingDown is returned when a session is requested during shutdown.
var ErrShuttingDown = errors.New("server is shutting down")

// Protocol is the tool protocol engine shared by every session.
// *server.MCPServer satisfies it.
type Protocol interface {
	HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage
	RegisterSession(ctx context.Context, session server.ClientSession) error
	UnregisterSession(ctx context.Context, sessionID string)
	WithContext(ctx context.Context, session server.ClientSession) context.Context
}

// BearerVerifier resolves a bearer credential to a principal.
type BearerVerifier interface {
	Verify(ctx context.Context, bearer string) (auth.Principal, error)
}

// Observer receives session lifecycle events.
type Observer interface {
	SessionOpened()
	SessionClosed(reason string)
}

// Options tune a Multiplexer.
type Options struct {
	// IdleTTL evicts sessions with no traffic; zero disables eviction.
	IdleTTL time.Duration
	// CloseOnDisconnect tears sessions down when their connection closes.
	CloseOnDisconnect bool
	Observer          Observer
	Logger            *slog.Logger
}

// Multiplexer is the entry point for every network protocol message. It
// resolves a message to an existing session or authenticates and creates one.
type Multiplexer struct {
	table    *Table
	verifier BearerVerifier
	protocol Protocol
	opts     Options
	logger   *slog.Logger

	creating singleflight.Group
	draining atomic.Bool
	// life orders session and stream registration against Shutdown: work
	// tracked by wg is admitted under RLock, draining flips under Lock.
	life sync.RWMutex
	wg   sync.WaitGroup
}

// NewMultiplexer constructs a Multiplexer over table.
func NewMultiplexer(table *Table, verifier BearerVerifier, protocol Protocol, opts Options) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Multiplexer{
		table:    table,
		verifier: verifier,
		protocol: protocol,
		opts:     opts,
		logger:   logger,
	}
}

type opened struct {
	session *Session
	created bool
}

// Open resolves the session for an inbound message. With a session id it
// returns the live session without checking credentials. Without one it
// verifies bearer and creates the connection's session, or reuses the one
// already opened on connID by the same principal. created reports whether
// this call created the session.
func (m *Multiplexer) Open(ctx context.Context, connID, sessionID, bearer string) (s *Session, created bool, err error) {
	if sessionID != "" {
		s, err := m.Lookup(sessionID)
		return s, false, err
	}
	if m.draining.Load() {
		return nil, false, ErrShuttingDown
	}
	principal, err := m.verifier.Verify(ctx, bearer)
	if err != nil {
		return nil, false, err
	}
	if connID == "" {
		connID = "anon-" + uuid.NewString()
	}

	v, err, _ := m.creating.Do(connID+"\x00"+principal.ID, func() (any, error) {
		if s, ok := m.table.FindByConn(connID, principal.ID); ok {
			return opened{session: s}, nil
		}
		s, err := m.create(ctx, connID, principal)
		if err != nil {
			return nil, err
		}
		return opened{session: s, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	o := v.(opened)
	return o.session, o.created, nil
}

func (m *Multiplexer) create(ctx context.Context, connID string, principal auth.Principal) (*Session, error) {
	m.life.RLock()
	defer m.life.RUnlock()
	if m.draining.Load() {
		return nil, ErrShuttingDown
	}
	id := uuid.NewString()
	s := newSession(id, connID, principal, NewNetworkTransport(id), nowFunc())
	if err := m.protocol.RegisterSession(ctx, s); err != nil {
		return nil, auth.NewInternalError("failed to register session", err)
	}
	s.state.Store(int32(StateActive))
	m.wg.Add(1)
	if err := m.table.Add(s); err != nil {
		m.wg.Done()
		m.protocol.UnregisterSession(context.WithoutCancel(ctx), id)
		return nil, auth.NewInternalError("failed to add session", err)
	}

	go func() {
		defer m.wg.Done()
		forwardNotifications(s, m.logger)
	}()

	if m.opts.Observer != nil {
		m.opts.Observer.SessionOpened()
	}
	m.logger.Info("session created", "session_id", id, "principal_id", principal.ID)
	return s, nil
}

// Lookup returns the active session with id. A miss is always InvalidSession.
func (m *Multiplexer) Lookup(id string) (*Session, error) {
	if id == "" {
		return nil, auth.NewInvalidSessionError("missing session id")
	}
	s, ok := m.table.Get(id)
	if !ok || s.State() != StateActive {
		return nil, auth.NewInvalidSessionError("unknown session id")
	}
	return s, nil
}

// Dispatch hands msg to the protocol engine in the context of s.
func (m *Multiplexer) Dispatch(ctx context.Context, s *Session, msg json.RawMessage) mcp.JSONRPCMessage {
	s.touch(nowFunc())
	ctx = auth.WithPrincipal(ctx, s.Principal)
	ctx = m.protocol.WithContext(ctx, s)
	return m.protocol.HandleMessage(ctx, msg)
}

// Stream attaches a server-push stream to s until ctx ends or s closes.
func (m *Multiplexer) Stream(ctx context.Context, s *Session, w io.Writer, flush func()) error {
	nt, ok := s.transport.(*NetworkTransport)
	if !ok {
		return fmt.Errorf("session %s does not support streaming", s.ID)
	}
	if !m.track() {
		return ErrShuttingDown
	}
	defer m.wg.Done()
	return nt.Stream(ctx, w, flush)
}

// track registers one unit of work with the shutdown wait group unless
// draining has begun.
func (m *Multiplexer) track() bool {
	m.life.RLock()
	defer m.life.RUnlock()
	if m.draining.Load() {
		return false
	}
	m.wg.Add(1)
	return true
}

// Terminate closes and removes the session with id.
func (m *Multiplexer) Terminate(id string) error {
	s, ok := m.table.Remove(id)
	if !ok {
		return auth.NewInvalidSessionError("unknown session id")
	}
	m.close(s, "terminated")
	return nil
}

// ConnectionClosed tears down the sessions opened on connID when
// CloseOnDisconnect is set.
func (m *Multiplexer) ConnectionClosed(connID string) {
	if !m.opts.CloseOnDisconnect || connID == "" {
		return
	}
	for _, s := range m.table.RemoveConn(connID) {
		m.close(s, "disconnected")
	}
}

// EvictIdle closes sessions idle since before now minus the idle TTL.
// Sessions with an attached stream are kept.
func (m *Multiplexer) EvictIdle(_ context.Context, now time.Time) (int, error) {
	if m.opts.IdleTTL <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-m.opts.IdleTTL)
	evicted := 0
	for _, s := range m.table.List() {
		if !s.LastSeen().Before(cutoff) {
			continue
		}
		if nt, ok := s.transport.(*NetworkTransport); ok && nt.Streaming() {
			continue
		}
		if _, ok := m.table.Remove(s.ID); ok {
			m.close(s, "idle")
			evicted++
		}
	}
	return evicted, nil
}

// Active returns the number of live sessions.
func (m *Multiplexer) Active() int { return m.table.Len() }

// Shutdown refuses new sessions, closes every existing one and waits for
// their streams to finish or ctx to expire.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.life.Lock()
	m.draining.Store(true)
	m.life.Unlock()

	for _, s := range m.table.List() {
		if _, ok := m.table.Remove(s.ID); ok {
			m.close(s, "shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

func (m *Multiplexer) close(s *Session, reason string) {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return
	}
	_ = s.transport.Close()
	m.protocol.UnregisterSession(context.Background(), s.ID)
	s.state.Store(int32(StateClosed))
	if m.opts.Observer != nil {
		m.opts.Observer.SessionClosed(reason)
	}
	m.logger.Info("session closed", "session_id", s.ID, "principal_id", s.Principal.ID, "reason", reason)
}
