package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"briefgate/auth"
)

// LocalSessionID identifies the single session of the local transport.
const LocalSessionID = "local"

const maxLocalLine = 4 << 20

// LocalTransport carries newline-delimited JSON-RPC over a pipe, normally
// the process's stdin and stdout.
type LocalTransport struct {
	out       io.Writer
	writeMu   sync.Mutex
	lines     chan []byte
	readErr   chan error
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalTransport starts reading r in the background.
func NewLocalTransport(r io.Reader, w io.Writer) *LocalTransport {
	t := &LocalTransport{
		out:     w,
		lines:   make(chan []byte),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go t.read(r)
	return t
}

func (t *LocalTransport) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLocalLine)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		select {
		case t.lines <- line:
		case <-t.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.readErr <- err
}

// ID returns LocalSessionID.
func (t *LocalTransport) ID() string { return LocalSessionID }

// Receive returns the next inbound message.
func (t *LocalTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	case err := <-t.readErr:
		return nil, err
	case line := <-t.lines:
		return json.RawMessage(line), nil
	}
}

// Send writes msg as one line.
func (t *LocalTransport) Send(_ context.Context, msg mcp.JSONRPCMessage) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.out.Write(append(data, '\n'))
	return err
}

// Close stops the transport. The underlying reader is not closed.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Done is closed when the transport closes.
func (t *LocalTransport) Done() <-chan struct{} { return t.done }

// ServeLocal runs the protocol over t for the fixed principal until the
// input ends or ctx is cancelled. The session table is not involved.
func ServeLocal(ctx context.Context, t *LocalTransport, protocol Protocol, principal auth.Principal, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	defer t.Close()

	sess := newSession(LocalSessionID, "", principal, t, nowFunc())
	if err := protocol.RegisterSession(ctx, sess); err != nil {
		return fmt.Errorf("register local session: %w", err)
	}
	defer protocol.UnregisterSession(context.Background(), LocalSessionID)
	sess.state.Store(int32(StateActive))
	go forwardNotifications(sess, logger)

	ctx = protocol.WithContext(auth.WithPrincipal(ctx, principal), sess)
	logger.Info("local transport ready", "principal_id", principal.ID)
	for {
		msg, err := t.Receive(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, ErrTransportClosed):
			logger.Info("local transport closed")
			return nil
		case err != nil:
			return fmt.Errorf("read local message: %w", err)
		}
		if resp := protocol.HandleMessage(ctx, msg); resp != nil {
			if err := t.Send(ctx, resp); err != nil {
				return fmt.Errorf("write local message: %w", err)
			}
		}
	}
}
