package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	outboundQueueSize = 64
	keepAliveInterval = 25 * time.Second
)

// NetworkTransport is the transport of one remote session. Requests arrive
// as HTTP POSTs; pushes are queued until a client stream drains them.
type NetworkTransport struct {
	id        string
	outbound  chan mcp.JSONRPCMessage
	done      chan struct{}
	closeOnce sync.Once
	streaming atomic.Bool
}

// NewNetworkTransport constructs a transport for session id.
func NewNetworkTransport(id string) *NetworkTransport {
	return &NetworkTransport{
		id:       id,
		outbound: make(chan mcp.JSONRPCMessage, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

// ID returns the session id the transport belongs to.
func (t *NetworkTransport) ID() string { return t.id }

// Send queues msg for the client stream. It never blocks.
func (t *NetworkTransport) Send(_ context.Context, msg mcp.JSONRPCMessage) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the transport. Queued messages are discarded.
func (t *NetworkTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Done is closed when the transport closes.
func (t *NetworkTransport) Done() <-chan struct{} { return t.done }

// Streaming reports whether a client stream is attached.
func (t *NetworkTransport) Streaming() bool { return t.streaming.Load() }

// Stream writes queued messages to w as server-sent events until ctx is
// cancelled or the transport closes. Only one stream may be attached.
func (t *NetworkTransport) Stream(ctx context.Context, w io.Writer, flush func()) error {
	if !t.streaming.CompareAndSwap(false, true) {
		return ErrStreamActive
	}
	defer t.streaming.Store(false)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flush()
		case msg := <-t.outbound:
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal push message: %w", err)
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return err
			}
			flush()
		}
	}
}
