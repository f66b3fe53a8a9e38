package session

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
)

// Transport errors.
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrQueueFull       = errors.New("transport outbound queue full")
	ErrStreamActive    = errors.New("a stream is already attached to this session")
)

// Transport is one client connection's message channel. Send delivers a
// server-initiated message; messages sent after Close are dropped.
type Transport interface {
	ID() string
	Send(ctx context.Context, msg mcp.JSONRPCMessage) error
	Close() error
	Done() <-chan struct{}
}
