package transport

import (
	"context"

	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
)

// ErrSessionClosed is the cause attached to work that was running for a session when it closed
var ErrSessionClosed = errors.New("session closed")

// Transport multiplexes JSON-RPC messages over many client sessions
type Transport interface {
	// Send enqueues message on the stream of sessionID
	Send(ctx context.Context, sessionID string, message *types.JSONRPCMessage) error

	// CloseSession closes the stream of sessionID, it is safe to call more than once
	CloseSession(sessionID string)

	// Close closes every session
	Close() error

	SetOpenHandler(handler OpenHandler)

	SetMessageHandler(handler MessageHandler)

	SetErrorHandler(handler ErrorHandler)

	SetCloseHandler(handler CloseHandler)
}

// OpenHandler is invoked once when a session is registered, before its first message.
// It runs before the stream starts draining and must not block on sends to the session.
type OpenHandler func(sessionID string)

// MessageHandler receives every message submitted by the client of sessionID
type MessageHandler func(ctx context.Context, sessionID string, message *types.JSONRPCMessage)

type ErrorHandler func(err error)

// CloseHandler is invoked once when a session is removed
type CloseHandler func(sessionID string)

type sessionKey struct{}

// WithSessionID returns a child context carrying sessionID
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionIDFromContext returns the session the context was created for
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}
