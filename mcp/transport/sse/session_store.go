package sse

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/feedback-bridge/mcp/transport"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
)

var (
	// ErrUnknownSession is returned when a session id has no open stream
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionClosed is returned when writing to a session whose stream has gone away
	ErrSessionClosed = transport.ErrSessionClosed
	// ErrDuplicateSession is returned when a store already holds the id
	ErrDuplicateSession = errors.New("duplicate session id")
)

// SessionStore owns the mapping from session id to stream
type SessionStore interface {
	// Create registers a new session, failing if the id is already live
	Create(sessionID string) (*ClientSession, error)

	Get(sessionID string) (*ClientSession, bool)

	// Remove unregisters the session and reports whether it was present
	Remove(sessionID string) (*ClientSession, bool)

	// RemoveAll unregisters and returns every session
	RemoveAll() []*ClientSession

	Sessions() []*ClientSession
}

type ClientSession struct {
	ID        string
	CreatedAt time.Time

	queue     chan *types.JSONRPCMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newClientSession(sessionID string, queueSize int) *ClientSession {
	return &ClientSession{
		ID:        sessionID,
		CreatedAt: time.Now(),
		queue:     make(chan *types.JSONRPCMessage, queueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed when the session ends
func (s *ClientSession) Done() <-chan struct{} {
	return s.done
}

// Messages is the FIFO of messages waiting to be written to the stream
func (s *ClientSession) Messages() <-chan *types.JSONRPCMessage {
	return s.queue
}

func (s *ClientSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// enqueue blocks until message is queued, the session closes or ctx is done.
// The queue channel is never closed so a racing enqueue cannot panic.
func (s *ClientSession) enqueue(ctx context.Context, message *types.JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- message:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
