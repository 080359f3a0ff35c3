package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/transport"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	DefaultSSERetryInterval = 3000 // milliseconds
	DefaultKeepAlive        = 25 * time.Second
	DefaultMaxBodyBytes     = 4 << 20
	SessionQueryParam       = "sessionId"
)

// ErrMalformedMessage wraps every failure to decode a submitted message
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError carries the JSON-RPC code matching a decode failure
type MalformedError struct {
	Code   int
	Reason string
}

func (e *MalformedError) Error() string {
	return e.Reason
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// Transport keeps one event stream per connected client and accepts client
// messages on a companion POST route keyed by the session id.
type Transport struct {
	store          SessionStore
	logger         logger.Logger
	messagePath    string
	sseRetryMs     int
	keepAlive      time.Duration
	maxBodyBytes   int64
	openHandler    transport.OpenHandler
	messageHandler transport.MessageHandler
	errorHandler   transport.ErrorHandler
	closeHandler   transport.CloseHandler
	mu             sync.RWMutex
	closed         bool
}

var _ transport.Transport = (*Transport)(nil)

type Option func(*Transport)

func WithSessionStore(store SessionStore) Option {
	return func(t *Transport) {
		t.store = store
	}
}

func WithSSERetryInterval(retryMs int) Option {
	return func(t *Transport) {
		t.sseRetryMs = retryMs
	}
}

// WithKeepAlive sets the interval between comment frames, zero disables them
func WithKeepAlive(interval time.Duration) Option {
	return func(t *Transport) {
		t.keepAlive = interval
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(t *Transport) {
		t.maxBodyBytes = n
	}
}

// New returns a transport that advertises messagePath as the POST endpoint to its clients
func New(log logger.Logger, messagePath string, options ...Option) *Transport {
	t := &Transport{
		store:        NewInMemorySessionStore(),
		logger:       log.With(map[string]interface{}{"component": "sse"}),
		messagePath:  messagePath,
		sseRetryMs:   DefaultSSERetryInterval,
		keepAlive:    DefaultKeepAlive,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

func (t *Transport) SetOpenHandler(handler transport.OpenHandler) {
	t.openHandler = handler
}

func (t *Transport) SetMessageHandler(handler transport.MessageHandler) {
	t.messageHandler = handler
}

func (t *Transport) SetErrorHandler(handler transport.ErrorHandler) {
	t.errorHandler = handler
}

func (t *Transport) SetCloseHandler(handler transport.CloseHandler) {
	t.closeHandler = handler
}

// OpenSession allocates a session id and registers its stream
func (t *Transport) OpenSession() (*ClientSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, io.ErrClosedPipe
	}
	for {
		session, err := t.store.Create(uuid.NewString())
		if errors.Is(err, ErrDuplicateSession) {
			continue
		}
		if err != nil {
			return nil, err
		}
		t.logger.Info("session opened: %s", session.ID)
		if t.openHandler != nil {
			t.openHandler(session.ID)
		}
		return session, nil
	}
}

// CloseSession removes the session, later sends to it are dropped
func (t *Transport) CloseSession(sessionID string) {
	session, ok := t.store.Remove(sessionID)
	if !ok {
		return
	}
	session.close()
	t.logger.Info("session closed: %s", sessionID)
	if t.closeHandler != nil {
		t.closeHandler(sessionID)
	}
}

// Sessions returns the ids of every open session
func (t *Transport) Sessions() []string {
	sessions := t.store.Sessions()
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	return ids
}

// Send enqueues message behind earlier sends to the same session
func (t *Transport) Send(ctx context.Context, sessionID string, message *types.JSONRPCMessage) error {
	session, ok := t.store.Get(sessionID)
	if !ok {
		t.logger.Warn("dropping message for unknown session: %s", sessionID)
		return ErrUnknownSession
	}
	if err := session.enqueue(ctx, message); err != nil {
		t.logger.Debug("dropping message for session %s: %s", sessionID, err)
		return err
	}
	return nil
}

// Broadcast enqueues message on every open session and returns how many accepted it
func (t *Transport) Broadcast(ctx context.Context, message *types.JSONRPCMessage) int {
	var delivered int
	for _, session := range t.store.Sessions() {
		if err := session.enqueue(ctx, message); err != nil {
			t.logger.Debug("broadcast skipped session %s: %s", session.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Receive decodes a client submitted body and hands it to the message handler
func (t *Transport) Receive(ctx context.Context, sessionID string, body []byte) error {
	if _, ok := t.store.Get(sessionID); !ok {
		return ErrUnknownSession
	}
	var message types.JSONRPCMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return &MalformedError{Code: types.CodeParseError, Reason: "Parse error: " + err.Error()}
	}
	if message.JSONRPC != types.JSONRPCVersion {
		return &MalformedError{Code: types.CodeInvalidRequest, Reason: "Invalid Request: jsonrpc must be \"2.0\""}
	}
	if t.messageHandler != nil {
		t.messageHandler(transport.WithSessionID(ctx, sessionID), sessionID, &message)
	}
	return nil
}

func (t *Transport) endpointURL(sessionID string) string {
	return t.messagePath + "?" + SessionQueryParam + "=" + url.QueryEscape(sessionID)
}

// HandleStream serves GET requests that open an event stream
func (t *Transport) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.reportError(errors.New("response writer does not support streaming"))
		WriteErrorEnvelope(w, http.StatusInternalServerError, types.CodeInternalError, "Streaming not supported")
		return
	}

	session, err := t.OpenSession()
	if err != nil {
		t.reportError(err)
		WriteErrorEnvelope(w, http.StatusServiceUnavailable, types.CodeInternalError, "Server is shutting down")
		return
	}
	defer t.CloseSession(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\nevent: endpoint\ndata: %s\n\n", t.sseRetryMs, t.endpointURL(session.ID)); err != nil {
		return
	}
	flusher.Flush()

	var keepAlive <-chan time.Time
	if t.keepAlive > 0 {
		ticker := time.NewTicker(t.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case msg := <-session.Messages():
			data, err := json.Marshal(msg)
			if err != nil {
				t.logger.Error("failed to encode message for session %s: %s", session.ID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				t.logger.Debug("stream write failed for session %s: %s", session.ID, err)
				return
			}
			flusher.Flush()

		case <-keepAlive:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-session.Done():
			return

		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage serves POST requests carrying one client message
func (t *Transport) HandleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get(SessionQueryParam)
	if _, ok := t.store.Get(sessionID); !ok {
		t.logger.Warn("no transport found for unknown session: %q", sessionID)
		http.Error(w, "No transport found for sessionId", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBodyBytes))
	if err != nil {
		WriteErrorEnvelope(w, http.StatusBadRequest, types.CodeInvalidRequest, "Invalid request body")
		return
	}

	// the handler may outlive this request, it keeps the values but not the deadline
	err = t.Receive(context.WithoutCancel(r.Context()), sessionID, body)
	var malformed *MalformedError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "Accepted")
	case errors.Is(err, ErrUnknownSession):
		http.Error(w, "No transport found for sessionId", http.StatusBadRequest)
	case errors.As(err, &malformed):
		WriteErrorEnvelope(w, http.StatusBadRequest, malformed.Code, malformed.Reason)
	default:
		t.reportError(err)
		WriteErrorEnvelope(w, http.StatusInternalServerError, types.CodeInternalError, "Internal server error")
	}
}

func (t *Transport) reportError(err error) {
	t.logger.Error("transport error: %s", err)
	if t.errorHandler != nil {
		t.errorHandler(err)
	}
}

// Close ends every session and refuses new ones
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	for _, session := range t.store.RemoveAll() {
		session.close()
		if t.closeHandler != nil {
			t.closeHandler(session.ID)
		}
	}
	return nil
}

// Reopen allows sessions again after Close
func (t *Transport) Reopen() {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
}

// WriteErrorEnvelope writes a JSON-RPC error body with a null id
func WriteErrorEnvelope(w http.ResponseWriter, status int, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.NewErrorEnvelope(code, message))
}
