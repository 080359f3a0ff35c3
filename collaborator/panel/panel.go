// Package panel shows feedback requests in a browser or editor panel. The panel listens
// on an event stream and answers with plain JSON posts.
package panel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/agentuity/feedback-bridge/feedback"
	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/transport/sse"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const (
	EventServerStatus   = "serverStatus"
	EventFocus          = "focus"
	EventShowDialog     = "showFeedbackDialog"
	EventDismissDialog  = "dismissFeedbackDialog"
	EventShowMessage    = "showMessage"
	MessageSubmit       = "feedbackSubmit"
	MessageCancel       = "feedbackCancel"
	DefaultMaxBodyBytes = 32 << 20
	eventsPath          = "/events"
	messagesPath        = "/messages"
	timeLayout          = time.RFC3339
)

// ErrNotReady is returned when no panel is attached
var ErrNotReady = errors.New("panel view not ready")

// Bridge is the part of the feedback bridge the panel talks back to
type Bridge interface {
	feedback.Settler
	Pending() []feedback.Pending
}

// Status reports whether the MCP server is running and on which port
type Status func() (running bool, port int)

type Panel struct {
	bridge       Bridge
	logger       logger.Logger
	events       *sse.Transport
	status       Status
	origins      []string
	maxBodyBytes int64
}

var (
	_ feedback.Collaborator = (*Panel)(nil)
	_ feedback.Dismisser    = (*Panel)(nil)
	_ feedback.Notifier     = (*Panel)(nil)
)

type Option func(*Panel)

// WithOrigins restricts which browser origins may call the panel routes
func WithOrigins(origins ...string) Option {
	return func(p *Panel) {
		p.origins = origins
	}
}

func WithStatus(status Status) Option {
	return func(p *Panel) {
		p.status = status
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(p *Panel) {
		p.maxBodyBytes = n
	}
}

// New returns a panel collaborator. mountPath is where Handler will be mounted, the
// event stream tells viewers to post to mountPath + "/messages".
func New(bridge Bridge, mountPath string, log logger.Logger, options ...Option) *Panel {
	p := &Panel{
		bridge:       bridge,
		logger:       log.WithPrefix("[panel]"),
		origins:      []string{"*"},
		maxBodyBytes: DefaultMaxBodyBytes,
		status: func() (bool, int) {
			return false, 0
		},
	}
	for _, option := range options {
		option(p)
	}
	p.events = sse.New(p.logger, mountPath+messagesPath)
	p.events.SetOpenHandler(p.onViewerOpen)
	return p
}

func event(name string, payload any) *types.JSONRPCMessage {
	msg := &types.JSONRPCMessage{JSONRPC: types.JSONRPCVersion, Method: name}
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err == nil {
			msg.Params = buf
		}
	}
	return msg
}

type statusPayload struct {
	Running bool `json:"running"`
	Port    int  `json:"port"`
}

type dialogPayload struct {
	OperationID string `json:"operationId"`
	WorkSummary string `json:"workSummary"`
	Deadline    string `json:"deadline,omitempty"`
}

type dismissPayload struct {
	OperationID string `json:"operationId"`
	Reason      string `json:"reason"`
}

type messagePayload struct {
	Level   feedback.MessageLevel `json:"level"`
	Message string                `json:"message"`
}

// onViewerOpen runs inside the transport's open path, before the stream drains its
// queue, so the catch-up is sent from its own goroutine.
func (p *Panel) onViewerOpen(sessionID string) {
	go p.catchUp(sessionID)
}

// catchUp sends a freshly attached viewer the server status and every open dialog.
// Sends wait for the stream to drain and stop once the viewer goes away.
func (p *Panel) catchUp(sessionID string) {
	ctx := context.Background()
	running, port := p.status()
	if err := p.events.Send(ctx, sessionID, event(EventServerStatus, statusPayload{running, port})); err != nil {
		return
	}
	for _, pending := range p.bridge.Pending() {
		payload := dialogPayload{OperationID: pending.OperationID, WorkSummary: pending.WorkSummary}
		if !pending.Deadline.IsZero() {
			payload.Deadline = pending.Deadline.Format(timeLayout)
		}
		if err := p.events.Send(ctx, sessionID, event(EventShowDialog, payload)); err != nil {
			p.logger.Debug("viewer %s left during catch-up: %s", sessionID, err)
			return
		}
	}
}

// Viewers returns the number of attached panels
func (p *Panel) Viewers() int {
	return len(p.events.Sessions())
}

func (p *Panel) EnsureVisible(ctx context.Context) error {
	if p.events.Broadcast(ctx, event(EventFocus, nil)) == 0 {
		return ErrNotReady
	}
	return nil
}

func (p *Panel) RequestResponse(ctx context.Context, prompt feedback.Prompt) error {
	payload := dialogPayload{OperationID: prompt.OperationID, WorkSummary: prompt.WorkSummary}
	if !prompt.Deadline.IsZero() {
		payload.Deadline = prompt.Deadline.Format(timeLayout)
	}
	if p.events.Broadcast(ctx, event(EventShowDialog, payload)) == 0 {
		return ErrNotReady
	}
	return nil
}

func (p *Panel) Dismiss(ctx context.Context, operationID string, reason string) {
	p.events.Broadcast(ctx, event(EventDismissDialog, dismissPayload{operationID, reason}))
}

func (p *Panel) ShowMessage(ctx context.Context, level feedback.MessageLevel, message string) error {
	if p.events.Broadcast(ctx, event(EventShowMessage, messagePayload{level, message})) == 0 {
		return ErrNotReady
	}
	return nil
}

// NotifyStatus tells every viewer the server state changed
func (p *Panel) NotifyStatus(ctx context.Context, running bool, port int) {
	p.events.Broadcast(ctx, event(EventServerStatus, statusPayload{running, port}))
}

// DisconnectViewers ends every attached stream. Viewers reconnect on their own.
func (p *Panel) DisconnectViewers() {
	p.events.Close()
	p.events.Reopen()
}

// Close ends every stream and refuses new viewers
func (p *Panel) Close() error {
	return p.events.Close()
}

func (p *Panel) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: p.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Get(eventsPath, p.events.HandleStream)
	r.Post(messagesPath, p.handleMessage)
	r.Get("/pending", p.handlePending)
	r.Get("/status", p.handleStatus)
	return r
}

type inbound struct {
	Type        string          `json:"type"`
	OperationID string          `json:"operationId"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type cancelData struct {
	Reason string `json:"reason"`
}

type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (p *Panel) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, reply{Error: "invalid request body"})
		return
	}
	var msg inbound
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, reply{Error: "invalid JSON: " + err.Error()})
		return
	}
	if msg.OperationID == "" {
		writeJSON(w, http.StatusBadRequest, reply{Error: "operationId is required"})
		return
	}

	var decided bool
	switch msg.Type {
	case MessageSubmit:
		var submission feedback.Submission
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &submission); err != nil {
				writeJSON(w, http.StatusBadRequest, reply{Error: "invalid feedback: " + err.Error()})
				return
			}
		}
		resp, err := submission.Response()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, reply{Error: err.Error()})
			return
		}
		decided = p.bridge.Settle(msg.OperationID, resp)
	case MessageCancel:
		var data cancelData
		if len(msg.Data) > 0 {
			json.Unmarshal(msg.Data, &data)
		}
		decided = p.bridge.Cancel(msg.OperationID, data.Reason)
	default:
		writeJSON(w, http.StatusBadRequest, reply{Error: "unknown message type: " + msg.Type})
		return
	}

	if !decided {
		p.logger.Debug("%s for %s arrived after the operation ended", msg.Type, msg.OperationID)
		writeJSON(w, http.StatusConflict, reply{Error: "operation already settled or unknown"})
		return
	}
	p.logger.Info("%s for %s accepted", msg.Type, msg.OperationID)
	writeJSON(w, http.StatusOK, reply{OK: true})
}

func (p *Panel) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.bridge.Pending())
}

func (p *Panel) handleStatus(w http.ResponseWriter, r *http.Request) {
	running, port := p.status()
	writeJSON(w, http.StatusOK, statusPayload{running, port})
}
