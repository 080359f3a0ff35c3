package server

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/transport"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrServerStopped is the cancel cause of every in-flight request when the server stops
var ErrServerStopped = errors.New("server stopped")

var tracer = otel.Tracer("github.com/agentuity/feedback-bridge/mcp/server")

// Dispatcher answers JSON-RPC requests arriving on a transport. Every request runs on
// its own goroutine so a suspended tool call never blocks the session.
type Dispatcher struct {
	transport transport.Transport
	registry  *Registry
	info      types.Implementation
	logger    logger.Logger
	ctx       context.Context
	cancel    context.CancelCauseFunc
	mu        sync.Mutex
	sessions  map[string]context.CancelCauseFunc
	sessCtx   map[string]context.Context
	wg        sync.WaitGroup
}

// NewDispatcher installs itself as the open, message and close handler of t
func NewDispatcher(t transport.Transport, registry *Registry, info types.Implementation, log logger.Logger) *Dispatcher {
	ctx, cancel := context.WithCancelCause(context.Background())
	d := &Dispatcher{
		transport: t,
		registry:  registry,
		info:      info,
		logger:    log.WithPrefix("[mcp]"),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]context.CancelCauseFunc),
		sessCtx:   make(map[string]context.Context),
	}
	t.SetOpenHandler(d.onOpen)
	t.SetCloseHandler(d.onClose)
	t.SetMessageHandler(d.onMessage)
	t.SetErrorHandler(func(err error) {
		d.logger.Error("transport error: %s", err)
	})
	return d
}

func (d *Dispatcher) onOpen(sessionID string) {
	ctx, cancel := context.WithCancelCause(d.ctx)
	d.mu.Lock()
	d.sessions[sessionID] = cancel
	d.sessCtx[sessionID] = transport.WithSessionID(ctx, sessionID)
	d.mu.Unlock()
}

func (d *Dispatcher) onClose(sessionID string) {
	d.mu.Lock()
	cancel, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	delete(d.sessCtx, sessionID)
	d.mu.Unlock()
	if ok {
		cancel(transport.ErrSessionClosed)
	}
}

func (d *Dispatcher) sessionContext(sessionID string) (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.sessCtx[sessionID]
	return ctx, ok
}

func (d *Dispatcher) onMessage(ctx context.Context, sessionID string, msg *types.JSONRPCMessage) {
	if !msg.IsRequest() {
		if msg.IsNotification() {
			d.logger.Trace("notification %s from %s", msg.Method, sessionID)
		}
		return
	}
	sessCtx, ok := d.sessionContext(sessionID)
	if !ok {
		d.logger.Warn("dropping %s for closed session %s", msg.Method, sessionID)
		return
	}
	// keep the trace carried by the request, cancel with the session
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sessCtx = trace.ContextWithSpan(sessCtx, span)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		resp := d.handle(sessCtx, msg)
		if err := d.transport.Send(context.WithoutCancel(sessCtx), sessionID, resp); err != nil {
			d.logger.Debug("response to %s for session %s not delivered: %s", msg.Method, sessionID, err)
		}
	}()
}

func (d *Dispatcher) handle(ctx context.Context, msg *types.JSONRPCMessage) (resp *types.JSONRPCMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("panic handling %s: %v", msg.Method, rec)
			resp = types.NewError(msg.ID, types.CodeInternalError, fmt.Sprintf("Internal error: %v", rec))
		}
	}()

	var result any
	switch msg.Method {
	case types.MethodInitialize:
		var params types.InitializeParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return types.NewError(msg.ID, types.CodeInvalidParams, "Invalid params: "+err.Error())
			}
		}
		version := types.DefaultProtocolVersion
		if slices.Contains(types.SupportedProtocolVersions, params.ProtocolVersion) {
			version = params.ProtocolVersion
		}
		if params.ClientInfo != nil {
			d.logger.Info("client %s %s initialized with protocol %s", params.ClientInfo.Name, params.ClientInfo.Version, version)
		}
		result = types.InitializeResult{
			ProtocolVersion: version,
			Capabilities:    types.ServerCapabilities{Tools: &struct{}{}},
			ServerInfo:      d.info,
		}
	case types.MethodPing:
		result = struct{}{}
	case types.MethodToolsList:
		result = types.ListToolsResult{Tools: d.registry.ListTools()}
	case types.MethodToolsCall:
		var params types.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
			return types.NewError(msg.ID, types.CodeInvalidParams, "Invalid params: tool name is required")
		}
		result = d.callTool(ctx, params)
	default:
		return types.NewError(msg.ID, types.CodeMethodNotFound, "Method not found: "+msg.Method)
	}

	resp, err := types.NewResult(msg.ID, result)
	if err != nil {
		return types.NewError(msg.ID, types.CodeInternalError, "Internal error: "+err.Error())
	}
	return resp
}

func (d *Dispatcher) callTool(ctx context.Context, params types.CallToolParams) *types.ToolResult {
	ctx, span := tracer.Start(ctx, "mcp.tools/call", trace.WithAttributes(attribute.String("mcp.tool", params.Name)))
	defer span.End()
	result := d.registry.CallTool(ctx, params.Name, params.Arguments)
	if result.IsError {
		span.SetStatus(codes.Error, "tool returned an error result")
	}
	return result
}

// Shutdown cancels every in-flight request and waits for their responses to be
// attempted, or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel(ErrServerStopped)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
