package feedback

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/transport"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/agentuity/feedback-bridge/feedback")

// DismissTimeout bounds how long a collaborator may take to take a prompt down
const DismissTimeout = 5 * time.Second

type State int32

const (
	Waiting State = iota
	Resolved
	Rejected
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type outcome struct {
	result *Result
	err    error
}

// operation is a single suspended solicitation. The state moves out of Waiting exactly
// once and the winner is the only writer of the buffered outcome slot.
type operation struct {
	prompt    Prompt
	sessionID string
	state     atomic.Int32
	outcome   chan outcome
}

func (op *operation) decide(next State) bool {
	return op.state.CompareAndSwap(int32(Waiting), int32(next))
}

// Pending describes a waiting operation
type Pending struct {
	OperationID string    `json:"operationId"`
	WorkSummary string    `json:"workSummary"`
	SessionID   string    `json:"sessionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Deadline    time.Time `json:"deadline,omitzero"`
}

// Bridge suspends tool calls until a human answers through the collaborator
type Bridge struct {
	logger       logger.Logger
	clock        clockwork.Clock
	mu           sync.Mutex
	collaborator Collaborator
	operations   map[string]*operation
	closed       bool
}

var _ Settler = (*Bridge)(nil)

type Option func(*Bridge)

// WithClock replaces the wall clock used for timeouts and timestamps
func WithClock(clock clockwork.Clock) Option {
	return func(b *Bridge) {
		b.clock = clock
	}
}

func WithCollaborator(collaborator Collaborator) Option {
	return func(b *Bridge) {
		b.collaborator = collaborator
	}
}

func New(log logger.Logger, options ...Option) *Bridge {
	b := &Bridge{
		logger:     log.With(map[string]interface{}{"component": "feedback"}),
		clock:      clockwork.NewRealClock(),
		operations: make(map[string]*operation),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// SetCollaborator attaches the UI. Collaborators usually need the bridge as their
// Settler so they are attached after construction.
func (b *Bridge) SetCollaborator(collaborator Collaborator) {
	b.mu.Lock()
	b.collaborator = collaborator
	b.mu.Unlock()
}

func (b *Bridge) currentCollaborator() Collaborator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collaborator
}

// Solicit shows workSummary to a human and blocks until the operation is settled,
// cancelled, timed out, or ctx ends. A zero timeout never expires.
func (b *Bridge) Solicit(ctx context.Context, workSummary string, timeout time.Duration) (*Result, error) {
	ctx, span := tracer.Start(ctx, "feedback.solicit")
	defer span.End()

	now := b.clock.Now()
	op := &operation{
		prompt: Prompt{
			OperationID: ulid.Make().String(),
			WorkSummary: workSummary,
			CreatedAt:   now,
		},
		outcome: make(chan outcome, 1),
	}
	op.sessionID, _ = transport.SessionIDFromContext(ctx)
	span.SetAttributes(attribute.String("feedback.operation_id", op.prompt.OperationID))

	// armed before the operation is visible so a settle can never race an unarmed timer
	if timeout > 0 {
		op.prompt.Deadline = now.Add(timeout)
		timer := b.clock.AfterFunc(timeout, func() {
			b.finish(op, outcome{err: errors.Mark(errors.Newf("no feedback received within %s", timeout), ErrTimeout)}, "timeout")
		})
		defer timer.Stop()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	collaborator := b.collaborator
	b.operations[op.prompt.OperationID] = op
	b.mu.Unlock()

	log := b.logger.With(map[string]interface{}{"operation": op.prompt.OperationID, "session": op.sessionID})
	log.Info("soliciting feedback (timeout: %s)", timeout)

	if collaborator == nil {
		b.finish(op, outcome{err: errors.Mark(errors.New("no feedback panel is attached"), ErrCollaboratorUnavailable)}, "unavailable")
	} else {
		if err := collaborator.EnsureVisible(ctx); err != nil {
			log.Warn("failed to bring the feedback panel to the front: %s", err)
		}
		if err := collaborator.RequestResponse(ctx, op.prompt); err != nil {
			b.finish(op, outcome{err: errors.Mark(errors.Wrap(err, "failed to show feedback request"), ErrCollaboratorUnavailable)}, "unavailable")
		}
	}

	var o outcome
	select {
	case o = <-op.outcome:
	case <-ctx.Done():
		cause := context.Cause(ctx)
		reason := "context done"
		if errors.Is(cause, ErrSessionClosed) {
			reason = "session closed"
		}
		b.finish(op, outcome{err: errors.Wrap(cause, "feedback request abandoned")}, reason)
		o = <-op.outcome
	}

	if o.err != nil {
		span.SetStatus(codes.Error, o.err.Error())
		span.RecordError(o.err)
		log.Info("feedback request ended: %s", o.err)
		return nil, o.err
	}
	span.SetAttributes(attribute.Int("feedback.images", len(o.result.Images)))
	log.Info("feedback received after %s", b.clock.Since(now))
	return o.result, nil
}

// finish moves op to a terminal state if it is still waiting. Only the winning call
// removes the operation and tells a Dismisser, which may have other windows showing it.
// The waiter gets its outcome first, the dismissal runs on its own bounded context.
func (b *Bridge) finish(op *operation, o outcome, reason string) bool {
	next := Resolved
	if o.err != nil {
		next = Rejected
	}
	if !op.decide(next) {
		return false
	}
	b.mu.Lock()
	if current, ok := b.operations[op.prompt.OperationID]; ok && current == op {
		delete(b.operations, op.prompt.OperationID)
	}
	collaborator := b.collaborator
	b.mu.Unlock()

	op.outcome <- o
	if d, ok := collaborator.(Dismisser); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DismissTimeout)
			defer cancel()
			d.Dismiss(ctx, op.prompt.OperationID, reason)
		}()
	}
	return true
}

func (b *Bridge) lookup(operationID string) (*operation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.operations[operationID]
	return op, ok
}

// Settle resolves operationID with resp. Later settles, cancels and timeouts are no-ops.
func (b *Bridge) Settle(operationID string, resp Response) bool {
	op, ok := b.lookup(operationID)
	if !ok {
		b.logger.Debug("ignoring response for operation %s: %s", operationID, ErrUnknownOperation)
		return false
	}
	return b.finish(op, outcome{result: newResult(resp, b.clock.Now())}, "settled")
}

// Cancel rejects operationID with reason. Later settles, cancels and timeouts are no-ops.
func (b *Bridge) Cancel(operationID string, reason string) bool {
	op, ok := b.lookup(operationID)
	if !ok {
		b.logger.Debug("ignoring cancel for operation %s: %s", operationID, ErrUnknownOperation)
		return false
	}
	return b.finish(op, outcome{err: cancelledError(reason)}, "cancelled")
}

// CancelAll rejects every waiting operation and returns how many it decided
func (b *Bridge) CancelAll(reason string) int {
	b.mu.Lock()
	ops := make([]*operation, 0, len(b.operations))
	for _, op := range b.operations {
		ops = append(ops, op)
	}
	b.mu.Unlock()

	var n int
	for _, op := range ops {
		if b.finish(op, outcome{err: cancelledError(reason)}, reason) {
			n++
		}
	}
	return n
}

// Close cancels everything waiting and refuses new solicitations
func (b *Bridge) Close(reason string) int {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.CancelAll(reason)
}

// Lookup returns the prompt of a waiting operation
func (b *Bridge) Lookup(operationID string) (Prompt, bool) {
	op, ok := b.lookup(operationID)
	if !ok {
		return Prompt{}, false
	}
	return op.prompt, true
}

// Pending lists waiting operations, oldest first
func (b *Bridge) Pending() []Pending {
	b.mu.Lock()
	pending := make([]Pending, 0, len(b.operations))
	for _, op := range b.operations {
		pending = append(pending, Pending{
			OperationID: op.prompt.OperationID,
			WorkSummary: op.prompt.WorkSummary,
			SessionID:   op.sessionID,
			CreatedAt:   op.prompt.CreatedAt,
			Deadline:    op.prompt.Deadline,
		})
	}
	b.mu.Unlock()

	// ulids sort by creation time
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].OperationID < pending[j].OperationID
	})
	return pending
}
