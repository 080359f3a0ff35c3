package feedback

import (
	"context"
	"time"
)

// Prompt is handed to the collaborator to show to a human
type Prompt struct {
	OperationID string
	WorkSummary string
	CreatedAt   time.Time
	// Deadline is zero when the operation never expires
	Deadline time.Time
}

// Collaborator is the UI capability the bridge needs. It never settles anything itself,
// it keeps only the operation id and reports back through a Settler.
type Collaborator interface {
	// EnsureVisible brings the UI to the front. Failure is logged, never fatal.
	EnsureVisible(ctx context.Context) error
	// RequestResponse shows the prompt. An error means the human cannot be reached.
	RequestResponse(ctx context.Context, prompt Prompt) error
}

// Settler is the path by which a collaborator reports the human's answer
type Settler interface {
	// Settle resolves a waiting operation and reports whether this call decided it
	Settle(operationID string, resp Response) bool
	// Cancel rejects a waiting operation and reports whether this call decided it
	Cancel(operationID string, reason string) bool
}

// Dismisser is implemented by collaborators that want to hear when an operation
// ended without their involvement, so they can take the prompt down.
type Dismisser interface {
	Dismiss(ctx context.Context, operationID string, reason string)
}

type MessageLevel string

const (
	LevelInfo    MessageLevel = "info"
	LevelWarning MessageLevel = "warning"
	LevelError   MessageLevel = "error"
)

// ParseMessageLevel maps unknown values to info
func ParseMessageLevel(s string) MessageLevel {
	switch MessageLevel(s) {
	case LevelWarning, LevelError:
		return MessageLevel(s)
	default:
		return LevelInfo
	}
}

// Notifier displays a levelled message to the human
type Notifier interface {
	ShowMessage(ctx context.Context, level MessageLevel, message string) error
}
