package feedback

import (
	"github.com/agentuity/feedback-bridge/mcp/transport"
	"github.com/cockroachdb/errors"
)

var (
	// ErrCollaboratorUnavailable is returned when the prompt could not be shown to a human
	ErrCollaboratorUnavailable = errors.New("feedback collaborator unavailable")
	// ErrCancelled is returned when the human dismissed the request
	ErrCancelled = errors.New("feedback cancelled")
	// ErrTimeout is returned when timeout_seconds elapsed without a response
	ErrTimeout = errors.New("feedback timed out")
	// ErrSessionClosed is returned when the requesting session disconnected first
	ErrSessionClosed = transport.ErrSessionClosed
	// ErrUnknownOperation is returned for ids that are not waiting
	ErrUnknownOperation = errors.New("unknown feedback operation")
	// ErrClosed is returned by Solicit after Close
	ErrClosed = errors.New("feedback bridge closed")
)

func cancelledError(reason string) error {
	if reason == "" {
		reason = "user cancelled"
	}
	return errors.Mark(errors.Newf("feedback cancelled: %s", reason), ErrCancelled)
}
