// Package errs defines the error taxonomy shared by the sync engine.
// Validation and transition errors are detected before any I/O; api and
// channel errors come back from collaborators; conflict errors mean the
// remote diverged from the local optimistic view and must reach the caller.
package errs

import "fmt"

// ValidationError reports malformed input. Caller's fault, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// InvalidTransition reports a session status change the state machine forbids.
type InvalidTransition struct {
	From, To string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ConflictError means the remote state no longer matches the local assumption,
// e.g. replaying IN_PROGRESS -> COMPLETED on a walk the server cancelled.
// Always surfaced, never auto-resolved.
type ConflictError struct {
	SessionID string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on session %s: %s", e.SessionID, e.Reason)
}

// ApiError reports a failed remote call. Retriable says whether the failure
// was connectivity-shaped (no response received) rather than a definite
// rejection; retriable failures are queued for replay instead of surfaced.
type ApiError struct {
	Status    int
	Message   string
	Retriable bool
}

func (e *ApiError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
	}
	return "api: " + e.Message
}

// ChannelError reports a transport-level failure after the retry budget
// is exhausted.
type ChannelError struct {
	Attempts int
	Message  string
}

func (e *ChannelError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("channel: %s after %d attempts", e.Message, e.Attempts)
	}
	return "channel: " + e.Message
}
