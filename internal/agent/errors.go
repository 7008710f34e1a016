package agent

import "fmt"

// ValidationError marks a client message the engine refused to
// process. Nothing is persisted for a rejected message.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamModelError wraps a failure from the model provider. Phase
// distinguishes the first stream of a turn from the post-tool resume.
type UpstreamModelError struct {
	Phase string // "initial" or "resume"
	Err   error
}

// Error implements the error interface.
func (e *UpstreamModelError) Error() string {
	return fmt.Sprintf("model stream (%s): %v", e.Phase, e.Err)
}

// Unwrap exposes the underlying provider error.
func (e *UpstreamModelError) Unwrap() error {
	return e.Err
}
