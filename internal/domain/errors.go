package domain

import "errors"

// Error taxonomy. Configuration errors are fatal at load time and must
// prevent startup; step-execution errors are recovered locally by the
// retry policy; the rest are returned to callers without side effects.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrStepExecution   = errors.New("step execution failed")
	ErrWorkflowExpired = errors.New("workflow expired")
)
