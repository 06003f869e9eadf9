package sandbox

import "fmt"

const (
	ResourceInstructions = "instructions"
	ResourceMemory       = "memory"
	ResourceStack        = "stack"
	ResourceTime         = "time"
)

// ResourceExceededError aborts a script that ran past one of its limits.
type ResourceExceededError struct {
	Resource string
	Limit    int64
}

func (e *ResourceExceededError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("script exceeded %s limit (%d)", e.Resource, e.Limit)
	}
	return fmt.Sprintf("script exceeded %s limit", e.Resource)
}

// SandboxViolationError is raised when a script asks for a module outside the
// whitelist.
type SandboxViolationError struct {
	Module string
}

func (e *SandboxViolationError) Error() string {
	return fmt.Sprintf("module %q is not available in the sandbox", e.Module)
}

// ExecutionError carries the message of a script that failed to compile,
// raised an error, or returned nothing.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string { return "script failed: " + e.Message }

func (e *ExecutionError) Unwrap() error { return e.Err }
