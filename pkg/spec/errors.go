package spec

import "fmt"

// Error is a specification validation failure. It is fatal at load time:
// the document is never partially loaded and the workflow type is never
// registered for dispatch.
type Error struct {
	WorkflowType string
	Reason       string
}

func (e *Error) Error() string {
	if e.WorkflowType == "" {
		return "invalid specification: " + e.Reason
	}
	return fmt.Sprintf("invalid specification for %s: %s", e.WorkflowType, e.Reason)
}

func specErrf(workflowType, format string, args ...any) error {
	return &Error{WorkflowType: workflowType, Reason: fmt.Sprintf(format, args...)}
}
