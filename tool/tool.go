// Package tool implements the function calling subsystem that lets the model
// invoke structured capabilities (APIs, computations, side effects) with
// schema validated arguments and consistent error handling.
package tool

import (
	"context"
	"fmt"
)

// Tool defines the interface for extending the agent with external capabilities.
//
// Tools are registered in a Registry and exposed to the model as function
// definitions each turn. The turn loop executes requested calls strictly in
// arrival order, one at a time, so implementations do not need internal
// serialization, but they must be safe for use across concurrent sessions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define a proper JSON schema for parameters
//   - Handle errors gracefully (return, never panic)
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// This description is provided to the model to help it decide when and how
	// to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected argument format.
	Parameters() map[string]any

	// Call executes the tool with arguments parsed from the model's JSON
	// payload. The context carries the deadline and cancellation of the
	// surrounding turn.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ToolError represents errors that occur during tool validation or execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

// Error codes used by the built-in tool plumbing.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
	CodeUnknownTool     = "UNKNOWN_TOOL"
)

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
