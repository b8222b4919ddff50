package toolregistry

import (
	"context"
	"time"

	"neko/internal/channels"
)

// Tool is one callable capability. Built-in and MCP-backed tools implement
// the same interface so dispatch never depends on where a tool comes from.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Definition describes a tool for the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
	// Timeout overrides the registry default for this tool.
	Timeout time.Duration `json:"-"`
	// Source is "builtin" or "mcp:<server>".
	Source string `json:"-"`
}

// ParameterSchema defines tool parameters (JSON Schema subset).
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []any     `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Call is a request to execute a tool.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// SessionKey identifies the conversation that issued the call.
	SessionKey string `json:"session_key,omitempty"`
	// Origin is the channel destination of the invoking conversation.
	Origin *channels.Address `json:"-"`
}

// Result is a tool's structured output.
type Result struct {
	CallID   string         `json:"call_id"`
	Content  string         `json:"content"`
	Error    error          `json:"-"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorText returns the result's error message, if any.
func (r *Result) ErrorText() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Error()
}
