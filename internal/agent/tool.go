package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Tool is a capability exposed to the model. Schema returns the JSON
// Schema for the tool's arguments; Execute receives validated raw args.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error)
}

// ToolContext carries per-call ambient state into a tool execution.
type ToolContext struct {
	SessionID        string
	AgentID          string
	RunID            string
	WorkingDirectory string
	Platform         string
	Now              time.Time

	// StreamCallback receives incremental tool output for live display.
	// Optional; tools must tolerate nil.
	StreamCallback func(chunk string)
}

// ToolResult is the structured outcome of one tool execution. Failures are
// results, not errors; Execute returns an error only for infrastructure
// faults the LLM cannot act on.
type ToolResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FuncTool adapts a bare function into a Tool. Used for the kernel's
// privileged tools and in tests.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error)
}

func (f *FuncTool) Name() string            { return f.ToolName }
func (f *FuncTool) Description() string     { return f.ToolDescription }
func (f *FuncTool) Schema() json.RawMessage { return f.ToolSchema }
func (f *FuncTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	return f.Fn(ctx, args, tc)
}
