package models

import (
	"encoding/json"
	"time"
)

// AgentEventType identifies a stream event emitted by a run.
// The set is closed; reducers treat unknown types as no-ops.
type AgentEventType string

const (
	EventTextStart         AgentEventType = "text.start"
	EventTextDelta         AgentEventType = "text.delta"
	EventTextComplete      AgentEventType = "text.complete"
	EventReasoningStart    AgentEventType = "reasoning.start"
	EventReasoningDelta    AgentEventType = "reasoning.delta"
	EventReasoningComplete AgentEventType = "reasoning.complete"
	EventToolCallCreated   AgentEventType = "tool.call.created"
	EventToolCallStream    AgentEventType = "tool.call.stream"
	EventToolCallResult    AgentEventType = "tool.call.result"
	EventCodePatch         AgentEventType = "code.patch"
	EventUsageUpdate       AgentEventType = "usage.update"
	EventStatus            AgentEventType = "run.status"
	EventError             AgentEventType = "run.error"
	EventSubagent          AgentEventType = "subagent.event"
)

// ToolCallResultPayload carries the outcome of a tool call.
type ToolCallResultPayload struct {
	CallID   string          `json:"call_id"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
}

// CodePatchPayload carries a code patch emitted during a run.
type CodePatchPayload struct {
	Path     string `json:"path"`
	Diff     string `json:"diff"`
	Language string `json:"language,omitempty"`
}

// ErrorPayload carries a run error.
type ErrorPayload struct {
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
}

// SubagentPayload wraps a nested run's event for re-emission on the parent
// stream.
type SubagentPayload struct {
	TaskID         string      `json:"task_id"`
	SubagentType   string      `json:"subagent_type"`
	ChildSessionID string      `json:"child_session_id"`
	Event          *AgentEvent `json:"event,omitempty"`
}

// AgentEvent is a single entry in a run's strictly ordered event stream.
// Payload fields are populated according to Type; all others are zero.
type AgentEvent struct {
	Type     AgentEventType `json:"type"`
	Time     time.Time      `json:"time"`
	Sequence uint64         `json:"sequence"`
	RunID    string         `json:"run_id,omitempty"`

	// Text and reasoning events.
	MsgID string `json:"msg_id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// Tool events.
	ToolCalls []ToolCall             `json:"tool_calls,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Chunk     string                 `json:"chunk,omitempty"`
	Result    *ToolCallResultPayload `json:"result,omitempty"`

	Patch    *CodePatchPayload `json:"patch,omitempty"`
	Usage    *Usage            `json:"usage,omitempty"`
	Status   RunStatus         `json:"status,omitempty"`
	Error    *ErrorPayload     `json:"error,omitempty"`
	Subagent *SubagentPayload  `json:"subagent,omitempty"`
}
