package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageType classifies a message within a session log.
type MessageType string

const (
	MessageTypeText       MessageType = "text"
	MessageTypeToolCall   MessageType = "tool-call"
	MessageTypeToolResult MessageType = "tool-result"
	MessageTypeSummary    MessageType = "summary"
)

// SystemMessageID is the fixed ID of the leading system message in a session.
// The system message is never archived by compaction.
const SystemMessageID = "system"

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Usage contains token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheHitTokens   int `json:"cache_hit_tokens,omitempty"`
	CacheMissTokens  int `json:"cache_miss_tokens,omitempty"`
}

// Message is a single entry in a session's ordered conversation log.
//
// Invariants:
//   - A tool-result message's ToolCallID matches a ToolCall.ID declared by a
//     strictly earlier assistant message in the same session.
//   - The first message, when present, has Role=system and ID=SystemMessageID.
type Message struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id,omitempty"`
	Role             Role           `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	FinishReason     string         `json:"finish_reason,omitempty"`
	Type             MessageType    `json:"type,omitempty"`
	Usage            *Usage         `json:"usage,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Arguments != nil {
				clone.ToolCalls[i].Arguments = append(json.RawMessage{}, tc.Arguments...)
			}
		}
	}
	if m.Usage != nil {
		usage := *m.Usage
		clone.Usage = &usage
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// HasToolCall reports whether the message declares the given tool call ID.
func (m *Message) HasToolCall(callID string) bool {
	for _, tc := range m.ToolCalls {
		if tc.ID == callID {
			return true
		}
	}
	return false
}

// CompactionRecord captures one compaction of a session's log.
type CompactionRecord struct {
	SessionID          string    `json:"session_id"`
	Reason             string    `json:"reason"`
	ArchivedMessageIDs []string  `json:"archived_message_ids"`
	Timestamp          time.Time `json:"timestamp"`
}
