package models

import "time"

// RunStatus represents the lifecycle state of an agent run.
// Transitions are monotone: once a run reaches a terminal status it never
// changes again.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted, RunCancelled:
		return true
	}
	return false
}

// RunRecord tracks a single agent run from dispatch to terminal status.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	AgentID     string         `json:"agent_id"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Status      RunStatus      `json:"status"`
	Input       string         `json:"input"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Stats       *RunStats      `json:"stats,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy of the record safe to hand to callers.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		clone.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		clone.FinishedAt = &t
	}
	if r.Stats != nil {
		stats := *r.Stats
		clone.Stats = &stats
	}
	if r.Metadata != nil {
		clone.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// RunStats accumulates per-run execution statistics.
type RunStats struct {
	Iterations       int           `json:"iterations"`
	ToolCalls        int           `json:"tool_calls"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Compactions      int           `json:"compactions"`
	WallTime         time.Duration `json:"wall_time"`
}

// SubTaskRunMode distinguishes foreground from background child runs.
type SubTaskRunMode string

const (
	SubTaskForeground SubTaskRunMode = "foreground"
	SubTaskBackground SubTaskRunMode = "background"
)

// SubTaskRun is the persisted record of a child run launched by the task
// tool. Messages are not duplicated here; they live in the child session's
// context document.
type SubTaskRun struct {
	RunID           string         `json:"run_id"`
	ParentSessionID string         `json:"parent_session_id"`
	ChildSessionID  string         `json:"child_session_id"`
	Mode            SubTaskRunMode `json:"mode"`
	Status          RunStatus      `json:"status"`
	SubagentType    string         `json:"subagent_type"`
	StartedAt       time.Time      `json:"started_at"`
	MessageCount    int            `json:"message_count"`
	Output          string         `json:"output,omitempty"`
}
