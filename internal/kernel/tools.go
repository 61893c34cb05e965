package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/mailbox"
	"github.com/loomhq/loom/pkg/models"
)

// Privileged tool names injected into every agent's registry. The dispatch
// tool is controller-only.
const (
	ToolGetStatus       = "agent_get_status"
	ToolDispatchTask    = "agent_dispatch_task"
	ToolSendMessage     = "agent_send_message"
	ToolReceiveMessages = "agent_receive_messages"
	ToolWaitForMessages = "agent_wait_for_messages"
	ToolAckMessages     = "agent_ack_messages"
	ToolNackMessage     = "agent_nack_message"
	ToolListDeadLetters = "agent_list_dead_letters"
)

// callerAgent resolves the invoking agent from the tool context's session.
// A missing session is a hard error, not an LLM-visible failure: it means
// the kernel wired the run incorrectly.
func (k *Kernel) callerAgent(tc *agent.ToolContext) (string, error) {
	if tc == nil || tc.SessionID == "" {
		return "", fmt.Errorf("privileged tool invoked without a session")
	}
	agentID, ok := k.runtime.AgentForSession(tc.SessionID)
	if !ok {
		return "", fmt.Errorf("no agent owns session %s", tc.SessionID)
	}
	return agentID, nil
}

func jsonResult(v any) (*agent.ToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &agent.ToolResult{Success: true, Output: string(raw)}, nil
}

// injectPrivilegedTools adds the kernel tools to the profile's registry and
// exempts the blocking ones from the registry timeout.
func (k *Kernel) injectPrivilegedTools(profile *agent.Profile) error {
	tools := []agent.Tool{
		k.getStatusTool(),
		k.sendMessageTool(),
		k.receiveMessagesTool(),
		k.waitForMessagesTool(),
		k.ackMessagesTool(),
		k.nackMessageTool(),
		k.listDeadLettersTool(),
	}
	if profile.IsController {
		tools = append(tools, k.dispatchTaskTool())
	}
	for _, tool := range tools {
		if err := profile.Registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) getStatusTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolGetStatus,
		ToolDescription: "Query the status of agent runs. With no filters, controllers see their children and other agents see their own runs.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"runId": {"type": "string"},
				"agentId": {"type": "string"},
				"parentRunId": {"type": "string"},
				"statuses": {"type": "array", "items": {"type": "string", "enum": ["queued","running","completed","failed","aborted","cancelled"]}},
				"limit": {"type": "integer", "minimum": 1, "maximum": 200}
			},
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			var in struct {
				RunID       string   `json:"runId"`
				AgentID     string   `json:"agentId"`
				ParentRunID string   `json:"parentRunId"`
				Statuses    []string `json:"statuses"`
				Limit       int      `json:"limit"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
				}
			}
			filter := RunFilter{
				RunID:       in.RunID,
				AgentID:     in.AgentID,
				ParentRunID: in.ParentRunID,
				Limit:       in.Limit,
			}
			for _, s := range in.Statuses {
				filter.Statuses = append(filter.Statuses, models.RunStatus(s))
			}
			if filter.RunID == "" && filter.AgentID == "" && filter.ParentRunID == "" && len(filter.Statuses) == 0 {
				if caller == k.cfg.ControllerID {
					filter.ParentAgentID = caller
				} else {
					filter.AgentID = caller
				}
			}
			return jsonResult(map[string]any{"runs": k.QueryRuns(filter)})
		},
	}
}

func (k *Kernel) dispatchTaskTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolDispatchTask,
		ToolDescription: "Dispatch a task to another agent as a child run. The parent is notified through its mailbox when the child finishes.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agentId": {"type": "string", "minLength": 1},
				"input": {"type": "string", "minLength": 1},
				"parentRunId": {"type": "string"},
				"timeoutMs": {"type": "integer", "minimum": 100, "maximum": 3600000},
				"metadata": {"type": "object"}
			},
			"required": ["agentId", "input"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			if caller != k.cfg.ControllerID {
				return agent.FailureResult(agent.CodeNotAuthorized, "only the controller may dispatch tasks"), nil
			}
			var in struct {
				AgentID     string         `json:"agentId"`
				Input       string         `json:"input"`
				ParentRunID string         `json:"parentRunId"`
				TimeoutMs   int            `json:"timeoutMs"`
				Metadata    map[string]any `json:"metadata"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
			}
			if _, ok := k.runtime.Agent(in.AgentID); !ok {
				return agent.FailureResult(agent.CodeUnknownAgent, "no agent %q", in.AgentID), nil
			}

			parentRunID := in.ParentRunID
			if parentRunID == "" {
				if tc.RunID != "" {
					parentRunID = tc.RunID
				} else {
					parentRunID = k.latestRun(caller)
				}
			}
			record, err := k.Dispatch(ctx, &DispatchRequest{
				AgentID:     in.AgentID,
				Input:       in.Input,
				ParentRunID: parentRunID,
				Timeout:     time.Duration(in.TimeoutMs) * time.Millisecond,
				Metadata:    in.Metadata,
			})
			if err != nil {
				return agent.FailureResult(agent.CodeUnknownAgent, "dispatch failed: %v", err), nil
			}
			return jsonResult(map[string]any{
				"callerAgentId": caller,
				"parentRunId":   parentRunID,
				"childRunId":    record.RunID,
				"childAgentId":  record.AgentID,
				"childStatus":   record.Status,
			})
		},
	}
}

func (k *Kernel) sendMessageTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolSendMessage,
		ToolDescription: "Send a message to another agent's mailbox.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"toAgentId": {"type": "string", "minLength": 1},
				"payload": {"type": "object"},
				"topic": {"type": "string"},
				"idempotencyKey": {"type": "string"},
				"correlationId": {"type": "string"},
				"runId": {"type": "string"},
				"maxAttempts": {"type": "integer", "minimum": 1, "maximum": 10}
			},
			"required": ["toAgentId", "payload"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			var in struct {
				ToAgentID      string         `json:"toAgentId"`
				Payload        map[string]any `json:"payload"`
				Topic          string         `json:"topic"`
				IdempotencyKey string         `json:"idempotencyKey"`
				CorrelationID  string         `json:"correlationId"`
				RunID          string         `json:"runId"`
				MaxAttempts    int            `json:"maxAttempts"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
			}
			msg, err := k.mailbox.Send(mailbox.SendRequest{
				From:           caller,
				To:             in.ToAgentID,
				Payload:        in.Payload,
				Topic:          in.Topic,
				IdempotencyKey: in.IdempotencyKey,
				CorrelationID:  in.CorrelationID,
				RunID:          in.RunID,
				MaxAttempts:    in.MaxAttempts,
			})
			if err != nil {
				return agent.FailureResult(agent.CodeUnknownAgent, "%v", err), nil
			}
			k.refreshMailboxGauges()
			return jsonResult(map[string]any{"messageId": msg.ID, "status": msg.Status})
		},
	}
}

func (k *Kernel) receiveMessagesTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolReceiveMessages,
		ToolDescription: "Receive queued messages from this agent's mailbox, leasing them for processing.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 100},
				"leaseMs": {"type": "integer", "minimum": 100, "maximum": 300000}
			},
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			var in struct {
				Limit   int `json:"limit"`
				LeaseMs int `json:"leaseMs"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
				}
			}
			msgs, err := k.mailbox.Receive(caller, mailbox.ReceiveOptions{
				Limit: in.Limit,
				Lease: time.Duration(in.LeaseMs) * time.Millisecond,
			})
			if err != nil {
				return agent.FailureResult(agent.CodeUnknownAgent, "%v", err), nil
			}
			k.refreshMailboxGauges()
			return jsonResult(map[string]any{"messages": msgs})
		},
	}
}

func (k *Kernel) waitForMessagesTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolWaitForMessages,
		ToolDescription: "Wait for mailbox messages with long-poll semantics. On timeout, reports progress of the caller's child runs.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 100},
				"leaseMs": {"type": "integer", "minimum": 100, "maximum": 300000},
				"waitMs": {"type": "integer", "minimum": 0, "maximum": 300000},
				"pollIntervalMs": {"type": "integer", "minimum": 20, "maximum": 5000},
				"parentRunId": {"type": "string"},
				"includeChildProgressOnTimeout": {"type": "boolean"}
			},
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			var in struct {
				Limit                         int    `json:"limit"`
				LeaseMs                       int    `json:"leaseMs"`
				WaitMs                        *int   `json:"waitMs"`
				PollIntervalMs                int    `json:"pollIntervalMs"`
				ParentRunID                   string `json:"parentRunId"`
				IncludeChildProgressOnTimeout *bool  `json:"includeChildProgressOnTimeout"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
				}
			}
			opts := mailbox.WaitOptions{
				Limit:                in.Limit,
				Lease:                time.Duration(in.LeaseMs) * time.Millisecond,
				PollInterval:         time.Duration(in.PollIntervalMs) * time.Millisecond,
				ParentRunID:          in.ParentRunID,
				IncludeChildProgress: true,
			}
			if in.WaitMs != nil {
				opts.Wait = time.Duration(*in.WaitMs) * time.Millisecond
				opts.WaitSet = true
			}
			if in.IncludeChildProgressOnTimeout != nil {
				opts.IncludeChildProgress = *in.IncludeChildProgressOnTimeout
			}
			result, err := k.mailbox.Wait(ctx, caller, opts)
			if err != nil {
				return agent.FailureResult(agent.CodeUnknownAgent, "%v", err), nil
			}
			k.refreshMailboxGauges()
			return jsonResult(result)
		},
	}
}

func (k *Kernel) ackMessagesTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolAckMessages,
		ToolDescription: "Acknowledge leased messages, removing them from the mailbox.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"messageIds": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 100}
			},
			"required": ["messageIds"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			var in struct {
				MessageIDs []string `json:"messageIds"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
			}
			acked := make([]string, 0, len(in.MessageIDs))
			missing := make([]string, 0)
			for _, id := range in.MessageIDs {
				ok, err := k.mailbox.Ack(caller, id)
				if err != nil {
					return agent.FailureResult(agent.CodeUnknownAgent, "%v", err), nil
				}
				if ok {
					acked = append(acked, id)
				} else {
					missing = append(missing, id)
				}
			}
			k.refreshMailboxGauges()
			return jsonResult(map[string]any{"acked": acked, "missing": missing})
		},
	}
}

func (k *Kernel) nackMessageTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolNackMessage,
		ToolDescription: "Negatively acknowledge a leased message, requeueing it or dead-lettering it when retries are exhausted.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"messageId": {"type": "string", "minLength": 1},
				"error": {"type": "string"},
				"requeueDelayMs": {"type": "integer", "minimum": 0, "maximum": 300000}
			},
			"required": ["messageId"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			var in struct {
				MessageID      string `json:"messageId"`
				Error          string `json:"error"`
				RequeueDelayMs int    `json:"requeueDelayMs"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
			}
			result, err := k.mailbox.Nack(caller, in.MessageID, mailbox.NackOptions{
				Error:        in.Error,
				RequeueDelay: time.Duration(in.RequeueDelayMs) * time.Millisecond,
			})
			if err != nil {
				return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
			}
			k.refreshMailboxGauges()
			return jsonResult(result)
		},
	}
}

func (k *Kernel) listDeadLettersTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        ToolListDeadLetters,
		ToolDescription: "List this agent's dead-lettered messages, oldest first.",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
			caller, err := k.callerAgent(tc)
			if err != nil {
				return nil, err
			}
			var in struct {
				Limit int `json:"limit"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return agent.FailureResult(agent.CodeInvalidArguments, "%v", err), nil
				}
			}
			dead, err := k.mailbox.ListDeadLetters(caller, in.Limit)
			if err != nil {
				return agent.FailureResult(agent.CodeUnknownAgent, "%v", err), nil
			}
			return jsonResult(map[string]any{"deadLetters": dead})
		},
	}
}
