// Package reducer folds a run's ordered event stream into UI-oriented
// message state. The fold is deterministic: two reducers fed the same event
// sequence produce identical states.
package reducer

import (
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
)

// Bounds applied while folding tool output into state.
const (
	// MaxStreamChunks caps the number of retained stream log chunks per call.
	MaxStreamChunks = 400

	// MaxStreamChars caps the total retained stream log characters per call.
	MaxStreamChars = 120000

	// MaxResultChars caps a tool result before the truncation sentinel.
	MaxResultChars = 80000
)

// TruncatedSentinel marks a result cut at MaxResultChars.
const TruncatedSentinel = "...[truncated]"

// Phase tracks whether an assistant message is still being streamed.
type Phase string

const (
	PhaseStreaming Phase = "streaming"
	PhaseCompleted Phase = "completed"
)

// Kind discriminates UI message variants.
type Kind string

const (
	KindAssistant Kind = "assistant"
	KindCodePatch Kind = "code_patch"
	KindError     Kind = "error"
	KindSystem    Kind = "system"
)

// ToolCallView is the folded state of one tool call on an assistant message.
type ToolCallView struct {
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	StreamLogs []string        `json:"stream_logs,omitempty"`
	Result     string          `json:"result,omitempty"`
	Status     string          `json:"status,omitempty"`
	ExitCode   int             `json:"exit_code,omitempty"`

	streamChars int
}

// AssistantView is the folded state of one assistant message.
type AssistantView struct {
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCalls []ToolCallView `json:"tool_calls,omitempty"`
	Phase     Phase          `json:"phase"`
}

// ErrorView is an error surfaced to the UI.
type ErrorView struct {
	Message string `json:"message"`
	Phase   string `json:"phase,omitempty"`
}

// UIMessage is one entry in the reduced message list. The message ID of an
// assistant entry equals the originating stream message ID.
type UIMessage struct {
	ID        string                   `json:"id"`
	Kind      Kind                     `json:"kind"`
	Assistant *AssistantView           `json:"assistant,omitempty"`
	Patch     *models.CodePatchPayload `json:"patch,omitempty"`
	Error     *ErrorView               `json:"error,omitempty"`
	Text      string                   `json:"text,omitempty"`
}

// State is an immutable snapshot of reduced stream state.
type State struct {
	Messages  []UIMessage   `json:"messages"`
	Streaming bool          `json:"streaming"`
	Error     *ErrorView    `json:"error,omitempty"`
	Usage     *models.Usage `json:"usage,omitempty"`
}

type callLocator struct {
	msgID   string
	toolIdx int
}

// Reducer consumes events for a single session. It is not safe for
// concurrent use; a run's stream is consumed sequentially.
type Reducer struct {
	messages  []*UIMessage
	byID      map[string]int
	calls     map[string]callLocator
	streaming bool
	err       *ErrorView
	usage     *models.Usage
	nextIdx   int
}

// New returns an empty reducer.
func New() *Reducer {
	r := &Reducer{}
	r.Reset()
	return r
}

// Reset restores the initial empty state.
func (r *Reducer) Reset() {
	r.messages = nil
	r.byID = make(map[string]int)
	r.calls = make(map[string]callLocator)
	r.streaming = false
	r.err = nil
	r.usage = nil
	r.nextIdx = 0
}

// ClearError drops the current error without touching messages.
func (r *Reducer) ClearError() State {
	r.err = nil
	return r.State()
}

// State returns a deep-copied snapshot of the current state.
func (r *Reducer) State() State {
	s := State{Streaming: r.streaming}
	if len(r.messages) > 0 {
		s.Messages = make([]UIMessage, len(r.messages))
		for i, m := range r.messages {
			s.Messages[i] = *cloneUIMessage(m)
		}
	}
	if r.err != nil {
		e := *r.err
		s.Error = &e
	}
	if r.usage != nil {
		u := *r.usage
		s.Usage = &u
	}
	return s
}

// Ingest folds one event into the state and returns the new snapshot.
// Events referencing an unknown call ID without a message ID, and events
// missing required fields, leave the state unchanged.
func (r *Reducer) Ingest(ev models.AgentEvent) State {
	switch ev.Type {
	case models.EventTextStart, models.EventTextDelta:
		msg := r.resolveAssistant(ev)
		msg.Assistant.Content = MergeTextDelta(msg.Assistant.Content, ev.Delta)
		msg.Assistant.Phase = PhaseStreaming
		r.streaming = true

	case models.EventTextComplete:
		msg := r.resolveAssistant(ev)
		merged := MergeTextDelta(msg.Assistant.Content, ev.Delta)
		if len(ev.Delta) >= len(merged) {
			merged = ev.Delta
		}
		msg.Assistant.Content = merged
		msg.Assistant.Phase = PhaseCompleted
		r.streaming = false

	case models.EventReasoningStart, models.EventReasoningDelta:
		msg := r.resolveAssistant(ev)
		msg.Assistant.Reasoning = MergeTextDelta(msg.Assistant.Reasoning, ev.Delta)
		msg.Assistant.Phase = PhaseStreaming
		r.streaming = true

	case models.EventReasoningComplete:
		msg := r.resolveAssistant(ev)
		merged := MergeTextDelta(msg.Assistant.Reasoning, ev.Delta)
		if len(ev.Delta) >= len(merged) {
			merged = ev.Delta
		}
		msg.Assistant.Reasoning = merged

	case models.EventToolCallCreated:
		if len(ev.ToolCalls) == 0 {
			break
		}
		msg := r.resolveAssistant(ev)
		for _, tc := range ev.ToolCalls {
			if tc.ID == "" {
				continue
			}
			idx, ok := r.findCall(msg, tc.ID)
			if !ok {
				msg.Assistant.ToolCalls = append(msg.Assistant.ToolCalls, ToolCallView{
					CallID: tc.ID,
					Name:   tc.Name,
					Args:   tc.Arguments,
				})
				idx = len(msg.Assistant.ToolCalls) - 1
			} else {
				if tc.Name != "" {
					msg.Assistant.ToolCalls[idx].Name = tc.Name
				}
				if tc.Arguments != nil {
					msg.Assistant.ToolCalls[idx].Args = tc.Arguments
				}
			}
			r.calls[tc.ID] = callLocator{msgID: msg.ID, toolIdx: idx}
		}

	case models.EventToolCallStream:
		if ev.CallID == "" || ev.Chunk == "" {
			break
		}
		call := r.locateCall(ev.CallID, ev.MsgID)
		if call == nil {
			break
		}
		appendStreamLog(call, ev.Chunk)
		r.streaming = true

	case models.EventToolCallResult:
		if ev.Result == nil {
			break
		}
		callID := ev.Result.CallID
		if callID == "" {
			callID = ev.CallID
		}
		if callID == "" {
			break
		}
		call := r.locateCall(callID, ev.MsgID)
		if call == nil {
			break
		}
		result := string(ev.Result.Result)
		if len(result) > MaxResultChars {
			result = result[:MaxResultChars] + TruncatedSentinel
		}
		call.Result = result
		call.Status = ev.Result.Status
		call.ExitCode = ev.Result.ExitCode
		r.streaming = false

	case models.EventCodePatch:
		if ev.Patch == nil {
			break
		}
		patch := *ev.Patch
		r.appendMessage(&UIMessage{
			ID:    fmt.Sprintf("patch-%d-%d", ev.Time.UnixMilli(), r.nextIdx),
			Kind:  KindCodePatch,
			Patch: &patch,
		})

	case models.EventUsageUpdate:
		if ev.Usage != nil {
			u := *ev.Usage
			r.usage = &u
		}

	case models.EventStatus:
		switch ev.Status {
		case models.RunRunning, models.RunQueued:
			r.streaming = true
		default:
			if ev.Status.Terminal() {
				r.streaming = false
			}
		}

	case models.EventError:
		if ev.Error == nil {
			break
		}
		phase := "idle"
		if r.streaming {
			phase = "streaming"
		}
		view := &ErrorView{Message: ev.Error.Message, Phase: phase}
		r.appendMessage(&UIMessage{
			ID:    fmt.Sprintf("error-%d-%d", ev.Time.UnixMilli(), r.nextIdx),
			Kind:  KindError,
			Error: view,
		})
		e := *view
		r.err = &e
		r.streaming = false

	case models.EventSubagent:
		// Passthrough. UIs opt in by consuming the raw stream.
	}

	return r.State()
}

// Prune keeps the last keepLast messages and rebuilds the locator maps.
func (r *Reducer) Prune(keepLast int) State {
	if keepLast < 0 {
		keepLast = 0
	}
	if len(r.messages) > keepLast {
		r.messages = append([]*UIMessage(nil), r.messages[len(r.messages)-keepLast:]...)
	}
	r.byID = make(map[string]int, len(r.messages))
	r.calls = make(map[string]callLocator)
	for i, m := range r.messages {
		r.byID[m.ID] = i
		if m.Kind == KindAssistant && m.Assistant != nil {
			for ti, tc := range m.Assistant.ToolCalls {
				r.calls[tc.CallID] = callLocator{msgID: m.ID, toolIdx: ti}
			}
		}
	}
	return r.State()
}

// resolveAssistant returns the assistant message an event applies to.
//
// An explicit message ID that already exists wins. Otherwise the latest
// assistant message is reused while it is still streaming (or completed but
// empty), which guarantees at most one in-flight assistant message per run.
// Failing both, a new message is created, using the event's message ID when
// present or a generated "text-<timestamp>-<index>" ID.
func (r *Reducer) resolveAssistant(ev models.AgentEvent) *UIMessage {
	if ev.MsgID != "" {
		if idx, ok := r.byID[ev.MsgID]; ok && r.messages[idx].Kind == KindAssistant {
			return r.messages[idx]
		}
	}
	if ev.MsgID == "" {
		if last := r.latestAssistant(); last != nil {
			a := last.Assistant
			if a.Phase == PhaseStreaming || (a.Content == "" && len(a.ToolCalls) == 0 && a.Reasoning == "") {
				return last
			}
		}
	}
	id := ev.MsgID
	if id == "" {
		id = fmt.Sprintf("text-%d-%d", ev.Time.UnixMilli(), r.nextIdx)
	}
	msg := &UIMessage{
		ID:        id,
		Kind:      KindAssistant,
		Assistant: &AssistantView{Phase: PhaseStreaming},
	}
	r.appendMessage(msg)
	return msg
}

func (r *Reducer) latestAssistant() *UIMessage {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Kind == KindAssistant {
			return r.messages[i]
		}
	}
	return nil
}

func (r *Reducer) appendMessage(msg *UIMessage) {
	r.messages = append(r.messages, msg)
	r.byID[msg.ID] = len(r.messages) - 1
	r.nextIdx++
}

func (r *Reducer) findCall(msg *UIMessage, callID string) (int, bool) {
	for i, tc := range msg.Assistant.ToolCalls {
		if tc.CallID == callID {
			return i, true
		}
	}
	return 0, false
}

// locateCall resolves a call ID to its view, consulting the locator map
// first and falling back to an explicit message ID. Unknown call IDs without
// a message ID resolve to nil and the event is dropped.
func (r *Reducer) locateCall(callID, msgID string) *ToolCallView {
	if loc, ok := r.calls[callID]; ok {
		if idx, ok := r.byID[loc.msgID]; ok {
			msg := r.messages[idx]
			if msg.Kind == KindAssistant && loc.toolIdx < len(msg.Assistant.ToolCalls) {
				return &msg.Assistant.ToolCalls[loc.toolIdx]
			}
		}
	}
	if msgID == "" {
		return nil
	}
	idx, ok := r.byID[msgID]
	if !ok || r.messages[idx].Kind != KindAssistant {
		return nil
	}
	msg := r.messages[idx]
	if i, ok := r.findCall(msg, callID); ok {
		r.calls[callID] = callLocator{msgID: msg.ID, toolIdx: i}
		return &msg.Assistant.ToolCalls[i]
	}
	msg.Assistant.ToolCalls = append(msg.Assistant.ToolCalls, ToolCallView{CallID: callID})
	i := len(msg.Assistant.ToolCalls) - 1
	r.calls[callID] = callLocator{msgID: msg.ID, toolIdx: i}
	return &msg.Assistant.ToolCalls[i]
}

// appendStreamLog appends a chunk, dropping from the front when either the
// chunk-count or character cap is exceeded.
func appendStreamLog(call *ToolCallView, chunk string) {
	call.StreamLogs = append(call.StreamLogs, chunk)
	call.streamChars += len(chunk)
	for len(call.StreamLogs) > MaxStreamChunks || (call.streamChars > MaxStreamChars && len(call.StreamLogs) > 1) {
		call.streamChars -= len(call.StreamLogs[0])
		call.StreamLogs = call.StreamLogs[1:]
	}
}

// MergeTextDelta merges an incoming text payload into the current text.
// Providers ship deltas both as incremental chunks and cumulative snapshots:
// a snapshot (incoming extends current) replaces, a replay (current extends
// incoming) is ignored, anything else appends.
func MergeTextDelta(current, incoming string) string {
	switch {
	case incoming == "":
		return current
	case incoming == current:
		return current
	case len(incoming) > len(current) && incoming[:len(current)] == current:
		return incoming
	case len(current) > len(incoming) && current[:len(incoming)] == incoming:
		return current
	default:
		return current + incoming
	}
}

func cloneUIMessage(m *UIMessage) *UIMessage {
	clone := *m
	if m.Assistant != nil {
		a := *m.Assistant
		if len(m.Assistant.ToolCalls) > 0 {
			a.ToolCalls = make([]ToolCallView, len(m.Assistant.ToolCalls))
			for i, tc := range m.Assistant.ToolCalls {
				a.ToolCalls[i] = tc
				if len(tc.StreamLogs) > 0 {
					a.ToolCalls[i].StreamLogs = append([]string(nil), tc.StreamLogs...)
				}
			}
		}
		clone.Assistant = &a
	}
	if m.Patch != nil {
		p := *m.Patch
		clone.Patch = &p
	}
	if m.Error != nil {
		e := *m.Error
		clone.Error = &e
	}
	return &clone
}
