package reducer

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

var eventTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(t models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{Type: t, Time: eventTime}
}

func textEvent(t models.AgentEventType, msgID, delta string) models.AgentEvent {
	e := ev(t)
	e.MsgID = msgID
	e.Delta = delta
	return e
}

// TestTextStreamWithToolCall covers the canonical stream: text deltas, a
// tool call, streamed tool output, then the result.
func TestTextStreamWithToolCall(t *testing.T) {
	r := New()

	r.Ingest(textEvent(models.EventTextStart, "m1", ""))
	r.Ingest(textEvent(models.EventTextDelta, "m1", "Hel"))
	r.Ingest(textEvent(models.EventTextDelta, "m1", "lo"))
	state := r.Ingest(textEvent(models.EventTextComplete, "m1", ""))

	if len(state.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(state.Messages))
	}
	msg := state.Messages[0]
	if msg.ID != "m1" {
		t.Errorf("assistant id = %q, want m1", msg.ID)
	}
	if msg.Assistant.Content != "Hello" {
		t.Errorf("content = %q, want Hello", msg.Assistant.Content)
	}
	if msg.Assistant.Phase != PhaseCompleted {
		t.Errorf("phase = %q, want completed", msg.Assistant.Phase)
	}
	if state.Streaming {
		t.Error("streaming should be false after text.complete")
	}

	created := ev(models.EventToolCallCreated)
	created.MsgID = "m1"
	created.ToolCalls = []models.ToolCall{{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)}}
	r.Ingest(created)

	stream := ev(models.EventToolCallStream)
	stream.CallID = "c1"
	stream.Chunk = "line-1"
	r.Ingest(stream)

	result := ev(models.EventToolCallResult)
	result.Result = &models.ToolCallResultPayload{CallID: "c1", Status: "success", Result: json.RawMessage(`{"ok":true}`)}
	state = r.Ingest(result)

	calls := state.Messages[0].Assistant.ToolCalls
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	call := calls[0]
	if call.Name != "lookup" {
		t.Errorf("tool name = %q", call.Name)
	}
	if len(call.StreamLogs) != 1 || call.StreamLogs[0] != "line-1" {
		t.Errorf("stream logs = %v", call.StreamLogs)
	}
	if call.Result != `{"ok":true}` {
		t.Errorf("result = %q", call.Result)
	}
	if call.Status != "success" {
		t.Errorf("status = %q", call.Status)
	}
	if state.Streaming {
		t.Error("streaming should be false after tool result")
	}
}

func TestMergeTextDelta(t *testing.T) {
	cases := []struct {
		current, incoming, want string
	}{
		{"abc", "", "abc"},
		{"", "xyz", "xyz"},
		{"abc", "abc", "abc"},
		{"abc", "abcdef", "abcdef"}, // snapshot replaces
		{"abcdef", "abc", "abcdef"}, // replay ignored
		{"abc", "def", "abcdef"},    // chunk appends
	}
	for _, c := range cases {
		if got := MergeTextDelta(c.current, c.incoming); got != c.want {
			t.Errorf("MergeTextDelta(%q, %q) = %q, want %q", c.current, c.incoming, got, c.want)
		}
	}
}

func TestTextCompletePrefersLongerPayload(t *testing.T) {
	r := New()
	r.Ingest(textEvent(models.EventTextDelta, "m1", "Hel"))
	state := r.Ingest(textEvent(models.EventTextComplete, "m1", "Hello, world"))
	if got := state.Messages[0].Assistant.Content; got != "Hello, world" {
		t.Errorf("content = %q, want full completion payload", got)
	}
}

func TestResetYieldsInitialState(t *testing.T) {
	r := New()
	r.Ingest(textEvent(models.EventTextDelta, "m1", "hi"))
	r.Reset()
	state := r.State()
	if len(state.Messages) != 0 || state.Streaming || state.Error != nil {
		t.Errorf("state after reset not initial: %+v", state)
	}
}

func TestZeroEventsEmptyState(t *testing.T) {
	state := New().State()
	if len(state.Messages) != 0 || state.Streaming {
		t.Errorf("empty reducer state not empty: %+v", state)
	}
}

func TestDeterministicFold(t *testing.T) {
	events := []models.AgentEvent{
		textEvent(models.EventTextDelta, "", "one "),
		textEvent(models.EventTextDelta, "", "two"),
		textEvent(models.EventTextComplete, "", ""),
	}
	a, b := New(), New()
	var sa, sb State
	for _, e := range events {
		sa = a.Ingest(e)
		sb = b.Ingest(e)
	}
	ja, _ := json.Marshal(sa)
	jb, _ := json.Marshal(sb)
	if string(ja) != string(jb) {
		t.Errorf("states diverged:\n%s\n%s", ja, jb)
	}
}

func TestAtMostOneStreamingAssistant(t *testing.T) {
	r := New()
	r.Ingest(textEvent(models.EventTextDelta, "m1", "first"))
	r.Ingest(textEvent(models.EventTextComplete, "m1", ""))
	r.Ingest(textEvent(models.EventTextDelta, "", "second"))
	state := r.Ingest(textEvent(models.EventTextDelta, "", " message"))

	streaming := 0
	for _, m := range state.Messages {
		if m.Kind == KindAssistant && m.Assistant.Phase == PhaseStreaming {
			streaming++
		}
	}
	if streaming != 1 {
		t.Errorf("streaming assistant count = %d, want 1", streaming)
	}
	if len(state.Messages) != 2 {
		t.Errorf("message count = %d, want 2", len(state.Messages))
	}
	if got := state.Messages[1].Assistant.Content; got != "second message" {
		t.Errorf("second content = %q", got)
	}
}

func TestGeneratedAssistantID(t *testing.T) {
	r := New()
	state := r.Ingest(textEvent(models.EventTextDelta, "", "hi"))
	want := fmt.Sprintf("text-%d-0", eventTime.UnixMilli())
	if state.Messages[0].ID != want {
		t.Errorf("generated id = %q, want %q", state.Messages[0].ID, want)
	}
}

func TestUnknownCallWithoutMsgIDDropped(t *testing.T) {
	r := New()
	before := r.State()

	stream := ev(models.EventToolCallStream)
	stream.CallID = "ghost"
	stream.Chunk = "data"
	after := r.Ingest(stream)

	if len(after.Messages) != len(before.Messages) {
		t.Error("unknown call id should not mutate state")
	}

	result := ev(models.EventToolCallResult)
	result.Result = &models.ToolCallResultPayload{CallID: "ghost", Status: "success"}
	after = r.Ingest(result)
	if len(after.Messages) != 0 {
		t.Error("unknown call result should be dropped")
	}
}

func TestStreamLogCaps(t *testing.T) {
	r := New()
	created := ev(models.EventToolCallCreated)
	created.MsgID = "m1"
	created.ToolCalls = []models.ToolCall{{ID: "c1", Name: "bash"}}
	r.Ingest(created)

	for i := 0; i < MaxStreamChunks+50; i++ {
		stream := ev(models.EventToolCallStream)
		stream.CallID = "c1"
		stream.Chunk = fmt.Sprintf("chunk-%d", i)
		r.Ingest(stream)
	}
	state := r.State()
	logs := state.Messages[0].Assistant.ToolCalls[0].StreamLogs
	if len(logs) != MaxStreamChunks {
		t.Errorf("chunk count = %d, want %d", len(logs), MaxStreamChunks)
	}
	if logs[len(logs)-1] != fmt.Sprintf("chunk-%d", MaxStreamChunks+49) {
		t.Error("newest chunk should be retained")
	}
	if logs[0] == "chunk-0" {
		t.Error("oldest chunk should be dropped")
	}

	// Character cap drops from the front too.
	r.Reset()
	r.Ingest(created)
	big := strings.Repeat("x", 50000)
	for i := 0; i < 4; i++ {
		stream := ev(models.EventToolCallStream)
		stream.CallID = "c1"
		stream.Chunk = big
		r.Ingest(stream)
	}
	logs = r.State().Messages[0].Assistant.ToolCalls[0].StreamLogs
	total := 0
	for _, l := range logs {
		total += len(l)
	}
	if total > MaxStreamChars {
		t.Errorf("retained chars = %d, cap %d", total, MaxStreamChars)
	}
}

func TestResultTruncation(t *testing.T) {
	r := New()
	created := ev(models.EventToolCallCreated)
	created.MsgID = "m1"
	created.ToolCalls = []models.ToolCall{{ID: "c1", Name: "read"}}
	r.Ingest(created)

	result := ev(models.EventToolCallResult)
	result.Result = &models.ToolCallResultPayload{
		CallID: "c1",
		Status: "success",
		Result: json.RawMessage(strings.Repeat("a", MaxResultChars+1)),
	}
	state := r.Ingest(result)
	got := state.Messages[0].Assistant.ToolCalls[0].Result
	if !strings.HasSuffix(got, TruncatedSentinel) {
		t.Error("oversized result should carry the truncation sentinel")
	}
	if len(got) != MaxResultChars+len(TruncatedSentinel) {
		t.Errorf("result length = %d", len(got))
	}
}

func TestErrorEventAndClear(t *testing.T) {
	r := New()
	r.Ingest(textEvent(models.EventTextDelta, "m1", "working"))

	errEv := ev(models.EventError)
	errEv.Error = &models.ErrorPayload{Message: "provider exploded"}
	state := r.Ingest(errEv)

	if state.Error == nil || state.Error.Message != "provider exploded" {
		t.Fatalf("error not recorded: %+v", state.Error)
	}
	if state.Streaming {
		t.Error("streaming should clear on error")
	}
	last := state.Messages[len(state.Messages)-1]
	if last.Kind != KindError {
		t.Errorf("last message kind = %q, want error", last.Kind)
	}

	before := len(state.Messages)
	state = r.ClearError()
	if state.Error != nil {
		t.Error("ClearError should null the error")
	}
	if len(state.Messages) != before {
		t.Error("ClearError should not touch messages")
	}
}

func TestStatusDrivesStreamingFlag(t *testing.T) {
	r := New()
	running := ev(models.EventStatus)
	running.Status = models.RunRunning
	if !r.Ingest(running).Streaming {
		t.Error("running status should set streaming")
	}
	done := ev(models.EventStatus)
	done.Status = models.RunCompleted
	if r.Ingest(done).Streaming {
		t.Error("terminal status should clear streaming")
	}
}

func TestPruneRebuildsLocators(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.Ingest(textEvent(models.EventTextDelta, fmt.Sprintf("m%d", i), "x"))
		r.Ingest(textEvent(models.EventTextComplete, fmt.Sprintf("m%d", i), ""))
	}
	created := ev(models.EventToolCallCreated)
	created.MsgID = "m4"
	created.ToolCalls = []models.ToolCall{{ID: "c9", Name: "grep"}}
	r.Ingest(created)

	state := r.Prune(2)
	if len(state.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(state.Messages))
	}

	// The surviving call must still be addressable without a msg ID.
	stream := ev(models.EventToolCallStream)
	stream.CallID = "c9"
	stream.Chunk = "hit"
	state = r.Ingest(stream)
	last := state.Messages[len(state.Messages)-1]
	if len(last.Assistant.ToolCalls) != 1 || len(last.Assistant.ToolCalls[0].StreamLogs) != 1 {
		t.Error("locator map not rebuilt after prune")
	}
}

func TestCodePatchAndSubagentEvents(t *testing.T) {
	r := New()
	patch := ev(models.EventCodePatch)
	patch.Patch = &models.CodePatchPayload{Path: "main.go", Diff: "+x", Language: "go"}
	state := r.Ingest(patch)
	if len(state.Messages) != 1 || state.Messages[0].Kind != KindCodePatch {
		t.Fatalf("code patch not appended: %+v", state.Messages)
	}

	sub := ev(models.EventSubagent)
	sub.Subagent = &models.SubagentPayload{TaskID: "t1", SubagentType: "coder"}
	state = r.Ingest(sub)
	if len(state.Messages) != 1 {
		t.Error("subagent events are passthrough and must not mutate state")
	}
}

func TestReasoningDeltas(t *testing.T) {
	r := New()
	r.Ingest(textEvent(models.EventReasoningDelta, "m1", "thinking "))
	state := r.Ingest(textEvent(models.EventReasoningDelta, "m1", "hard"))
	if got := state.Messages[0].Assistant.Reasoning; got != "thinking hard" {
		t.Errorf("reasoning = %q", got)
	}
	if !state.Streaming {
		t.Error("reasoning deltas should set streaming")
	}
}
