package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// scriptedProvider replays a fixed sequence of streamed turns.
type scriptedProvider struct {
	mu         sync.Mutex
	turns      [][]*CompletionChunk
	next       int
	completeFn func(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if p.completeFn != nil {
		return p.completeFn(ctx, req)
	}
	return &CompletionResponse{
		Message:      &models.Message{Role: models.RoleAssistant, Content: "summary of the run"},
		FinishReason: "stop",
	}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.turns) {
		return nil, errors.New("scripted provider exhausted")
	}
	turn := p.turns[p.next]
	p.next++
	ch := make(chan *CompletionChunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) turnsConsumed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

type eventSink struct {
	mu     sync.Mutex
	events []*models.AgentEvent
}

func (s *eventSink) add(ev *models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) ofType(t models.AgentEventType) []*models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AgentEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRuntime(t *testing.T, profile *Profile) (*Runtime, store.Store, *eventSink) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rt := NewRuntime(st, nil, nil)
	sink := &eventSink{}
	rt.OnEvent(sink.add)
	if profile.Registry == nil {
		profile.Registry = NewToolRegistry(RegistryConfig{}, nil, nil)
	}
	if err := rt.RegisterAgent(profile); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	return rt, st, sink
}

func waitTerminal(t *testing.T, rt *Runtime, runID string) *models.RunRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := rt.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return record
}

func TestRunCompletesWithoutTools(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{
		{Delta: "Hello "},
		{Delta: "world"},
		{Usage: &models.Usage{PromptTokens: 12, CompletionTokens: 3}},
		{FinishReason: "stop"},
	}}}
	rt, _, sink := newTestRuntime(t, &Profile{
		ID: "coder", SystemPrompt: "be brief", Provider: provider,
		Session: session.Config{Enabled: false},
	})

	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "greet"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	final := waitTerminal(t, rt, record.RunID)

	if final.Status != models.RunCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Output != "Hello world" {
		t.Fatalf("output = %q", final.Output)
	}
	if final.Stats.PromptTokens != 12 || final.Stats.Iterations != 1 {
		t.Fatalf("stats = %+v", final.Stats)
	}
	if len(sink.ofType(models.EventTextDelta)) != 2 {
		t.Error("expected two text deltas")
	}
	if len(sink.ofType(models.EventStatus)) < 2 {
		t.Error("expected running and terminal status events")
	}
}

func TestRunExecutesToolLoop(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"text": "hi"})
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		{
			{Delta: "Calling the tool."},
			{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: args}}},
		},
		{{Delta: "The task is complete."}},
	}}
	registry := NewToolRegistry(RegistryConfig{}, nil, nil)
	if err := registry.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt, st, sink := newTestRuntime(t, &Profile{
		ID: "coder", SystemPrompt: "be brief", Provider: provider, Registry: registry,
		Session: session.Config{Enabled: false},
	})

	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	final := waitTerminal(t, rt, record.RunID)

	if final.Status != models.RunCompleted || final.Output != "The task is complete." {
		t.Fatalf("unexpected terminal record: %+v", final)
	}
	if final.Stats.ToolCalls != 1 {
		t.Fatalf("tool calls = %d, want 1", final.Stats.ToolCalls)
	}
	if len(sink.ofType(models.EventToolCallCreated)) != 1 || len(sink.ofType(models.EventToolCallResult)) != 1 {
		t.Error("tool call events missing")
	}

	msgs, err := st.GetCurrentContext(context.Background(), final.SessionID)
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	roles := make([]models.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("session roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("session roles = %v, want %v", roles, want)
		}
	}
	if msgs[3].ToolCallID != "c1" {
		t.Errorf("tool result not linked: %+v", msgs[3])
	}
}

func TestTerminationPhraseStopsLoop(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"text": "x"})
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		{
			{Delta: "No more work remains after this."},
			{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: args}}},
		},
		{{Delta: "should never be requested"}},
	}}
	registry := NewToolRegistry(RegistryConfig{}, nil, nil)
	if err := registry.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt, _, _ := newTestRuntime(t, &Profile{
		ID: "coder", Provider: provider, Registry: registry,
		Session: session.Config{Enabled: false},
	})

	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	final := waitTerminal(t, rt, record.RunID)

	if final.Status != models.RunCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if provider.turnsConsumed() != 1 {
		t.Fatalf("turns consumed = %d, want 1", provider.turnsConsumed())
	}
}

func TestMaxLoopsTriggersFinalSummary(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"text": "x"})
	toolTurn := []*CompletionChunk{
		{Delta: "still working"},
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: args}}},
	}
	provider := &scriptedProvider{turns: [][]*CompletionChunk{toolTurn, toolTurn}}
	registry := NewToolRegistry(RegistryConfig{}, nil, nil)
	if err := registry.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt, _, _ := newTestRuntime(t, &Profile{
		ID: "coder", Provider: provider, Registry: registry, MaxLoops: 2,
		Session: session.Config{Enabled: false},
	})

	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	final := waitTerminal(t, rt, record.RunID)

	if final.Status != models.RunCompleted {
		t.Fatalf("status = %s, want completed after summary", final.Status)
	}
	if final.Output != "summary of the run" {
		t.Fatalf("output = %q, want the final summary", final.Output)
	}
	if final.Stats.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", final.Stats.Iterations)
	}
}

func TestAbortDuringToolCall(t *testing.T) {
	args, _ := json.Marshal(map[string]string{})
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "block", Arguments: args}}},
	}}}
	started := make(chan struct{})
	registry := NewToolRegistry(RegistryConfig{}, nil, nil)
	err := registry.Register(&FuncTool{
		ToolName: "block",
		Fn: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			close(started)
			<-ctx.Done()
			return &ToolResult{Success: false, Error: "interrupted"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt, _, _ := newTestRuntime(t, &Profile{
		ID: "coder", Provider: provider, Registry: registry,
		Session: session.Config{Enabled: false},
	})

	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-started
	if err := rt.Abort(record.RunID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	final := waitTerminal(t, rt, record.RunID)
	if final.Status != models.RunAborted {
		t.Fatalf("status = %s, want aborted", final.Status)
	}
}

func TestTerminalStatusIsMonotone(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{{Delta: "ok"}}}}
	rt, _, _ := newTestRuntime(t, &Profile{
		ID: "coder", Provider: provider,
		Session: session.Config{Enabled: false},
	})
	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	final := waitTerminal(t, rt, record.RunID)
	if final.Status != models.RunCompleted {
		t.Fatalf("status = %s", final.Status)
	}

	if err := rt.Abort(record.RunID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	after, err := rt.Status(record.RunID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.Status != models.RunCompleted {
		t.Fatalf("terminal status changed to %s", after.Status)
	}
}

func TestProviderFailureFailsRun(t *testing.T) {
	provider := &scriptedProvider{} // exhausted immediately
	rt, _, sink := newTestRuntime(t, &Profile{
		ID: "coder", Provider: provider,
		Session: session.Config{Enabled: false},
	})
	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	final := waitTerminal(t, rt, record.RunID)
	if final.Status != models.RunFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if errs := sink.ofType(models.EventError); len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
}

func TestRuntimeSessionMapping(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{{Delta: "ok"}}}}
	rt, _, _ := newTestRuntime(t, &Profile{
		ID: "coder", Provider: provider,
		Session: session.Config{Enabled: false},
	})
	record, err := rt.Execute(context.Background(), &ExecuteRequest{AgentID: "coder", Input: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	agentID, ok := rt.AgentForSession(record.SessionID)
	if !ok || agentID != "coder" {
		t.Fatalf("session mapping = %q/%v", agentID, ok)
	}
	waitTerminal(t, rt, record.RunID)

	if _, err := rt.Status("nope"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
