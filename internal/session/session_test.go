package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

type mockSummarizer struct {
	summarizeFunc func(ctx context.Context, messages []*models.Message, prompt string) (string, error)
	calls         int
}

func (m *mockSummarizer) Summarize(ctx context.Context, messages []*models.Message, prompt string) (string, error) {
	m.calls++
	if m.summarizeFunc != nil {
		return m.summarizeFunc(ctx, messages, prompt)
	}
	return "summary of earlier work", nil
}

func newTestSession(t *testing.T, cfg Config, sum Summarizer) (*Session, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := st.CreateSession(context.Background(), &store.SessionDoc{ID: "s1", AgentID: "coder"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return New("s1", st, sum, cfg, slog.Default()), st
}

func addAll(t *testing.T, s *Session, msgs ...*models.Message) {
	t.Helper()
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = fmt.Sprintf("m%d", i)
		}
		if err := s.AddMessage(context.Background(), m); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
}

func TestTokenInfoHeuristicOnly(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 1000, MaxOutputTokens: 200, TriggerRatio: 0.9, KeepMessagesNum: 3}
	s, _ := newTestSession(t, cfg, &mockSummarizer{})
	addAll(t, s,
		&models.Message{Role: models.RoleSystem, Content: "sys"},
		&models.Message{Role: models.RoleUser, Content: "12345678"},
	)
	info, err := s.TokenInfo(context.Background())
	if err != nil {
		t.Fatalf("TokenInfo: %v", err)
	}
	if info.UsableLimit != 800 || info.Threshold != 720 {
		t.Fatalf("limit/threshold = %d/%d, want 800/720", info.UsableLimit, info.Threshold)
	}
	// Two messages with no usage: (3/4+20) + (8/4+20) = 42.
	if info.EstimatedTotal != 42 {
		t.Errorf("EstimatedTotal = %d, want 42", info.EstimatedTotal)
	}
	if info.ShouldCompact {
		t.Error("should not compact below threshold")
	}
}

func TestTokenInfoAnchorsOnLastAssistantUsage(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 1000, MaxOutputTokens: 200, TriggerRatio: 0.9, KeepMessagesNum: 3}
	s, _ := newTestSession(t, cfg, &mockSummarizer{})
	addAll(t, s,
		&models.Message{Role: models.RoleSystem, Content: "sys"},
		&models.Message{Role: models.RoleUser, Content: "question"},
		&models.Message{Role: models.RoleAssistant, Content: "answer", Usage: &models.Usage{PromptTokens: 300}},
		&models.Message{Role: models.RoleUser, Content: "12345678"},
	)
	info, err := s.TokenInfo(context.Background())
	if err != nil {
		t.Fatalf("TokenInfo: %v", err)
	}
	// 300 from the anchor plus 8/4+20 for the trailing user message.
	if info.EstimatedTotal != 322 {
		t.Errorf("EstimatedTotal = %d, want 322", info.EstimatedTotal)
	}
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 100000, MaxOutputTokens: 8192, TriggerRatio: 0.9, KeepMessagesNum: 3}
	sum := &mockSummarizer{}
	s, _ := newTestSession(t, cfg, sum)
	addAll(t, s,
		&models.Message{Role: models.RoleSystem, Content: "sys"},
		&models.Message{Role: models.RoleUser, Content: "hello"},
	)
	did, err := s.CompactBeforeLLMCall(context.Background())
	if err != nil {
		t.Fatalf("CompactBeforeLLMCall: %v", err)
	}
	if did || sum.calls != 0 {
		t.Fatalf("compaction ran below threshold (did=%v calls=%d)", did, sum.calls)
	}
}

func TestCompactDisabledOrNoSummarizer(t *testing.T) {
	cfg := Config{Enabled: false, MaxTokens: 10, MaxOutputTokens: 1, TriggerRatio: 0.1, KeepMessagesNum: 1}
	s, _ := newTestSession(t, cfg, &mockSummarizer{})
	addAll(t, s, &models.Message{Role: models.RoleUser, Content: "hello there, long enough"})
	if did, err := s.CompactBeforeLLMCall(context.Background()); err != nil || did {
		t.Fatalf("disabled compaction ran: did=%v err=%v", did, err)
	}

	cfg.Enabled = true
	s2, _ := newTestSession(t, cfg, nil)
	addAll(t, s2, &models.Message{Role: models.RoleUser, Content: "hello there, long enough"})
	if did, err := s2.CompactBeforeLLMCall(context.Background()); err != nil || did {
		t.Fatalf("summarizer-less compaction ran: did=%v err=%v", did, err)
	}
}

// Mirrors a session that crossed the budget with a tool pair near the
// boundary: system, user-1, assistant tool-call c1, tool-result c1, user-2,
// assistant-2. Keeping the last 3 would split the pair; repair pulls the
// call into the kept suffix.
func TestCompactKeepsToolPairTogether(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 260, MaxOutputTokens: 120, TriggerRatio: 0.9, KeepMessagesNum: 3}
	sum := &mockSummarizer{}
	s, st := newTestSession(t, cfg, sum)

	args, _ := json.Marshal(map[string]string{"path": "main.go"})
	addAll(t, s,
		&models.Message{ID: "sys", Role: models.RoleSystem, Content: "you are a coder"},
		&models.Message{ID: "u1", Role: models.RoleUser, Content: "read the file"},
		&models.Message{ID: "a1", Role: models.RoleAssistant, Type: models.MessageTypeToolCall,
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file", Arguments: args}},
			Usage:     &models.Usage{PromptTokens: 220}},
		&models.Message{ID: "t1", Role: models.RoleTool, Type: models.MessageTypeToolResult, ToolCallID: "c1", Content: "package main"},
		&models.Message{ID: "u2", Role: models.RoleUser, Content: "now explain it"},
		&models.Message{ID: "a2", Role: models.RoleAssistant, Content: "it is a program", Usage: &models.Usage{PromptTokens: 500}},
	)

	did, err := s.CompactBeforeLLMCall(context.Background())
	if err != nil {
		t.Fatalf("CompactBeforeLLMCall: %v", err)
	}
	if !did {
		t.Fatal("expected compaction to run")
	}

	msgs, err := st.GetCurrentContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	if msgs[0].Role != models.RoleSystem {
		t.Fatalf("index 0 role = %s, want system", msgs[0].Role)
	}
	if msgs[1].Type != models.MessageTypeSummary || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("index 1 = %s/%s, want assistant summary", msgs[1].Role, msgs[1].Type)
	}
	assertPairsIntact(t, msgs)

	// The repaired suffix holds the pair and everything after it.
	wantIDs := []string{"sys", "", "a1", "t1", "u2", "a2"}
	if len(msgs) != len(wantIDs) {
		t.Fatalf("visible window has %d messages, want %d", len(msgs), len(wantIDs))
	}
	for i, want := range wantIDs {
		if want != "" && msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestCompactArchivesWholePairWhenBothOld(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 260, MaxOutputTokens: 120, TriggerRatio: 0.9, KeepMessagesNum: 2}
	s, st := newTestSession(t, cfg, &mockSummarizer{})

	addAll(t, s,
		&models.Message{ID: "sys", Role: models.RoleSystem, Content: "sys"},
		&models.Message{ID: "a1", Role: models.RoleAssistant, Type: models.MessageTypeToolCall,
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "list_dir"}}},
		&models.Message{ID: "t1", Role: models.RoleTool, Type: models.MessageTypeToolResult, ToolCallID: "c1", Content: "a b c"},
		&models.Message{ID: "u1", Role: models.RoleUser, Content: "thanks"},
		&models.Message{ID: "a2", Role: models.RoleAssistant, Content: "done", Usage: &models.Usage{PromptTokens: 500}},
	)

	did, err := s.CompactBeforeLLMCall(context.Background())
	if err != nil || !did {
		t.Fatalf("CompactBeforeLLMCall: did=%v err=%v", did, err)
	}
	msgs, err := st.GetCurrentContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	assertPairsIntact(t, msgs)
	for _, m := range msgs {
		if m.ID == "a1" || m.ID == "t1" {
			t.Errorf("message %s should have been archived", m.ID)
		}
	}
}

func TestCompactRecordsHistory(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 260, MaxOutputTokens: 120, TriggerRatio: 0.9, KeepMessagesNum: 1}
	s, st := newTestSession(t, cfg, &mockSummarizer{})
	addAll(t, s,
		&models.Message{ID: "sys", Role: models.RoleSystem, Content: "sys"},
		&models.Message{ID: "u1", Role: models.RoleUser, Content: "one"},
		&models.Message{ID: "u2", Role: models.RoleUser, Content: "two"},
		&models.Message{ID: "a1", Role: models.RoleAssistant, Content: "ok", Usage: &models.Usage{PromptTokens: 400}},
	)
	if did, err := s.CompactBeforeLLMCall(context.Background()); err != nil || !did {
		t.Fatalf("CompactBeforeLLMCall: did=%v err=%v", did, err)
	}
	recs, err := st.GetCompactionRecords(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCompactionRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one compaction record, got %d", len(recs))
	}
	if recs[0].Reason != "token_limit" {
		t.Errorf("reason = %q, want token_limit", recs[0].Reason)
	}
	if len(recs[0].ArchivedMessageIDs) != 2 {
		t.Errorf("archived IDs = %v, want u1 and u2", recs[0].ArchivedMessageIDs)
	}
}

func TestCompactSummaryFailureLeavesLogUnchanged(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 260, MaxOutputTokens: 120, TriggerRatio: 0.9, KeepMessagesNum: 1}
	boom := errors.New("provider unavailable")
	sum := &mockSummarizer{summarizeFunc: func(context.Context, []*models.Message, string) (string, error) {
		return "", boom
	}}
	s, st := newTestSession(t, cfg, sum)
	addAll(t, s,
		&models.Message{ID: "sys", Role: models.RoleSystem, Content: "sys"},
		&models.Message{ID: "u1", Role: models.RoleUser, Content: "one"},
		&models.Message{ID: "a1", Role: models.RoleAssistant, Content: "ok", Usage: &models.Usage{PromptTokens: 400}},
	)

	did, err := s.CompactBeforeLLMCall(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected summarizer error, got %v", err)
	}
	if did {
		t.Fatal("compaction reported success after summary failure")
	}
	msgs, err := st.GetCurrentContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("log changed after failed summary: %d messages", len(msgs))
	}
}

func TestCompactSuffixEquality(t *testing.T) {
	cfg := Config{Enabled: true, MaxTokens: 260, MaxOutputTokens: 120, TriggerRatio: 0.9, KeepMessagesNum: 2}
	s, st := newTestSession(t, cfg, &mockSummarizer{})
	addAll(t, s,
		&models.Message{ID: "sys", Role: models.RoleSystem, Content: "sys"},
		&models.Message{ID: "u1", Role: models.RoleUser, Content: "one"},
		&models.Message{ID: "u2", Role: models.RoleUser, Content: "two"},
		&models.Message{ID: "u3", Role: models.RoleUser, Content: "three"},
		&models.Message{ID: "a1", Role: models.RoleAssistant, Content: "ok", Usage: &models.Usage{PromptTokens: 400}},
	)
	before, err := st.GetCurrentContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	suffixBefore := before[len(before)-2:]

	if did, err := s.CompactBeforeLLMCall(context.Background()); err != nil || !did {
		t.Fatalf("CompactBeforeLLMCall: did=%v err=%v", did, err)
	}
	after, err := st.GetCurrentContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	suffixAfter := after[len(after)-2:]
	for i := range suffixBefore {
		if suffixBefore[i].ID != suffixAfter[i].ID || suffixBefore[i].Content != suffixAfter[i].Content {
			t.Errorf("suffix[%d] changed: %s vs %s", i, suffixBefore[i].ID, suffixAfter[i].ID)
		}
	}
}

// assertPairsIntact checks that every tool result has a strictly earlier
// matching tool call in the same window.
func assertPairsIntact(t *testing.T, msgs []*models.Message) {
	t.Helper()
	for i, m := range msgs {
		if m.Role != models.RoleTool || m.ToolCallID == "" {
			continue
		}
		found := false
		for _, earlier := range msgs[:i] {
			if earlier.HasToolCall(m.ToolCallID) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("tool result %s has no earlier matching tool call", m.ToolCallID)
		}
	}
}
