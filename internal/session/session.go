// Package session maintains the ordered conversational log an agent run
// feeds to the LLM, and compacts it when the token budget runs low. The
// log itself lives in the store; this package owns the windowing and
// compaction policy on top of it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// Summarizer generates a summary of archived message history.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message, prompt string) (string, error)
}

// Config controls the compaction policy for a session.
type Config struct {
	// Enabled turns compaction on. When false CompactBeforeLLMCall is a
	// no-op that returns false.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxTokens is the model's context window size.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// MaxOutputTokens is reserved for the completion and subtracted from
	// MaxTokens to get the usable prompt budget.
	MaxOutputTokens int `json:"max_output_tokens" yaml:"max_output_tokens"`

	// TriggerRatio is the fraction of the usable budget at which
	// compaction fires.
	TriggerRatio float64 `json:"trigger_ratio" yaml:"trigger_ratio"`

	// KeepMessagesNum is the suffix of recent messages kept verbatim.
	KeepMessagesNum int `json:"keep_messages_num" yaml:"keep_messages_num"`

	// SummaryPrompt is prepended to the rendered archive when requesting
	// a summary. Leave empty for the default.
	SummaryPrompt string `json:"summary_prompt" yaml:"summary_prompt"`
}

// DefaultConfig returns the compaction defaults used by the kernel.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxTokens:       128000,
		MaxOutputTokens: 8192,
		TriggerRatio:    0.9,
		KeepMessagesNum: 10,
	}
}

const defaultSummaryPrompt = `Summarize the following conversation concisely, preserving:
- Key decisions and outcomes
- Tool calls made and their results
- Important context and facts
- Any pending tasks or action items

Conversation:
`

// TokenInfo is a snapshot of the session's token accounting.
type TokenInfo struct {
	EstimatedTotal int
	UsableLimit    int
	Threshold      int
	MessageCount   int
	ShouldCompact  bool
}

// Session is the message log for one agent conversation. Safe for
// concurrent use; the store is the source of truth for the visible window.
type Session struct {
	mu         sync.Mutex
	id         string
	store      store.Store
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
}

// New binds a session log to its stored document. The session must already
// exist in the store.
func New(id string, st store.Store, summarizer Summarizer, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TriggerRatio <= 0 || cfg.TriggerRatio > 1 {
		cfg.TriggerRatio = DefaultConfig().TriggerRatio
	}
	if cfg.KeepMessagesNum <= 0 {
		cfg.KeepMessagesNum = DefaultConfig().KeepMessagesNum
	}
	return &Session{id: id, store: st, summarizer: summarizer, cfg: cfg, logger: logger}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// AddMessage appends unconditionally. Compaction never runs here; callers
// invoke CompactBeforeLLMCall explicitly before building a request.
func (s *Session) AddMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = s.id
	return s.store.AddMessageToContext(ctx, s.id, msg)
}

// Messages returns the visible window after any compaction.
func (s *Session) Messages(ctx context.Context) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.GetCurrentContext(ctx, s.id)
}

// TokenInfo computes the current token accounting snapshot.
func (s *Session) TokenInfo(ctx context.Context) (TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.store.GetCurrentContext(ctx, s.id)
	if err != nil {
		return TokenInfo{}, err
	}
	return s.tokenInfo(msgs), nil
}

func (s *Session) tokenInfo(msgs []*models.Message) TokenInfo {
	info := TokenInfo{
		UsableLimit:  s.cfg.MaxTokens - s.cfg.MaxOutputTokens,
		MessageCount: len(msgs),
	}
	info.Threshold = int(float64(info.UsableLimit) * s.cfg.TriggerRatio)
	info.EstimatedTotal = estimateTokens(msgs)
	info.ShouldCompact = info.EstimatedTotal >= info.Threshold
	return info
}

// estimateTokens anchors on the prompt_tokens of the most recent assistant
// message that reported usage (it already reflects the full prior context)
// and adds a length heuristic for everything after it.
func estimateTokens(msgs []*models.Message) int {
	anchor := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == models.RoleAssistant && m.Usage != nil && m.Usage.PromptTokens > 0 {
			anchor = i
			break
		}
	}
	total := 0
	start := 0
	if anchor >= 0 {
		total = msgs[anchor].Usage.PromptTokens
		start = anchor + 1
	}
	for _, m := range msgs[start:] {
		total += heuristicTokens(m)
	}
	return total
}

// heuristicTokens approximates tokens as content length over four plus a
// fixed per-message overhead.
func heuristicTokens(m *models.Message) int {
	chars := len(m.Content) + len(m.ReasoningContent)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return chars/4 + 20
}

// CompactBeforeLLMCall compacts the log if the estimated prompt size has
// crossed the threshold. Returns true when compaction was performed. A
// failed summary request leaves the log unchanged.
func (s *Session) CompactBeforeLLMCall(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.summarizer == nil {
		return false, nil
	}
	msgs, err := s.store.GetCurrentContext(ctx, s.id)
	if err != nil {
		return false, err
	}
	info := s.tokenInfo(msgs)
	if !info.ShouldCompact {
		return false, nil
	}

	first := 0
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		first = 1
	}
	suffixStart := len(msgs) - s.cfg.KeepMessagesNum
	if suffixStart < first {
		suffixStart = first
	}
	suffixStart = repairSuffixStart(msgs, first, suffixStart)

	archive := msgs[first:suffixStart]
	if len(archive) == 0 {
		return false, nil
	}

	summaryText, err := s.summarizer.Summarize(ctx, archive, s.summaryPrompt(archive))
	if err != nil {
		s.logger.Warn("compaction summary failed, keeping full log",
			"session_id", s.id, "error", err)
		return false, err
	}

	summary := &models.Message{
		SessionID: s.id,
		Role:      models.RoleAssistant,
		Type:      models.MessageTypeSummary,
		Content:   summaryText,
		CreatedAt: time.Now(),
	}
	keepN := len(msgs) - suffixStart
	if err := s.store.CompactContext(ctx, s.id, keepN, summary); err != nil {
		return false, fmt.Errorf("compact context: %w", err)
	}

	archivedIDs := make([]string, len(archive))
	for i, m := range archive {
		archivedIDs[i] = m.ID
	}
	rec := &models.CompactionRecord{
		SessionID:          s.id,
		Reason:             "token_limit",
		ArchivedMessageIDs: archivedIDs,
		Timestamp:          time.Now(),
	}
	if err := s.store.AddCompactionRecord(ctx, rec); err != nil {
		s.logger.Warn("failed to persist compaction record", "session_id", s.id, "error", err)
	}

	s.logger.Info("session compacted",
		"session_id", s.id,
		"archived", len(archive),
		"kept", keepN,
		"estimated_tokens", info.EstimatedTotal,
		"threshold", info.Threshold)
	return true, nil
}

// repairSuffixStart moves the archive/suffix boundary left until no
// tool-call/tool-result pair straddles it.
func repairSuffixStart(msgs []*models.Message, first, start int) int {
	for start > first {
		m := msgs[start]
		// Suffix begins with a tool result: pull its call into the suffix.
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			call := callIndex(msgs, first, start, m.ToolCallID)
			if call >= 0 && call < start {
				start = call
				continue
			}
		}
		// Archive ends with a tool call whose result sits in the suffix:
		// pull the call into the suffix too.
		prev := msgs[start-1]
		if prev.Role == models.RoleAssistant && len(prev.ToolCalls) > 0 && resultAfter(msgs, start, prev) {
			start--
			continue
		}
		break
	}
	return start
}

func callIndex(msgs []*models.Message, first, end int, callID string) int {
	for i := end - 1; i >= first; i-- {
		if msgs[i].HasToolCall(callID) {
			return i
		}
	}
	return -1
}

func resultAfter(msgs []*models.Message, from int, call *models.Message) bool {
	for _, tc := range call.ToolCalls {
		for _, m := range msgs[from:] {
			if m.Role == models.RoleTool && m.ToolCallID == tc.ID {
				return true
			}
		}
	}
	return false
}

func (s *Session) summaryPrompt(archive []*models.Message) string {
	prompt := s.cfg.SummaryPrompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	for _, m := range archive {
		b.WriteString(renderMessage(m))
		b.WriteByte('\n')
	}
	return b.String()
}

// renderMessage flattens one message for the summary prompt. Reasoning
// stands in for content when content is empty.
func renderMessage(m *models.Message) string {
	var b strings.Builder
	b.WriteString("[" + string(m.Role) + "] ")
	switch {
	case m.Content != "":
		b.WriteString(m.Content)
	case m.ReasoningContent != "":
		b.WriteString(m.ReasoningContent)
	}
	for _, tc := range m.ToolCalls {
		fmt.Fprintf(&b, "\n  tool call %s: %s(%s)", tc.ID, tc.Name, string(tc.Arguments))
	}
	if m.Role == models.RoleTool && m.ToolCallID != "" {
		fmt.Fprintf(&b, " (result for %s)", m.ToolCallID)
	}
	return b.String()
}
