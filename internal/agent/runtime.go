package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// DefaultMaxLoops bounds the think-act-observe loop per run.
const DefaultMaxLoops = 30

// terminationPhrases end the loop when the model's reflection contains one
// of them (case-insensitive substring match).
var terminationPhrases = []string{
	"task is complete",
	"finished",
	"done",
	"no more work",
	"success",
}

// Profile is a configured agent identity: prompt, provider, tools, and
// loop limits.
type Profile struct {
	ID           string
	Name         string
	SystemPrompt string
	Model        string
	IsController bool

	Provider Provider
	Registry *ToolRegistry

	// MaxLoops and MaxToolsPerTask bound the run. Zero means default
	// loops / unlimited tools.
	MaxLoops        int
	MaxToolsPerTask int
	MaxOutputTokens int

	// Session carries the compaction policy for this agent's sessions.
	Session session.Config
}

// ExecuteRequest starts one run.
type ExecuteRequest struct {
	AgentID     string
	Input       string
	ParentRunID string
	SessionID   string
	Timeout     time.Duration
	Metadata    map[string]any
}

// EventCallback observes every event of every run. Optional.
type EventCallback func(ev *models.AgentEvent)

type run struct {
	mu      sync.Mutex
	record  *models.RunRecord
	cancel  context.CancelFunc
	subs    map[int]chan *models.AgentEvent
	nextSub int
	seq     uint64
	done    chan struct{}
}

func (r *run) snapshot() *models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Clone()
}

// Runtime executes agent runs: an LLM loop per run with streamed events,
// bounded iterations, and cooperative cancellation.
type Runtime struct {
	mu       sync.RWMutex
	agents   map[string]*Profile
	runs     map[string]*run
	sessions map[string]string // sessionID -> agentID

	store    store.Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	callback EventCallback
}

// NewRuntime creates a runtime over the given store.
func NewRuntime(st store.Store, logger *slog.Logger, metrics *observability.Metrics) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		agents:   make(map[string]*Profile),
		runs:     make(map[string]*run),
		sessions: make(map[string]string),
		store:    st,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnEvent sets the global event callback. Call before executing runs.
func (rt *Runtime) OnEvent(cb EventCallback) { rt.callback = cb }

// RegisterAgent adds an agent profile. Replaces an existing profile with
// the same ID.
func (rt *Runtime) RegisterAgent(p *Profile) error {
	if p.ID == "" {
		return fmt.Errorf("agent profile requires an ID")
	}
	if p.Provider == nil {
		return fmt.Errorf("agent %s has no provider", p.ID)
	}
	if p.Registry == nil {
		return fmt.Errorf("agent %s has no tool registry", p.ID)
	}
	if p.MaxLoops <= 0 {
		p.MaxLoops = DefaultMaxLoops
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.agents[p.ID] = p
	return nil
}

// Agent returns a registered profile.
func (rt *Runtime) Agent(id string) (*Profile, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.agents[id]
	return p, ok
}

// Agents lists registered agent IDs.
func (rt *Runtime) Agents() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.agents))
	for id := range rt.agents {
		out = append(out, id)
	}
	return out
}

// AgentForSession resolves the agent owning a session.
func (rt *Runtime) AgentForSession(sessionID string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	agentID, ok := rt.sessions[sessionID]
	return agentID, ok
}

// Execute starts a run asynchronously and returns its queued record.
func (rt *Runtime) Execute(ctx context.Context, req *ExecuteRequest) (*models.RunRecord, error) {
	profile, ok := rt.Agent(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", req.AgentID)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	runID := uuid.NewString()
	record := &models.RunRecord{
		RunID:       runID,
		AgentID:     req.AgentID,
		ParentRunID: req.ParentRunID,
		SessionID:   sessionID,
		Status:      models.RunQueued,
		Input:       req.Input,
		CreatedAt:   time.Now(),
		Metadata:    req.Metadata,
		Stats:       &models.RunStats{},
	}

	base := context.WithoutCancel(ctx)
	var runCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, req.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}
	r := &run{
		record: record,
		cancel: cancel,
		subs:   make(map[int]chan *models.AgentEvent),
		done:   make(chan struct{}),
	}

	rt.mu.Lock()
	rt.runs[runID] = r
	rt.sessions[sessionID] = req.AgentID
	rt.mu.Unlock()

	if rt.metrics != nil {
		rt.metrics.RunsStarted.WithLabelValues(req.AgentID).Inc()
	}
	go rt.execute(runCtx, profile, r)
	return record.Clone(), nil
}

// Status returns a snapshot of the run record.
func (rt *Runtime) Status(runID string) (*models.RunRecord, error) {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown run %q", runID)
	}
	return r.snapshot(), nil
}

// Subscribe returns a channel of the run's events and an unsubscribe
// function. Slow subscribers lose events rather than block the run.
func (rt *Runtime) Subscribe(runID string) (<-chan *models.AgentEvent, func(), error) {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown run %q", runID)
	}
	ch := make(chan *models.AgentEvent, 256)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()
	unsub := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, unsub, nil
}

// EmitSubagent re-emits a child run's event on the parent run's stream,
// wrapped as a subagent event.
func (rt *Runtime) EmitSubagent(parentRunID string, payload *models.SubagentPayload) error {
	rt.mu.RLock()
	r, ok := rt.runs[parentRunID]
	rt.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown run %q", parentRunID)
	}
	rt.emit(r, &models.AgentEvent{Type: models.EventSubagent, Subagent: payload})
	return nil
}

// Abort signals the run to stop at its next suspension point.
func (rt *Runtime) Abort(runID string) error {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown run %q", runID)
	}
	r.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal status or ctx is done.
func (rt *Runtime) Wait(ctx context.Context, runID string) (*models.RunRecord, error) {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown run %q", runID)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rt *Runtime) emit(r *run, ev *models.AgentEvent) {
	r.mu.Lock()
	r.seq++
	ev.Sequence = r.seq
	ev.RunID = r.record.RunID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	subs := make([]chan *models.AgentEvent, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	if rt.callback != nil {
		rt.callback(ev)
	}
}

// setStatus applies a monotone status transition. Terminal states stick.
func (rt *Runtime) setStatus(r *run, status models.RunStatus, output, errText string) bool {
	r.mu.Lock()
	if r.record.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.record.Status = status
	now := time.Now()
	switch {
	case status == models.RunRunning:
		r.record.StartedAt = &now
	case status.Terminal():
		r.record.FinishedAt = &now
		r.record.Output = output
		r.record.Error = errText
		if r.record.StartedAt != nil {
			r.record.Stats.WallTime = now.Sub(*r.record.StartedAt)
		}
	}
	record := r.record.Clone()
	r.mu.Unlock()

	rt.emit(r, &models.AgentEvent{Type: models.EventStatus, Status: status})
	if status.Terminal() {
		if rt.metrics != nil {
			rt.metrics.RunsFinished.WithLabelValues(record.AgentID, string(status)).Inc()
			if record.Stats != nil {
				rt.metrics.RunDuration.WithLabelValues(record.AgentID).Observe(record.Stats.WallTime.Seconds())
			}
		}
		if err := rt.store.SaveTask(context.Background(), record); err != nil {
			rt.logger.Warn("failed to persist run record", "run_id", record.RunID, "error", err)
		}
		close(r.done)
	}
	return true
}

func (rt *Runtime) execute(ctx context.Context, profile *Profile, r *run) {
	record := r.snapshot()
	ctx, span := observability.StartRunSpan(ctx, record.AgentID, record.RunID)
	defer observability.EndSpan(span, nil)
	defer r.cancel()

	sess, err := rt.prepareSession(ctx, profile, record)
	if err != nil {
		rt.setStatus(r, models.RunFailed, "", err.Error())
		return
	}

	rt.setStatus(r, models.RunRunning, "", "")
	if err := rt.store.SaveTask(ctx, r.snapshot()); err != nil {
		rt.logger.Warn("failed to persist run record", "run_id", record.RunID, "error", err)
	}

	output, runErr := rt.loop(ctx, profile, r, sess)
	switch {
	case ctx.Err() != nil:
		rt.setStatus(r, models.RunAborted, "", "aborted")
	case runErr != nil:
		rt.emit(r, &models.AgentEvent{Type: models.EventError, Error: &models.ErrorPayload{
			Message: CodeLLMRequestFailed + ": " + runErr.Error(),
		}})
		rt.setStatus(r, models.RunFailed, "", runErr.Error())
	default:
		rt.setStatus(r, models.RunCompleted, output, "")
	}
}

func (rt *Runtime) prepareSession(ctx context.Context, profile *Profile, record *models.RunRecord) (*session.Session, error) {
	if _, err := rt.store.GetSession(ctx, record.SessionID); err == store.ErrNotFound {
		doc := &store.SessionDoc{ID: record.SessionID, AgentID: profile.ID, RunID: record.RunID}
		if err := rt.store.CreateSession(ctx, doc); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess := session.New(record.SessionID, rt.store, providerSummarizer{profile}, profile.Session, rt.logger)
	msgs, err := sess.Messages(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 && profile.SystemPrompt != "" {
		sys := &models.Message{
			ID:      models.SystemMessageID,
			Role:    models.RoleSystem,
			Content: profile.SystemPrompt,
			Type:    models.MessageTypeText,
		}
		if err := sess.AddMessage(ctx, sys); err != nil {
			return nil, err
		}
	}
	if record.Input != "" {
		user := &models.Message{
			ID:      uuid.NewString(),
			Role:    models.RoleUser,
			Content: record.Input,
			Type:    models.MessageTypeText,
		}
		if err := sess.AddMessage(ctx, user); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// loop runs think-act-observe until the model stops calling tools, a
// termination phrase fires, or a budget is exhausted.
func (rt *Runtime) loop(ctx context.Context, profile *Profile, r *run, sess *session.Session) (string, error) {
	record := r.snapshot()
	toolsUsed := 0

	for iteration := 0; iteration < profile.MaxLoops; iteration++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.mu.Lock()
		r.record.Stats.Iterations = iteration + 1
		r.mu.Unlock()

		if did, err := sess.CompactBeforeLLMCall(ctx); err != nil {
			rt.logger.Warn("compaction failed, proceeding with full log",
				"run_id", record.RunID, "error", err)
		} else if did {
			r.mu.Lock()
			r.record.Stats.Compactions++
			r.mu.Unlock()
			if rt.metrics != nil {
				rt.metrics.Compactions.WithLabelValues("token_limit").Inc()
			}
		}

		msgs, err := sess.Messages(ctx)
		if err != nil {
			return "", err
		}
		assistant, err := rt.streamCompletion(ctx, profile, r, msgs)
		if err != nil {
			return "", err
		}
		if err := sess.AddMessage(ctx, assistant); err != nil {
			return "", err
		}
		rt.recordUsage(r, assistant.Usage)

		if len(assistant.ToolCalls) == 0 {
			return assistant.Content, nil
		}

		for i := range assistant.ToolCalls {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			tc := assistant.ToolCalls[i]
			result := rt.executeToolCall(ctx, profile, r, record, tc)
			toolsUsed++
			r.mu.Lock()
			r.record.Stats.ToolCalls = toolsUsed
			r.mu.Unlock()

			toolMsg := toolResultMessage(record.SessionID, tc, result)
			if err := sess.AddMessage(ctx, toolMsg); err != nil {
				return "", err
			}
			if profile.MaxToolsPerTask > 0 && toolsUsed >= profile.MaxToolsPerTask {
				rt.logger.Info("tool budget exhausted, summarizing",
					"run_id", record.RunID, "tools_used", toolsUsed)
				return rt.finalSummary(ctx, profile, sess)
			}
		}

		if containsTerminationPhrase(assistant.Content) {
			return assistant.Content, nil
		}
	}

	rt.logger.Info("loop budget exhausted, summarizing", "run_id", record.RunID)
	return rt.finalSummary(ctx, profile, sess)
}

// streamCompletion folds the provider's chunk stream into one assistant
// message, forwarding each chunk as events.
func (rt *Runtime) streamCompletion(ctx context.Context, profile *Profile, r *run, msgs []*models.Message) (*models.Message, error) {
	req := &CompletionRequest{
		Messages:  msgs,
		Tools:     profile.Registry.ToLLMTools(),
		Model:     profile.Model,
		MaxTokens: profile.MaxOutputTokens,
	}
	chunks, err := profile.Provider.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider stream: %w", err)
	}

	msgID := uuid.NewString()
	assistant := &models.Message{
		ID:   msgID,
		Role: models.RoleAssistant,
		Type: models.MessageTypeText,
	}
	rt.emit(r, &models.AgentEvent{Type: models.EventTextStart, MsgID: msgID})

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Delta != "" {
			assistant.Content += chunk.Delta
			rt.emit(r, &models.AgentEvent{Type: models.EventTextDelta, MsgID: msgID, Delta: chunk.Delta})
		}
		if chunk.ReasoningDelta != "" {
			assistant.ReasoningContent += chunk.ReasoningDelta
			rt.emit(r, &models.AgentEvent{Type: models.EventReasoningDelta, MsgID: msgID, Delta: chunk.ReasoningDelta})
		}
		if len(chunk.ToolCalls) > 0 {
			assistant.ToolCalls = append(assistant.ToolCalls, chunk.ToolCalls...)
			rt.emit(r, &models.AgentEvent{Type: models.EventToolCallCreated, MsgID: msgID, ToolCalls: chunk.ToolCalls})
		}
		if chunk.Usage != nil {
			assistant.Usage = chunk.Usage
			rt.emit(r, &models.AgentEvent{Type: models.EventUsageUpdate, MsgID: msgID, Usage: chunk.Usage})
		}
		if chunk.FinishReason != "" {
			assistant.FinishReason = chunk.FinishReason
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(assistant.ToolCalls) > 0 {
		assistant.Type = models.MessageTypeToolCall
	}
	rt.emit(r, &models.AgentEvent{Type: models.EventTextComplete, MsgID: msgID, Delta: assistant.Content})
	return assistant, nil
}

func (rt *Runtime) executeToolCall(ctx context.Context, profile *Profile, r *run, record *models.RunRecord, tc models.ToolCall) *ToolResult {
	toolCtx := &ToolContext{
		SessionID: record.SessionID,
		AgentID:   record.AgentID,
		RunID:     record.RunID,
		Platform:  "loom",
		Now:       time.Now(),
		StreamCallback: func(chunk string) {
			rt.emit(r, &models.AgentEvent{Type: models.EventToolCallStream, CallID: tc.ID, Chunk: chunk})
		},
	}

	result, err := profile.Registry.Execute(ctx, tc.Name, tc.ID, tc.Arguments, toolCtx)
	if err != nil {
		result = FailureResult(CodeLLMRequestFailed, "tool %s failed: %v", tc.Name, err)
	}

	status := "success"
	if !result.Success {
		status = "error"
	}
	payload := &models.ToolCallResultPayload{CallID: tc.ID, Status: status}
	text := result.Output
	if !result.Success {
		text = result.Error
	}
	if json.Valid([]byte(text)) {
		payload.Result = json.RawMessage(text)
	} else if raw, err := json.Marshal(text); err == nil {
		payload.Result = raw
	}
	rt.emit(r, &models.AgentEvent{Type: models.EventToolCallResult, Result: payload})
	return result
}

func toolResultMessage(sessionID string, tc models.ToolCall, result *ToolResult) *models.Message {
	content := result.Output
	if !result.Success {
		content = result.Error
	}
	return &models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleTool,
		Type:       models.MessageTypeToolResult,
		ToolCallID: tc.ID,
		Content:    content,
		Metadata:   result.Metadata,
	}
}

// finalSummary makes one last completion without tools so the run can end
// with a coherent answer after a budget ran out.
func (rt *Runtime) finalSummary(ctx context.Context, profile *Profile, sess *session.Session) (string, error) {
	msgs, err := sess.Messages(ctx)
	if err != nil {
		return "", err
	}
	prompt := &models.Message{
		Role:    models.RoleUser,
		Content: "The iteration budget is exhausted. Summarize what was accomplished and what remains.",
		Type:    models.MessageTypeText,
	}
	resp, err := profile.Provider.Complete(ctx, &CompletionRequest{
		Messages:  append(append([]*models.Message{}, msgs...), prompt),
		Model:     profile.Model,
		MaxTokens: profile.MaxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("final summary: %w", err)
	}
	return resp.Message.Content, nil
}

func (rt *Runtime) recordUsage(r *run, usage *models.Usage) {
	if usage == nil {
		return
	}
	r.mu.Lock()
	r.record.Stats.PromptTokens += usage.PromptTokens
	r.record.Stats.CompletionTokens += usage.CompletionTokens
	r.mu.Unlock()
}

func containsTerminationPhrase(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range terminationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// providerSummarizer adapts a Profile's provider to the session Summarizer.
type providerSummarizer struct {
	profile *Profile
}

func (p providerSummarizer) Summarize(ctx context.Context, _ []*models.Message, prompt string) (string, error) {
	resp, err := p.profile.Provider.Complete(ctx, &CompletionRequest{
		Messages: []*models.Message{{
			Role:    models.RoleUser,
			Content: prompt,
			Type:    models.MessageTypeText,
		}},
		Model:     p.profile.Model,
		MaxTokens: p.profile.Session.MaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}
