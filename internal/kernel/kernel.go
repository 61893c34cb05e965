// Package kernel is the orchestration core: it registers agent profiles
// with privileged tools injected, dispatches and tracks parent/child runs,
// routes inter-agent mail, and answers status queries.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/mailbox"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// Query limits for run status queries.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

// DefaultWatchPollInterval is how often a child watcher polls run status in
// addition to its event subscription.
const DefaultWatchPollInterval = 600 * time.Millisecond

// Config configures the kernel.
type Config struct {
	// ControllerID names the one agent allowed to dispatch child runs.
	ControllerID string `json:"controller_id" yaml:"controller_id"`

	// WatchPollInterval overrides the child watcher poll cadence.
	WatchPollInterval time.Duration `json:"watch_poll_interval" yaml:"watch_poll_interval"`
}

// trackedRun is the kernel's shadow record of a dispatched run. Live
// status always comes from the runtime.
type trackedRun struct {
	runID         string
	agentID       string
	parentRunID   string
	parentAgentID string
	createdAt     time.Time
}

// RunFilter selects tracked runs for QueryRuns.
type RunFilter struct {
	RunID         string
	AgentID       string
	ParentRunID   string
	ParentAgentID string
	Statuses      []models.RunStatus
	Limit         int
}

// Kernel owns the orchestration state on top of the runtime and mailbox.
type Kernel struct {
	cfg     Config
	runtime *agent.Runtime
	mailbox *mailbox.Service
	store   store.Store
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	tracked  map[string]*trackedRun
	notified map[string]bool // childRunID -> terminal notification sent
}

// New wires a kernel over its subsystems and installs the child-progress
// resolver into the mailbox.
func New(cfg Config, rt *agent.Runtime, mb *mailbox.Service, st store.Store, logger *slog.Logger, metrics *observability.Metrics) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WatchPollInterval <= 0 {
		cfg.WatchPollInterval = DefaultWatchPollInterval
	}
	k := &Kernel{
		cfg:      cfg,
		runtime:  rt,
		mailbox:  mb,
		store:    st,
		logger:   logger,
		metrics:  metrics,
		tracked:  make(map[string]*trackedRun),
		notified: make(map[string]bool),
	}
	mb.SetProgressFunc(k.childProgress)
	return k
}

// RegisterAgent registers the profile with the runtime and mailbox and
// injects the privileged tools. The dispatch tool goes only to the
// controller. Re-registration is idempotent.
func (k *Kernel) RegisterAgent(profile *agent.Profile) error {
	profile.IsController = profile.ID == k.cfg.ControllerID
	if err := k.injectPrivilegedTools(profile); err != nil {
		return fmt.Errorf("inject privileged tools for %s: %w", profile.ID, err)
	}
	if err := k.runtime.RegisterAgent(profile); err != nil {
		return err
	}
	k.mailbox.RegisterAgent(profile.ID)
	return nil
}

// DispatchRequest starts a run on an agent.
type DispatchRequest struct {
	AgentID     string
	Input       string
	ParentRunID string
	Timeout     time.Duration
	Metadata    map[string]any
}

// Execute starts the controller on a goal. The returned record is the
// queued controller run; callers observe progress via Subscribe or
// QueryRuns.
func (k *Kernel) Execute(ctx context.Context, goal string) (*models.RunRecord, error) {
	if k.cfg.ControllerID == "" {
		return nil, fmt.Errorf("no controller configured")
	}
	return k.Dispatch(ctx, &DispatchRequest{AgentID: k.cfg.ControllerID, Input: goal})
}

// Dispatch starts a run, records it, and (for child runs) registers a
// watcher that notifies the parent's mailbox on the child's first terminal
// status.
func (k *Kernel) Dispatch(ctx context.Context, req *DispatchRequest) (*models.RunRecord, error) {
	record, err := k.runtime.Execute(ctx, &agent.ExecuteRequest{
		AgentID:     req.AgentID,
		Input:       req.Input,
		ParentRunID: req.ParentRunID,
		Timeout:     req.Timeout,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	tracked := &trackedRun{
		runID:       record.RunID,
		agentID:     record.AgentID,
		parentRunID: req.ParentRunID,
		createdAt:   record.CreatedAt,
	}
	if req.ParentRunID != "" {
		if parent, err := k.runtime.Status(req.ParentRunID); err == nil {
			tracked.parentAgentID = parent.AgentID
		}
	}
	k.mu.Lock()
	k.tracked[record.RunID] = tracked
	k.mu.Unlock()

	if req.ParentRunID != "" && tracked.parentAgentID != "" {
		parentSessionID := ""
		if parent, err := k.runtime.Status(req.ParentRunID); err == nil {
			parentSessionID = parent.SessionID
		}
		sub := &models.SubTaskRun{
			RunID:           record.RunID,
			ParentSessionID: parentSessionID,
			ChildSessionID:  record.SessionID,
			Mode:            models.SubTaskBackground,
			Status:          record.Status,
			SubagentType:    record.AgentID,
			StartedAt:       record.CreatedAt,
		}
		if err := k.store.SaveSubTaskRun(ctx, sub); err != nil {
			k.logger.Warn("failed to persist subtask run", "run_id", record.RunID, "error", err)
		}
		go k.watchChild(record.RunID, record.AgentID, req.ParentRunID, tracked.parentAgentID)
	}
	return record, nil
}

// QueryRuns filters tracked runs, refreshing each from the runtime. Results
// are newest-first and truncated to the limit (default 50, cap 200).
func (k *Kernel) QueryRuns(filter RunFilter) []*models.RunRecord {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	k.mu.Lock()
	candidates := make([]*trackedRun, 0, len(k.tracked))
	for _, tr := range k.tracked {
		candidates = append(candidates, tr)
	}
	k.mu.Unlock()

	var out []*models.RunRecord
	for _, tr := range candidates {
		if filter.RunID != "" && tr.runID != filter.RunID {
			continue
		}
		if filter.AgentID != "" && tr.agentID != filter.AgentID {
			continue
		}
		if filter.ParentRunID != "" && tr.parentRunID != filter.ParentRunID {
			continue
		}
		if filter.ParentAgentID != "" && tr.parentAgentID != filter.ParentAgentID {
			continue
		}
		record, err := k.runtime.Status(tr.runID)
		if err != nil {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(record.Status, filter.Statuses) {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func statusIn(status models.RunStatus, set []models.RunStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// latestRun returns the agent's most recent run, preferring a running one.
func (k *Kernel) latestRun(agentID string) string {
	k.mu.Lock()
	var candidates []*trackedRun
	for _, tr := range k.tracked {
		if tr.agentID == agentID {
			candidates = append(candidates, tr)
		}
	}
	k.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].createdAt.After(candidates[j].createdAt) })

	for _, tr := range candidates {
		if record, err := k.runtime.Status(tr.runID); err == nil && record.Status == models.RunRunning {
			return tr.runID
		}
	}
	if len(candidates) > 0 {
		return candidates[0].runID
	}
	return ""
}

// childProgress backs the mailbox's wait-timeout progress report.
func (k *Kernel) childProgress(ctx context.Context, agentID, parentRunID string) []*models.RunRecord {
	if parentRunID == "" {
		parentRunID = k.latestRun(agentID)
	}
	if parentRunID == "" {
		return nil
	}
	return k.QueryRuns(RunFilter{
		ParentRunID: parentRunID,
		Statuses:    []models.RunStatus{models.RunQueued, models.RunRunning},
		Limit:       MaxQueryLimit,
	})
}

// watchChild observes one child run through both its event stream and a
// status poll, and enqueues exactly one terminal notification into the
// parent's mailbox. The dual path is deliberate: streams can drop, polls
// are idempotent via the notified set.
func (k *Kernel) watchChild(childRunID, childAgentID, parentRunID, parentAgentID string) {
	events, unsub, err := k.runtime.Subscribe(childRunID)
	if err != nil {
		k.logger.Warn("child watcher failed to subscribe", "run_id", childRunID, "error", err)
		events = nil
	} else {
		defer unsub()
	}

	childSessionID := ""
	if record, err := k.runtime.Status(childRunID); err == nil {
		childSessionID = record.SessionID
	}

	ticker := time.NewTicker(k.cfg.WatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			_ = k.runtime.EmitSubagent(parentRunID, &models.SubagentPayload{
				TaskID:         childRunID,
				SubagentType:   childAgentID,
				ChildSessionID: childSessionID,
				Event:          ev,
			})
			if ev.Type == models.EventStatus && ev.Status.Terminal() {
				k.notifyChildTerminal(childRunID, childAgentID, parentRunID, parentAgentID)
				return
			}
		case <-ticker.C:
			record, err := k.runtime.Status(childRunID)
			if err != nil {
				k.logger.Warn("child watcher lost run", "run_id", childRunID, "error", err)
				return
			}
			if record.Status.Terminal() {
				k.notifyChildTerminal(childRunID, childAgentID, parentRunID, parentAgentID)
				return
			}
		}
	}
}

// notifyChildTerminal enqueues the terminal message once per child run.
func (k *Kernel) notifyChildTerminal(childRunID, childAgentID, parentRunID, parentAgentID string) {
	k.mu.Lock()
	if k.notified[childRunID] {
		k.mu.Unlock()
		return
	}
	k.notified[childRunID] = true
	k.mu.Unlock()

	record, err := k.runtime.Status(childRunID)
	if err != nil {
		k.logger.Error("cannot report terminal child", "run_id", childRunID, "error", err)
		return
	}

	topic := "child-task-terminal"
	if record.Status == models.RunCompleted {
		topic = "child-task-completed"
	}
	payload := map[string]any{
		"runId":       childRunID,
		"parentRunId": parentRunID,
		"status":      string(record.Status),
	}
	if record.Output != "" {
		payload["output"] = record.Output
	}
	if record.Error != "" {
		payload["error"] = record.Error
	}
	if record.FinishedAt != nil {
		payload["finishedAt"] = record.FinishedAt.Format(time.RFC3339Nano)
	}

	_, err = k.mailbox.Send(mailbox.SendRequest{
		From:           childAgentID,
		To:             parentAgentID,
		Topic:          topic,
		Payload:        payload,
		CorrelationID:  parentRunID,
		RunID:          childRunID,
		IdempotencyKey: fmt.Sprintf("child-terminal:%s:%s", childRunID, record.Status),
	})
	if err != nil {
		k.logger.Error("failed to enqueue child terminal message",
			"run_id", childRunID, "parent", parentAgentID, "error", err)
		return
	}

	if sub, err := k.store.GetSubTaskRun(context.Background(), childRunID); err == nil {
		sub.Status = record.Status
		sub.Output = record.Output
		if err := k.store.SaveSubTaskRun(context.Background(), sub); err != nil {
			k.logger.Warn("failed to update subtask run", "run_id", childRunID, "error", err)
		}
	}
	k.refreshMailboxGauges()

	k.logger.Info("child run terminal",
		"run_id", childRunID,
		"parent_run_id", parentRunID,
		"status", record.Status,
		"topic", topic)
}

// refreshMailboxGauges publishes queue depths to the metrics registry.
func (k *Kernel) refreshMailboxGauges() {
	if k.metrics == nil {
		return
	}
	for _, agentID := range k.mailbox.Agents() {
		queued, inFlight, dead := k.mailbox.Depth(agentID)
		k.metrics.MailboxQueued.WithLabelValues(agentID).Set(float64(queued))
		k.metrics.MailboxInFlight.WithLabelValues(agentID).Set(float64(inFlight))
		k.metrics.MailboxDeadLetters.WithLabelValues(agentID).Set(float64(dead))
	}
}

// Runtime exposes the underlying runtime for callers that need direct
// subscribe/abort access.
func (k *Kernel) Runtime() *agent.Runtime { return k.runtime }

// Mailbox exposes the mailbox service.
func (k *Kernel) Mailbox() *mailbox.Service { return k.mailbox }
