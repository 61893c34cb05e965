package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomhq/loom/internal/observability"
)

// ToolEventType identifies a registry lifecycle event.
type ToolEventType string

const (
	ToolCallStart    ToolEventType = "call:start"
	ToolCallComplete ToolEventType = "call:complete"
	ToolCallError    ToolEventType = "call:error"
)

// ToolEvent is emitted around each tool execution.
type ToolEvent struct {
	Type     ToolEventType
	Tool     string
	CallID   string
	Duration time.Duration
	Err      string
}

// ToolEventHandler observes registry events. Handlers run synchronously on
// the executing goroutine and must be fast.
type ToolEventHandler func(ToolEvent)

// RegistryConfig tunes execution behavior shared by all tools in one
// registry.
type RegistryConfig struct {
	// ToolTimeout bounds a single execution. Zero disables the timeout.
	ToolTimeout time.Duration `json:"tool_timeout" yaml:"tool_timeout"`

	// TimeoutExempt lists tools the timeout must not apply to. Meta-tools
	// that orchestrate nested runs (task dispatch, message waits) run for
	// as long as their own deadlines allow.
	TimeoutExempt []string `json:"timeout_exempt" yaml:"timeout_exempt"`

	// Truncation configures the output middleware. Nil disables it.
	Truncation *TruncationConfig `json:"truncation" yaml:"truncation"`
}

// DefaultRegistryConfig returns the registry defaults.
func DefaultRegistryConfig() RegistryConfig {
	trunc := DefaultTruncationConfig()
	return RegistryConfig{
		ToolTimeout:   2 * time.Minute,
		TimeoutExempt: []string{"task", "agent_dispatch_task", "agent_wait_for_messages"},
		Truncation:    &trunc,
	}
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds one agent's tools with thread-safe registration,
// schema validation, event emission, and output truncation.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]*registeredTool
	handlers []ToolEventHandler

	cfg     RegistryConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(cfg RegistryConfig, logger *slog.Logger, metrics *observability.Metrics) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:   make(map[string]*registeredTool),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool, compiling its schema for argument validation. A
// tool with the same name is replaced. An invalid schema is an error at
// registration time, not at call time.
func (r *ToolRegistry) Register(tool Tool) error {
	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "tool://" + tool.Name() + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("add schema for %s: %w", tool.Name(), err)
		}
		var err error
		compiled, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", tool.Name(), err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = &registeredTool{tool: tool, schema: compiled}
	return nil
}

// HasTool reports whether a tool is registered.
func (r *ToolRegistry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// OnEvent adds a handler for call lifecycle events.
func (r *ToolRegistry) OnEvent(h ToolEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// ToLLMTools exports all registered schemas for the provider request.
func (r *ToolRegistry) ToLLMTools() []LLMTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LLMTool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, LLMTool{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			Schema:      rt.tool.Schema(),
		})
	}
	return out
}

func (r *ToolRegistry) emit(ev ToolEvent) {
	r.mu.RLock()
	handlers := r.handlers
	r.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (r *ToolRegistry) timeoutFor(name string) time.Duration {
	if r.cfg.ToolTimeout <= 0 {
		return 0
	}
	for _, exempt := range r.cfg.TimeoutExempt {
		if exempt == name {
			return 0
		}
	}
	return r.cfg.ToolTimeout
}

// Execute validates args, runs the tool under the registry timeout, and
// passes the result through the truncation middleware. Tool failures come
// back as results; the error return is reserved for infrastructure faults.
func (r *ToolRegistry) Execute(ctx context.Context, name, callID string, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return FailureResult(CodeToolNotFound, "no tool named %q", name), nil
	}

	if rt.schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return FailureResult(CodeInvalidArguments, "arguments are not valid JSON: %v", err), nil
		}
		if err := rt.schema.Validate(decoded); err != nil {
			return FailureResult(CodeInvalidArguments, "arguments rejected by schema: %v", err), nil
		}
	}

	r.emit(ToolEvent{Type: ToolCallStart, Tool: name, CallID: callID})
	start := time.Now()
	ctx, span := observability.StartToolSpan(ctx, name, callID)

	execCtx := ctx
	if timeout := r.timeoutFor(name); timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := rt.tool.Execute(execCtx, args, tc)
	elapsed := time.Since(start)
	observability.EndSpan(span, err)

	switch {
	case err != nil:
		r.logger.Error("tool execution failed", "tool", name, "call_id", callID, "error", err)
		r.emit(ToolEvent{Type: ToolCallError, Tool: name, CallID: callID, Duration: elapsed, Err: err.Error()})
		r.observe(name, "error", elapsed)
		return nil, err
	case execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		r.emit(ToolEvent{Type: ToolCallError, Tool: name, CallID: callID, Duration: elapsed, Err: "timeout"})
		r.observe(name, "timeout", elapsed)
		return FailureResult(CodeToolTimeout, "tool %s exceeded %s", name, r.cfg.ToolTimeout), nil
	}

	if r.cfg.Truncation != nil && result != nil {
		result = r.cfg.Truncation.Apply(name, result, r.metrics, r.logger)
	}

	status := "success"
	errText := ""
	if result != nil && !result.Success {
		status = "failure"
		errText = result.Error
	}
	r.emit(ToolEvent{Type: ToolCallComplete, Tool: name, CallID: callID, Duration: elapsed, Err: errText})
	r.observe(name, status, elapsed)
	return result, nil
}

func (r *ToolRegistry) observe(name, status string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
	r.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
