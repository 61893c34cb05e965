// Package mailbox implements per-agent message queues with at-least-once
// delivery: leases, retries, idempotent sends, dead-letters, and blocking
// wait with a child-progress fallback.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
)

// Defaults for receive and wait operations.
const (
	DefaultReceiveLimit = 10
	DefaultLease        = 15 * time.Second
	DefaultWait         = 30 * time.Second
	DefaultPollInterval = 400 * time.Millisecond
	DefaultMaxAttempts  = 3
	DefaultDeadLimit    = 20
)

// LeaseExpiredError is recorded on messages requeued by lease expiry.
const LeaseExpiredError = "lease expired"

// ErrUnknownAgent is returned for operations naming an unregistered agent.
var ErrUnknownAgent = errors.New("mailbox: unknown agent")

// ErrNotInFlight is returned when nacking a message that is not leased.
var ErrNotInFlight = errors.New("mailbox: message not in flight")

// Status tracks a message through the delivery lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInFlight   Status = "in_flight"
	StatusAcked      Status = "acked"
	StatusDeadLetter Status = "dead_letter"
)

// Message is one inter-agent mailbox entry.
type Message struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	From           string         `json:"from_agent_id"`
	To             string         `json:"to_agent_id"`
	Payload        map[string]any `json:"payload"`
	Topic          string         `json:"topic,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Status         Status         `json:"status"`
	VisibleAt      time.Time      `json:"visible_at"`
	LeaseUntil     time.Time      `json:"lease_until,omitempty"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	LastError      string         `json:"last_error,omitempty"`
}

func (m *Message) clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}

// SendRequest is the input to Send.
type SendRequest struct {
	From           string
	To             string
	Payload        map[string]any
	Topic          string
	CorrelationID  string
	RunID          string
	IdempotencyKey string
	MaxAttempts    int
	VisibleAt      time.Time
}

// ReceiveOptions configures a Receive call. A zero Now means the service
// clock; a zero Limit or Lease means the default.
type ReceiveOptions struct {
	Limit int
	Lease time.Duration
	Now   time.Time
}

// NackOptions configures a Nack call.
type NackOptions struct {
	Error        string
	RequeueDelay time.Duration
}

// NackResult reports what happened to a nacked message.
type NackResult struct {
	Requeued     bool
	DeadLettered bool
}

// WaitOptions configures a blocking Wait call.
type WaitOptions struct {
	Wait                 time.Duration
	WaitSet              bool // distinguishes Wait=0 (return immediately) from unset
	PollInterval         time.Duration
	Limit                int
	Lease                time.Duration
	ParentRunID          string
	IncludeChildProgress bool
}

// WaitResult is the outcome of a Wait call.
type WaitResult struct {
	Messages      []*Message
	TimedOut      bool
	ChildProgress []*models.RunRecord
}

// ProgressFunc resolves child-run progress for an agent on wait timeout.
// parentRunID may be empty, in which case the implementation resolves the
// caller's latest run.
type ProgressFunc func(ctx context.Context, agentID, parentRunID string) []*models.RunRecord

// box holds one agent's mailbox. One coarse lock covers queue, in-flight,
// dead-letter, and the idempotency index.
type box struct {
	mu       sync.Mutex
	queue    []*Message
	inFlight map[string]*Message
	dead     []*Message
	byIdem   map[string]*Message
	acked    uint64 // lifetime ack count, telemetry only
}

// Service routes messages between registered agents.
type Service struct {
	mu       sync.RWMutex
	boxes    map[string]*box
	logger   *slog.Logger
	progress ProgressFunc

	// Now is the service clock; overridable in tests.
	Now func() time.Time
}

// New creates an empty mailbox service.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		boxes:  make(map[string]*box),
		logger: logger,
		Now:    time.Now,
	}
}

// SetProgressFunc wires the child-progress resolver used by Wait.
func (s *Service) SetProgressFunc(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = fn
}

// RegisterAgent creates a mailbox for the agent. Idempotent.
func (s *Service) RegisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boxes[agentID]; !ok {
		s.boxes[agentID] = &box{
			inFlight: make(map[string]*Message),
			byIdem:   make(map[string]*Message),
		}
	}
}

func (s *Service) box(agentID string) (*box, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boxes[agentID]
	return b, ok
}

// Send validates the sender and recipient, applies idempotency
// deduplication, and enqueues the message. Two sends with the same
// (recipient, idempotency key) return the same message.
func (s *Service) Send(req SendRequest) (*Message, error) {
	if _, ok := s.box(req.From); !ok {
		return nil, fmt.Errorf("%w: sender %q", ErrUnknownAgent, req.From)
	}
	b, ok := s.box(req.To)
	if !ok {
		return nil, fmt.Errorf("%w: recipient %q", ErrUnknownAgent, req.To)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prior, ok := b.byIdem[req.IdempotencyKey]; ok {
			return prior.clone(), nil
		}
	}

	now := s.Now()
	msg := &Message{
		ID:             uuid.NewString(),
		Timestamp:      now,
		From:           req.From,
		To:             req.To,
		Payload:        req.Payload,
		Topic:          req.Topic,
		CorrelationID:  req.CorrelationID,
		RunID:          req.RunID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusQueued,
		VisibleAt:      req.VisibleAt,
		MaxAttempts:    req.MaxAttempts,
	}
	if msg.VisibleAt.IsZero() {
		msg.VisibleAt = now
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = DefaultMaxAttempts
	}
	b.queue = append(b.queue, msg)
	if msg.IdempotencyKey != "" {
		b.byIdem[msg.IdempotencyKey] = msg
	}
	s.logger.Debug("mailbox message enqueued",
		"from", msg.From, "to", msg.To, "topic", msg.Topic, "message_id", msg.ID)
	return msg.clone(), nil
}

// Receive leases up to limit visible messages for the agent, in enqueue
// order. Expired leases are requeued first, equivalent to a lost worker.
func (s *Service) Receive(agentID string, opts ReceiveOptions) ([]*Message, error) {
	b, ok := s.box(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultReceiveLimit
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	now := opts.Now
	if now.IsZero() {
		now = s.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLeases(now)

	var delivered []*Message
	remaining := b.queue[:0]
	for _, msg := range b.queue {
		if len(delivered) >= limit || msg.VisibleAt.After(now) {
			remaining = append(remaining, msg)
			continue
		}
		msg.Attempt++
		msg.Status = StatusInFlight
		msg.LeaseUntil = now.Add(lease)
		b.inFlight[msg.ID] = msg
		delivered = append(delivered, msg.clone())
	}
	b.queue = remaining
	return delivered, nil
}

// expireLeases requeues in-flight messages whose lease has lapsed.
// Caller holds b.mu.
func (b *box) expireLeases(now time.Time) {
	for id, msg := range b.inFlight {
		if !msg.LeaseUntil.After(now) {
			delete(b.inFlight, id)
			msg.Status = StatusQueued
			msg.LeaseUntil = time.Time{}
			msg.LastError = LeaseExpiredError
			b.queue = append(b.queue, msg)
		}
	}
}

// Ack removes an in-flight message. Returns true if it existed; idempotent.
func (s *Service) Ack(agentID, messageID string) (bool, error) {
	b, ok := s.box(agentID)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inFlight[messageID]; !ok {
		return false, nil
	}
	delete(b.inFlight, messageID)
	b.acked++
	return true, nil
}

// Nack returns an in-flight message to the queue, or dead-letters it when
// the retry budget is exhausted.
func (s *Service) Nack(agentID, messageID string, opts NackOptions) (NackResult, error) {
	b, ok := s.box(agentID)
	if !ok {
		return NackResult{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, ok := b.inFlight[messageID]
	if !ok {
		return NackResult{}, fmt.Errorf("%w: %q", ErrNotInFlight, messageID)
	}
	delete(b.inFlight, messageID)
	msg.LastError = opts.Error

	if msg.Attempt >= msg.MaxAttempts {
		msg.Status = StatusDeadLetter
		msg.LeaseUntil = time.Time{}
		b.dead = append(b.dead, msg)
		s.logger.Warn("mailbox message dead-lettered",
			"to", msg.To, "topic", msg.Topic, "message_id", msg.ID,
			"attempts", msg.Attempt, "error", opts.Error)
		return NackResult{DeadLettered: true}, nil
	}

	msg.Status = StatusQueued
	msg.VisibleAt = s.Now().Add(opts.RequeueDelay)
	msg.LeaseUntil = time.Time{}
	b.queue = append(b.queue, msg)
	return NackResult{Requeued: true}, nil
}

// Wait long-polls for messages. On timeout with child progress enabled it
// resolves queued/running child runs through the configured ProgressFunc.
func (s *Service) Wait(ctx context.Context, agentID string, opts WaitOptions) (*WaitResult, error) {
	wait := opts.Wait
	if wait <= 0 && !opts.WaitSet {
		wait = DefaultWait
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	recv := ReceiveOptions{Limit: opts.Limit, Lease: opts.Lease}
	msgs, err := s.Receive(agentID, recv)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		return &WaitResult{Messages: msgs}, nil
	}

	deadline := s.Now().Add(wait)
	for wait > 0 {
		remaining := deadline.Sub(s.Now())
		if remaining <= 0 {
			break
		}
		sleep := poll
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		msgs, err = s.Receive(agentID, recv)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return &WaitResult{Messages: msgs}, nil
		}
	}

	result := &WaitResult{TimedOut: true, Messages: []*Message{}}
	s.mu.RLock()
	progress := s.progress
	s.mu.RUnlock()
	if opts.IncludeChildProgress && progress != nil {
		result.ChildProgress = progress(ctx, agentID, opts.ParentRunID)
	}
	return result, nil
}

// ListDeadLetters returns up to limit dead-lettered messages, oldest first.
func (s *Service) ListDeadLetters(agentID string, limit int) ([]*Message, error) {
	b, ok := s.box(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	if limit <= 0 {
		limit = DefaultDeadLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.dead)
	if n > limit {
		n = limit
	}
	out := make([]*Message, 0, n)
	for _, msg := range b.dead[:n] {
		out = append(out, msg.clone())
	}
	return out, nil
}

// Depth reports queued, in-flight, and dead-letter counts for an agent.
// Used by metrics collection.
func (s *Service) Depth(agentID string) (queued, inFlight, dead int) {
	b, ok := s.box(agentID)
	if !ok {
		return 0, 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue), len(b.inFlight), len(b.dead)
}

// Agents lists registered agent IDs.
func (s *Service) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.boxes))
	for id := range s.boxes {
		out = append(out, id)
	}
	return out
}
