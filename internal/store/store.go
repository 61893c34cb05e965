// Package store provides the pluggable document persistence layer for
// sessions, tasks, sub-task runs, and compaction history. Implementations
// are swapped through a factory; the kernel never depends on a concrete
// backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionDoc is the persisted session envelope. Message bodies are stored
// in the session's context, not inlined here.
type SessionDoc struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	RunID     string         `json:"run_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskQuery filters persisted task records.
type TaskQuery struct {
	RunID       string
	AgentID     string
	ParentRunID string
	Statuses    []models.RunStatus
	Limit       int
}

// Store is the document-store contract consumed by the kernel and session
// layer. All implementations must be safe for concurrent use.
type Store interface {
	CreateSession(ctx context.Context, session *SessionDoc) error
	GetSession(ctx context.Context, id string) (*SessionDoc, error)

	// AddMessageToContext appends a message to the session's visible context.
	AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error

	// GetCurrentContext returns the visible window: the system message,
	// any compaction summary, and the kept suffix.
	GetCurrentContext(ctx context.Context, sessionID string) ([]*models.Message, error)

	// CompactContext archives everything but the system message and the
	// last keepLastN messages, inserting the summary message after the
	// system message. Archived messages remain in the full history.
	CompactContext(ctx context.Context, sessionID string, keepLastN int, summary *models.Message) error

	// GetFullHistory returns all messages ever appended, archived included.
	GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error)

	SaveTask(ctx context.Context, task *models.RunRecord) error
	QueryTasks(ctx context.Context, q TaskQuery) ([]*models.RunRecord, error)

	SaveSubTaskRun(ctx context.Context, run *models.SubTaskRun) error
	GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error)

	AddCompactionRecord(ctx context.Context, rec *models.CompactionRecord) error
	GetCompactionRecords(ctx context.Context, sessionID string) ([]*models.CompactionRecord, error)

	Close() error
}

func matchesQuery(task *models.RunRecord, q TaskQuery) bool {
	if q.RunID != "" && task.RunID != q.RunID {
		return false
	}
	if q.AgentID != "" && task.AgentID != q.AgentID {
		return false
	}
	if q.ParentRunID != "" && task.ParentRunID != q.ParentRunID {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if task.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
