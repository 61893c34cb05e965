package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// FileStore persists documents as JSON files under a root directory:
// sessions/<id>.json, tasks.json, subtask_runs.json. Suitable for local
// single-process deployments and tests.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

type sessionFile struct {
	Session     *SessionDoc                `json:"session"`
	Messages    []storedMessage            `json:"messages"`
	Compactions []*models.CompactionRecord `json:"compactions,omitempty"`
}

type storedMessage struct {
	Message  *models.Message `json:"message"`
	Archived bool            `json:"archived,omitempty"`
	Summary  bool            `json:"summary,omitempty"`
}

// NewFileStore creates the root directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) sessionPath(id string) string {
	// Session IDs are UUIDs; the replacement guards against path separators
	// in caller-supplied IDs.
	safe := strings.ReplaceAll(id, string(os.PathSeparator), "_")
	return filepath.Join(f.dir, "sessions", safe+".json")
}

func (f *FileStore) loadSession(id string) (*sessionFile, error) {
	data, err := os.ReadFile(f.sessionPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc sessionFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &doc, nil
}

func (f *FileStore) saveSession(id string, doc *sessionFile) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.sessionPath(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.sessionPath(id))
}

func (f *FileStore) CreateSession(ctx context.Context, session *SessionDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &sessionFile{Session: session}
	if doc.Session.CreatedAt.IsZero() {
		doc.Session.CreatedAt = time.Now()
	}
	doc.Session.UpdatedAt = doc.Session.CreatedAt
	return f.saveSession(session.ID, doc)
}

func (f *FileStore) GetSession(ctx context.Context, id string) (*SessionDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.loadSession(id)
	if err != nil {
		return nil, err
	}
	return doc.Session, nil
}

func (f *FileStore) AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.loadSession(sessionID)
	if err != nil {
		return err
	}
	doc.Messages = append(doc.Messages, storedMessage{Message: msg.Clone()})
	doc.Session.UpdatedAt = time.Now()
	return f.saveSession(sessionID, doc)
}

func (f *FileStore) GetCurrentContext(ctx context.Context, sessionID string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	var out []*models.Message
	for _, m := range doc.Messages {
		if !m.Archived {
			out = append(out, m.Message.Clone())
		}
	}
	return out, nil
}

func (f *FileStore) GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		out = append(out, m.Message.Clone())
	}
	return out, nil
}

func (f *FileStore) CompactContext(ctx context.Context, sessionID string, keepLastN int, summary *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.loadSession(sessionID)
	if err != nil {
		return err
	}

	// Indexes of currently visible messages.
	var visible []int
	for i, m := range doc.Messages {
		if !m.Archived {
			visible = append(visible, i)
		}
	}

	keep := make(map[int]bool)
	if len(visible) > 0 && doc.Messages[visible[0]].Message.Role == models.RoleSystem {
		keep[visible[0]] = true
		visible = visible[1:]
	}
	start := len(visible) - keepLastN
	if start < 0 {
		start = 0
	}
	for _, idx := range visible[start:] {
		keep[idx] = true
	}

	insertAt := -1
	for i, m := range doc.Messages {
		if m.Archived || keep[i] {
			continue
		}
		doc.Messages[i].Archived = true
		if insertAt < 0 {
			insertAt = i
		}
	}
	if summary != nil && insertAt >= 0 {
		entry := storedMessage{Message: summary.Clone(), Summary: true}
		doc.Messages = append(doc.Messages[:insertAt],
			append([]storedMessage{entry}, doc.Messages[insertAt:]...)...)
	}
	doc.Session.UpdatedAt = time.Now()
	return f.saveSession(sessionID, doc)
}

func (f *FileStore) AddCompactionRecord(ctx context.Context, rec *models.CompactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.loadSession(rec.SessionID)
	if err != nil {
		return err
	}
	doc.Compactions = append(doc.Compactions, rec)
	return f.saveSession(rec.SessionID, doc)
}

func (f *FileStore) GetCompactionRecords(ctx context.Context, sessionID string) ([]*models.CompactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	return append([]*models.CompactionRecord(nil), doc.Compactions...), nil
}

func (f *FileStore) tasksPath() string { return filepath.Join(f.dir, "tasks.json") }

func (f *FileStore) loadTasks() (map[string]*models.RunRecord, error) {
	tasks := make(map[string]*models.RunRecord)
	data, err := os.ReadFile(f.tasksPath())
	if os.IsNotExist(err) {
		return tasks, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

func (f *FileStore) SaveTask(ctx context.Context, task *models.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks, err := f.loadTasks()
	if err != nil {
		return err
	}
	tasks[task.RunID] = task.Clone()
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.tasksPath(), data, 0o644)
}

func (f *FileStore) QueryTasks(ctx context.Context, q TaskQuery) ([]*models.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks, err := f.loadTasks()
	if err != nil {
		return nil, err
	}
	var out []*models.RunRecord
	for _, task := range tasks {
		if matchesQuery(task, q) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *FileStore) subTasksPath() string { return filepath.Join(f.dir, "subtask_runs.json") }

func (f *FileStore) SaveSubTaskRun(ctx context.Context, run *models.SubTaskRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := make(map[string]*models.SubTaskRun)
	data, err := os.ReadFile(f.subTasksPath())
	if err == nil {
		if err := json.Unmarshal(data, &runs); err != nil {
			return fmt.Errorf("decode subtask runs: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	clone := *run
	runs[run.RunID] = &clone
	data, err = json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.subTasksPath(), data, 0o644)
}

func (f *FileStore) GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.subTasksPath())
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	runs := make(map[string]*models.SubTaskRun)
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("decode subtask runs: %w", err)
	}
	run, ok := runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run, nil
}

func (f *FileStore) Close() error { return nil }
