package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
)

// sqlStore is the shared core behind the SQLite and Postgres backends.
// Documents are stored as JSON in a doc column; query-relevant fields are
// lifted into indexed columns.
type sqlStore struct {
	db       *sql.DB
	rebinder func(query string) string
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		inserted_at TIMESTAMP NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		run_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		parent_run_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subtask_runs (
		run_id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compaction_records (
		session_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		doc TEXT NOT NULL
	)`,
}

func (s *sqlStore) init(ctx context.Context) error {
	for _, stmt := range sqlSchema {
		if _, err := s.db.ExecContext(ctx, s.rebinder(stmt)); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebinder(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebinder(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebinder(query), args...)
}

func (s *sqlStore) CreateSession(ctx context.Context, session *SessionDoc) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	doc, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO sessions (id, doc) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
		session.ID, string(doc))
	return err
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*SessionDoc, error) {
	var doc string
	err := s.queryRow(ctx, `SELECT doc FROM sessions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var session SessionDoc
	if err := json.Unmarshal([]byte(doc), &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *sqlStore) AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error {
	doc, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var next int64
	if err := s.queryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO messages (id, session_id, seq, archived, inserted_at, doc) VALUES (?, ?, ?, FALSE, ?, ?)`,
		uuid.NewString(), sessionID, next, time.Now(), string(doc))
	return err
}

func (s *sqlStore) scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(doc), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetCurrentContext(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT doc FROM messages WHERE session_id = ? AND archived = FALSE ORDER BY seq, inserted_at`,
		sessionID)
	if err != nil {
		return nil, err
	}
	return s.scanMessages(rows)
}

func (s *sqlStore) GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT doc FROM messages WHERE session_id = ? ORDER BY seq, inserted_at`, sessionID)
	if err != nil {
		return nil, err
	}
	return s.scanMessages(rows)
}

func (s *sqlStore) CompactContext(ctx context.Context, sessionID string, keepLastN int, summary *models.Message) error {
	rows, err := s.query(ctx,
		`SELECT id, seq, doc FROM messages WHERE session_id = ? AND archived = FALSE ORDER BY seq, inserted_at`,
		sessionID)
	if err != nil {
		return err
	}
	type visibleRow struct {
		id  string
		seq int64
		msg models.Message
	}
	var visible []visibleRow
	for rows.Next() {
		var r visibleRow
		var doc string
		if err := rows.Scan(&r.id, &r.seq, &doc); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal([]byte(doc), &r.msg); err != nil {
			rows.Close()
			return fmt.Errorf("decode message: %w", err)
		}
		visible = append(visible, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	start := 0
	if len(visible) > 0 && visible[0].msg.Role == models.RoleSystem {
		start = 1
	}
	end := len(visible) - keepLastN
	if end < start {
		end = start
	}
	archive := visible[start:end]
	if len(archive) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range archive {
		if _, err := tx.ExecContext(ctx,
			s.rebinder(`UPDATE messages SET archived = TRUE WHERE id = ?`), r.id); err != nil {
			return err
		}
	}
	if summary != nil {
		doc, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			s.rebinder(`INSERT INTO messages (id, session_id, seq, archived, inserted_at, doc) VALUES (?, ?, ?, FALSE, ?, ?)`),
			uuid.NewString(), sessionID, archive[0].seq, time.Now(), string(doc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SaveTask(ctx context.Context, task *models.RunRecord) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO tasks (run_id, agent_id, parent_run_id, status, created_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, doc = excluded.doc`,
		task.RunID, task.AgentID, task.ParentRunID, string(task.Status), task.CreatedAt, string(doc))
	return err
}

func (s *sqlStore) QueryTasks(ctx context.Context, q TaskQuery) ([]*models.RunRecord, error) {
	var (
		conds []string
		args  []any
	)
	if q.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.ParentRunID != "" {
		conds = append(conds, "parent_run_id = ?")
		args = append(args, q.ParentRunID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, status := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT doc FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RunRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var task models.RunRecord
		if err := json.Unmarshal([]byte(doc), &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveSubTaskRun(ctx context.Context, run *models.SubTaskRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO subtask_runs (run_id, doc) VALUES (?, ?) ON CONFLICT (run_id) DO UPDATE SET doc = excluded.doc`,
		run.RunID, string(doc))
	return err
}

func (s *sqlStore) GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error) {
	var doc string
	err := s.queryRow(ctx, `SELECT doc FROM subtask_runs WHERE run_id = ?`, runID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var run models.SubTaskRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("decode subtask run: %w", err)
	}
	return &run, nil
}

func (s *sqlStore) AddCompactionRecord(ctx context.Context, rec *models.CompactionRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO compaction_records (session_id, created_at, doc) VALUES (?, ?, ?)`,
		rec.SessionID, rec.Timestamp, string(doc))
	return err
}

func (s *sqlStore) GetCompactionRecords(ctx context.Context, sessionID string) ([]*models.CompactionRecord, error) {
	rows, err := s.query(ctx,
		`SELECT doc FROM compaction_records WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.CompactionRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec models.CompactionRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode compaction record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error { return s.db.Close() }

// rebindPostgres rewrites ? placeholders to $1..$n.
func rebindPostgres(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
