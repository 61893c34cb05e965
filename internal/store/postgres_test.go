package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/loomhq/loom/pkg/models"
)

func TestRebindPostgres(t *testing.T) {
	got := rebindPostgres("SELECT doc FROM tasks WHERE run_id = ? AND status IN (?, ?)")
	want := "SELECT doc FROM tasks WHERE run_id = $1 AND status IN ($2, $3)"
	if got != want {
		t.Fatalf("rebindPostgres = %q, want %q", got, want)
	}
}

func TestPostgresSaveTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := newPostgresStoreWithDB(db)

	task := &models.RunRecord{
		RunID:     "r1",
		AgentID:   "coder",
		Status:    models.RunRunning,
		Input:     "refactor the parser",
		CreatedAt: time.Now(),
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tasks")).
		WithArgs(task.RunID, task.AgentID, "", "running", task.CreatedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := newPostgresStoreWithDB(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM sessions WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	if _, err := s.GetSession(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGetCurrentContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := newPostgresStoreWithDB(db)

	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow(`{"role":"user","content":"hello","type":"text"}`).
		AddRow(`{"role":"assistant","content":"hi","type":"text"}`)
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT doc FROM messages WHERE session_id = $1 AND archived = FALSE ORDER BY seq, inserted_at")).
		WithArgs("s1").
		WillReturnRows(rows)

	msgs, err := s.GetCurrentContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
