package sink

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/hiberproxy/hiberproxy/internal/runid"
)

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, 10, 2*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		s.Close()
	})
	return s
}

func TestSQLiteSink_AppStarted_InsertsRun(t *testing.T) {
	s := openTestSink(t)
	id := runid.New()

	s.AppStarted("app.example.com", id)
	s.Stop()

	row := queryRun(t, s.db, id)
	if row.host != "app.example.com" {
		t.Errorf("expected host app.example.com, got %q", row.host)
	}
	if row.startedAt == 0 {
		t.Error("expected started_at to be set")
	}
}

func TestSQLiteSink_AppStopped_SetsStoppedAt(t *testing.T) {
	s := openTestSink(t)
	id := runid.New()

	s.AppStarted("app.example.com", id)
	s.AppStopped("app.example.com", id)
	s.Stop()

	row := queryRun(t, s.db, id)
	if !row.stoppedAt.Valid {
		t.Error("expected stopped_at to be set after AppStopped")
	}
}

func TestSQLiteSink_AppStartFailed_SetsFlag(t *testing.T) {
	s := openTestSink(t)
	id := runid.New()

	s.AppStarted("app.example.com", id)
	s.AppStartFailed("app.example.com", id)
	s.Stop()

	row := queryRun(t, s.db, id)
	if !row.startFailed {
		t.Error("expected start_failed = 1")
	}
}

func TestSQLiteSink_AppendStdoutStderr_Persisted(t *testing.T) {
	s := openTestSink(t)
	id := runid.New()

	s.AppStarted("app.example.com", id)
	s.AppendStdout(id, "server listening on :3000")
	s.AppendStderr(id, "a warning")
	s.Stop()

	var stdoutCount, stderrCount int
	if err := s.db.QueryRow(`SELECT count(*) FROM stdout WHERE run_id = ?`, id.String()).Scan(&stdoutCount); err != nil {
		t.Fatalf("query stdout: %v", err)
	}
	if err := s.db.QueryRow(`SELECT count(*) FROM stderr WHERE run_id = ?`, id.String()).Scan(&stderrCount); err != nil {
		t.Fatalf("query stderr: %v", err)
	}
	if stdoutCount != 1 {
		t.Errorf("expected 1 stdout row, got %d", stdoutCount)
	}
	if stderrCount != 1 {
		t.Errorf("expected 1 stderr row, got %d", stderrCount)
	}
}

func TestSQLiteSink_StopIsIdempotent(t *testing.T) {
	s := openTestSink(t)
	s.Stop()
	s.Stop()
}

func TestDsnToFilePath(t *testing.T) {
	cases := map[string]string{
		"sqlite://penny.db": "penny.db",
		"./data/penny.db":   "./data/penny.db",
	}
	for in, want := range cases {
		got, err := dsnToFilePath(in)
		if err != nil {
			t.Fatalf("dsnToFilePath(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("dsnToFilePath(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := dsnToFilePath(""); err == nil {
		t.Error("expected error for empty database_url")
	}
}

type runRow struct {
	host        string
	startedAt   int64
	stoppedAt   sql.NullInt64
	startFailed bool
	stopFailed  bool
}

func queryRun(t *testing.T, db *sql.DB, id runid.RunID) runRow {
	t.Helper()
	var row runRow
	var startFailed, stopFailed int
	err := db.QueryRow(
		`SELECT host, started_at, stopped_at, start_failed, stop_failed FROM runs WHERE run_id = ?`,
		id.String(),
	).Scan(&row.host, &row.startedAt, &row.stoppedAt, &startFailed, &stopFailed)
	if err != nil {
		t.Fatalf("queryRun(%s): %v", id, err)
	}
	row.startFailed = startFailed == 1
	row.stopFailed = stopFailed == 1
	return row
}
