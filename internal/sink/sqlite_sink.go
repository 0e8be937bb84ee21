package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hiberproxy/hiberproxy/internal/metrics"
	"github.com/hiberproxy/hiberproxy/internal/runid"
	"github.com/hiberproxy/hiberproxy/pkg/logger"
)

// event is the single internal representation for every Sink call; a
// discriminated union kept as one struct (rather than six job types)
// because every event already funnels through one writer goroutine and one
// table-dispatch switch.
type event struct {
	kind    eventKind
	host    string
	runID   runid.RunID
	line    string
	atUnix  int64
}

type eventKind int

const (
	kindAppStarted eventKind = iota
	kindAppStopped
	kindAppStartFailed
	kindAppStopFailed
	kindStdout
	kindStderr
)

// SQLiteSink is a single-writer-goroutine Sink over modernc.org/sqlite (pure
// Go, no cgo). Mirrors the teacher's worker.Pool shape: a bounded event
// channel, sync.Once-guarded Start/Stop, a shutdown timeout — because
// serializing writes from many concurrent producers onto one consumer is
// the exact same problem the teacher already solved, just with database
// writes standing in for HTTP forwards.
type SQLiteSink struct {
	db *sql.DB

	events          chan event
	wg              sync.WaitGroup
	startOnce       sync.Once
	stopOnce        sync.Once
	shutdownTimeout time.Duration

	now func() time.Time
}

// Open creates (or reuses) the sqlite database at databaseURL's path, runs
// the schema migration, and returns a SQLiteSink. Call Start before use.
func Open(databaseURL string, queueSize int, shutdownTimeout time.Duration) (*SQLiteSink, error) {
	path, err := dsnToFilePath(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	// sqlite allows exactly one writer at a time; every write already goes
	// through the single writer goroutine, so a small pool is enough.
	db.SetMaxOpenConns(4)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: migrate: %w", err)
	}

	if queueSize <= 0 {
		queueSize = 1000
	}

	return &SQLiteSink{
		db:              db,
		events:          make(chan event, queueSize),
		shutdownTimeout: shutdownTimeout,
		now:             time.Now,
	}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			stopped_at INTEGER,
			start_failed INTEGER NOT NULL DEFAULT 0,
			stop_failed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS stdout (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			line TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stderr (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			line TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stdout_run_id ON stdout(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stderr_run_id ON stderr(run_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// dsnToFilePath accepts either a bare path or a "sqlite://path" DSN, per
// the config default of "sqlite://penny.db".
func dsnToFilePath(databaseURL string) (string, error) {
	const prefix = "sqlite://"
	if len(databaseURL) >= len(prefix) && databaseURL[:len(prefix)] == prefix {
		return databaseURL[len(prefix):], nil
	}
	if databaseURL == "" {
		return "", fmt.Errorf("empty database_url")
	}
	return databaseURL, nil
}

// Start spawns the single writer goroutine. Safe to call multiple times.
func (s *SQLiteSink) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.writeLoop()
	})
}

// Stop closes the event channel and waits for the writer to drain, up to
// shutdownTimeout. Safe to call multiple times. The underlying database
// handle stays open after Stop returns; call Close to release it.
func (s *SQLiteSink) Stop() {
	s.stopOnce.Do(func() {
		close(s.events)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.wg.Wait()
		}()
		select {
		case <-done:
		case <-time.After(s.shutdownTimeout):
			logger.Warn("sink: shutdown timed out after %v, writer may still be draining", s.shutdownTimeout)
		}
	})
}

// Close releases the underlying database handle. Call after Stop.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// submit hands e to the writer goroutine. It deliberately blocks when the
// queue is full rather than dropping: spec.md §9 requires the supervisor's
// line readers to experience a slow sink as backpressure (the child's pipe
// buffer fills and it blocks on write), not as silent data loss.
func (s *SQLiteSink) submit(e event) {
	e.atUnix = s.now().Unix()
	s.events <- e
	metrics.SinkQueueDepthGauge.Set(float64(len(s.events)))
}

func (s *SQLiteSink) AppStarted(host string, id runid.RunID) {
	s.submit(event{kind: kindAppStarted, host: host, runID: id})
}

func (s *SQLiteSink) AppStopped(host string, id runid.RunID) {
	s.submit(event{kind: kindAppStopped, host: host, runID: id})
}

func (s *SQLiteSink) AppStartFailed(host string, id runid.RunID) {
	s.submit(event{kind: kindAppStartFailed, host: host, runID: id})
}

func (s *SQLiteSink) AppStopFailed(host string, id runid.RunID) {
	s.submit(event{kind: kindAppStopFailed, host: host, runID: id})
}

func (s *SQLiteSink) AppendStdout(id runid.RunID, line string) {
	s.submit(event{kind: kindStdout, runID: id, line: line})
}

func (s *SQLiteSink) AppendStderr(id runid.RunID, line string) {
	s.submit(event{kind: kindStderr, runID: id, line: line})
}

func (s *SQLiteSink) writeLoop() {
	defer s.wg.Done()
	for e := range s.events {
		if err := s.apply(e); err != nil {
			logger.Error("sink: write failed for %v event (run=%s host=%s): %v", e.kind, e.runID, e.host, err)
		}
		metrics.SinkQueueDepthGauge.Set(float64(len(s.events)))
	}
}

func (s *SQLiteSink) apply(e event) error {
	ctx := context.Background()
	switch e.kind {
	case kindAppStarted:
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO runs (run_id, host, started_at) VALUES (?, ?, ?)`,
			e.runID.String(), e.host, e.atUnix)
		return err
	case kindAppStopped:
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET stopped_at = ? WHERE run_id = ?`, e.atUnix, e.runID.String())
		return err
	case kindAppStartFailed:
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET start_failed = 1, stopped_at = ? WHERE run_id = ?`, e.atUnix, e.runID.String())
		return err
	case kindAppStopFailed:
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET stop_failed = 1 WHERE run_id = ?`, e.runID.String())
		return err
	case kindStdout:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO stdout (run_id, line, timestamp) VALUES (?, ?, ?)`, e.runID.String(), e.line, e.atUnix)
		return err
	case kindStderr:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO stderr (run_id, line, timestamp) VALUES (?, ?, ?)`, e.runID.String(), e.line, e.atUnix)
		return err
	default:
		return fmt.Errorf("unknown event kind %v", e.kind)
	}
}
