// Package archive persists submission outcomes and the recent inbound tail
// in SQLite. It backs the status command and the startup recovery scan; the
// append-only CSV log in the dedup package stays the durable dedup source.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id       TEXT NOT NULL,
		sender_id    TEXT NOT NULL,
		address      TEXT NOT NULL,
		report_type  TEXT NOT NULL,
		patente      TEXT,
		outcome      TEXT NOT NULL,
		reference_id TEXT,
		detail       TEXT,
		retry_count  INTEGER DEFAULT 0,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_time ON submissions(created_at);
	CREATE INDEX IF NOT EXISTS idx_submissions_sender ON submissions(sender_id, created_at);

	CREATE TABLE IF NOT EXISTS inbound_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id  TEXT NOT NULL,
		sender_name TEXT,
		source_id  TEXT,
		text       TEXT,
		media_path TEXT,
		ts         DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inbound_time ON inbound_messages(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Outcome values stored in the submissions table.
const (
	OutcomeSuccess   = "success"
	OutcomeNeedsInfo = "needs_info"
	OutcomeRetry     = "retry_scheduled"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)

// SubmissionRow is one archived outcome.
type SubmissionRow struct {
	JobID       string
	SenderID    string
	Address     string
	ReportType  domain.ReportType
	Patente     string
	Outcome     string
	ReferenceID string
	Detail      string
	RetryCount  int
	CreatedAt   time.Time
}

// RecordOutcome appends one outcome row.
func (s *Store) RecordOutcome(ctx context.Context, row SubmissionRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (job_id, sender_id, address, report_type, patente, outcome, reference_id, detail, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.JobID, row.SenderID, row.Address, string(row.ReportType), row.Patente,
		row.Outcome, row.ReferenceID, row.Detail, row.RetryCount,
	)
	return err
}

// Summary aggregates outcomes per report type since the given time.
func (s *Store) Summary(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_type || '/' || outcome, COUNT(*) FROM submissions
		 WHERE created_at >= ? GROUP BY report_type, outcome`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// RecordInbound persists one inbound event for the recovery tail.
func (s *Store) RecordInbound(ctx context.Context, ev domain.InboundEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_messages (sender_id, sender_name, source_id, text, media_path, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Sender.ID, ev.Sender.DisplayName, ev.Message.SourceID,
		ev.Message.Text, ev.Message.MediaPath, ev.Message.Timestamp,
	)
	return err
}

// RecentInbound returns the last limit inbound events, oldest first.
func (s *Store) RecentInbound(ctx context.Context, limit int) ([]domain.InboundEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, sender_name, source_id, text, media_path, ts
		 FROM inbound_messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.InboundEvent
	for rows.Next() {
		var ev domain.InboundEvent
		if err := rows.Scan(&ev.Sender.ID, &ev.Sender.DisplayName, &ev.Message.SourceID,
			&ev.Message.Text, &ev.Message.MediaPath, &ev.Message.Timestamp); err != nil {
			return nil, err
		}
		ev.Sender.PhoneNumber = ev.Sender.ID
		out = append(out, ev)
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// PruneInbound drops inbound rows older than cutoff. Run by maintenance.
func (s *Store) PruneInbound(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM inbound_messages WHERE ts < ?`, cutoff)
	return err
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }
