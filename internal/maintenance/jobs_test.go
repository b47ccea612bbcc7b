package maintenance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRunner_RejectsBadSpec(t *testing.T) {
	_, err := NewRunner(Config{SweepSpec: "not a cron spec"}, Targets{
		PurgeDedup:      func() {},
		SweepHistory:    func() {},
		CompactSessions: func() int { return 0 },
	}, discard())
	if err == nil {
		t.Fatalf("expected error for invalid cron spec")
	}
}

func TestNewRunner_ArchiveJobOptional(t *testing.T) {
	// No archive targets: the vacuum job must simply not be scheduled.
	r, err := NewRunner(Config{}, Targets{
		PurgeDedup:      func() {},
		SweepHistory:    func() {},
		CompactSessions: func() int { return 0 },
	}, discard())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	r.Stop()
}

func TestNewRunner_StartStop(t *testing.T) {
	r, err := NewRunner(Config{ArchiveTTL: time.Hour}, Targets{
		PurgeDedup:      func() {},
		SweepHistory:    func() {},
		CompactSessions: func() int { return 1 },
		PruneArchive:    func(ctx context.Context, cutoff time.Time) error { return nil },
		VacuumArchive:   func(ctx context.Context) error { return nil },
	}, discard())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	r.Stop()
}
