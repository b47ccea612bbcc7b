// Package maintenance runs the periodic housekeeping jobs on a cron
// schedule: dedup short-window purge, history eviction sweep, session
// compaction and archive pruning.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Targets are the structures maintenance sweeps over.
type Targets struct {
	PurgeDedup      func()
	SweepHistory    func()
	CompactSessions func() int
	PruneArchive    func(ctx context.Context, cutoff time.Time) error
	VacuumArchive   func(ctx context.Context) error
}

// Config holds the cron expressions; empty entries use the defaults.
type Config struct {
	SweepSpec  string // default: every 10 minutes
	VacuumSpec string // default: daily at 04:30
	ArchiveTTL time.Duration
}

// Runner owns the cron scheduler.
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewRunner(cfg Config, t Targets, logger *slog.Logger) (*Runner, error) {
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "*/10 * * * *"
	}
	if cfg.VacuumSpec == "" {
		cfg.VacuumSpec = "30 4 * * *"
	}
	if cfg.ArchiveTTL <= 0 {
		cfg.ArchiveTTL = 7 * 24 * time.Hour
	}

	c := cron.New()

	if _, err := c.AddFunc(cfg.SweepSpec, func() {
		t.PurgeDedup()
		t.SweepHistory()
		if n := t.CompactSessions(); n > 0 {
			logger.Debug("compacted sessions", "removed", n)
		}
	}); err != nil {
		return nil, err
	}

	// Archive targets are nil when archiving is disabled.
	if t.PruneArchive != nil || t.VacuumArchive != nil {
		if _, err := c.AddFunc(cfg.VacuumSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if t.PruneArchive != nil {
				if err := t.PruneArchive(ctx, time.Now().Add(-cfg.ArchiveTTL)); err != nil {
					logger.Warn("archive prune failed", "err", err)
				}
			}
			if t.VacuumArchive != nil {
				if err := t.VacuumArchive(ctx); err != nil {
					logger.Warn("archive vacuum failed", "err", err)
				}
			}
		}); err != nil {
			return nil, err
		}
	}

	return &Runner{cron: c, logger: logger}, nil
}

func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("maintenance jobs scheduled")
}

// Stop halts scheduling and waits for a running job to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}
