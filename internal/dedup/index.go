// Package dedup suppresses repeat submissions for the same address and
// report type. It combines a persisted append-only log (hours-scale window)
// with a short in-memory window that covers the lag between enqueueing a job
// and the external submission landing in the log.
package dedup

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const (
	defaultFreshness   = 12 * time.Hour
	defaultShortWindow = 5 * time.Minute
)

// Index is the duplicate index. Safe for concurrent use.
type Index struct {
	log       *submissionLog
	freshness time.Duration
	shortTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time // key -> enqueue time, short in-memory window
}

type IndexConfig struct {
	LogPath     string
	Freshness   time.Duration // persisted-hit window, default 12h
	ShortWindow time.Duration // in-memory window, default 5m
	Logger      *slog.Logger
}

func NewIndex(cfg IndexConfig) *Index {
	if cfg.Freshness <= 0 {
		cfg.Freshness = defaultFreshness
	}
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = defaultShortWindow
	}
	return &Index{
		log:       &submissionLog{path: cfg.LogPath},
		freshness: cfg.Freshness,
		shortTTL:  cfg.ShortWindow,
		logger:    cfg.Logger,
		now:       time.Now,
		recent:    make(map[string]time.Time),
	}
}

// Check reports whether a candidate is a duplicate. When the hit comes from
// the persisted log the prior record is returned so the user can be told the
// existing reference id.
func (i *Index) Check(addr string, rt domain.ReportType, patente string) (*domain.DuplicateRecord, bool) {
	key := Key(addr, rt, patente)

	i.mu.Lock()
	if at, ok := i.recent[key]; ok && i.now().Sub(at) < i.shortTTL {
		i.mu.Unlock()
		i.logger.Info("dedup hit (in-memory)", "key", key)
		return nil, true
	}
	i.mu.Unlock()

	records, err := i.log.Load()
	if err != nil {
		// A broken log must not block submissions.
		i.logger.Warn("cannot load submission log", "err", err)
		return nil, false
	}

	// Most recent record wins on key collision.
	var hit *domain.DuplicateRecord
	for idx := range records {
		rec := records[idx]
		if Key(rec.Address, rec.ReportType, rec.Patente) != key {
			continue
		}
		if hit == nil || rec.Timestamp.After(hit.Timestamp) {
			hit = &records[idx]
		}
	}
	if hit != nil && i.now().Sub(hit.Timestamp) < i.freshness {
		i.logger.Info("dedup hit (persisted)", "key", key, "ref", hit.ReferenceID)
		return hit, true
	}
	return nil, false
}

// MarkPending records a key in the short in-memory window at enqueue time.
func (i *Index) MarkPending(addr string, rt domain.ReportType, patente string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recent[Key(addr, rt, patente)] = i.now()
}

// ClearPending drops a key from the short window so a manual resend after an
// access error is not blocked.
func (i *Index) ClearPending(addr string, rt domain.ReportType, patente string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.recent, Key(addr, rt, patente))
}

// RecordSuccess appends the submission to the persisted log.
func (i *Index) RecordSuccess(rec domain.DuplicateRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = i.now()
	}
	return i.log.Append(rec)
}

// Purge drops expired entries from the in-memory window. Run periodically by
// the maintenance jobs.
func (i *Index) Purge() {
	i.mu.Lock()
	defer i.mu.Unlock()
	cutoff := i.now().Add(-i.shortTTL)
	for k, at := range i.recent {
		if at.Before(cutoff) {
			delete(i.recent, k)
		}
	}
}
