// Package history keeps a per-sender rolling window of recent messages used
// as conversational context for extraction.
package history

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const (
	defaultRetention = 45 * time.Minute
	defaultMaxCount  = 30
)

// Ledger is the per-sender history window, bounded by count and age.
// Evicting an entry deletes its media file when present.
type Ledger struct {
	mu        sync.Mutex
	bySender  map[string][]domain.Message
	retention time.Duration
	maxCount  int
	media     domain.MediaStore
	logger    *slog.Logger
	now       func() time.Time
	exists    func(path string) bool
}

type LedgerConfig struct {
	Retention time.Duration
	MaxCount  int
	Media     domain.MediaStore
	Exists    func(path string) bool // file-existence probe, default os.Stat
	Logger    *slog.Logger
}

func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = defaultMaxCount
	}
	if cfg.Exists == nil {
		cfg.Exists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}
	return &Ledger{
		bySender:  make(map[string][]domain.Message),
		retention: cfg.Retention,
		maxCount:  cfg.MaxCount,
		media:     cfg.Media,
		logger:    cfg.Logger,
		now:       time.Now,
		exists:    cfg.Exists,
	}
}

// Record appends a message and evicts entries that fall outside the window.
func (l *Ledger) Record(senderID string, msg domain.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := append(l.bySender[senderID], msg)
	l.bySender[senderID] = l.evictLocked(msgs)
}

// Recent returns a copy of the last n messages for the sender, newest last.
func (l *Ledger) Recent(senderID string, n int) []domain.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.bySender[senderID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// LastPhoto returns the media path of the most recent message whose photo
// file is still on disk, or "" when none remains. A successful submission
// deletes the file but not the history entry, so every candidate is probed.
// Used when a sender says "ya la mandé" while the bot is waiting for a photo.
func (l *Ledger) LastPhoto(senderID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.bySender[senderID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].HasMedia() && l.exists(msgs[i].MediaPath) {
			return msgs[i].MediaPath
		}
	}
	return ""
}

// Sweep evicts expired entries for every sender. Called periodically by the
// maintenance jobs so idle senders do not pin media files.
func (l *Ledger) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, msgs := range l.bySender {
		kept := l.evictLocked(msgs)
		if len(kept) == 0 {
			delete(l.bySender, id)
			continue
		}
		l.bySender[id] = kept
	}
}

func (l *Ledger) evictLocked(msgs []domain.Message) []domain.Message {
	cutoff := l.now().Add(-l.retention)
	drop := 0
	for drop < len(msgs) && (msgs[drop].Timestamp.Before(cutoff) || len(msgs)-drop > l.maxCount) {
		if m := msgs[drop]; m.HasMedia() && l.media != nil {
			l.media.Remove(m.MediaPath)
		}
		drop++
	}
	if drop == 0 {
		return msgs
	}
	l.logger.Debug("history evicted", "count", drop)
	return append([]domain.Message(nil), msgs[drop:]...)
}
