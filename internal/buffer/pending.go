// Package buffer accumulates inbound messages per sender and fires a single
// processing pass once the burst quiets down.
package buffer

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const (
	defaultBaseDelay     = 3 * time.Second
	defaultExtendedDelay = 8 * time.Second
)

// Flush is invoked exactly once per timer generation with the sender id and
// the batch accumulated so far. The batch stays open until Take is called.
type Flush func(senderID string, batch []domain.Message)

// Pending is the per-sender debounced message buffer. A new message re-arms
// the sender's timer; the cancelled generation never fires.
type Pending struct {
	mu       sync.Mutex
	batches  map[string]*batch
	base     time.Duration
	extended time.Duration
	flush    Flush
	logger   *slog.Logger
}

type batch struct {
	messages   []domain.Message
	timer      *time.Timer
	generation int
}

type PendingConfig struct {
	BaseDelay     time.Duration // default 3s
	ExtendedDelay time.Duration // default 8s, used while a photo is waiting for its address
	Flush         Flush
	Logger        *slog.Logger
}

func NewPending(cfg PendingConfig) *Pending {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.ExtendedDelay <= 0 {
		cfg.ExtendedDelay = defaultExtendedDelay
	}
	return &Pending{
		batches:  make(map[string]*batch),
		base:     cfg.BaseDelay,
		extended: cfg.ExtendedDelay,
		flush:    cfg.Flush,
		logger:   cfg.Logger,
	}
}

// Add appends a message to the sender's open batch and (re)arms the debounce
// timer. Re-arming cancels the previous generation, so the flush callback
// runs at most once per quiet period.
func (p *Pending) Add(senderID string, msg domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[senderID]
	if !ok {
		b = &batch{}
		p.batches[senderID] = b
	}
	b.messages = append(b.messages, msg)
	b.generation++
	gen := b.generation

	if b.timer != nil {
		b.timer.Stop()
	}

	delay := p.base
	if needsAddressGrace(b.messages) {
		// Photo present and no text with a digit yet: the address is likely
		// still being typed, give the sender more room.
		delay = p.extended
	}

	b.timer = time.AfterFunc(delay, func() { p.fire(senderID, gen) })
}

func (p *Pending) fire(senderID string, gen int) {
	p.mu.Lock()
	b, ok := p.batches[senderID]
	if !ok || b.generation != gen {
		// A newer message re-armed the timer; this generation is stale.
		p.mu.Unlock()
		return
	}
	msgs := make([]domain.Message, len(b.messages))
	copy(msgs, b.messages)
	p.mu.Unlock()

	p.logger.Debug("debounce fired", "sender", senderID, "messages", len(msgs))
	p.flush(senderID, msgs)
}

// Take removes and returns the sender's batch after a successful processing
// pass. Returns nil when no batch is open.
func (p *Pending) Take(senderID string) []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[senderID]
	if !ok {
		return nil
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(p.batches, senderID)
	return b.messages
}

// Peek returns a copy of the open batch without consuming it.
func (p *Pending) Peek(senderID string) []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[senderID]
	if !ok {
		return nil
	}
	out := make([]domain.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Stop cancels every armed timer. Called on shutdown; open batches are left
// in place for a later startup recovery scan to find in the transport.
func (p *Pending) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.batches {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
}

func needsAddressGrace(msgs []domain.Message) bool {
	hasPhoto := false
	for _, m := range msgs {
		if m.HasMedia() {
			hasPhoto = true
		}
		if strings.ContainsAny(m.Text, "0123456789") {
			return false
		}
	}
	return hasPhoto
}
