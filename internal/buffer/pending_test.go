package buffer

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]domain.Message
}

func (f *flushRecorder) flush(senderID string, batch []domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestPending(f *flushRecorder) *Pending {
	return NewPending(PendingConfig{
		BaseDelay:     30 * time.Millisecond,
		ExtendedDelay: 120 * time.Millisecond,
		Flush:         f.flush,
		Logger:        slog.Default(),
	})
}

func TestPending_CoalescesBurst(t *testing.T) {
	rec := &flushRecorder{}
	p := newTestPending(rec)

	p.Add("u1", domain.Message{Text: "hay basura"})
	p.Add("u1", domain.Message{Text: "en Pasteur 415"})
	p.Add("u1", domain.Message{Text: "desde ayer"})

	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("expected one flush for the burst, got %d", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.batches[0]) != 3 {
		t.Fatalf("expected 3 messages in the batch, got %d", len(rec.batches[0]))
	}
}

func TestPending_ReArmCancelsOlderGeneration(t *testing.T) {
	rec := &flushRecorder{}
	p := newTestPending(rec)

	p.Add("u1", domain.Message{Text: "uno 1"})
	time.Sleep(15 * time.Millisecond) // inside the base delay
	p.Add("u1", domain.Message{Text: "dos 2"})
	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("stale generation must not fire, got %d flushes", got)
	}
}

func TestPending_PhotoWithoutDigitsExtendsDelay(t *testing.T) {
	rec := &flushRecorder{}
	p := newTestPending(rec)

	p.Add("u1", domain.Message{Text: "mirá esto", MediaPath: "/tmp/x.jpg"})

	time.Sleep(70 * time.Millisecond) // past base, before extended
	if got := rec.count(); got != 0 {
		t.Fatalf("photo without an address should wait the extended delay, got %d flushes", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("expected flush after extended delay, got %d", got)
	}
}

func TestPending_DigitsKeepBaseDelay(t *testing.T) {
	rec := &flushRecorder{}
	p := newTestPending(rec)

	p.Add("u1", domain.Message{Text: "Pasteur 415", MediaPath: "/tmp/x.jpg"})
	time.Sleep(70 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("photo with an address should fire on the base delay, got %d", got)
	}
}

func TestPending_TakeConsumesBatch(t *testing.T) {
	rec := &flushRecorder{}
	p := newTestPending(rec)

	p.Add("u1", domain.Message{Text: "hola"})
	got := p.Take("u1")
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if p.Take("u1") != nil {
		t.Fatal("second take should be empty")
	}
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("take should have cancelled the armed timer")
	}
}

func TestPending_SendersAreIndependent(t *testing.T) {
	rec := &flushRecorder{}
	p := newTestPending(rec)

	p.Add("u1", domain.Message{Text: "uno"})
	p.Add("u2", domain.Message{Text: "dos"})
	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 2 {
		t.Fatalf("expected one flush per sender, got %d", got)
	}
}
