package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

func TestSessionStore_StateLifecycle(t *testing.T) {
	s := NewSessionStore()

	if s.State("u1") != nil {
		t.Fatal("fresh store should have no state")
	}

	s.SetState("u1", &State{Awaiting: domain.FieldAddress})
	if st := s.State("u1"); st == nil || st.Awaiting != domain.FieldAddress {
		t.Fatalf("state not stored: %+v", st)
	}
	if s.OpenCount() != 1 {
		t.Fatalf("OpenCount = %d", s.OpenCount())
	}

	s.ClearState("u1")
	if s.State("u1") != nil {
		t.Fatal("state should be cleared")
	}
	if s.OpenCount() != 0 {
		t.Fatalf("OpenCount after clear = %d", s.OpenCount())
	}
}

func TestSessionStore_LockSerializesPerSender(t *testing.T) {
	s := NewSessionStore()

	var mu sync.Mutex
	var order []int

	unlock := s.Lock("u1")
	done := make(chan struct{})
	go func() {
		u := s.Lock("u1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	<-done
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected strict ordering, got %v", order)
	}
}

func TestSessionStore_DifferentSendersDoNotBlock(t *testing.T) {
	s := NewSessionStore()
	unlock := s.Lock("u1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := s.Lock("u2")
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for a different sender should not block")
	}
}

func TestSessionStore_CompactKeepsOpenSessions(t *testing.T) {
	s := NewSessionStore()
	s.SetState("open", &State{Awaiting: domain.FieldSchedule})
	s.Vehicles("queued", true).Push(domain.RequestDraft{ReportType: domain.ReportVehiculo})
	s.Lock("idle")() // create then release

	if removed := s.Compact(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if s.State("open") == nil {
		t.Fatal("open dialogue must survive compaction")
	}
	if s.Vehicles("queued", false) == nil {
		t.Fatal("non-empty vehicle queue must survive compaction")
	}
}

func TestSessionStore_CompactSkipsLocked(t *testing.T) {
	s := NewSessionStore()
	unlock := s.Lock("busy")
	defer unlock()

	if removed := s.Compact(); removed != 0 {
		t.Fatalf("locked session must not be removed, got %d", removed)
	}
}

func TestVehicleQueue_FIFO(t *testing.T) {
	var q VehicleQueue
	q.Push(domain.RequestDraft{Patente: "AB123CD"})
	q.Push(domain.RequestDraft{Patente: "AC456DE"})

	head, ok := q.Head()
	if !ok || head.Patente != "AB123CD" {
		t.Fatalf("head = %+v", head)
	}
	q.Pop()
	head, ok = q.Head()
	if !ok || head.Patente != "AC456DE" {
		t.Fatalf("after pop head = %+v", head)
	}
	q.Pop()
	if _, ok := q.Head(); ok {
		t.Fatal("drained queue should be empty")
	}
}
