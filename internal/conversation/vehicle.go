package conversation

import (
	"sync"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

// VehicleQueue holds a sender's badly-parked-vehicle drafts awaiting plate
// confirmation. Strictly one at a time: the head must be confirmed or
// corrected before the next draft surfaces its question.
type VehicleQueue struct {
	mu     sync.Mutex
	drafts []domain.RequestDraft
}

// Push appends a draft to the queue.
func (q *VehicleQueue) Push(d domain.RequestDraft) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drafts = append(q.drafts, d)
}

// Head returns a copy of the current draft. ok is false when empty.
func (q *VehicleQueue) Head() (domain.RequestDraft, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.drafts) == 0 {
		return domain.RequestDraft{}, false
	}
	return q.drafts[0], true
}

// UpdateHead replaces the current draft in place.
func (q *VehicleQueue) UpdateHead(d domain.RequestDraft) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.drafts) > 0 {
		q.drafts[0] = d
	}
}

// Pop removes the current draft once fully handled.
func (q *VehicleQueue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.drafts) > 0 {
		q.drafts = q.drafts[1:]
	}
}

// Len returns the number of pending drafts.
func (q *VehicleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.drafts)
}
