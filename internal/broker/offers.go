package broker

import (
	"sync"
	"time"
)

// Offer is an ephemeral, time-boxed proposal of one task to one idle runner
// slot. It becomes an assignment only when the runner accepts it before the
// round deadline.
type Offer struct {
	ID        string
	TaskID    string
	RunnerID  string
	ExpiresAt time.Time
}

// offerTable tracks outstanding offers. Invariants: at most one outstanding
// offer per task, and resolution is idempotent; the second resolution of an
// offer is a no-op.
type offerTable struct {
	mu       sync.Mutex
	byID     map[string]Offer
	byTask   map[string]string            // task id -> offer id
	byRunner map[string]map[string]string // runner id -> offer id -> task id
}

func newOfferTable() *offerTable {
	return &offerTable{
		byID:     make(map[string]Offer),
		byTask:   make(map[string]string),
		byRunner: make(map[string]map[string]string),
	}
}

// add records an outstanding offer. Returns false if the task already has
// one.
func (t *offerTable) add(o Offer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byTask[o.TaskID]; exists {
		return false
	}
	t.byID[o.ID] = o
	t.byTask[o.TaskID] = o.ID
	if t.byRunner[o.RunnerID] == nil {
		t.byRunner[o.RunnerID] = make(map[string]string)
	}
	t.byRunner[o.RunnerID][o.ID] = o.TaskID
	return true
}

// resolve removes an offer by id. The second call for the same offer returns
// false, making accept, reject and expiry mutually exclusive.
func (t *offerTable) resolve(offerID string) (Offer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(offerID)
}

// resolveByTask removes the outstanding offer for a task, if any.
func (t *offerTable) resolveByTask(taskID string) (Offer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	offerID, exists := t.byTask[taskID]
	if !exists {
		return Offer{}, false
	}
	return t.removeLocked(offerID)
}

// resolveByRunner removes and returns all outstanding offers for a runner.
func (t *offerTable) resolveByRunner(runnerID string) []Offer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Offer, 0, len(t.byRunner[runnerID]))
	for offerID := range t.byRunner[runnerID] {
		if o, ok := t.removeLocked(offerID); ok {
			out = append(out, o)
		}
	}
	return out
}

// hasTask reports whether the task has an outstanding offer.
func (t *offerTable) hasTask(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.byTask[taskID]
	return exists
}

// len returns the number of outstanding offers.
func (t *offerTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *offerTable) removeLocked(offerID string) (Offer, bool) {
	o, exists := t.byID[offerID]
	if !exists {
		return Offer{}, false
	}
	delete(t.byID, offerID)
	delete(t.byTask, o.TaskID)
	if m := t.byRunner[o.RunnerID]; m != nil {
		delete(m, offerID)
		if len(m) == 0 {
			delete(t.byRunner, o.RunnerID)
		}
	}
	return o, true
}
