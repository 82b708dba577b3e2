package notifeed

import (
	"strings"
	"sync"
)

// Ledger tracks which notification identities have been admitted to
// the feed during the current session. Membership is never evicted;
// an identity stays in the ledger even after its record is deleted
// from the feed, so a replayed push event cannot resurrect it.
type Ledger struct {
	mu    sync.Mutex
	seq   uint64
	order map[string]uint64
}

func NewLedger() *Ledger {
	return &Ledger{order: map[string]uint64{}}
}

// ShouldAdmit returns true and records id as seen iff id has never
// been passed to this method in the current session. The first caller
// wins; every later call with the same id returns false.
func (l *Ledger) ShouldAdmit(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.order[id]; seen {
		return false
	}
	l.seq++
	l.order[id] = l.seq
	return true
}

// Seen reports membership without admitting.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, seen := l.order[id]
	return seen
}

// ArrivalOrder returns the admission sequence number for id. Used to
// break feed-ordering ties between records with equal creation times.
func (l *Ledger) ArrivalOrder(id string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, ok := l.order[id]
	return seq, ok
}

func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Reset clears all membership. Only the session teardown path calls
// this; there is no partial eviction.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = 0
	l.order = map[string]uint64{}
}
