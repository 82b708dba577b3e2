package notifeed

import (
	"sort"
	"sync"
)

// FeedStore holds the ordered in-memory collection the UI renders.
// Records are kept newest-first by CreatedAt; ties are broken by
// admission order into the ledger. Every record's ID must already be
// registered with the ledger; Insert enforces that invariant.
type FeedStore struct {
	mu      sync.RWMutex
	ledger  *Ledger
	records []Notification
}

func NewFeedStore(ledger *Ledger) *FeedStore {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &FeedStore{ledger: ledger}
}

func (f *FeedStore) less(a, b Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	aSeq, _ := f.ledger.ArrivalOrder(a.ID)
	bSeq, _ := f.ledger.ArrivalOrder(b.ID)
	return aSeq < bSeq
}

// Insert adds a record at its ordered position. The record's ID must
// be registered with the ledger and must not already be present.
func (f *FeedStore) Insert(n Notification) error {
	if err := n.validate(); err != nil {
		return err
	}
	if !f.ledger.Seen(n.ID) {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.records {
		if existing.ID == n.ID {
			return ErrDuplicate
		}
	}
	idx := sort.Search(len(f.records), func(i int) bool {
		return f.less(n, f.records[i])
	})
	f.records = append(f.records, Notification{})
	copy(f.records[idx+1:], f.records[idx:])
	f.records[idx] = n
	return nil
}

// ReplaceAll discards the current contents and installs records as the
// new baseline. Records whose IDs are unknown to the ledger are
// skipped, as are repeated IDs within the input (first occurrence
// wins). The result is re-sorted into canonical feed order.
func (f *FeedStore) ReplaceAll(records []Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{}, len(records))
	next := make([]Notification, 0, len(records))
	for _, n := range records {
		if n.validate() != nil || !f.ledger.Seen(n.ID) {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		next = append(next, n)
	}
	sort.SliceStable(next, func(i, j int) bool {
		return f.less(next[i], next[j])
	})
	f.records = next
}

// Records returns a copy of the feed in display order.
func (f *FeedStore) Records() []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Notification(nil), f.records...)
}

func (f *FeedStore) Get(id string) (Notification, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.records {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

func (f *FeedStore) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

// UnreadCount is derived from the records rather than maintained as a
// separate counter, so it cannot drift from the feed contents.
func (f *FeedStore) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	count := 0
	for _, n := range f.records {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// MarkRead flips a single record to read. Returns false if the record
// is absent or already read.
func (f *FeedStore) MarkRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			if f.records[i].IsRead {
				return false
			}
			f.records[i].IsRead = true
			return true
		}
	}
	return false
}

// MarkUnread reverts a record to unread. Only the rollback path uses
// this; normal read-state transitions are monotonic.
func (f *FeedStore) MarkUnread(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			if !f.records[i].IsRead {
				return false
			}
			f.records[i].IsRead = false
			return true
		}
	}
	return false
}

// MarkAllRead flips every record to read and returns the number that
// changed. Calling it on an all-read feed is a no-op.
func (f *FeedStore) MarkAllRead() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := 0
	for i := range f.records {
		if !f.records[i].IsRead {
			f.records[i].IsRead = true
			changed++
		}
	}
	return changed
}

// Delete removes a record and returns it. The ledger entry for the ID
// is retained, so the record cannot be re-admitted by a replay.
func (f *FeedStore) Delete(id string) (Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			removed := f.records[i]
			f.records = append(f.records[:i], f.records[i+1:]...)
			return removed, true
		}
	}
	return Notification{}, false
}

// Clear empties the feed and returns the removed records (the rollback
// path needs them).
func (f *FeedStore) Clear() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.records
	f.records = nil
	return removed
}
