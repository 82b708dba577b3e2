package notifeed

import (
	"context"
	"log"
	"sync"
	"time"
)

// FailurePolicy controls what happens to the optimistic local update
// when the backend call behind a mutation operation fails.
type FailurePolicy string

const (
	// NoRollbackSurfaceError keeps the local update and records a
	// dismissible error. This matches the platform's shipped behavior:
	// UI stability is preferred over strict consistency, and the next
	// full refresh re-establishes server truth.
	NoRollbackSurfaceError FailurePolicy = "no-rollback-surface-error"

	// RollbackOnFailure restores the pre-mutation state in addition to
	// recording the error.
	RollbackOnFailure FailurePolicy = "rollback-on-failure"
)

const defaultFreshWindow = 30 * time.Second

// HistoryFilter narrows a history fetch. Nil fields mean "no filter".
type HistoryFilter struct {
	Category *Category
	IsRead   *bool
}

// NotificationAPI is the backend surface the session talks to. The
// production implementation is APIClient; tests substitute fakes.
type NotificationAPI interface {
	ListNotifications(ctx context.Context, filter HistoryFilter) ([]Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
}

type UpdateKind string

const (
	UpdateAdmitted UpdateKind = "admitted"
	UpdateReplaced UpdateKind = "replaced"
	UpdateRead     UpdateKind = "read"
	UpdateReadAll  UpdateKind = "read_all"
	UpdateDeleted  UpdateKind = "deleted"
	UpdateCleared  UpdateKind = "cleared"
	UpdateReset    UpdateKind = "reset"
)

// FeedUpdate is fanned out to subscribers after every feed change.
// Record is populated for single-record updates only. Fresh is true
// for a live admission inside the fresh window after initial load;
// only those are eligible for the "new notification" treatment.
type FeedUpdate struct {
	Kind        UpdateKind   `json:"kind"`
	Fresh       bool         `json:"fresh"`
	Record      Notification `json:"record,omitempty"`
	UnreadCount int          `json:"unreadCount"`
}

type SessionCounters struct {
	AdmittedTotal        uint64 `json:"admittedTotal"`
	FreshTotal           uint64 `json:"freshTotal"`
	ReplayTotal          uint64 `json:"replayTotal"`
	DuplicateTotal       uint64 `json:"duplicateTotal"`
	MalformedTotal       uint64 `json:"malformedTotal"`
	RefreshTotal         uint64 `json:"refreshTotal"`
	RefreshFailureTotal  uint64 `json:"refreshFailureTotal"`
	StaleRefreshTotal    uint64 `json:"staleRefreshTotal"`
	MutationFailureTotal uint64 `json:"mutationFailureTotal"`
}

type SessionStatus struct {
	Loading             bool            `json:"loading"`
	InitialLoadComplete bool            `json:"initialLoadComplete"`
	LastError           string          `json:"lastError,omitempty"`
	FeedSize            int             `json:"feedSize"`
	UnreadCount         int             `json:"unreadCount"`
	ServerUnreadCount   int             `json:"serverUnreadCount"`
	LedgerSize          int             `json:"ledgerSize"`
	FreshWindow         string          `json:"freshWindow"`
	FailurePolicy       FailurePolicy   `json:"failurePolicy"`
	Counters            SessionCounters `json:"counters"`
}

type SessionOptions struct {
	API             NotificationAPI
	FreshWindow     time.Duration
	FailurePolicy   FailurePolicy
	MutedCategories []Category
	Snapshot        SnapshotBackend
	Logger          *log.Logger
	Now             func() time.Time
}

// Session owns the ledger and feed for one signed-in user and exposes
// every operation the UI surface needs. It is constructed explicitly
// at sign-in and torn down with Reset/Close at sign-out; nothing here
// is a package-level singleton.
type Session struct {
	mu          sync.Mutex
	ledger      *Ledger
	feed        *FeedStore
	api         NotificationAPI
	snapshot    SnapshotBackend
	logger      *log.Logger
	now         func() time.Time
	policy      FailurePolicy
	freshWindow time.Duration
	muted       map[Category]struct{}

	// applyMu serializes the stale check of a refresh with the install
	// of its result. Without it two in-flight refreshes can both pass
	// the check and the older response can land last.
	applyMu sync.Mutex

	loading         bool
	initialLoadDone bool
	lastError       string
	serverUnread    int
	refreshSeq      uint64
	appliedSeq      uint64
	counters        SessionCounters

	subMu   sync.Mutex
	subs    map[int]chan FeedUpdate
	nextSub int
	closed  bool
}

func NewSession(opts SessionOptions) *Session {
	freshWindow := opts.FreshWindow
	if freshWindow <= 0 {
		freshWindow = defaultFreshWindow
	}
	policy := opts.FailurePolicy
	if policy == "" {
		policy = NoRollbackSurfaceError
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	muted := map[Category]struct{}{}
	for _, c := range opts.MutedCategories {
		muted[c] = struct{}{}
	}

	ledger := NewLedger()
	s := &Session{
		ledger:      ledger,
		feed:        NewFeedStore(ledger),
		api:         opts.API,
		snapshot:    opts.Snapshot,
		logger:      logger,
		now:         now,
		policy:      policy,
		freshWindow: freshWindow,
		muted:       muted,
		subs:        map[int]chan FeedUpdate{},
	}
	s.restoreSnapshot()
	return s
}

// restoreSnapshot seeds the feed with the last persisted display state
// so a restarted client shows stale-but-present data before the first
// fetch completes. The restored IDs are registered with the ledger so
// the feed invariant holds and a live echo of a cached record is
// rejected rather than duplicated. replaceAll from the first refresh
// re-establishes server truth over the cache.
func (s *Session) restoreSnapshot() {
	if s.snapshot == nil {
		return
	}
	snap, err := s.snapshot.Load()
	if err != nil {
		s.logger.Printf("feed snapshot load failed: %v", err)
		return
	}
	if snap == nil || len(snap.Records) == 0 {
		return
	}
	for _, n := range snap.Records {
		_ = s.ledger.ShouldAdmit(n.ID)
	}
	s.feed.ReplaceAll(snap.Records)
	s.mu.Lock()
	s.serverUnread = snap.ServerUnread
	s.mu.Unlock()
}

func (s *Session) saveSnapshot() {
	if s.snapshot == nil {
		return
	}
	snap := &feedSnapshot{
		Records:      s.feed.Records(),
		ServerUnread: s.serverUnreadLocked(),
		SavedAt:      s.now().UTC(),
	}
	if err := s.snapshot.Save(snap); err != nil {
		s.logger.Printf("feed snapshot save failed: %v", err)
	}
}

func (s *Session) serverUnreadLocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverUnread
}

// Feed exposes the underlying store for read access by the UI surface.
func (s *Session) Feed() *FeedStore {
	return s.feed
}

// Refresh performs a history fetch and installs the result as the new
// feed baseline. Fetch failures keep the existing feed. Concurrent or
// superseded refreshes are sequenced: a response that arrives after a
// newer one has been applied is dropped (ErrStaleResponse).
func (s *Session) Refresh(ctx context.Context, filter HistoryFilter) error {
	if s.api == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	s.refreshSeq++
	seq := s.refreshSeq
	s.loading = true
	s.counters.RefreshTotal++
	s.mu.Unlock()

	records, err := s.api.ListNotifications(ctx, filter)

	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.counters.RefreshFailureTotal++
		s.lastError = "history fetch failed: " + err.Error()
		s.mu.Unlock()
		s.logger.Printf("history fetch failed: %v", err)
		return err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.loading = false
	if seq <= s.appliedSeq {
		s.counters.StaleRefreshTotal++
		s.mu.Unlock()
		return ErrStaleResponse
	}
	s.appliedSeq = seq
	s.initialLoadDone = true
	s.lastError = ""
	s.mu.Unlock()

	// Every fetched ID is registered even if the active filter hides
	// some records from view, so a live echo of an already-fetched
	// notification is rejected.
	for _, n := range records {
		_ = s.ledger.ShouldAdmit(n.ID)
	}
	s.feed.ReplaceAll(records)
	s.saveSnapshot()
	s.publish(FeedUpdate{Kind: UpdateReplaced, UnreadCount: s.feed.UnreadCount()})
	return nil
}

// InitialLoadComplete reports whether the first history fetch has
// succeeded. Live events arriving before that are never fresh.
func (s *Session) InitialLoadComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialLoadDone
}

// Admit runs the two-part admission test for a live event and inserts
// the record on success. The ledger check is the hard guarantee; the
// fresh/replay split is a presentation heuristic. Returns whether the
// record was admitted and whether it qualifies as fresh.
func (s *Session) Admit(n Notification) (admitted, fresh bool) {
	if n.validate() != nil {
		s.RecordMalformed()
		return false, false
	}
	if !s.ledger.ShouldAdmit(n.ID) {
		s.mu.Lock()
		s.counters.DuplicateTotal++
		s.mu.Unlock()
		return false, false
	}

	s.mu.Lock()
	age := s.now().Sub(n.CreatedAt)
	fresh = s.initialLoadDone && age < s.freshWindow
	if _, mutedCategory := s.muted[n.Category]; mutedCategory {
		fresh = false
	}
	s.counters.AdmittedTotal++
	if fresh {
		s.counters.FreshTotal++
	} else {
		s.counters.ReplayTotal++
	}
	s.mu.Unlock()

	if err := s.feed.Insert(n); err != nil {
		// Unreachable while the ledger gate holds; log rather than
		// crash if it ever trips.
		s.logger.Printf("feed insert rejected admitted record %s: %v", n.ID, err)
		return false, false
	}
	s.saveSnapshot()
	s.publish(FeedUpdate{
		Kind:        UpdateAdmitted,
		Fresh:       fresh,
		Record:      n,
		UnreadCount: s.feed.UnreadCount(),
	})
	return true, fresh
}

// RecordMalformed counts a dropped push event. Malformed events are
// not surfaced to the user.
func (s *Session) RecordMalformed() {
	s.mu.Lock()
	s.counters.MalformedTotal++
	s.mu.Unlock()
}

// MarkAsRead optimistically flips a record to read, then confirms with
// the backend. Failure handling follows the session's FailurePolicy.
func (s *Session) MarkAsRead(ctx context.Context, id string) error {
	if _, ok := s.feed.Get(id); !ok {
		return ErrNotFound
	}
	changed := s.feed.MarkRead(id)
	if changed {
		s.publish(FeedUpdate{Kind: UpdateRead, UnreadCount: s.feed.UnreadCount()})
	}
	if s.api == nil {
		s.saveSnapshot()
		return nil
	}
	if err := s.api.MarkRead(ctx, id); err != nil {
		s.mutationFailed("mark as read", err)
		if s.policyIs(RollbackOnFailure) && changed {
			s.feed.MarkUnread(id)
			s.publish(FeedUpdate{Kind: UpdateRead, UnreadCount: s.feed.UnreadCount()})
		}
		s.saveSnapshot()
		return err
	}
	s.saveSnapshot()
	return nil
}

// MarkAllAsRead flips every record, zeroes the unread count, and
// confirms with a single backend call. Idempotent locally: a second
// call changes nothing and still succeeds.
func (s *Session) MarkAllAsRead(ctx context.Context) error {
	var wasUnread []string
	for _, n := range s.feed.Records() {
		if !n.IsRead {
			wasUnread = append(wasUnread, n.ID)
		}
	}
	if s.feed.MarkAllRead() > 0 {
		s.publish(FeedUpdate{Kind: UpdateReadAll, UnreadCount: 0})
	}
	if s.api == nil {
		s.saveSnapshot()
		return nil
	}
	if err := s.api.MarkAllRead(ctx); err != nil {
		s.mutationFailed("mark all as read", err)
		if s.policyIs(RollbackOnFailure) {
			for _, id := range wasUnread {
				s.feed.MarkUnread(id)
			}
			s.publish(FeedUpdate{Kind: UpdateReadAll, UnreadCount: s.feed.UnreadCount()})
		}
		s.saveSnapshot()
		return err
	}
	s.saveSnapshot()
	return nil
}

// DeleteNotification removes a record before backend confirmation. On
// backend failure the record stays removed under the default policy;
// its ledger entry is retained either way.
func (s *Session) DeleteNotification(ctx context.Context, id string) error {
	removed, ok := s.feed.Delete(id)
	if !ok {
		return ErrNotFound
	}
	s.publish(FeedUpdate{Kind: UpdateDeleted, Record: removed, UnreadCount: s.feed.UnreadCount()})
	if s.api == nil {
		s.saveSnapshot()
		return nil
	}
	if err := s.api.Delete(ctx, id); err != nil {
		s.mutationFailed("delete notification", err)
		if s.policyIs(RollbackOnFailure) {
			if insertErr := s.feed.Insert(removed); insertErr == nil {
				s.publish(FeedUpdate{Kind: UpdateAdmitted, Record: removed, UnreadCount: s.feed.UnreadCount()})
			}
		}
		s.saveSnapshot()
		return err
	}
	s.saveSnapshot()
	return nil
}

// ClearAllNotifications empties the feed before backend confirmation.
func (s *Session) ClearAllNotifications(ctx context.Context) error {
	removed := s.feed.Clear()
	if len(removed) > 0 {
		s.publish(FeedUpdate{Kind: UpdateCleared, UnreadCount: 0})
	}
	if s.api == nil {
		s.saveSnapshot()
		return nil
	}
	if err := s.api.ClearAll(ctx); err != nil {
		s.mutationFailed("clear all notifications", err)
		if s.policyIs(RollbackOnFailure) {
			s.feed.ReplaceAll(removed)
			s.publish(FeedUpdate{Kind: UpdateReplaced, UnreadCount: s.feed.UnreadCount()})
		}
		s.saveSnapshot()
		return err
	}
	s.saveSnapshot()
	return nil
}

// SyncUnreadCount fetches the server-side unread total, which can
// differ from the locally derived count when the history page is
// smaller than the full set.
func (s *Session) SyncUnreadCount(ctx context.Context) (int, error) {
	if s.api == nil {
		return 0, ErrInvalidInput
	}
	count, err := s.api.UnreadCount(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastError = "unread count fetch failed: " + err.Error()
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Lock()
	s.serverUnread = count
	s.mu.Unlock()
	return count, nil
}

func (s *Session) mutationFailed(op string, err error) {
	s.mu.Lock()
	s.counters.MutationFailureTotal++
	s.lastError = op + " failed: " + err.Error()
	s.mu.Unlock()
	s.logger.Printf("%s failed: %v", op, err)
}

func (s *Session) policyIs(p FailurePolicy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy == p
}

// DismissError clears the surfaced error flag.
func (s *Session) DismissError() {
	s.mu.Lock()
	s.lastError = ""
	s.mu.Unlock()
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	status := SessionStatus{
		Loading:             s.loading,
		InitialLoadComplete: s.initialLoadDone,
		LastError:           s.lastError,
		ServerUnreadCount:   s.serverUnread,
		FreshWindow:         s.freshWindow.String(),
		FailurePolicy:       s.policy,
		Counters:            s.counters,
	}
	s.mu.Unlock()
	status.FeedSize = s.feed.Len()
	status.UnreadCount = s.feed.UnreadCount()
	status.LedgerSize = s.ledger.Size()
	return status
}

// ApplyConfig installs hot-reloadable settings.
func (s *Session) ApplyConfig(cfg SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.FreshWindowSeconds > 0 {
		s.freshWindow = time.Duration(cfg.FreshWindowSeconds) * time.Second
	}
	muted := map[Category]struct{}{}
	for _, c := range cfg.MutedCategories {
		muted[c] = struct{}{}
	}
	s.muted = muted
}

// Subscribe registers a feed-update listener. The returned cancel
// function releases the subscription; it is safe to call more than
// once. Updates are delivered best-effort: a subscriber that falls
// behind misses intermediate updates rather than blocking the feed.
func (s *Session) Subscribe() (<-chan FeedUpdate, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		ch := make(chan FeedUpdate)
		close(ch)
		return ch, func() {}
	}
	s.nextSub++
	id := s.nextSub
	ch := make(chan FeedUpdate, 16)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Session) publish(update FeedUpdate) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Reset tears the session state down to empty: feed cleared, ledger
// membership cleared, flags reset. Invoked on logout or full reload.
func (s *Session) Reset() {
	s.feed.Clear()
	s.ledger.Reset()
	s.mu.Lock()
	s.loading = false
	s.initialLoadDone = false
	s.lastError = ""
	s.serverUnread = 0
	s.refreshSeq = 0
	s.appliedSeq = 0
	s.counters = SessionCounters{}
	s.mu.Unlock()
	s.saveSnapshot()
	s.publish(FeedUpdate{Kind: UpdateReset})
}

// Close releases all subscriptions. The session is unusable for
// fan-out afterwards; state queries still work.
func (s *Session) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
