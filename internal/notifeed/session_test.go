package notifeed

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAPI struct {
	listFn     func(ctx context.Context, filter HistoryFilter) ([]Notification, error)
	unreadFn   func(ctx context.Context) (int, error)
	markReadFn func(ctx context.Context, id string) error
	markAllFn  func(ctx context.Context) error
	deleteFn   func(ctx context.Context, id string) error
	clearAllFn func(ctx context.Context) error
}

func (f *fakeAPI) ListNotifications(ctx context.Context, filter HistoryFilter) ([]Notification, error) {
	if f.listFn != nil {
		return f.listFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	if f.unreadFn != nil {
		return f.unreadFn(ctx)
	}
	return 0, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, id string) error {
	if f.markReadFn != nil {
		return f.markReadFn(ctx, id)
	}
	return nil
}

func (f *fakeAPI) MarkAllRead(ctx context.Context) error {
	if f.markAllFn != nil {
		return f.markAllFn(ctx)
	}
	return nil
}

func (f *fakeAPI) Delete(ctx context.Context, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return nil
}

func (f *fakeAPI) ClearAll(ctx context.Context) error {
	if f.clearAllFn != nil {
		return f.clearAllFn(ctx)
	}
	return nil
}

var sessionTestBase = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, api NotificationAPI) *Session {
	t.Helper()
	s := NewSession(SessionOptions{
		API: api,
		Now: func() time.Time { return sessionTestBase },
	})
	t.Cleanup(s.Close)
	return s
}

func historyOf(records ...Notification) func(context.Context, HistoryFilter) ([]Notification, error) {
	return func(context.Context, HistoryFilter) ([]Notification, error) {
		return records, nil
	}
}

func TestRefreshInstallsHistoryAndMarksInitialLoad(t *testing.T) {
	api := &fakeAPI{listFn: historyOf(
		testNotification("hist_1", sessionTestBase.Add(-time.Hour)),
		testNotification("hist_2", sessionTestBase.Add(-time.Minute)),
	)}
	s := newTestSession(t, api)

	if s.InitialLoadComplete() {
		t.Fatalf("expected initial load incomplete before refresh")
	}
	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !s.InitialLoadComplete() {
		t.Fatalf("expected initial load complete after refresh")
	}
	if s.Feed().Len() != 2 {
		t.Fatalf("expected 2 records, got %d", s.Feed().Len())
	}
	records := s.Feed().Records()
	if records[0].ID != "hist_2" {
		t.Fatalf("expected newest first, got %s", records[0].ID)
	}
	status := s.Status()
	if status.LedgerSize != 2 {
		t.Fatalf("expected fetched ids registered in ledger, got size %d", status.LedgerSize)
	}
}

func TestRefreshFailureKeepsExistingFeed(t *testing.T) {
	fail := false
	api := &fakeAPI{listFn: func(ctx context.Context, filter HistoryFilter) ([]Notification, error) {
		if fail {
			return nil, errors.New("backend unavailable")
		}
		return []Notification{testNotification("hist_1", sessionTestBase.Add(-time.Minute))}, nil
	}}
	s := newTestSession(t, api)

	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	fail = true
	if err := s.Refresh(context.Background(), HistoryFilter{}); err == nil {
		t.Fatalf("expected refresh error")
	}
	if s.Feed().Len() != 1 {
		t.Fatalf("expected feed preserved on failure, got %d records", s.Feed().Len())
	}
	status := s.Status()
	if status.LastError == "" {
		t.Fatalf("expected surfaced error after failed refresh")
	}
	if status.Counters.RefreshFailureTotal != 1 {
		t.Fatalf("expected 1 refresh failure, got %d", status.Counters.RefreshFailureTotal)
	}
	s.DismissError()
	if s.Status().LastError != "" {
		t.Fatalf("expected error cleared after dismissal")
	}
}

func TestSupersededRefreshResponseIsDropped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	api := &fakeAPI{listFn: func(ctx context.Context, filter HistoryFilter) ([]Notification, error) {
		calls++
		if calls == 1 {
			close(started)
			<-release
			return []Notification{testNotification("slow", sessionTestBase.Add(-time.Hour))}, nil
		}
		return []Notification{testNotification("fast", sessionTestBase.Add(-time.Minute))}, nil
	}}
	s := newTestSession(t, api)

	done := make(chan error, 1)
	go func() {
		done <- s.Refresh(context.Background(), HistoryFilter{})
	}()
	<-started

	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("expected ErrStaleResponse for superseded refresh, got %v", err)
	}

	records := s.Feed().Records()
	if len(records) != 1 || records[0].ID != "fast" {
		t.Fatalf("expected the newer response to win, got %v", records)
	}
	if s.Status().Counters.StaleRefreshTotal != 1 {
		t.Fatalf("expected 1 stale refresh, got %d", s.Status().Counters.StaleRefreshTotal)
	}
}

func TestLiveEventBeforeInitialLoadIsNeverFresh(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})

	n := testNotification("early", sessionTestBase.Add(-time.Second))
	admitted, fresh := s.Admit(n)
	if !admitted {
		t.Fatalf("expected admission")
	}
	if fresh {
		t.Fatalf("expected replay classification before initial load")
	}
	if s.Status().Counters.ReplayTotal != 1 {
		t.Fatalf("expected replay counted, got %+v", s.Status().Counters)
	}
}

func TestFreshWindowClassification(t *testing.T) {
	api := &fakeAPI{listFn: historyOf()}
	s := newTestSession(t, api)
	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	recent := testNotification("recent", sessionTestBase.Add(-5*time.Second))
	if _, fresh := s.Admit(recent); !fresh {
		t.Fatalf("expected event inside fresh window to be fresh")
	}
	old := testNotification("old", sessionTestBase.Add(-defaultFreshWindow-time.Second))
	if admitted, fresh := s.Admit(old); !admitted || fresh {
		t.Fatalf("expected old event admitted as replay, admitted=%v fresh=%v", admitted, fresh)
	}
	counters := s.Status().Counters
	if counters.FreshTotal != 1 || counters.ReplayTotal != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestLiveEchoOfFetchedHistoryIsRejected(t *testing.T) {
	api := &fakeAPI{listFn: historyOf(testNotification("hist_1", sessionTestBase.Add(-time.Minute)))}
	s := newTestSession(t, api)
	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	echo := testNotification("hist_1", sessionTestBase.Add(-time.Minute))
	if admitted, _ := s.Admit(echo); admitted {
		t.Fatalf("expected echo of fetched notification to be rejected")
	}
	if s.Feed().Len() != 1 {
		t.Fatalf("expected no duplicate in feed, got %d records", s.Feed().Len())
	}
	if s.Status().Counters.DuplicateTotal != 1 {
		t.Fatalf("expected duplicate counted")
	}
}

func TestReplayAfterDeleteDoesNotResurrect(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})
	n := testNotification("gone", sessionTestBase.Add(-time.Second))
	if admitted, _ := s.Admit(n); !admitted {
		t.Fatalf("expected admission")
	}
	if err := s.DeleteNotification(context.Background(), "gone"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if admitted, _ := s.Admit(n); admitted {
		t.Fatalf("expected replay of deleted notification to be rejected")
	}
	if s.Feed().Len() != 0 {
		t.Fatalf("expected record to stay deleted")
	}
}

func TestMarkAsReadKeepsLocalUpdateOnBackendFailure(t *testing.T) {
	api := &fakeAPI{markReadFn: func(context.Context, string) error {
		return errors.New("backend rejected")
	}}
	s := newTestSession(t, api)
	if admitted, _ := s.Admit(testNotification("ntf_1", sessionTestBase.Add(-time.Second))); !admitted {
		t.Fatalf("expected admission")
	}

	if err := s.MarkAsRead(context.Background(), "ntf_1"); err == nil {
		t.Fatalf("expected backend error to surface")
	}
	record, _ := s.Feed().Get("ntf_1")
	if !record.IsRead {
		t.Fatalf("expected optimistic update to stick under default policy")
	}
	status := s.Status()
	if status.LastError == "" || status.Counters.MutationFailureTotal != 1 {
		t.Fatalf("expected surfaced error and failure counter, got %+v", status)
	}
}

func TestMarkAsReadRollbackPolicyRestoresState(t *testing.T) {
	api := &fakeAPI{markReadFn: func(context.Context, string) error {
		return errors.New("backend rejected")
	}}
	s := NewSession(SessionOptions{
		API:           api,
		FailurePolicy: RollbackOnFailure,
		Now:           func() time.Time { return sessionTestBase },
	})
	defer s.Close()
	if admitted, _ := s.Admit(testNotification("ntf_1", sessionTestBase.Add(-time.Second))); !admitted {
		t.Fatalf("expected admission")
	}

	if err := s.MarkAsRead(context.Background(), "ntf_1"); err == nil {
		t.Fatalf("expected backend error to surface")
	}
	record, _ := s.Feed().Get("ntf_1")
	if record.IsRead {
		t.Fatalf("expected rollback to restore unread state")
	}
}

func TestMarkAsReadUnknownID(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})
	if err := s.MarkAsRead(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkAllAsReadIsIdempotent(t *testing.T) {
	markAllCalls := 0
	api := &fakeAPI{markAllFn: func(context.Context) error {
		markAllCalls++
		return nil
	}}
	s := newTestSession(t, api)
	s.Admit(testNotification("a", sessionTestBase.Add(-time.Second)))
	s.Admit(testNotification("b", sessionTestBase.Add(-2*time.Second)))

	if err := s.MarkAllAsRead(context.Background()); err != nil {
		t.Fatalf("mark all failed: %v", err)
	}
	if s.Feed().UnreadCount() != 0 {
		t.Fatalf("expected 0 unread, got %d", s.Feed().UnreadCount())
	}
	if err := s.MarkAllAsRead(context.Background()); err != nil {
		t.Fatalf("second mark all failed: %v", err)
	}
	if markAllCalls != 2 {
		t.Fatalf("expected one backend call per invocation, got %d", markAllCalls)
	}
}

func TestMarkAllAsReadRollbackRestoresOnlyPreviouslyUnread(t *testing.T) {
	api := &fakeAPI{markAllFn: func(context.Context) error {
		return errors.New("backend rejected")
	}}
	s := NewSession(SessionOptions{
		API:           api,
		FailurePolicy: RollbackOnFailure,
		Now:           func() time.Time { return sessionTestBase },
	})
	defer s.Close()
	s.Admit(testNotification("unread_a", sessionTestBase.Add(-time.Second)))
	alreadyRead := testNotification("read_b", sessionTestBase.Add(-2*time.Second))
	alreadyRead.IsRead = true
	s.Admit(alreadyRead)

	if err := s.MarkAllAsRead(context.Background()); err == nil {
		t.Fatalf("expected backend error to surface")
	}
	a, _ := s.Feed().Get("unread_a")
	b, _ := s.Feed().Get("read_b")
	if a.IsRead {
		t.Fatalf("expected unread_a restored to unread")
	}
	if !b.IsRead {
		t.Fatalf("expected read_b untouched by rollback")
	}
}

func TestClearAllRollbackRestoresFeed(t *testing.T) {
	api := &fakeAPI{clearAllFn: func(context.Context) error {
		return errors.New("backend rejected")
	}}
	s := NewSession(SessionOptions{
		API:           api,
		FailurePolicy: RollbackOnFailure,
		Now:           func() time.Time { return sessionTestBase },
	})
	defer s.Close()
	s.Admit(testNotification("a", sessionTestBase.Add(-time.Second)))
	s.Admit(testNotification("b", sessionTestBase.Add(-2*time.Second)))

	if err := s.ClearAllNotifications(context.Background()); err == nil {
		t.Fatalf("expected backend error to surface")
	}
	if s.Feed().Len() != 2 {
		t.Fatalf("expected feed restored, got %d records", s.Feed().Len())
	}
}

func TestClearAllDefaultPolicyKeepsFeedEmpty(t *testing.T) {
	api := &fakeAPI{clearAllFn: func(context.Context) error {
		return errors.New("backend rejected")
	}}
	s := newTestSession(t, api)
	s.Admit(testNotification("a", sessionTestBase.Add(-time.Second)))

	if err := s.ClearAllNotifications(context.Background()); err == nil {
		t.Fatalf("expected backend error to surface")
	}
	if s.Feed().Len() != 0 {
		t.Fatalf("expected feed to stay cleared under default policy")
	}
}

func TestMutedCategoryIsNeverFresh(t *testing.T) {
	api := &fakeAPI{listFn: historyOf()}
	s := NewSession(SessionOptions{
		API:             api,
		MutedCategories: []Category{CategoryPromotion},
		Now:             func() time.Time { return sessionTestBase },
	})
	defer s.Close()
	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	promo := testNotification("promo", sessionTestBase.Add(-time.Second))
	promo.Category = CategoryPromotion
	admitted, fresh := s.Admit(promo)
	if !admitted {
		t.Fatalf("expected muted category still admitted")
	}
	if fresh {
		t.Fatalf("expected muted category never classified fresh")
	}
}

func TestSnapshotRestoreSeedsLedger(t *testing.T) {
	backend := NewInMemorySnapshotBackend()

	first := NewSession(SessionOptions{
		API:      &fakeAPI{},
		Snapshot: backend,
		Now:      func() time.Time { return sessionTestBase },
	})
	first.Admit(testNotification("cached", sessionTestBase.Add(-time.Second)))
	first.Close()

	second := NewSession(SessionOptions{
		API:      &fakeAPI{},
		Snapshot: backend,
		Now:      func() time.Time { return sessionTestBase },
	})
	defer second.Close()

	if second.Feed().Len() != 1 {
		t.Fatalf("expected restored feed, got %d records", second.Feed().Len())
	}
	echo := testNotification("cached", sessionTestBase.Add(-time.Second))
	if admitted, _ := second.Admit(echo); admitted {
		t.Fatalf("expected live echo of cached record to be rejected")
	}
	if second.Feed().Len() != 1 {
		t.Fatalf("expected no duplicate after echo, got %d records", second.Feed().Len())
	}
}

func TestSubscribeDeliversUpdatesUntilCancelled(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})
	updates, cancel := s.Subscribe()

	s.Admit(testNotification("a", sessionTestBase.Add(-time.Second)))
	select {
	case update := <-updates:
		if update.Kind != UpdateAdmitted || update.Record.ID != "a" {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an update")
	}

	cancel()
	cancel() // safe to call twice
	if _, open := <-updates; open {
		// A buffered update may still drain; the channel must close after.
		for range updates {
		}
	}
}

func TestSyncUnreadCountTracksServerTotal(t *testing.T) {
	api := &fakeAPI{unreadFn: func(context.Context) (int, error) {
		return 7, nil
	}}
	s := newTestSession(t, api)
	count, err := s.SyncUnreadCount(context.Background())
	if err != nil || count != 7 {
		t.Fatalf("expected 7, got %d err=%v", count, err)
	}
	if s.Status().ServerUnreadCount != 7 {
		t.Fatalf("expected status to carry server unread count")
	}
}

func TestApplyConfigUpdatesFreshWindowAndMuting(t *testing.T) {
	api := &fakeAPI{listFn: historyOf()}
	s := newTestSession(t, api)
	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	s.ApplyConfig(SessionConfig{
		FreshWindowSeconds: 1,
		MutedCategories:    []Category{CategoryPayment},
	})

	outside := testNotification("outside", sessionTestBase.Add(-2*time.Second))
	if _, fresh := s.Admit(outside); fresh {
		t.Fatalf("expected event outside shrunk window to be replay")
	}
	payment := testNotification("payment", sessionTestBase)
	payment.Category = CategoryPayment
	if _, fresh := s.Admit(payment); fresh {
		t.Fatalf("expected newly muted category to be replay")
	}
}

func TestResetClearsSessionState(t *testing.T) {
	api := &fakeAPI{listFn: historyOf(testNotification("hist_1", sessionTestBase.Add(-time.Minute)))}
	s := newTestSession(t, api)
	if err := s.Refresh(context.Background(), HistoryFilter{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	s.Reset()

	status := s.Status()
	if status.FeedSize != 0 || status.LedgerSize != 0 || status.InitialLoadComplete {
		t.Fatalf("expected clean state after reset, got %+v", status)
	}
	// Identities admitted before the reset are admissible again.
	if admitted, _ := s.Admit(testNotification("hist_1", sessionTestBase.Add(-time.Minute))); !admitted {
		t.Fatalf("expected re-admission after reset")
	}
}

func TestRecordMalformedCountsDrops(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})
	s.RecordMalformed()
	s.RecordMalformed()
	if s.Status().Counters.MalformedTotal != 2 {
		t.Fatalf("expected 2 malformed, got %d", s.Status().Counters.MalformedTotal)
	}
	if s.Feed().Len() != 0 {
		t.Fatalf("malformed events must never reach the feed")
	}
}

func TestConcurrentRefreshesNewerResponseWins(t *testing.T) {
	firstStarted := make(chan struct{})
	secondStarted := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	api := &fakeAPI{listFn: func(ctx context.Context, filter HistoryFilter) ([]Notification, error) {
		calls++
		if calls == 1 {
			close(firstStarted)
			<-release
			return []Notification{testNotification("older_1", sessionTestBase.Add(-time.Hour))}, nil
		}
		close(secondStarted)
		<-release
		return []Notification{testNotification("newer_1", sessionTestBase.Add(-time.Minute))}, nil
	}}
	s := newTestSession(t, api)

	firstErr := make(chan error, 1)
	secondErr := make(chan error, 1)
	go func() { firstErr <- s.Refresh(context.Background(), HistoryFilter{}) }()
	<-firstStarted
	go func() { secondErr <- s.Refresh(context.Background(), HistoryFilter{}) }()
	<-secondStarted

	// Both responses are now in flight; releasing them together races
	// the stale check against the install.
	close(release)
	err1 := <-firstErr
	err2 := <-secondErr

	if err2 != nil {
		t.Fatalf("second refresh must apply, got %v", err2)
	}
	if err1 != nil && !errors.Is(err1, ErrStaleResponse) {
		t.Fatalf("unexpected first refresh error: %v", err1)
	}
	if _, ok := s.Feed().Get("newer_1"); !ok {
		t.Fatalf("expected the newer response in the feed")
	}
	if _, ok := s.Feed().Get("older_1"); ok {
		t.Fatalf("the superseded response must never land last")
	}
}
