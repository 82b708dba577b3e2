package notifeed

import (
	"errors"
	"testing"
	"time"
)

func testNotification(id string, createdAt time.Time) Notification {
	return Notification{
		ID:        id,
		Category:  CategorySystem,
		Title:     "title " + id,
		Body:      "body " + id,
		CreatedAt: createdAt,
	}
}

func admitted(t *testing.T, ledger *Ledger, feed *FeedStore, n Notification) {
	t.Helper()
	if !ledger.ShouldAdmit(n.ID) {
		t.Fatalf("ledger rejected %s", n.ID)
	}
	if err := feed.Insert(n); err != nil {
		t.Fatalf("insert %s: %v", n.ID, err)
	}
}

func TestFeedOrdersNewestFirst(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	admitted(t, ledger, feed, testNotification("mid", base.Add(time.Minute)))
	admitted(t, ledger, feed, testNotification("old", base))
	admitted(t, ledger, feed, testNotification("new", base.Add(2*time.Minute)))

	records := feed.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	got := []string{records[0].ID, records[1].ID, records[2].ID}
	want := []string{"new", "mid", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestFeedBreaksCreatedAtTiesByArrivalOrder(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	admitted(t, ledger, feed, testNotification("first_arrival", at))
	admitted(t, ledger, feed, testNotification("second_arrival", at))
	admitted(t, ledger, feed, testNotification("third_arrival", at))

	records := feed.Records()
	if records[0].ID != "first_arrival" || records[1].ID != "second_arrival" || records[2].ID != "third_arrival" {
		t.Fatalf("expected tie-break by arrival order, got %s %s %s", records[0].ID, records[1].ID, records[2].ID)
	}
}

func TestFeedInsertRequiresLedgerRegistration(t *testing.T) {
	feed := NewFeedStore(NewLedger())
	err := feed.Insert(testNotification("unregistered", time.Now()))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unregistered id, got %v", err)
	}
	if feed.Len() != 0 {
		t.Fatalf("expected empty feed, got %d records", feed.Len())
	}
}

func TestFeedInsertRejectsDuplicate(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	n := testNotification("ntf_1", time.Now())
	admitted(t, ledger, feed, n)
	if err := feed.Insert(n); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestFeedReplaceAllSkipsUnregisteredAndRepeatedIDs(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ledger.ShouldAdmit("kept_a")
	ledger.ShouldAdmit("kept_b")
	keptA := testNotification("kept_a", base.Add(time.Minute))
	keptB := testNotification("kept_b", base)
	stranger := testNotification("stranger", base.Add(2*time.Minute))
	repeat := keptA
	repeat.Title = "second occurrence"

	feed.ReplaceAll([]Notification{keptA, stranger, repeat, keptB})

	records := feed.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "kept_a" || records[1].ID != "kept_b" {
		t.Fatalf("unexpected records %s, %s", records[0].ID, records[1].ID)
	}
	if records[0].Title != "title kept_a" {
		t.Fatalf("expected first occurrence to win, got title %q", records[0].Title)
	}
}

func TestFeedUnreadCountIsDerived(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	base := time.Now()

	admitted(t, ledger, feed, testNotification("a", base))
	admitted(t, ledger, feed, testNotification("b", base.Add(time.Second)))
	read := testNotification("c", base.Add(2*time.Second))
	read.IsRead = true
	admitted(t, ledger, feed, read)

	if feed.UnreadCount() != 2 {
		t.Fatalf("expected 2 unread, got %d", feed.UnreadCount())
	}
	if !feed.MarkRead("a") {
		t.Fatalf("expected mark read to change a")
	}
	if feed.MarkRead("a") {
		t.Fatalf("expected second mark read of a to be a no-op")
	}
	if feed.UnreadCount() != 1 {
		t.Fatalf("expected 1 unread, got %d", feed.UnreadCount())
	}
	if _, ok := feed.Delete("b"); !ok {
		t.Fatalf("expected delete of b")
	}
	if feed.UnreadCount() != 0 {
		t.Fatalf("expected 0 unread after deleting last unread, got %d", feed.UnreadCount())
	}
}

func TestFeedMarkAllReadIsIdempotent(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	base := time.Now()
	admitted(t, ledger, feed, testNotification("a", base))
	admitted(t, ledger, feed, testNotification("b", base))

	if changed := feed.MarkAllRead(); changed != 2 {
		t.Fatalf("expected 2 changed, got %d", changed)
	}
	if changed := feed.MarkAllRead(); changed != 0 {
		t.Fatalf("expected no-op second pass, got %d changed", changed)
	}
	if feed.UnreadCount() != 0 {
		t.Fatalf("expected 0 unread, got %d", feed.UnreadCount())
	}
}

func TestFeedDeleteKeepsLedgerEntry(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	n := testNotification("ntf_1", time.Now())
	admitted(t, ledger, feed, n)

	removed, ok := feed.Delete("ntf_1")
	if !ok || removed.ID != "ntf_1" {
		t.Fatalf("expected delete to return the record")
	}
	if !ledger.Seen("ntf_1") {
		t.Fatalf("expected ledger to retain deleted id")
	}
	if ledger.ShouldAdmit("ntf_1") {
		t.Fatalf("expected replay of deleted id to stay rejected")
	}
}

func TestFeedClearReturnsRemoved(t *testing.T) {
	ledger := NewLedger()
	feed := NewFeedStore(ledger)
	base := time.Now()
	admitted(t, ledger, feed, testNotification("a", base))
	admitted(t, ledger, feed, testNotification("b", base))

	removed := feed.Clear()
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if feed.Len() != 0 {
		t.Fatalf("expected empty feed after clear")
	}
}
