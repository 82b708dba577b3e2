package notifeed

import "testing"

func TestLedgerFirstAdmissionWins(t *testing.T) {
	ledger := NewLedger()
	if !ledger.ShouldAdmit("ntf_1") {
		t.Fatalf("expected first admission of ntf_1 to pass")
	}
	if ledger.ShouldAdmit("ntf_1") {
		t.Fatalf("expected repeated admission of ntf_1 to be rejected")
	}
	if !ledger.ShouldAdmit("ntf_2") {
		t.Fatalf("expected first admission of ntf_2 to pass")
	}
	if ledger.Size() != 2 {
		t.Fatalf("expected ledger size 2, got %d", ledger.Size())
	}
}

func TestLedgerRejectsEmptyAndTrimsIDs(t *testing.T) {
	ledger := NewLedger()
	if ledger.ShouldAdmit("") {
		t.Fatalf("expected empty id to be rejected")
	}
	if ledger.ShouldAdmit("   ") {
		t.Fatalf("expected whitespace id to be rejected")
	}
	if !ledger.ShouldAdmit("  ntf_1  ") {
		t.Fatalf("expected trimmed id to be admitted")
	}
	if ledger.ShouldAdmit("ntf_1") {
		t.Fatalf("expected trimmed duplicate to be rejected")
	}
}

func TestLedgerMembershipSurvivesWithoutEviction(t *testing.T) {
	ledger := NewLedger()
	for i := 0; i < 1000; i++ {
		id := "ntf_" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		ledger.ShouldAdmit(id)
	}
	if !ledger.Seen("ntf_a0") {
		t.Fatalf("expected early admission to remain in ledger")
	}
}

func TestLedgerArrivalOrderIsMonotonic(t *testing.T) {
	ledger := NewLedger()
	ledger.ShouldAdmit("first")
	ledger.ShouldAdmit("second")
	ledger.ShouldAdmit("third")

	firstSeq, ok := ledger.ArrivalOrder("first")
	if !ok {
		t.Fatalf("expected arrival order for first")
	}
	secondSeq, _ := ledger.ArrivalOrder("second")
	thirdSeq, _ := ledger.ArrivalOrder("third")
	if !(firstSeq < secondSeq && secondSeq < thirdSeq) {
		t.Fatalf("expected increasing arrival order, got %d %d %d", firstSeq, secondSeq, thirdSeq)
	}
	if _, ok := ledger.ArrivalOrder("missing"); ok {
		t.Fatalf("expected no arrival order for unknown id")
	}
}

func TestLedgerReset(t *testing.T) {
	ledger := NewLedger()
	ledger.ShouldAdmit("ntf_1")
	ledger.Reset()
	if ledger.Size() != 0 {
		t.Fatalf("expected empty ledger after reset, got size %d", ledger.Size())
	}
	if !ledger.ShouldAdmit("ntf_1") {
		t.Fatalf("expected re-admission after reset")
	}
}
