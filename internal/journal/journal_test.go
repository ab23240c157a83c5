package journal

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
)

func countEvents(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		t.Fatalf("Failed to reopen journal: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	return n
}

func TestRecordAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	j.Record(Event{Kind: KindRegister, Subject: "s1"})
	j.Record(Event{Kind: KindReward, Subject: "s1", RequestID: "r1", Amount: 10, Score: 10})
	j.Record(Event{Kind: KindPenalty, Subject: "s2", Amount: 1})

	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := countEvents(t, path); got != 3 {
		t.Errorf("Expected 3 persisted events, got %d", got)
	}
}

func TestEventFieldsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	j.Record(Event{Kind: KindSettlement, Subject: "s1", RequestID: "r9", Amount: 2, Score: 0})
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		t.Fatalf("Failed to reopen journal: %v", err)
	}
	defer db.Close()

	var kind, subject, requestID string
	var amount uint64
	err = db.QueryRow("SELECT kind, subject, request_id, amount FROM events").
		Scan(&kind, &subject, &requestID, &amount)
	if err != nil {
		t.Fatalf("Row query failed: %v", err)
	}
	if kind != string(KindSettlement) || subject != "s1" || requestID != "r9" || amount != 2 {
		t.Errorf("Unexpected row: %s %s %s %d", kind, subject, requestID, amount)
	}
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	for i := 0; i < 2; i++ {
		j, err := Open(path)
		if err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		j.Record(Event{Kind: KindRegister, Subject: "s1"})
		if err := j.Close(); err != nil {
			t.Fatalf("Close %d failed: %v", i, err)
		}
	}

	if got := countEvents(t, path); got != 2 {
		t.Errorf("Expected events to accumulate across opens, got %d", got)
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.Record(Event{Kind: KindReward, Subject: "s1"})
	if err := j.Close(); err != nil {
		t.Errorf("Expected nil Close to succeed, got %v", err)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Must not panic or block.
	j.Record(Event{Kind: KindReward, Subject: "s1"})

	if got := countEvents(t, path); got != 0 {
		t.Errorf("Expected no events after close, got %d", got)
	}
}
