package audit

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

// buildChain returns n correctly linked entries, one day apart starting at
// 2026-03-01.
func buildChain(t *testing.T, n int) []Entry {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := make([]Entry, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		e, err := buildEntry(LogOptions{
			Tool:    "finctl",
			Command: "dscr",
			Inputs:  map[string]any{"step": i},
		}, entryDefaults{operator: "tester"}, prev, fmt.Sprintf("id-%d", i), FormatTimestamp(start.AddDate(0, 0, i)))
		if err != nil {
			t.Fatalf("buildEntry: %v", err)
		}
		e.EntryHash = mustHash(t, e)
		prev = e.EntryHash
		entries = append(entries, e)
	}
	return entries
}

func TestVerifyEntries_ValidChain(t *testing.T) {
	result := VerifyEntries(buildChain(t, 5), time.Time{})

	if !result.Valid {
		t.Fatalf("untouched chain should be valid, failures: %+v", result.Failures)
	}
	if result.EntriesChecked != 5 || result.ValidEntries != 5 || result.InvalidEntries != 0 {
		t.Errorf("counts = %d/%d/%d, want 5/5/0", result.EntriesChecked, result.ValidEntries, result.InvalidEntries)
	}
	if result.Failures == nil {
		t.Error("failures should be an empty list, not nil")
	}
}

func TestVerifyEntries_Empty(t *testing.T) {
	result := VerifyEntries(nil, time.Time{})
	if !result.Valid || result.EntriesChecked != 0 {
		t.Errorf("empty log should be valid with 0 checked, got %+v", result)
	}
}

func TestVerifyEntries_ContentTampered(t *testing.T) {
	entries := buildChain(t, 3)
	entries[1].Rationale = "edited after the fact"

	result := VerifyEntries(entries, time.Time{})

	if result.Valid {
		t.Fatal("tampered chain should be invalid")
	}
	// The stored hash is untouched, so entry 2's link still holds.
	if result.InvalidEntries != 1 || len(result.Failures) != 1 {
		t.Fatalf("want exactly 1 failure, got %+v", result.Failures)
	}
	f := result.Failures[0]
	if f.Index != 1 || f.AuditID != "id-1" || f.Reason != ReasonEntryHashMismatch {
		t.Errorf("unexpected failure %+v", f)
	}
	if f.Actual != entries[1].EntryHash {
		t.Errorf("actual = %s, want stored hash", f.Actual)
	}
	if f.Expected == f.Actual {
		t.Error("expected should be the recomputed hash")
	}
}

func TestVerifyEntries_StoredHashTampered(t *testing.T) {
	entries := buildChain(t, 3)
	forged := "f000000000000000000000000000000000000000000000000000000000000000"
	entries[1].EntryHash = forged

	result := VerifyEntries(entries, time.Time{})

	if len(result.Failures) != 2 {
		t.Fatalf("want 2 failures, got %+v", result.Failures)
	}
	if f := result.Failures[0]; f.Index != 1 || f.Reason != ReasonEntryHashMismatch || f.Actual != forged {
		t.Errorf("first failure = %+v", f)
	}
	f := result.Failures[1]
	if f.Index != 2 || f.Reason != ReasonPreviousHashMismatch {
		t.Errorf("second failure = %+v", f)
	}
	if f.Expected != forged || f.Actual != entries[2].PreviousHash {
		t.Errorf("link failure expected/actual = %s/%s", f.Expected, f.Actual)
	}
	if result.ValidEntries+result.InvalidEntries != result.EntriesChecked {
		t.Error("valid + invalid must equal checked")
	}
}

func TestVerifyEntries_LinkFailureSkipsContentCheck(t *testing.T) {
	entries := buildChain(t, 3)
	// Break both the link and the content of entry 2: one failure only.
	entries[2].PreviousHash = "broken"

	result := VerifyEntries(entries, time.Time{})

	if len(result.Failures) != 1 || result.Failures[0].Reason != ReasonPreviousHashMismatch {
		t.Fatalf("want a single link failure, got %+v", result.Failures)
	}
}

func TestVerifyEntries_DeletedEntry(t *testing.T) {
	entries := buildChain(t, 4)
	entries = append(entries[:1], entries[2:]...)

	result := VerifyEntries(entries, time.Time{})

	if len(result.Failures) != 1 {
		t.Fatalf("want 1 failure, got %+v", result.Failures)
	}
	if f := result.Failures[0]; f.AuditID != "id-2" || f.Reason != ReasonPreviousHashMismatch {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestVerifyEntries_Reordered(t *testing.T) {
	entries := buildChain(t, 3)
	entries[1], entries[2] = entries[2], entries[1]

	if VerifyEntries(entries, time.Time{}).Valid {
		t.Error("reordered chain should be invalid")
	}
}

func TestVerifyEntries_FromDate(t *testing.T) {
	entries := buildChain(t, 5)
	from := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	result := VerifyEntries(entries, from)
	if !result.Valid || result.EntriesChecked != 3 {
		t.Errorf("want 3 valid entries from 2026-03-03, got %+v", result)
	}

	// Tampering before the bound is not reported, but the first checked
	// entry's link to its predecessor still is.
	entries[1].Rationale = "edited"
	if !VerifyEntries(entries, from).Valid {
		t.Error("content edit before from should not be reported")
	}
	entries[1].EntryHash = "forged"
	result = VerifyEntries(entries, from)
	if result.Valid || result.Failures[0].AuditID != "id-2" {
		t.Errorf("link from id-2 to a forged predecessor should fail, got %+v", result)
	}
}

func TestVerifyEntries_Idempotent(t *testing.T) {
	entries := buildChain(t, 4)
	entries[2].Command = "tampered"

	first := VerifyEntries(entries, time.Time{})
	second := VerifyEntries(entries, time.Time{})

	if !reflect.DeepEqual(first, second) {
		t.Errorf("verification should be idempotent:\n%+v\n%+v", first, second)
	}
}
