package audit

import "time"

// Failure reasons reported by VerifyEntries.
const (
	ReasonPreviousHashMismatch = "Previous hash mismatch"
	ReasonEntryHashMismatch    = "Entry hash mismatch - possible tampering"
)

// IntegrityResult is the outcome of replaying the hash chain.
// ValidEntries + InvalidEntries always equals EntriesChecked.
type IntegrityResult struct {
	Valid          bool      `json:"valid"`
	EntriesChecked int       `json:"entriesChecked"`
	ValidEntries   int       `json:"validEntries"`
	InvalidEntries int       `json:"invalidEntries"`
	Failures       []Failure `json:"failures"`
}

// Failure pinpoints one entry that did not verify.
type Failure struct {
	Index     int    `json:"index"` // Position in storage order, 0-based.
	AuditID   string `json:"auditId"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// VerifyEntries replays the chain over entries given in storage order.
//
// The full slice is always needed, even with a from bound: checking an
// entry's PreviousHash requires its predecessor, which may predate from.
// An entry whose link is broken is reported once, for the link, and its
// own content hash is not checked.
func VerifyEntries(entries []Entry, from time.Time) IntegrityResult {
	var fromTS string
	if !from.IsZero() {
		fromTS = FormatTimestamp(from)
	}

	result := IntegrityResult{Failures: []Failure{}}
	for i := range entries {
		e := &entries[i]
		if fromTS != "" && e.Timestamp < fromTS {
			continue
		}
		result.EntriesChecked++

		if i > 0 && e.PreviousHash != entries[i-1].EntryHash {
			result.Failures = append(result.Failures, Failure{
				Index:     i,
				AuditID:   e.AuditID,
				Timestamp: e.Timestamp,
				Reason:    ReasonPreviousHashMismatch,
				Expected:  entries[i-1].EntryHash,
				Actual:    e.PreviousHash,
			})
			continue
		}

		if expected, ok := verifyEntryHash(e); !ok {
			result.Failures = append(result.Failures, Failure{
				Index:     i,
				AuditID:   e.AuditID,
				Timestamp: e.Timestamp,
				Reason:    ReasonEntryHashMismatch,
				Expected:  expected,
				Actual:    e.EntryHash,
			})
			continue
		}

		result.ValidEntries++
	}

	result.InvalidEntries = len(result.Failures)
	result.Valid = result.InvalidEntries == 0
	return result
}
