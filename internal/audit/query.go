package audit

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"
)

// Filters selects entries for Query and Count. Every non-zero field must
// match (AND). Zero values mean "no filter".
type Filters struct {
	LoanID    string
	Tool      string
	Command   string
	Operator  string
	SessionID string

	// CommandPattern is a glob matched against Command, e.g. "loan-*".
	CommandPattern string

	// StartDate and EndDate bound the entry timestamp, both inclusive.
	StartDate time.Time
	EndDate   time.Time

	// HasRiskFlags keeps only entries with at least one risk flag.
	HasRiskFlags bool

	// HumanReviewRequired, when set, must equal the entry's flag.
	HumanReviewRequired *bool

	Offset int
	Limit  int // 0 = no limit
}

// matcher is a Filters value with its glob compiled and date bounds
// rendered in the timestamp layout, so matching is plain comparison.
type matcher struct {
	f       Filters
	pattern glob.Glob
	start   string
	end     string
}

func compileFilters(f Filters) (*matcher, error) {
	m := &matcher{f: f}
	if f.CommandPattern != "" {
		g, err := glob.Compile(f.CommandPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid command pattern %q: %w", f.CommandPattern, err)
		}
		m.pattern = g
	}
	if !f.StartDate.IsZero() {
		m.start = FormatTimestamp(f.StartDate)
	}
	if !f.EndDate.IsZero() {
		m.end = FormatTimestamp(f.EndDate)
	}
	return m, nil
}

func (m *matcher) match(e *Entry) bool {
	f := m.f
	if f.LoanID != "" && e.LoanID != f.LoanID {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.Command != "" && e.Command != f.Command {
		return false
	}
	if f.Operator != "" && e.Operator != f.Operator {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if m.pattern != nil && !m.pattern.Match(e.Command) {
		return false
	}
	if m.start != "" && e.Timestamp < m.start {
		return false
	}
	if m.end != "" && e.Timestamp > m.end {
		return false
	}
	if f.HasRiskFlags && len(e.Compliance.RiskFlags) == 0 {
		return false
	}
	if f.HumanReviewRequired != nil && e.Compliance.HumanReviewRequired != *f.HumanReviewRequired {
		return false
	}
	return true
}

// FilterEntries applies f to entries, keeping storage order, then
// paginates. The input slice is not modified.
func FilterEntries(entries []Entry, f Filters) ([]Entry, error) {
	m, err := compileFilters(f)
	if err != nil {
		return nil, err
	}
	matched := make([]Entry, 0)
	for i := range entries {
		if m.match(&entries[i]) {
			matched = append(matched, entries[i])
		}
	}
	return paginate(matched, f.Offset, f.Limit), nil
}

// CountEntries returns how many entries match f, ignoring pagination.
func CountEntries(entries []Entry, f Filters) (int, error) {
	m, err := compileFilters(f)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range entries {
		if m.match(&entries[i]) {
			n++
		}
	}
	return n, nil
}

// ParseDateBound parses a query date bound. It accepts RFC 3339 timestamps
// and plain dates (2006-01-02); a plain date used as an end bound covers
// the whole day.
func ParseDateBound(s string, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	if end {
		d = d.Add(24*time.Hour - time.Millisecond)
	}
	return d, nil
}

func paginate(entries []Entry, offset, limit int) []Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []Entry{}
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
