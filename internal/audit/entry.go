package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the fixed, sortable timestamp format of every entry.
// Lexical order of two formatted timestamps equals their time order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Entry is a single immutable audit record. Field names match the
// persisted JSON, one object per line.
type Entry struct {
	AuditID       string         `json:"auditId"`
	Timestamp     string         `json:"timestamp"`
	Tool          string         `json:"tool"`
	Command       string         `json:"command"`
	ToolVersion   string         `json:"toolVersion"`
	Inputs        map[string]any `json:"inputs"`
	Outputs       map[string]any `json:"outputs"`
	Rationale     string         `json:"rationale"`
	Warnings      []string       `json:"warnings"`
	Compliance    Compliance     `json:"compliance"`
	Operator      string         `json:"operator"`
	SessionID     string         `json:"sessionId,omitempty"`
	ParentAuditID string         `json:"parentAuditId,omitempty"`
	LoanID        string         `json:"loanId,omitempty"`
	DurationMs    *int64         `json:"durationMs,omitempty"`
	PreviousHash  string         `json:"previousHash,omitempty"`
	EntryHash     string         `json:"entryHash"`
}

// Compliance is the regulatory block attached to every entry.
type Compliance struct {
	Regulations         []string `json:"regulations"`
	RiskFlags           []string `json:"riskFlags"`
	HumanReviewRequired bool     `json:"humanReviewRequired"`
	ChecksPerformed     []string `json:"checksPerformed,omitempty"`
	Exemptions          []string `json:"exemptions,omitempty"`
}

// ComplianceOptions carries caller-supplied compliance fields. A nil slice
// or nil pointer means "not supplied" and keeps the default for that field.
type ComplianceOptions struct {
	Regulations         []string `json:"regulations,omitempty"`
	RiskFlags           []string `json:"riskFlags,omitempty"`
	HumanReviewRequired *bool    `json:"humanReviewRequired,omitempty"`
	ChecksPerformed     []string `json:"checksPerformed,omitempty"`
	Exemptions          []string `json:"exemptions,omitempty"`
}

// LogOptions are the caller-supplied fields of a new entry. Everything the
// caller leaves empty is filled from defaults by buildEntry.
type LogOptions struct {
	Tool          string             `json:"tool"`
	Command       string             `json:"command"`
	ToolVersion   string             `json:"toolVersion,omitempty"`
	Inputs        map[string]any     `json:"inputs,omitempty"`
	Outputs       map[string]any     `json:"outputs,omitempty"`
	Rationale     string             `json:"rationale,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
	Compliance    *ComplianceOptions `json:"compliance,omitempty"`
	Operator      string             `json:"operator,omitempty"`
	SessionID     string             `json:"sessionId,omitempty"`
	ParentAuditID string             `json:"parentAuditId,omitempty"`
	LoanID        string             `json:"loanId,omitempty"`
	DurationMs    *int64             `json:"durationMs,omitempty"`
}

// entryDefaults are the logger-level values used when a LogOptions field
// is empty.
type entryDefaults struct {
	operator    string
	sessionID   string
	toolVersion string
}

// FormatTimestamp renders t in the entry timestamp layout (UTC, ms).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// buildEntry merges caller fields with defaults, field by field. The
// returned entry has no EntryHash yet.
func buildEntry(opts LogOptions, defaults entryDefaults, previousHash, id, timestamp string) (Entry, error) {
	inputs, err := normalizePayload(opts.Inputs)
	if err != nil {
		return Entry{}, fmt.Errorf("normalizing inputs: %w", err)
	}
	outputs, err := normalizePayload(opts.Outputs)
	if err != nil {
		return Entry{}, fmt.Errorf("normalizing outputs: %w", err)
	}

	e := Entry{
		AuditID:       id,
		Timestamp:     timestamp,
		Tool:          opts.Tool,
		Command:       opts.Command,
		ToolVersion:   opts.ToolVersion,
		Inputs:        inputs,
		Outputs:       outputs,
		Rationale:     opts.Rationale,
		Warnings:      copyStrings(opts.Warnings),
		Compliance:    mergeCompliance(opts.Compliance),
		Operator:      opts.Operator,
		SessionID:     opts.SessionID,
		ParentAuditID: opts.ParentAuditID,
		LoanID:        opts.LoanID,
		PreviousHash:  previousHash,
	}
	if opts.DurationMs != nil {
		d := *opts.DurationMs
		e.DurationMs = &d
	}
	if e.ToolVersion == "" {
		e.ToolVersion = defaults.toolVersion
	}
	if e.Operator == "" {
		e.Operator = defaults.operator
	}
	if e.SessionID == "" {
		e.SessionID = defaults.sessionID
	}
	return e, nil
}

// mergeCompliance applies the compliance defaults, then overrides each
// field the caller supplied.
func mergeCompliance(opts *ComplianceOptions) Compliance {
	c := Compliance{
		Regulations: []string{},
		RiskFlags:   []string{},
	}
	if opts == nil {
		return c
	}
	if opts.Regulations != nil {
		c.Regulations = copyStrings(opts.Regulations)
	}
	if opts.RiskFlags != nil {
		c.RiskFlags = copyStrings(opts.RiskFlags)
	}
	if opts.HumanReviewRequired != nil {
		c.HumanReviewRequired = *opts.HumanReviewRequired
	}
	if opts.ChecksPerformed != nil {
		c.ChecksPerformed = copyStrings(opts.ChecksPerformed)
	}
	if opts.Exemptions != nil {
		c.Exemptions = copyStrings(opts.Exemptions)
	}
	return c
}

// normalizePayload round-trips a payload through JSON so numbers become
// json.Number and nested values take the same shape a later read of the
// stored line produces. Nil becomes an empty map.
func normalizePayload(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return ParsePayload(string(data))
}

// ParsePayload decodes a caller-supplied JSON object. Malformed input is
// reported here, before any entry is built.
func ParsePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing JSON payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parsing JSON payload: trailing data after object")
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// decodeEntry parses one stored line. Numbers inside payloads decode as
// json.Number so re-hashing reproduces the original bytes.
func decodeEntry(data []byte) (Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Entry
	if err := dec.Decode(&e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func copyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
