// Package audit implements the tamper-evident, hash-chained decision log.
//
// Every decision is recorded as an Entry. Each entry's EntryHash is the
// SHA-256 of its canonical form, and that form includes PreviousHash, the
// EntryHash of the entry appended before it. Changing any stored entry
// therefore breaks either its own hash or the link from its successor.
//
// Storage is pluggable through the Store interface. FileStore, the
// reference backend, keeps one JSON object per line in an append-only file.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// ComputeEntryHash returns the lowercase hex SHA-256 of the entry's
// canonical form. EntryHash itself is never part of the input.
//
// Canonical form is a JSON object with this fixed key order:
//
//	auditId, timestamp, tool, command, toolVersion, inputs, outputs,
//	rationale, warnings, compliance, operator, sessionId, parentAuditId,
//	loanId, durationMs, previousHash
//
// Optional keys are left out when empty, so an omitted field and an
// explicitly empty one hash the same. Nil maps are written as {} and nil
// lists as []. This layout must never change: stored chains depend on it.
func ComputeEntryHash(e *Entry) (string, error) {
	canonical, err := canonicalForm(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalForm(e *Entry) ([]byte, error) {
	w := &canonicalWriter{buf: &bytes.Buffer{}}
	w.buf.WriteByte('{')
	w.str("auditId", e.AuditID)
	w.str("timestamp", e.Timestamp)
	w.str("tool", e.Tool)
	w.str("command", e.Command)
	w.str("toolVersion", e.ToolVersion)
	w.payload("inputs", e.Inputs)
	w.payload("outputs", e.Outputs)
	w.str("rationale", e.Rationale)
	w.list("warnings", e.Warnings)
	w.key("compliance")
	w.compliance(&e.Compliance)
	w.str("operator", e.Operator)
	w.optStr("sessionId", e.SessionID)
	w.optStr("parentAuditId", e.ParentAuditID)
	w.optStr("loanId", e.LoanID)
	if e.DurationMs != nil {
		w.key("durationMs")
		w.buf.WriteString(strconv.FormatInt(*e.DurationMs, 10))
	}
	w.optStr("previousHash", e.PreviousHash)
	w.buf.WriteByte('}')

	if w.err != nil {
		return nil, fmt.Errorf("canonicalizing entry %s: %w", e.AuditID, w.err)
	}
	return w.buf.Bytes(), nil
}

// canonicalWriter emits JSON members in call order. The first error
// sticks and later writes become no-ops.
type canonicalWriter struct {
	buf   *bytes.Buffer
	count int
	err   error
}

func (w *canonicalWriter) key(k string) {
	if w.count > 0 {
		w.buf.WriteByte(',')
	}
	w.count++
	w.value(k)
	w.buf.WriteByte(':')
}

// value writes v with encoding/json. Maps come out with sorted keys, which
// keeps nested payloads stable across processes.
func (w *canonicalWriter) value(v any) {
	if w.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		w.err = err
		return
	}
	w.buf.Write(data)
}

func (w *canonicalWriter) str(k, v string) {
	w.key(k)
	w.value(v)
}

func (w *canonicalWriter) optStr(k, v string) {
	if v == "" {
		return
	}
	w.str(k, v)
}

func (w *canonicalWriter) list(k string, v []string) {
	w.key(k)
	if v == nil {
		v = []string{}
	}
	w.value(v)
}

func (w *canonicalWriter) payload(k string, v map[string]any) {
	w.key(k)
	if v == nil {
		v = map[string]any{}
	}
	w.value(v)
}

func (w *canonicalWriter) compliance(c *Compliance) {
	inner := &canonicalWriter{buf: w.buf}
	w.buf.WriteByte('{')
	inner.list("regulations", c.Regulations)
	inner.list("riskFlags", c.RiskFlags)
	inner.key("humanReviewRequired")
	inner.value(c.HumanReviewRequired)
	if len(c.ChecksPerformed) > 0 {
		inner.list("checksPerformed", c.ChecksPerformed)
	}
	if len(c.Exemptions) > 0 {
		inner.list("exemptions", c.Exemptions)
	}
	w.buf.WriteByte('}')
	if inner.err != nil && w.err == nil {
		w.err = inner.err
	}
}

// verifyEntryHash recomputes the hash of a stored entry. It returns the
// recomputed value and whether it matches the stored one.
func verifyEntryHash(e *Entry) (string, bool) {
	expected, err := ComputeEntryHash(e)
	if err != nil {
		return "", false
	}
	return expected, expected == e.EntryHash
}
