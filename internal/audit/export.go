package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Export writes entries to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func Export(w io.Writer, entries []Entry, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{
			"auditId", "timestamp", "tool", "command", "toolVersion", "operator",
			"loanId", "sessionId", "parentAuditId", "durationMs", "rationale",
			"regulations", "riskFlags", "humanReviewRequired", "warnings",
			"inputs", "outputs", "previousHash", "entryHash",
		}); err != nil {
			return err
		}
		for _, e := range entries {
			inputs, err := json.Marshal(e.Inputs)
			if err != nil {
				return fmt.Errorf("marshaling inputs of %s: %w", e.AuditID, err)
			}
			outputs, err := json.Marshal(e.Outputs)
			if err != nil {
				return fmt.Errorf("marshaling outputs of %s: %w", e.AuditID, err)
			}
			var duration string
			if e.DurationMs != nil {
				duration = strconv.FormatInt(*e.DurationMs, 10)
			}
			if err := cw.Write([]string{
				e.AuditID,
				e.Timestamp,
				e.Tool,
				e.Command,
				e.ToolVersion,
				e.Operator,
				e.LoanID,
				e.SessionID,
				e.ParentAuditID,
				duration,
				e.Rationale,
				strings.Join(e.Compliance.Regulations, ";"),
				strings.Join(e.Compliance.RiskFlags, ";"),
				strconv.FormatBool(e.Compliance.HumanReviewRequired),
				strings.Join(e.Warnings, ";"),
				string(inputs),
				string(outputs),
				e.PreviousHash,
				e.EntryHash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
