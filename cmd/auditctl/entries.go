package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/auditchain/auditchain/internal/audit"
)

// ============================================================================
// auditctl log / decision: Record entries
// ============================================================================

// Entry field flags shared by log and decision.
var (
	logTool        string
	logCommand     string
	logToolVersion string
	logInputs      string
	logOutputs     string
	logRationale   string
	logWarnings    []string
	logOperator    string
	logSession     string
	logParent      string
	logLoan        string
	logDurationMs  int64

	logRegulations []string
	logRiskFlags   []string
	logChecks      []string
	logExemptions  []string
	logHumanReview bool
)

func addEntryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&logTool, "tool", "", "Tool that produced the decision (required)")
	f.StringVar(&logCommand, "command", "", "Tool command (required)")
	f.StringVar(&logToolVersion, "tool-version", "", "Tool version (defaults to audit.toolVersion)")
	f.StringVar(&logInputs, "inputs", "", "Inputs as a JSON object")
	f.StringVar(&logOutputs, "outputs", "", "Outputs as a JSON object")
	f.StringVar(&logRationale, "rationale", "", "Human-readable rationale")
	f.StringArrayVar(&logWarnings, "warning", nil, "Warning (repeatable)")
	f.StringVar(&logOperator, "operator", "", "Operator (defaults to audit.defaultOperator)")
	f.StringVar(&logSession, "session", "", "Session ID")
	f.StringVar(&logParent, "parent", "", "Parent audit ID")
	f.StringVar(&logLoan, "loan", "", "Loan ID")
	f.Int64Var(&logDurationMs, "duration-ms", 0, "Duration of the operation in milliseconds")
	f.StringArrayVar(&logRegulations, "regulation", nil, "Applicable regulation (repeatable)")
	f.StringArrayVar(&logRiskFlags, "risk-flag", nil, "Risk flag (repeatable)")
	f.StringArrayVar(&logChecks, "check", nil, "Compliance check performed (repeatable)")
	f.StringArrayVar(&logExemptions, "exemption", nil, "Compliance exemption (repeatable)")
	f.BoolVar(&logHumanReview, "human-review", false, "Mark the entry as requiring human review")
	_ = cmd.MarkFlagRequired("tool")
	_ = cmd.MarkFlagRequired("command")
}

// entryOptions turns the shared flags into LogOptions. Payloads are parsed
// here so malformed JSON is reported before anything is written.
func entryOptions(cmd *cobra.Command) (audit.LogOptions, error) {
	inputs, err := audit.ParsePayload(logInputs)
	if err != nil {
		return audit.LogOptions{}, fmt.Errorf("--inputs: %w", err)
	}
	outputs, err := audit.ParsePayload(logOutputs)
	if err != nil {
		return audit.LogOptions{}, fmt.Errorf("--outputs: %w", err)
	}

	opts := audit.LogOptions{
		Tool:          logTool,
		Command:       logCommand,
		ToolVersion:   logToolVersion,
		Inputs:        inputs,
		Outputs:       outputs,
		Rationale:     logRationale,
		Warnings:      logWarnings,
		Operator:      logOperator,
		SessionID:     logSession,
		ParentAuditID: logParent,
		LoanID:        logLoan,
	}
	if cmd.Flags().Changed("duration-ms") {
		d := logDurationMs
		opts.DurationMs = &d
	}

	// Only flags the caller actually set override compliance defaults.
	var c audit.ComplianceOptions
	set := false
	if cmd.Flags().Changed("regulation") {
		c.Regulations, set = logRegulations, true
	}
	if cmd.Flags().Changed("risk-flag") {
		c.RiskFlags, set = logRiskFlags, true
	}
	if cmd.Flags().Changed("check") {
		c.ChecksPerformed, set = logChecks, true
	}
	if cmd.Flags().Changed("exemption") {
		c.Exemptions, set = logExemptions, true
	}
	if cmd.Flags().Changed("human-review") {
		review := logHumanReview
		c.HumanReviewRequired, set = &review, true
	}
	if set {
		opts.Compliance = &c
	}
	return opts, nil
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Record an audit entry",
	Long: `Record one entry in the audit log. The entry is linked to the last stored
entry and hashed before it is appended.

Example:
  auditctl log --tool finctl --command dscr --loan L-1 \
    --inputs '{"noi":120000,"debtService":100000}' --outputs '{"dscr":1.2}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := entryOptions(cmd)
		if err != nil {
			return err
		}
		logger, closeFn, err := openLogger()
		if err != nil {
			return err
		}
		defer closeFn()

		e, err := logger.Log(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("failed to record entry: %w", err)
		}
		fmt.Println(e.AuditID)
		return nil
	},
}

// Decision-specific flags.
var (
	decisionValue   string
	decisionReasons []string
)

var decisionCmd = &cobra.Command{
	Use:   "decision",
	Short: "Record a credit decision",
	Long: `Record a credit decision. Declined decisions are tagged with ECOA and
Reg B, flagged for human review, and always carry adverse action reasons.

Example:
  auditctl decision --tool decctl --command decide --loan L-1 \
    --decision declined --reason "DSCR below 1.25"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch decisionValue {
		case audit.DecisionApproved, audit.DecisionDeclined, audit.DecisionReferred:
		default:
			return fmt.Errorf("--decision must be %s, %s or %s",
				audit.DecisionApproved, audit.DecisionDeclined, audit.DecisionReferred)
		}
		opts, err := entryOptions(cmd)
		if err != nil {
			return err
		}
		logger, closeFn, err := openLogger()
		if err != nil {
			return err
		}
		defer closeFn()

		e, err := logger.LogDecision(cmd.Context(), audit.DecisionOptions{
			LogOptions:     opts,
			Decision:       decisionValue,
			DeclineReasons: decisionReasons,
		})
		if err != nil {
			return fmt.Errorf("failed to record decision: %w", err)
		}
		fmt.Println(e.AuditID)
		return nil
	},
}

func init() {
	addEntryFlags(logCmd)
	addEntryFlags(decisionCmd)
	decisionCmd.Flags().StringVar(&decisionValue, "decision", "", "approved, declined or referred (required)")
	decisionCmd.Flags().StringArrayVar(&decisionReasons, "reason", nil, "Decline reason (repeatable)")
	_ = decisionCmd.MarkFlagRequired("decision")
}

// ============================================================================
// auditctl query / count / show: Read entries
// ============================================================================

// Query filter flags, shared by query, count and export.
var (
	filterTool        string
	filterCommand     string
	filterPattern     string
	filterLoan        string
	filterOperator    string
	filterSession     string
	filterFrom        string
	filterTo          string
	filterRiskFlags   bool
	filterHumanReview bool
	filterOffset      int
	filterLimit       int
)

func addFilterFlags(cmd *cobra.Command, paging bool) {
	f := cmd.Flags()
	f.StringVar(&filterTool, "tool", "", "Filter by tool")
	f.StringVar(&filterCommand, "command", "", "Filter by exact command")
	f.StringVar(&filterPattern, "pattern", "", "Filter by command glob, e.g. 'loan-*'")
	f.StringVar(&filterLoan, "loan", "", "Filter by loan ID")
	f.StringVar(&filterOperator, "operator", "", "Filter by operator")
	f.StringVar(&filterSession, "session", "", "Filter by session ID")
	f.StringVar(&filterFrom, "from", "", "Entries at or after this date (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&filterTo, "to", "", "Entries at or before this date (YYYY-MM-DD covers the whole day)")
	f.BoolVar(&filterRiskFlags, "risk-flags", false, "Only entries with at least one risk flag")
	f.BoolVar(&filterHumanReview, "human-review", false, "Filter by the human review flag (true/false)")
	if paging {
		f.IntVar(&filterOffset, "offset", 0, "Skip this many matching entries")
		f.IntVar(&filterLimit, "limit", 0, "Maximum number of entries to return (0 = all)")
	}
}

func filtersFromFlags(cmd *cobra.Command) (audit.Filters, error) {
	f := audit.Filters{
		LoanID:         filterLoan,
		Tool:           filterTool,
		Command:        filterCommand,
		CommandPattern: filterPattern,
		Operator:       filterOperator,
		SessionID:      filterSession,
		HasRiskFlags:   filterRiskFlags,
		Offset:         filterOffset,
		Limit:          filterLimit,
	}
	var err error
	if f.StartDate, err = audit.ParseDateBound(filterFrom, false); err != nil {
		return f, fmt.Errorf("--from: %w", err)
	}
	if f.EndDate, err = audit.ParseDateBound(filterTo, true); err != nil {
		return f, fmt.Errorf("--to: %w", err)
	}
	if cmd.Flags().Changed("human-review") {
		review := filterHumanReview
		f.HumanReviewRequired = &review
	}
	return f, nil
}

var queryJSON bool

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `List entries matching every given filter, in storage order.

Examples:
  auditctl query --loan L-1
  auditctl query --tool finctl --from 2026-01-01 --to 2026-01-31
  auditctl query --pattern 'loan-*' --risk-flags --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filtersFromFlags(cmd)
		if err != nil {
			return err
		}
		store, err := openReadStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.Query(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}
		if queryJSON {
			return audit.Export(os.Stdout, entries, "json")
		}
		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count audit entries matching filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filtersFromFlags(cmd)
		if err != nil {
			return err
		}
		store, err := openReadStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Count(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("audit count failed: %w", err)
		}
		fmt.Println(n)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <auditId>",
	Short: "Print one audit entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openReadStore()
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := store.GetByID(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("audit lookup failed: %w", err)
		}
		if e == nil {
			return fmt.Errorf("%w: %s", audit.ErrNotFound, args[0])
		}
		data, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	addFilterFlags(queryCmd, true)
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print entries as a JSON array")
	addFilterFlags(countCmd, false)
}

// ============================================================================
// auditctl verify: Replay the hash chain
// ============================================================================

var (
	verifyFrom string
	verifyJSON bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Replay the hash chain over the stored entries. For each entry the link
to its predecessor is checked first, then its own hash is recomputed.
With --from, only entries at or after that date are reported on (their
links to earlier entries are still checked).

Exits non-zero if any entry fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := audit.ParseDateBound(verifyFrom, false)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		store, err := openReadStore()
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := store.VerifyIntegrity(cmd.Context(), from)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if verifyJSON {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else if result.Valid {
			fmt.Printf("[auditctl] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
		} else {
			fmt.Printf("[auditctl] Hash chain BROKEN: %d of %d entries failed\n",
				result.InvalidEntries, result.EntriesChecked)
			for _, f := range result.Failures {
				fmt.Printf("  #%d %s [%s] %s\n", f.Index, f.AuditID, f.Timestamp, f.Reason)
				fmt.Printf("     expected: %s\n", f.Expected)
				fmt.Printf("     actual:   %s\n", f.Actual)
			}
		}
		if !result.Valid {
			return fmt.Errorf("audit chain integrity violation detected")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFrom, "from", "", "Only report on entries at or after this date")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the full result as JSON")
}

// ============================================================================
// auditctl export: Export entries
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries",
	Long: `Export matching entries (all by default) to stdout.
Supported formats: jsonl, json, csv.

Example:
  auditctl export --format csv --loan L-1 > L-1.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch exportFormat {
		case "jsonl", "json", "csv":
		default:
			return fmt.Errorf("unsupported export format %q (want jsonl, json or csv)", exportFormat)
		}
		f, err := filtersFromFlags(cmd)
		if err != nil {
			return err
		}
		store, err := openReadStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.Query(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}
		return audit.Export(os.Stdout, entries, exportFormat)
	},
}

func init() {
	addFilterFlags(exportCmd, false)
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

// ============================================================================
// auditctl tail: Recent entries, optionally following
// ============================================================================

var (
	tailLimit  int
	tailFollow bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit entries. Use -f to follow new entries (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openReadStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.Query(cmd.Context(), audit.Filters{})
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		if tailLimit > 0 && len(entries) > tailLimit {
			entries = entries[len(entries)-tailLimit:]
		}
		for _, e := range entries {
			printEntry(e)
		}

		if !tailFollow {
			return nil
		}
		follower, ok := store.(audit.Follower)
		if !ok {
			return fmt.Errorf("the configured backend does not support --follow")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := follower.Follow(ctx, printEntry); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries in real-time")
}

// printEntry formats one entry as a single terminal line.
func printEntry(e audit.Entry) {
	var marks []string
	if e.Compliance.HumanReviewRequired {
		marks = append(marks, "REVIEW")
	}
	if n := len(e.Compliance.RiskFlags); n > 0 {
		marks = append(marks, fmt.Sprintf("risk=%d", n))
	}
	if d, ok := e.Outputs["decision"].(string); ok {
		marks = append(marks, "decision="+d)
	}
	loan := e.LoanID
	if loan == "" {
		loan = "-"
	}
	fmt.Printf("[%s] %s tool=%-10s command=%-14s loan=%-10s operator=%s %s\n",
		e.Timestamp, e.AuditID, e.Tool, e.Command, loan, e.Operator, strings.Join(marks, " "))
}
