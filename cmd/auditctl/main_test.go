package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditchain/auditchain/internal/audit"
)

// newEntryCmd returns a throwaway command carrying the shared entry flags.
// Defining the flags again resets the package-level flag variables.
func newEntryCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addEntryFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	cmd.SetContext(context.Background())
	return cmd
}

func newFilterCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addFilterFlags(cmd, true)
	require.NoError(t, cmd.ParseFlags(args))
	cmd.SetContext(context.Background())
	return cmd
}

// useConfigDir points the CLI at an empty config directory for one test.
func useConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := configDir
	configDir = dir
	t.Cleanup(func() { configDir = prev })
	return dir
}

func TestEntryOptions(t *testing.T) {
	cmd := newEntryCmd(t,
		"--tool", "finctl", "--command", "dscr", "--loan", "L-1",
		"--inputs", `{"noi":120000}`, "--duration-ms", "0",
		"--risk-flag", "high-ltv", "--human-review=false",
	)

	opts, err := entryOptions(cmd)
	require.NoError(t, err)
	assert.Equal(t, "finctl", opts.Tool)
	assert.Equal(t, "L-1", opts.LoanID)
	assert.Contains(t, opts.Inputs, "noi")
	require.NotNil(t, opts.DurationMs, "an explicit zero duration is still recorded")
	assert.Equal(t, int64(0), *opts.DurationMs)

	require.NotNil(t, opts.Compliance)
	assert.Equal(t, []string{"high-ltv"}, opts.Compliance.RiskFlags)
	assert.Nil(t, opts.Compliance.Regulations, "unset flags leave defaults alone")
	require.NotNil(t, opts.Compliance.HumanReviewRequired)
	assert.False(t, *opts.Compliance.HumanReviewRequired)
}

func TestEntryOptions_NoOptionalFlags(t *testing.T) {
	opts, err := entryOptions(newEntryCmd(t, "--tool", "finctl", "--command", "dscr"))
	require.NoError(t, err)
	assert.Nil(t, opts.Compliance)
	assert.Nil(t, opts.DurationMs)
	assert.Empty(t, opts.Inputs)
}

func TestEntryOptions_BadPayload(t *testing.T) {
	_, err := entryOptions(newEntryCmd(t, "--tool", "finctl", "--command", "dscr", "--inputs", `{"noi":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--inputs")

	_, err = entryOptions(newEntryCmd(t, "--tool", "finctl", "--command", "dscr", "--outputs", `[1,2]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--outputs")
}

func TestFiltersFromFlags(t *testing.T) {
	f, err := filtersFromFlags(newFilterCmd(t, "--loan", "L-1", "--pattern", "loan-*", "--to", "2026-03-01", "--human-review=false"))
	require.NoError(t, err)

	assert.Equal(t, "L-1", f.LoanID)
	assert.Equal(t, "loan-*", f.CommandPattern)
	assert.Equal(t, 0, f.Limit, "no limit unless asked")
	assert.True(t, f.StartDate.IsZero())
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, int(999*time.Millisecond), time.UTC), f.EndDate)
	require.NotNil(t, f.HumanReviewRequired)
	assert.False(t, *f.HumanReviewRequired)

	f, err = filtersFromFlags(newFilterCmd(t))
	require.NoError(t, err)
	assert.Nil(t, f.HumanReviewRequired, "human review filter only applies when set")

	_, err = filtersFromFlags(newFilterCmd(t, "--from", "last week"))
	assert.Error(t, err)
}

func TestLogDecisionVerify(t *testing.T) {
	dir := useConfigDir(t)

	require.NoError(t, logCmd.RunE(newEntryCmd(t,
		"--tool", "finctl", "--command", "dscr", "--loan", "L-1",
		"--inputs", `{"noi":120000,"borrower_ssn":"123-45-6789"}`,
	), nil))

	decisionValue, decisionReasons = "declined", nil
	t.Cleanup(func() { decisionValue, decisionReasons = "", nil })
	require.NoError(t, decisionCmd.RunE(newEntryCmd(t, "--tool", "decctl", "--command", "decide", "--loan", "L-1"), nil))

	decisionValue = "maybe"
	assert.Error(t, decisionCmd.RunE(newEntryCmd(t, "--tool", "decctl", "--command", "decide"), nil))

	store, err := audit.NewFileStore(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	entries, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, entries, 2, "a rejected decision must not be written")

	assert.Equal(t, "[REDACTED]", entries[0].Inputs["borrower_ssn"])
	assert.Equal(t, "unknown", entries[0].Operator)
	assert.Equal(t, entries[0].EntryHash, entries[1].PreviousHash)
	assert.Equal(t, []string{"ECOA", "Reg B"}, entries[1].Compliance.Regulations)
	assert.True(t, entries[1].Compliance.HumanReviewRequired)

	verify := &cobra.Command{Use: "verify"}
	verify.SetContext(context.Background())
	require.NoError(t, verifyCmd.RunE(verify, nil))

	path := filepath.Join(dir, "audit.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"loanId":"L-1"`, `"loanId":"L-2"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	assert.Error(t, verifyCmd.RunE(verify, nil), "verify must fail on a tampered log")
}
