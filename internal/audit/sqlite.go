package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps entries in a SQLite table. The autoincrement seq
// column fixes append order; the complete entry JSON lives in doc, and the
// remaining columns exist only to pre-select rows for Query and Count.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory for %s: %w", path, err)
	}

	// WAL lets CLI readers run while a server process appends.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	// A single connection serializes writes from this process.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_id       TEXT NOT NULL,
			ts             TEXT NOT NULL,
			tool           TEXT NOT NULL DEFAULT '',
			command        TEXT NOT NULL DEFAULT '',
			operator       TEXT NOT NULL DEFAULT '',
			session_id     TEXT NOT NULL DEFAULT '',
			loan_id        TEXT NOT NULL DEFAULT '',
			risk_flags     INTEGER NOT NULL DEFAULT 0,
			human_review   INTEGER NOT NULL DEFAULT 0,
			entry_hash     TEXT NOT NULL,
			doc            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_audit_id ON entries(audit_id);
		CREATE INDEX IF NOT EXISTS idx_entries_tool ON entries(tool);
		CREATE INDEX IF NOT EXISTS idx_entries_loan_id ON entries(loan_id);
		CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	slog.Debug("audit sqlite store opened", "path", path)
	return &SQLiteStore{db: db}, nil
}

// Append inserts e as the newest row.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry %s: %w", e.AuditID, err)
	}
	// Same cap as the file store, so any stored entry can be exported as
	// a readable JSONL line.
	if len(doc) > maxLineSize {
		return fmt.Errorf("%w: entry %s is %d bytes, limit %d", ErrEntryTooLarge, e.AuditID, len(doc), maxLineSize)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (audit_id, ts, tool, command, operator, session_id, loan_id, risk_flags, human_review, entry_hash, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AuditID, e.Timestamp, e.Tool, e.Command, e.Operator, e.SessionID, e.LoanID,
		len(e.Compliance.RiskFlags), boolToInt(e.Compliance.HumanReviewRequired),
		e.EntryHash, string(doc),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry %s: %w", e.AuditID, err)
	}
	return nil
}

// Query pre-selects rows in SQL, then applies the shared in-memory filter
// and pagination so both backends answer identically.
func (s *SQLiteStore) Query(ctx context.Context, f Filters) ([]Entry, error) {
	entries, err := s.selectEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	return FilterEntries(entries, f)
}

// Count returns the number of entries matching f.
func (s *SQLiteStore) Count(ctx context.Context, f Filters) (int, error) {
	entries, err := s.selectEntries(ctx, f)
	if err != nil {
		return 0, err
	}
	return CountEntries(entries, f)
}

// GetByID returns the first entry with the given auditId, or nil.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Entry, error) {
	return s.selectOne(ctx, "SELECT doc FROM entries WHERE audit_id = ? ORDER BY seq ASC LIMIT 1", id)
}

// GetLastEntry returns the row with the highest seq, or nil.
func (s *SQLiteStore) GetLastEntry(ctx context.Context) (*Entry, error) {
	return s.selectOne(ctx, "SELECT doc FROM entries ORDER BY seq DESC LIMIT 1")
}

// VerifyIntegrity loads every row in seq order and replays the chain.
func (s *SQLiteStore) VerifyIntegrity(ctx context.Context, from time.Time) (IntegrityResult, error) {
	entries, err := s.selectEntries(ctx, Filters{})
	if err != nil {
		return IntegrityResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}
	return VerifyEntries(entries, from), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) selectOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying sqlite store: %w", err)
	}
	e, err := decodeEntry([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("decoding stored entry: %w", err)
	}
	return &e, nil
}

// selectEntries narrows rows with the indexed columns. Filters with no SQL
// equivalent (CommandPattern) are left to FilterEntries.
func (s *SQLiteStore) selectEntries(ctx context.Context, f Filters) ([]Entry, error) {
	query := "SELECT seq, doc FROM entries WHERE 1=1"
	var args []any

	if f.LoanID != "" {
		query += " AND loan_id = ?"
		args = append(args, f.LoanID)
	}
	if f.Tool != "" {
		query += " AND tool = ?"
		args = append(args, f.Tool)
	}
	if f.Command != "" {
		query += " AND command = ?"
		args = append(args, f.Command)
	}
	if f.Operator != "" {
		query += " AND operator = ?"
		args = append(args, f.Operator)
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if !f.StartDate.IsZero() {
		query += " AND ts >= ?"
		args = append(args, FormatTimestamp(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		query += " AND ts <= ?"
		args = append(args, FormatTimestamp(f.EndDate))
	}
	if f.HasRiskFlags {
		query += " AND risk_flags > 0"
	}
	if f.HumanReviewRequired != nil {
		query += " AND human_review = ?"
		args = append(args, boolToInt(*f.HumanReviewRequired))
	}

	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite store: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			seq int64
			doc string
		)
		if err := rows.Scan(&seq, &doc); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		e, err := decodeEntry([]byte(doc))
		if err != nil {
			slog.Warn("skipping malformed audit entry", "seq", seq, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
