package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// maxLineSize bounds a single stored entry. Payloads are free-form JSON,
// so this is generous. Append refuses larger entries and reads skip them.
var maxLineSize = 16 * 1024 * 1024

// FileStore is the reference Store: one JSON entry per line in a single
// append-only file. Reads scan the whole file top to bottom.
//
// Each Append is one write of a complete line followed by fsync, so a
// concurrent reader sees either the whole entry or none of it.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File // Lazily opened append handle.
}

// NewFileStore prepares a file store at path, creating the parent
// directory if needed. The file itself is created on first append.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory for %s: %w", path, err)
	}
	slog.Debug("audit file store opened", "path", path)
	return &FileStore{path: path}, nil
}

// Path returns the log file location.
func (s *FileStore) Path() string {
	return s.path
}

// Append writes e as the last line of the log.
func (s *FileStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry %s: %w", e.AuditID, err)
	}
	if len(data) > maxLineSize {
		return fmt.Errorf("%w: entry %s is %d bytes, limit %d", ErrEntryTooLarge, e.AuditID, len(data), maxLineSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := openForAppend(s.path)
		if err != nil {
			return err
		}
		s.file = f
	}

	// One write per line: never split an entry across syscalls.
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry %s: %w", e.AuditID, err)
	}

	// Flush immediately, entries must survive a crash.
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing audit file %s: %w", s.path, err)
	}
	return nil
}

// openForAppend opens the log for appending. If a previous writer died
// mid-line, the torn tail is terminated first so the next entry starts on
// a fresh line; the torn line is then skipped as malformed on read.
func openForAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit file %s: %w", path, err)
	}
	if info.Size() == 0 {
		return f, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading audit file tail %s: %w", path, err)
	}
	if last[0] != '\n' {
		slog.Warn("audit file ends with a partial line, terminating it", "path", path)
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return nil, fmt.Errorf("repairing audit file tail %s: %w", path, err)
		}
	}
	return f, nil
}

// Query filters the full entry set in memory.
func (s *FileStore) Query(ctx context.Context, f Filters) ([]Entry, error) {
	entries, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return FilterEntries(entries, f)
}

// Count returns the number of entries matching f.
func (s *FileStore) Count(ctx context.Context, f Filters) (int, error) {
	entries, err := s.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return CountEntries(entries, f)
}

// GetByID scans for the entry with the given auditId.
func (s *FileStore) GetByID(ctx context.Context, id string) (*Entry, error) {
	entries, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].AuditID == id {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// GetLastEntry returns the last parseable entry, or nil for an empty log.
func (s *FileStore) GetLastEntry(ctx context.Context) (*Entry, error) {
	entries, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[len(entries)-1], nil
}

// VerifyIntegrity replays the chain over every stored entry.
func (s *FileStore) VerifyIntegrity(ctx context.Context, from time.Time) (IntegrityResult, error) {
	entries, err := s.ReadAll(ctx)
	if err != nil {
		return IntegrityResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}
	return VerifyEntries(entries, from), nil
}

// ReadAll returns every parseable entry in file order. A missing file is
// an empty log.
func (s *FileStore) ReadAll(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("opening audit file %s: %w", s.path, err)
	}
	defer f.Close()

	entries, err := readEntries(f)
	if err != nil {
		return nil, fmt.Errorf("reading audit file %s: %w", s.path, err)
	}
	return entries, nil
}

// readEntries parses JSON lines from r. Blank lines are ignored; malformed
// and oversized lines are skipped with a warning.
func readEntries(r io.Reader) ([]Entry, error) {
	entries := make([]Entry, 0)
	br := bufio.NewReaderSize(r, 64*1024)

	line := 0
	for {
		raw, oversized, err := readLine(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		atEOF := err != nil
		if atEOF && len(raw) == 0 && !oversized {
			break
		}
		line++

		switch {
		case oversized:
			slog.Warn("skipping oversized audit entry", "line", line, "limit", maxLineSize)
		case len(bytes.TrimSpace(raw)) == 0:
		default:
			e, err := decodeEntry(raw)
			if err != nil {
				slog.Warn("skipping malformed audit entry", "line", line, "error", err)
				break
			}
			entries = append(entries, e)
		}
		if atEOF {
			break
		}
	}
	return entries, nil
}

// readLine returns the next line without its newline. A line longer than
// maxLineSize is drained without being buffered and reported as oversized.
func readLine(br *bufio.Reader) (line []byte, oversized bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(bytes.TrimSuffix(chunk, []byte{'\n'})) > maxLineSize {
				oversized, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSuffix(line, []byte{'\n'}), oversized, err
	}
}

// Follow calls callback for every entry appended after Follow starts,
// including entries written by other processes. Blocks until ctx is
// cancelled.
func (s *FileStore) Follow(ctx context.Context, callback func(Entry)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating audit file watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: the log file may not exist yet, and some
	// editors replace files instead of writing in place.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	current, err := s.ReadAll(ctx)
	if err != nil {
		return err
	}
	seen := len(current)
	name := filepath.Base(s.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			entries, err := s.ReadAll(ctx)
			if err != nil {
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			if len(entries) < seen {
				// File was replaced or truncated out of band.
				slog.Warn("audit file shrank while following", "path", s.path, "was", seen, "now", len(entries))
				seen = 0
			}
			for _, e := range entries[seen:] {
				callback(e)
			}
			seen = len(entries)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("audit file watcher error", "error", err)
		}
	}
}

// Close releases the append handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("closing audit file %s: %w", s.path, err)
	}
	return nil
}
