package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Decision values understood by LogDecision.
const (
	DecisionApproved = "approved"
	DecisionDeclined = "declined"
	DecisionReferred = "referred"
)

// DefaultAdverseActionReason is recorded when a decline carries no reasons.
const DefaultAdverseActionReason = "See detailed analysis for decline rationale"

// declineRegulations are added to every declined decision.
var declineRegulations = []string{"ECOA", "Reg B"}

// Sanitizer redacts sensitive input fields before they are hashed and
// stored.
type Sanitizer interface {
	Sanitize(inputs map[string]any) map[string]any
}

// LoggerConfig replaces ambient defaults with explicit configuration.
type LoggerConfig struct {
	// DefaultOperator is used when an entry names no operator.
	DefaultOperator string

	// SessionID binds every entry without its own sessionId to a session.
	SessionID string

	// ToolVersion is used when an entry names no tool version.
	ToolVersion string

	// Sanitizer is applied to inputs exactly once per Log. Nil disables
	// redaction.
	Sanitizer Sanitizer

	// LockPath, when set, names an advisory lock file taken around every
	// read-last + append, so separate processes cannot fork the chain.
	LockPath string

	// OnAppend is called after each successful append.
	OnAppend func(Entry)

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Logger builds, hashes and appends entries. It is safe for concurrent
// use: fetching the last hash and appending happen under one lock.
type Logger struct {
	mu       *sync.Mutex // Shared with WithSession children.
	store    Store
	cfg      LoggerConfig
	defaults entryDefaults
	fileLock *flock.Flock
}

// NewLogger returns a logger writing to store.
func NewLogger(store Store, cfg LoggerConfig) *Logger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	l := &Logger{
		mu:    &sync.Mutex{},
		store: store,
		cfg:   cfg,
		defaults: entryDefaults{
			operator:    cfg.DefaultOperator,
			sessionID:   cfg.SessionID,
			toolVersion: cfg.ToolVersion,
		},
	}
	if cfg.LockPath != "" {
		l.fileLock = flock.New(cfg.LockPath)
	}
	return l
}

// Store returns the underlying store.
func (l *Logger) Store() Store {
	return l.store
}

// WithSession returns a logger sharing this logger's store and lock, with
// entries bound to sessionID by default.
func (l *Logger) WithSession(sessionID string) *Logger {
	cfg := l.cfg
	cfg.SessionID = sessionID
	child := NewLogger(l.store, cfg)
	child.mu = l.mu
	child.fileLock = l.fileLock
	return child
}

// Log records one entry: sanitize inputs, link to the last stored entry,
// hash, append. The returned entry is exactly what was stored.
func (l *Logger) Log(ctx context.Context, opts LogOptions) (Entry, error) {
	if l.cfg.Sanitizer != nil {
		// Normalize first: the sanitizer only walks map[string]any and
		// []any, so typed maps and slices must be flattened to those.
		inputs, err := normalizePayload(opts.Inputs)
		if err != nil {
			return Entry{}, fmt.Errorf("encoding audit inputs: %w", err)
		}
		opts.Inputs = l.cfg.Sanitizer.Sanitize(inputs)
	}

	unlock, err := l.lock(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	last, err := l.store.GetLastEntry(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("reading last audit entry: %w", err)
	}
	var previousHash string
	if last != nil {
		previousHash = last.EntryHash
	}

	e, err := buildEntry(opts, l.defaults, previousHash, l.cfg.NewID(), FormatTimestamp(l.cfg.Now()))
	if err != nil {
		return Entry{}, err
	}
	hash, err := ComputeEntryHash(&e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash

	if err := l.store.Append(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("appending audit entry: %w", err)
	}

	slog.Debug("audit entry appended", "audit_id", e.AuditID, "tool", e.Tool, "command", e.Command)
	if l.cfg.OnAppend != nil {
		l.cfg.OnAppend(e)
	}
	return e, nil
}

// lock takes the in-process mutex and, if configured, the file lock.
func (l *Logger) lock(ctx context.Context) (func(), error) {
	l.mu.Lock()
	if l.fileLock == nil {
		return l.mu.Unlock, nil
	}

	locked, err := l.fileLock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !locked {
		l.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("acquiring audit lock %s: %w", l.fileLock.Path(), err)
	}
	return func() {
		if err := l.fileLock.Unlock(); err != nil {
			slog.Error("releasing audit lock failed", "path", l.fileLock.Path(), "error", err)
		}
		l.mu.Unlock()
	}, nil
}

// DecisionOptions records a credit decision on top of LogOptions.
type DecisionOptions struct {
	LogOptions
	Decision       string   `json:"decision"`
	DeclineReasons []string `json:"declineReasons,omitempty"`
}

// LogDecision applies the decision policy and logs the result.
//
// Every decision is copied into outputs.decision. A declined decision also
// adds ECOA and Reg B to the regulations, forces human review, and makes
// sure outputs.adverseActionReasons is non-empty.
func (l *Logger) LogDecision(ctx context.Context, opts DecisionOptions) (Entry, error) {
	return l.Log(ctx, applyDecisionPolicy(opts))
}

func applyDecisionPolicy(opts DecisionOptions) LogOptions {
	lo := opts.LogOptions

	outputs := make(map[string]any, len(lo.Outputs)+2)
	for k, v := range lo.Outputs {
		outputs[k] = v
	}
	outputs["decision"] = opts.Decision
	lo.Outputs = outputs

	if opts.Decision != DecisionDeclined {
		return lo
	}

	switch {
	case len(opts.DeclineReasons) > 0:
		outputs["adverseActionReasons"] = copyStrings(opts.DeclineReasons)
	case hasReasons(outputs["adverseActionReasons"]):
		// Caller already supplied reasons in outputs.
	default:
		outputs["adverseActionReasons"] = []string{DefaultAdverseActionReason}
	}

	var c ComplianceOptions
	if lo.Compliance != nil {
		c = *lo.Compliance
	}
	c.Regulations = appendUnique(c.Regulations, declineRegulations...)
	review := true
	c.HumanReviewRequired = &review
	lo.Compliance = &c
	return lo
}

func hasReasons(v any) bool {
	switch r := v.(type) {
	case []string:
		return len(r) > 0
	case []any:
		return len(r) > 0
	default:
		return false
	}
}

// appendUnique appends values not already present, keeping first-seen order.
func appendUnique(list []string, values ...string) []string {
	out := make([]string, 0, len(list)+len(values))
	seen := make(map[string]bool, len(list)+len(values))
	for _, v := range append(append([]string{}, list...), values...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
