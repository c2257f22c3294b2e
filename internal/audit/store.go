package audit

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by outer layers (HTTP, CLI) when a lookup finds
// nothing. Store methods themselves report absence as a nil *Entry.
var ErrNotFound = errors.New("audit entry not found")

// ErrEntryTooLarge is returned by Append when the serialized entry exceeds
// the per-entry size limit. Nothing is written.
var ErrEntryTooLarge = errors.New("audit entry too large")

// Store is the persistence contract behind the Logger. Implementations
// must keep append order as the authoritative chain order; nothing in
// this package sorts entries by timestamp.
type Store interface {
	// Append durably adds e as the new last record.
	Append(ctx context.Context, e Entry) error

	// Query returns entries matching every set filter, in storage order,
	// after applying offset/limit.
	Query(ctx context.Context, f Filters) ([]Entry, error)

	// GetByID returns the entry with the given auditId, or nil if absent.
	GetByID(ctx context.Context, id string) (*Entry, error)

	// GetLastEntry returns the most recently appended entry, or nil if the
	// store is empty.
	GetLastEntry(ctx context.Context) (*Entry, error)

	// VerifyIntegrity replays the chain. A zero from checks every entry;
	// otherwise only entries at or after from are reported on.
	VerifyIntegrity(ctx context.Context, from time.Time) (IntegrityResult, error)

	// Count returns how many entries match f (offset/limit are ignored).
	Count(ctx context.Context, f Filters) (int, error)

	Close() error
}

// Follower is implemented by stores that can stream entries appended by
// other processes.
type Follower interface {
	Follow(ctx context.Context, callback func(Entry)) error
}
