package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store is a string-keyed persistent key/value store scoped to one profile.
// Values are opaque strings; callers own their encoding.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Lister is implemented by stores that can enumerate keys under a prefix.
// The usage sweeper and the CLI need it; counters never do.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// DailyIncrementer is implemented by stores that can advance a daily usage
// record atomically. The record at key is {"date","count"}; one from another
// date counts as zero. A zero delta only rolls the record over to date. A
// negative limit disables the check. It returns the count after the call and
// whether delta was applied.
type DailyIncrementer interface {
	IncrementDaily(ctx context.Context, key, date string, delta, limit int) (int, bool, error)
}

// ErrUnsupported is returned by Prefixed for operations the wrapped store
// does not implement.
var ErrUnsupported = errors.New("storage: operation not supported")

// Prefixed scopes every key of the wrapped store under prefix. Closing a
// Prefixed store is a no-op so one backend can be shared by many profiles.
type Prefixed struct {
	store  Store
	prefix string
}

// WithPrefix returns a view of store whose keys are prefixed with prefix.
func WithPrefix(store Store, prefix string) *Prefixed {
	return &Prefixed{store: store, prefix: prefix}
}

// Get reads key from the namespace.
func (p *Prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.store.Get(ctx, p.prefix+key)
}

// Set writes key in the namespace.
func (p *Prefixed) Set(ctx context.Context, key, value string) error {
	return p.store.Set(ctx, p.prefix+key, value)
}

// Remove deletes key from the namespace.
func (p *Prefixed) Remove(ctx context.Context, key string) error {
	return p.store.Remove(ctx, p.prefix+key)
}

// IncrementDaily forwards to the wrapped store when it is a DailyIncrementer.
func (p *Prefixed) IncrementDaily(ctx context.Context, key, date string, delta, limit int) (int, bool, error) {
	inc, ok := p.store.(DailyIncrementer)
	if !ok {
		return 0, false, ErrUnsupported
	}
	return inc.IncrementDaily(ctx, p.prefix+key, date, delta, limit)
}

// Close does nothing; the underlying store is owned by whoever opened it.
func (p *Prefixed) Close() error { return nil }

// ProfileStore returns the namespace used for one user profile.
func ProfileStore(store Store, profileID string) *Prefixed {
	if profileID == "" {
		profileID = "anonymous"
	}
	return WithPrefix(store, "profile:"+profileID+":")
}
