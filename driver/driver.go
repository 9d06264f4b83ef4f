// Package driver defines the capability interface a storage back end must
// implement to serve as a storedmap driver. The core never assumes anything
// about a driver's internals beyond this contract: a primary blob index keyed
// by (key, index name), a secondary search index over the same key space, and
// an advisory, timed, back-end-stored lease.
//
// Concrete drivers (a JDBC-equivalent, an Elasticsearch-equivalent, a mixed
// primary/secondary pairing) are explicitly out of scope for this package;
// see the storedmap/pebbledriver package for a reference implementation used
// by the core's own tests.
package driver

import (
	"context"
	"time"

	"golang.org/x/text/language"
)

// Conn is the opaque handle a driver returns from OpenConnection and expects
// back on every subsequent call. The core never inspects it.
type Conn any

// Limits reports the back end's capacity ceilings. The core sizes its own
// encodings (sort keys, index names) to fit within them.
type Limits struct {
	MaxIndexNameLen int
	MaxKeyLen       int
	MaxTagLen       int
	MaxSorterLen    int
}

// ListQuery describes the combination of filters an enumeration or count may
// apply. A zero value means "everything." Exactly which fields a given
// driver honors is driver-defined; the core only guarantees it will populate
// fields that make sense for the call site.
type ListQuery struct {
	// TextQuery is passed through to the driver verbatim; the core never
	// interprets it.
	TextQuery string

	// SortMin/SortMax bound a sort-byte range (inclusive). Nil means
	// unbounded on that side.
	SortMin, SortMax []byte
	Ascending        bool
	HasSortRange     bool

	// AnyOfTags matches records carrying at least one of these tags.
	AnyOfTags []string

	// From/Size page the result; Size <= 0 means unbounded.
	From int
	Size int
}

// KeyIterator is a lazy, finite sequence of keys. Callers must either
// exhaust it or Close it to let the driver release any underlying cursor or
// connection resources.
type KeyIterator interface {
	// Next advances the iterator and reports whether a key is available.
	Next() bool
	// Key returns the key most recently made available by Next.
	Key() string
	// Err returns the first error encountered during iteration, if any.
	Err() error
	// Close releases resources held by the iterator. Safe to call more than
	// once.
	Close() error
}

// Driver is the capability interface the core consumes. Every method that
// hands the caller a completion signal (onPrimaryDone, onProceedSecondary,
// onDone) must eventually invoke it exactly once; the core makes no
// assumption about which goroutine does the invoking.
type Driver interface {
	// OpenConnection establishes whatever the driver needs (a database
	// handle, an HTTP client, a file handle) from the passthrough
	// configuration. extra carries every config key storedmap.Config does
	// not itself recognize.
	OpenConnection(ctx context.Context, extra map[string]string) (Conn, error)

	// CloseConnection releases resources obtained from OpenConnection.
	CloseConnection(conn Conn) error

	// Limits reports this connection's capacity ceilings.
	Limits(conn Conn) Limits

	// Get reads a primary blob. A nil, nil return means absent.
	Get(ctx context.Context, key, index string, conn Conn) ([]byte, error)

	// Put writes a primary blob. The driver must call onPrimaryDone once the
	// blob is durably accepted, and onProceedSecondary once it is ready for
	// the secondary-index write to begin (which may be the same moment).
	Put(ctx context.Context, key, index string, conn Conn, value []byte, onPrimaryDone, onProceedSecondary func()) error

	// PutSecondary indexes a record's searchable projection: its decoded map
	// tree, the category's locales, its optional secondary key, its encoded
	// sort bytes, and its tags. onDone is called once the write completes.
	PutSecondary(ctx context.Context, key, index string, conn Conn, tree map[string]any, locales []language.Tag, secondaryKey string, sortBytes []byte, tags []string, onDone func()) error

	// Remove deletes both the primary blob and the secondary-index entry for
	// key. onDone is called once the removal completes.
	Remove(ctx context.Context, key, index string, conn Conn, onDone func()) error

	// List enumerates keys in index matching q. The returned iterator must
	// be closed.
	List(ctx context.Context, index string, conn Conn, q ListQuery) (KeyIterator, error)

	// Count reports how many keys in index match q.
	Count(ctx context.Context, index string, conn Conn, q ListQuery) (int64, error)

	// GetIndices enumerates every index name known to the back end, used to
	// recover the set of categories that already exist.
	GetIndices(ctx context.Context, conn Conn) (KeyIterator, error)

	// TryLock attempts to acquire the lease on (key, index) for ttl. A
	// return of <=0 means the lease is now held by the caller; a positive
	// return is how long the caller should wait before retrying, because the
	// lease is currently held elsewhere.
	TryLock(ctx context.Context, key, index string, conn Conn, ttl time.Duration) (time.Duration, error)

	// Unlock releases a lease regardless of its configured TTL.
	Unlock(ctx context.Context, key, index string, conn Conn) error
}
