package storedmap

import "errors"

// Sentinel errors returned by the core. Driver implementations and callers
// should use errors.Is against these rather than comparing messages.
var (
	// ErrRecordRemoved is returned when a mutation is attempted against a
	// Record that has already been removed in this process.
	ErrRecordRemoved = errors.New("storedmap: record removed")

	// ErrStoreClosed is returned by Store.Category after Close has been
	// called.
	ErrStoreClosed = errors.New("storedmap: store closed")

	// ErrNoSorter names a range query against a category whose records
	// carry no sort key. No function in this module returns it:
	// Category.Keys passes a sort range to the driver without that check.
	ErrNoSorter = errors.New("storedmap: no sort key")
)

// StoredMapError wraps configuration and connection failures, mirroring the
// named "StoredMap" error the original library raises at Store construction
// time (see spec §7, "Configuration failure").
type StoredMapError struct {
	Op  string
	Err error
}

func (e *StoredMapError) Error() string {
	if e.Op == "" {
		return "storedmap: " + e.Err.Error()
	}
	return "storedmap: " + e.Op + ": " + e.Err.Error()
}

func (e *StoredMapError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoredMapError{Op: op, Err: err}
}
