// Package nameindex derives back-end-legal index names from user-supplied
// category names, minting a persistent UUID alias through a directory index
// when the natural name would exceed the driver's length limit.
package nameindex

import (
	"context"
	"encoding/base32"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vsetec/storedmap/driver"
)

const (
	// directoryLockKey is the well-known lock key used to serialise the
	// "look up then mint" critical section across processes (spec §4.2,
	// §6).
	directoryLockKey    = "100"
	directoryLeaseTTL   = 10 * time.Second
	directoryBackoffCap = 100 * time.Millisecond
)

var plainNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var base32Enc = base32.StdEncoding.WithPadding('*')

// sanitise converts s to a basic-Latin, driver-legal fragment. Names already
// matching the plain pattern (and not ending in the w32 suffix, which would
// make a plain name ambiguous with an encoded one) pass through lowercased;
// everything else is Base32-encoded and suffixed.
func sanitise(s string) string {
	if plainNamePattern.MatchString(s) && !strings.HasSuffix(s, "w32") {
		return strings.ToLower(s)
	}
	encoded := base32Enc.EncodeToString([]byte(s))
	encoded = strings.TrimRight(encoded, "*")
	return strings.ToLower(encoded + "w32")
}

// restoreNonLatin inverts sanitise for the Base32 branch. Plain names are
// returned unchanged.
func restoreNonLatin(s string) (string, error) {
	if !strings.HasSuffix(s, "w32") {
		return s, nil
	}
	upper := strings.ToUpper(s[:len(s)-3])
	dec, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(upper)
	if err != nil {
		return "", err
	}
	return string(dec), nil
}

// Translator derives and recovers internal index names for one application
// code against one driver connection.
type Translator struct {
	drv     driver.Driver
	conn    driver.Conn
	appCode string

	// inverseCache memoizes internalIndex -> categoryName so repeated
	// Inverse calls (Store.Categories enumerates every known index every
	// time it's called) skip the directory index read once a name is
	// known.
	inverseCache *ttlCache
}

// inverseCacheTTL bounds how long an Inverse result is trusted before the
// directory index is re-read; the mapping itself never changes once
// written (spec §4.2), so this is a safety margin, not a correctness
// requirement.
const inverseCacheTTL = 5 * time.Minute

// New builds a Translator. appCode is the un-sanitised application code from
// storedmap.Config.
func New(drv driver.Driver, conn driver.Conn, appCode string) *Translator {
	return &Translator{drv: drv, conn: conn, appCode: appCode, inverseCache: newTTLCache(inverseCacheTTL)}
}

// Translate computes the internal index name for categoryName, minting and
// persisting a UUID alias through the directory index when the natural
// sanitised name would exceed the driver's MaxIndexNameLen.
func (t *Translator) Translate(ctx context.Context, categoryName string) (string, error) {
	limits := t.drv.Limits(t.conn)
	appSan := sanitise(t.appCode)
	candidate := appSan + "_" + sanitise(categoryName)
	if len(candidate) <= limits.MaxIndexNameLen {
		return candidate, nil
	}

	dirIndex := appSan + "__indices"
	if err := waitAndLock(ctx, t.drv, t.conn, directoryLockKey, dirIndex, directoryLeaseTTL, directoryBackoffCap, 0); err != nil {
		return "", err
	}

	id, err := t.findExistingAlias(ctx, dirIndex, categoryName)
	if err != nil {
		_ = t.drv.Unlock(ctx, directoryLockKey, dirIndex, t.conn)
		return "", err
	}

	if id != "" {
		if err := t.drv.Unlock(ctx, directoryLockKey, dirIndex, t.conn); err != nil {
			return "", err
		}
	} else {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := putSync(ctx, t.drv, id, dirIndex, t.conn, []byte(categoryName)); err != nil {
			_ = t.drv.Unlock(ctx, directoryLockKey, dirIndex, t.conn)
			return "", err
		}
		if err := t.drv.Unlock(ctx, directoryLockKey, dirIndex, t.conn); err != nil {
			return "", err
		}
	}

	internalIndex := appSan + "_" + id
	t.inverseCache.Set(internalIndex, categoryName)
	return internalIndex, nil
}

// LocalesIndexName returns the per-category locales directory index name
// for this application code (spec §6, "a__locales": key = internal index
// name, value = serialised locales list).
func (t *Translator) LocalesIndexName() string {
	return sanitise(t.appCode) + "__locales"
}

// Inverse recovers the original category name from an internal index name.
// It first checks the directory index (for UUID-aliased names), falling
// back to the sanitise inverse for names that were short enough to encode
// directly.
func (t *Translator) Inverse(ctx context.Context, internalIndex string) (string, error) {
	if name, ok := t.inverseCache.Get(internalIndex); ok {
		return name, nil
	}

	appSan := sanitise(t.appCode)
	prefix := appSan + "_"
	if !strings.HasPrefix(internalIndex, prefix) {
		return "", nil
	}
	rest := internalIndex[len(prefix):]
	if strings.HasPrefix(rest, "_") {
		return "", nil
	}

	dirIndex := appSan + "__indices"
	val, err := t.drv.Get(ctx, rest, dirIndex, t.conn)
	if err != nil {
		return "", err
	}
	if val != nil {
		name := string(val)
		t.inverseCache.Set(internalIndex, name)
		return name, nil
	}

	name, err := restoreNonLatin(rest)
	if err != nil {
		return "", err
	}
	t.inverseCache.Set(internalIndex, name)
	return name, nil
}

func (t *Translator) findExistingAlias(ctx context.Context, dirIndex, categoryName string) (string, error) {
	it, err := t.drv.List(ctx, dirIndex, t.conn, driver.ListQuery{})
	if err != nil {
		return "", err
	}
	defer it.Close()

	for it.Next() {
		key := it.Key()
		val, err := t.drv.Get(ctx, key, dirIndex, t.conn)
		if err != nil {
			return "", err
		}
		if val != nil && string(val) == categoryName {
			return key, nil
		}
	}
	return "", it.Err()
}

// waitAndLock retries TryLock until acquired, sleeping for at most capBackoff
// (floored at floor) between attempts, per spec §5's lease-wait contract.
func waitAndLock(ctx context.Context, drv driver.Driver, conn driver.Conn, key, index string, ttl, capBackoff, floor time.Duration) error {
	for {
		wait, err := drv.TryLock(ctx, key, index, conn, ttl)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		backoff := wait
		if backoff > capBackoff {
			backoff = capBackoff
		}
		if floor > 0 && backoff < floor {
			backoff = floor
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// putSync blocks until the driver's asynchronous primary write for a
// directory-index entry has been durably accepted.
func putSync(ctx context.Context, drv driver.Driver, key, index string, conn driver.Conn, value []byte) error {
	done := make(chan struct{})
	err := drv.Put(ctx, key, index, conn, value, func() { close(done) }, func() {})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
