package storedmap

import (
	"context"

	"golang.org/x/text/language"

	"github.com/vsetec/storedmap/driver"
	"github.com/vsetec/storedmap/internal/identitycache"
	"github.com/vsetec/storedmap/sortkey"
)

// Category is a named group of records sharing one back-end index (spec
// §3). Within a Store, name maps 1:1 to a Category for the Store's
// lifetime, and its internal index name is persistently bound across
// restarts via the name translator's directory.
type Category struct {
	store         *Store
	name          string
	internalIndex string

	locales []language.Tag
	encoder *sortkey.Encoder

	cache *identitycache.Cache[Holder]
}

// newCategory builds a Category with locales already resolved by the
// caller (from the a__locales index on a reopened category, or nil for a
// fresh one) — it never itself writes to that index, only SetLocales does.
func newCategory(store *Store, name, internalIndex string, locales []language.Tag) *Category {
	c := &Category{
		store:         store,
		name:          name,
		internalIndex: internalIndex,
		cache:         identitycache.New[Holder](),
	}
	c.rebuildEncoder(locales)
	return c
}

// Name returns the category's user-supplied name.
func (c *Category) Name() string { return c.name }

// InternalIndexName returns the back-end-legal index name this category was
// translated to.
func (c *Category) InternalIndexName() string { return c.internalIndex }

// Locales returns the locales used to build the category's collator.
func (c *Category) Locales() []language.Tag { return c.locales }

// SetLocales rebuilds the category's sort-key encoder against the given
// locales and persists them to the store's a__locales directory index
// (spec §6), so the collation order is recovered on the next process to
// open this category. An empty list collates using the driver-agnostic
// default order.
func (c *Category) SetLocales(ctx context.Context, locales []language.Tag) error {
	c.rebuildEncoder(locales)
	return wrapErr("SetLocales", c.store.persistLocales(ctx, c.internalIndex, locales))
}

// rebuildEncoder applies locales to the category's in-memory sort-key
// encoder without touching the a__locales index.
func (c *Category) rebuildEncoder(locales []language.Tag) {
	c.locales = locales
	limits := c.store.drv.Limits(c.store.conn)
	c.encoder = sortkey.NewEncoder(limits.MaxSorterLen, locales)
}

// Get returns the Record for key, creating its Holder on first access. Two
// concurrent calls for the same key return handles to the same underlying
// Holder (spec §4.3's identity invariant).
func (c *Category) Get(key string) *Record {
	h, _ := c.cache.Lookup(key, func() *Holder { return newHolder(c, key) })
	return &Record{holder: h}
}

// Keys enumerates keys matching q, merging the driver's view with the
// process-local identity cache so records mutated but not yet persisted
// still appear (spec §8 scenario 6, "enumeration includes cached").
func (c *Category) Keys(ctx context.Context, q driver.ListQuery) ([]string, error) {
	it, err := c.store.drv.List(ctx, c.internalIndex, c.store.conn, q)
	if err != nil {
		return nil, wrapErr("Keys", err)
	}
	defer it.Close()

	seen := make(map[string]struct{})
	var keys []string
	for it.Next() {
		k := it.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := it.Err(); err != nil {
		return nil, wrapErr("Keys", err)
	}

	for _, k := range c.cache.Keys() {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}

// Count reports how many keys match q, per the driver alone (cached,
// not-yet-persisted records are not reflected in a back-end count).
func (c *Category) Count(ctx context.Context, q driver.ListQuery) (int64, error) {
	n, err := c.store.drv.Count(ctx, c.internalIndex, c.store.conn, q)
	if err != nil {
		return 0, wrapErr("Count", err)
	}
	return n, nil
}
