package storedmap

import (
	"context"
	"sync"
	"weak"

	"golang.org/x/text/language"
)

// Holder is the canonical identity object for one (category, key) pair: it
// owns the per-record monitor and a weak reference to the in-memory
// payload. At most one live Holder exists per (category, key) in a process;
// the Category's identity cache enforces that (spec §3, §4.3).
type Holder struct {
	category *Category
	key      string

	mu   sync.Mutex
	cond *sync.Cond

	weakPayload weak.Pointer[payload]
	removed     bool
}

func newHolder(category *Category, key string) *Holder {
	h := &Holder{category: category, key: key}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// The following methods satisfy persister.Record.

func (h *Holder) Key() string             { return h.key }
func (h *Holder) IndexName() string       { return h.category.internalIndex }
func (h *Holder) Locales() []language.Tag { return h.category.locales }
func (h *Holder) Mu() *sync.Mutex         { return &h.mu }
func (h *Holder) Cond() *sync.Cond        { return h.cond }

// Snapshot captures the state of the payload pinned by the persister's
// entry for this save, not whatever the weak slot currently resolves to — a
// mutation that scheduled this save may otherwise be lost if the garbage
// collector reclaims the unpinned payload before the save task runs. Must
// be called with h.mu held.
func (h *Holder) Snapshot(pinned any) (blob, sortBytes []byte, secondaryKey string, tags []string, tree map[string]any) {
	p, _ := pinned.(*payload)
	if p == nil {
		p = newPayload()
	}
	blob, err := p.marshal()
	if err != nil {
		blob = nil
	}
	sortBytes = h.category.encoder.Encode(p.sortValue)
	tags = p.tags
	if len(tags) == 0 {
		tags = []string{tagSentinel}
	}
	return blob, sortBytes, p.secondaryKey, tags, p.tree.values
}

// loadOrCreate dereferences the weak payload slot, reading the primary blob
// through the driver on a miss (spec §4.4, "Load-or-create payload"). Must
// be called with h.mu held.
func (h *Holder) loadOrCreate(ctx context.Context) (*payload, error) {
	if p := h.weakPayload.Value(); p != nil {
		return p, nil
	}

	s := h.category.store
	blob, err := s.drv.Get(ctx, h.key, h.category.internalIndex, s.conn)
	if err != nil {
		return nil, err
	}

	var p *payload
	if blob != nil {
		p, err = unmarshalPayload(blob)
		if err != nil {
			return nil, err
		}
	} else {
		p = newPayload()
	}

	h.weakPayload = weak.Make(p)
	return p, nil
}

// remove implements spec §4.4's Remove operation.
func (h *Holder) remove(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed {
		return nil
	}

	s := h.category.store
	s.persister.Cancel(h)
	if err := s.persister.ScheduleRemove(ctx, h); err != nil {
		return err
	}

	h.removed = true
	h.category.cache.Evict(h.key)
	h.weakPayload = weak.Pointer[payload]{}
	h.cond.Broadcast()
	return nil
}

// Record is the client-facing handle for one (category, key) record: it
// wraps a Holder and routes every mutation through the Persister (spec
// §4.4's field-mutator pattern: enter the monitor, schedule, mutate, exit).
type Record struct {
	holder *Holder
}

// Key returns the record's key within its category.
func (r *Record) Key() string { return r.holder.key }

// Category returns the category this record belongs to.
func (r *Record) Category() *Category { return r.holder.category }

func (r *Record) read(ctx context.Context, fn func(p *payload)) error {
	h := r.holder
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed {
		return ErrRecordRemoved
	}
	p, err := h.loadOrCreate(ctx)
	if err != nil {
		return err
	}
	fn(p)
	return nil
}

func (r *Record) mutate(ctx context.Context, fn func(p *payload)) error {
	h := r.holder
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed {
		return ErrRecordRemoved
	}
	p, err := h.loadOrCreate(ctx)
	if err != nil {
		return err
	}
	// p is passed through to the persister so it stays pinned on the save's
	// entry: the weak slot above is the record's only other reference, and
	// it may be collected before the save task runs (see Holder.Snapshot).
	if err := h.category.store.persister.Schedule(ctx, h, p, nil); err != nil {
		return err
	}
	fn(p)
	return nil
}

// Get reads key from the record's tree. The second return is false when the
// key is absent; type-filter mismatches are the caller's concern (spec §7,
// "type-filter mismatches... return absent, never fail").
func (r *Record) Get(ctx context.Context, key string) (any, bool, error) {
	var v any
	var ok bool
	err := r.read(ctx, func(p *payload) { v, ok = p.tree.Get(key) })
	if err != nil {
		return nil, false, wrapErr("Get", err)
	}
	return v, ok, nil
}

// Set stores value at key, scheduling a deferred save.
func (r *Record) Set(ctx context.Context, key string, value any) error {
	return wrapErr("Set", r.mutate(ctx, func(p *payload) { p.tree.Set(key, value) }))
}

// Delete removes key from the record's tree, scheduling a deferred save.
func (r *Record) Delete(ctx context.Context, key string) error {
	return wrapErr("Delete", r.mutate(ctx, func(p *payload) { p.tree.Delete(key) }))
}

// Keys returns the record's tree keys in insertion order.
func (r *Record) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.read(ctx, func(p *payload) { keys = p.tree.Keys() })
	if err != nil {
		return nil, wrapErr("Keys", err)
	}
	return keys, nil
}

// SortValue returns the record's opaque sort value, or nil if unset.
func (r *Record) SortValue(ctx context.Context) (any, error) {
	var v any
	err := r.read(ctx, func(p *payload) { v = p.sortValue })
	if err != nil {
		return nil, wrapErr("SortValue", err)
	}
	return v, nil
}

// SetSortValue sets the record's sort value, scheduling a deferred save.
func (r *Record) SetSortValue(ctx context.Context, v any) error {
	return wrapErr("SetSortValue", r.mutate(ctx, func(p *payload) { p.sortValue = v }))
}

// SecondaryKey returns the record's optional secondary key.
func (r *Record) SecondaryKey(ctx context.Context) (string, error) {
	var v string
	err := r.read(ctx, func(p *payload) { v = p.secondaryKey })
	if err != nil {
		return "", wrapErr("SecondaryKey", err)
	}
	return v, nil
}

// SetSecondaryKey sets the record's secondary key, scheduling a deferred
// save.
func (r *Record) SetSecondaryKey(ctx context.Context, key string) error {
	return wrapErr("SetSecondaryKey", r.mutate(ctx, func(p *payload) { p.secondaryKey = key }))
}

// Tags returns the record's tags. The sentinel used to keep the secondary
// index non-empty (see tagSentinel) is never visible here.
func (r *Record) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	err := r.read(ctx, func(p *payload) { tags = append([]string(nil), p.tags...) })
	if err != nil {
		return nil, wrapErr("Tags", err)
	}
	return tags, nil
}

// SetTags replaces the record's tags, scheduling a deferred save.
func (r *Record) SetTags(ctx context.Context, tags []string) error {
	return wrapErr("SetTags", r.mutate(ctx, func(p *payload) {
		p.tags = append([]string(nil), tags...)
	}))
}

// Remove deletes the record: it cancels any scheduled save, acquires the
// cross-process lease, deletes the primary blob and secondary entry, and
// evicts the record's Holder from its category's identity cache.
func (r *Record) Remove(ctx context.Context) error {
	return wrapErr("Remove", r.holder.remove(ctx))
}
