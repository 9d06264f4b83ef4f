// Package pebbledriver is a reference implementation of storedmap/driver.Driver
// backed by github.com/cockroachdb/pebble/v2, the teacher's primary embedded
// storage engine. It is driver glue, not core: the storedmap package never
// imports it, and nothing here is exercised by the core's own unit tests
// except through the driver.Driver interface it satisfies.
//
// One pebble.DB instance backs every category of one Store. Three key
// families share the keyspace, mirroring the way the teacher's PebbleStore
// partitions a single DB into object/tag-index/multipart prefixes
// (internal/metadata/pebble_store.go, pebble_objects.go):
//
//	p:<index>\x00<key>                  primary blob (spec §6 "a_C" index)
//	d:<index>\x00<key>                  secondary document (decoded tree + facets)
//	r:<index>\x00<sortBytes>\x00<key>   sort-ordered projection of d:, for range scans
//	ix:<index>                          directory marker, populated on first primary write
//
// Leases are advisory and held in an in-process map rather than inside
// pebble itself: pebble is an embedded, single-process engine, so there is
// no separate lock service to call out to. This is documented as a
// deliberate narrowing in DESIGN.md — a real multi-process driver (the
// JDBC/Elasticsearch drivers the spec treats as external collaborators)
// would store the lease as a row with a TTL the way the directory index
// itself does.
package pebbledriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"

	"github.com/vsetec/storedmap/driver"
)

// Options configures a Driver's on-disk location and reported capacity
// limits.
type Options struct {
	DataDir string
	Logger  *logrus.Logger

	MaxIndexNameLen int
	MaxKeyLen       int
	MaxTagLen       int
	MaxSorterLen    int

	// CacheSize sizes pebble's block cache, matching the teacher's
	// PebbleOptions.
	CacheSize int64
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.MaxIndexNameLen <= 0 {
		o.MaxIndexNameLen = 48
	}
	if o.MaxKeyLen <= 0 {
		o.MaxKeyLen = 1024
	}
	if o.MaxTagLen <= 0 {
		o.MaxTagLen = 256
	}
	if o.MaxSorterLen <= 0 {
		o.MaxSorterLen = 24
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 64 << 20
	}
	return o
}

// Driver implements driver.Driver on top of a single pebble.DB.
type Driver struct {
	opts Options
}

// New returns a Driver. Call OpenConnection to open the underlying database.
func New(opts Options) *Driver {
	return &Driver{opts: opts.withDefaults()}
}

// conn is the driver.Conn this package hands back from OpenConnection.
type conn struct {
	db     *pebble.DB
	limits driver.Limits

	leasesMu sync.Mutex
	leases   map[string]time.Time // "key\x00index" -> expiry
}

// pebbleLogger adapts *logrus.Logger to pebble.Logger, matching the
// teacher's pebbleLogger wrapper in internal/metadata/pebble_store.go.
type pebbleLogger struct{ logger *logrus.Logger }

func (l *pebbleLogger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *pebbleLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }
func (l *pebbleLogger) Fatalf(format string, args ...interface{}) { l.logger.Fatalf(format, args...) }

// OpenConnection opens (creating if necessary) the pebble database at
// opts.DataDir, or extra["dataDir"] if non-empty.
func (d *Driver) OpenConnection(ctx context.Context, extra map[string]string) (driver.Conn, error) {
	dataDir := d.opts.DataDir
	if v, ok := extra["dataDir"]; ok && v != "" {
		dataDir = v
	}
	if dataDir == "" {
		return nil, fmt.Errorf("pebbledriver: no dataDir configured")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("pebbledriver: mkdir %s: %w", dataDir, err)
	}

	cache := pebble.NewCache(d.opts.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(dataDir, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{logger: d.opts.Logger},
	})
	if err != nil {
		return nil, fmt.Errorf("pebbledriver: open %s: %w", dataDir, err)
	}

	return &conn{
		db: db,
		limits: driver.Limits{
			MaxIndexNameLen: d.opts.MaxIndexNameLen,
			MaxKeyLen:       d.opts.MaxKeyLen,
			MaxTagLen:       d.opts.MaxTagLen,
			MaxSorterLen:    d.opts.MaxSorterLen,
		},
		leases: make(map[string]time.Time),
	}, nil
}

// CloseConnection closes the pebble database.
func (d *Driver) CloseConnection(c driver.Conn) error {
	return c.(*conn).db.Close()
}

// Limits reports the connection's configured capacity ceilings.
func (d *Driver) Limits(c driver.Conn) driver.Limits {
	return c.(*conn).limits
}

// --- key encoding -----------------------------------------------------

func primaryKey(index, key string) []byte {
	return []byte("p:" + index + "\x00" + key)
}

func docKey(index, key string) []byte {
	return []byte("d:" + index + "\x00" + key)
}

func rangeKey(index string, sortBytes []byte, key string) []byte {
	var b bytes.Buffer
	b.WriteString("r:")
	b.WriteString(index)
	b.WriteByte(0)
	b.Write(sortBytes)
	b.WriteByte(0)
	b.WriteString(key)
	return b.Bytes()
}

func rangePrefix(index string) []byte {
	return []byte("r:" + index + "\x00")
}

func primaryPrefix(index string) []byte {
	return []byte("p:" + index + "\x00")
}

func docPrefix(index string) []byte {
	return []byte("d:" + index + "\x00")
}

func indexMarkerKey(index string) []byte {
	return []byte("ix:" + index)
}

// prefixEnd computes the exclusive upper bound of a byte-prefix scan,
// exactly as the teacher's internal/metadata/pebble_store.go does.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// --- secondary document -------------------------------------------------

type secondaryDoc struct {
	Tree         map[string]any `json:"tree"`
	SecondaryKey string         `json:"secondaryKey,omitempty"`
	SortBytes    []byte         `json:"sortBytes,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

// --- primary CRUD ---------------------------------------------------------

// Get reads the primary blob for (key, index). A nil, nil return means
// absent, per driver.Driver's contract.
func (d *Driver) Get(ctx context.Context, key, index string, c driver.Conn) ([]byte, error) {
	cn := c.(*conn)
	val, closer, err := cn.db.Get(primaryKey(index, key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	_ = closer.Close()
	return out, nil
}

// Put writes the primary blob synchronously (pebble.Sync), then invokes
// onPrimaryDone and onProceedSecondary in order. A real network-backed
// driver would invoke these from whatever goroutine its I/O callback
// arrives on; an embedded engine's write is already complete by the time
// Set returns, so both signals fire before Put itself returns.
func (d *Driver) Put(ctx context.Context, key, index string, c driver.Conn, value []byte, onPrimaryDone, onProceedSecondary func()) error {
	cn := c.(*conn)
	if err := cn.db.Set(primaryKey(index, key), value, pebble.Sync); err != nil {
		return err
	}
	if err := cn.db.Set(indexMarkerKey(index), []byte{}, pebble.NoSync); err != nil {
		return err
	}
	onPrimaryDone()
	onProceedSecondary()
	return nil
}

// PutSecondary writes a record's searchable projection: the decoded tree,
// its sort bytes (also indexed under the r: range-scan prefix, replacing any
// stale prior entry), its secondary key, and its tags.
func (d *Driver) PutSecondary(ctx context.Context, key, index string, c driver.Conn, tree map[string]any, locales []language.Tag, secondaryKey string, sortBytes []byte, tags []string, onDone func()) error {
	cn := c.(*conn)

	batch := cn.db.NewBatch()
	defer batch.Close()

	// Drop the stale r: entry for this key, if its sort bytes changed.
	if old, closer, err := cn.db.Get(docKey(index, key)); err == nil {
		var prev secondaryDoc
		if jsonErr := json.Unmarshal(old, &prev); jsonErr == nil && !bytes.Equal(prev.SortBytes, sortBytes) {
			if err := batch.Delete(rangeKey(index, prev.SortBytes, key), nil); err != nil {
				_ = closer.Close()
				return err
			}
		}
		_ = closer.Close()
	} else if err != pebble.ErrNotFound {
		return err
	}

	doc := secondaryDoc{Tree: tree, SecondaryKey: secondaryKey, SortBytes: sortBytes, Tags: tags}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := batch.Set(docKey(index, key), data, nil); err != nil {
		return err
	}
	if err := batch.Set(rangeKey(index, sortBytes, key), []byte(key), nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return err
	}
	onDone()
	return nil
}

// Remove deletes the primary blob and every secondary-index trace of key.
func (d *Driver) Remove(ctx context.Context, key, index string, c driver.Conn, onDone func()) error {
	cn := c.(*conn)

	batch := cn.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(primaryKey(index, key), nil); err != nil {
		return err
	}

	if old, closer, err := cn.db.Get(docKey(index, key)); err == nil {
		var prev secondaryDoc
		if jsonErr := json.Unmarshal(old, &prev); jsonErr == nil {
			if err := batch.Delete(rangeKey(index, prev.SortBytes, key), nil); err != nil {
				_ = closer.Close()
				return err
			}
		}
		_ = closer.Close()
		if err := batch.Delete(docKey(index, key), nil); err != nil {
			return err
		}
	} else if err != pebble.ErrNotFound {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	onDone()
	return nil
}

// --- leases -------------------------------------------------------------

func leaseID(key, index string) string { return key + "\x00" + index }

// TryLock implements the spec's advisory lease: <=0 means acquired, >0 is
// the caller's suggested wait in this connection's time.Duration.
func (d *Driver) TryLock(ctx context.Context, key, index string, c driver.Conn, ttl time.Duration) (time.Duration, error) {
	cn := c.(*conn)
	id := leaseID(key, index)
	now := time.Now()

	cn.leasesMu.Lock()
	defer cn.leasesMu.Unlock()

	if exp, ok := cn.leases[id]; ok && exp.After(now) {
		return exp.Sub(now), nil
	}
	cn.leases[id] = now.Add(ttl)
	return 0, nil
}

// Unlock releases a lease regardless of its configured TTL.
func (d *Driver) Unlock(ctx context.Context, key, index string, c driver.Conn) error {
	cn := c.(*conn)
	cn.leasesMu.Lock()
	delete(cn.leases, leaseID(key, index))
	cn.leasesMu.Unlock()
	return nil
}

// --- enumeration ----------------------------------------------------------

// GetIndices enumerates every index name that has ever received a primary
// write (the ix: marker prefix).
func (d *Driver) GetIndices(ctx context.Context, c driver.Conn) (driver.KeyIterator, error) {
	cn := c.(*conn)
	iter, err := cn.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("ix:"),
		UpperBound: prefixEnd([]byte("ix:")),
	})
	if err != nil {
		return nil, err
	}
	return &prefixIterator{iter: iter, prefix: "ix:", started: false}, nil
}

// List enumerates keys in index matching q. When q.HasSortRange is set, the
// scan walks the r: range-ordered prefix (honoring Ascending); otherwise it
// walks the p: primary prefix in key order, so keys that have only a primary
// blob (such as directory entries) are listed too. Tag and text filters are
// applied in-iteration against the d: document, and a key with no d:
// document does not match them; From/Size page the filtered result, matching the
// way the spec leaves text-query semantics entirely driver-defined.
func (d *Driver) List(ctx context.Context, index string, c driver.Conn, q driver.ListQuery) (driver.KeyIterator, error) {
	cn := c.(*conn)

	if q.HasSortRange {
		lower := rangePrefix(index)
		upper := prefixEnd(lower)
		if q.SortMin != nil {
			lower = rangeKey(index, q.SortMin, "")
		}
		if q.SortMax != nil {
			upper = prefixEnd(rangeKey(index, q.SortMax, "\xff"))
		}
		iter, err := cn.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return nil, err
		}
		return newFilteredIterator(cn, index, iter, q, true), nil
	}

	lower := primaryPrefix(index)
	upper := prefixEnd(lower)
	iter, err := cn.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return newFilteredIterator(cn, index, iter, q, false), nil
}

// Count reports how many keys in index match q by draining a List
// iterator. Pebble has no native matching-count primitive once arbitrary
// tag/text filters are in play, so this mirrors List's own traversal.
func (d *Driver) Count(ctx context.Context, index string, c driver.Conn, q driver.ListQuery) (int64, error) {
	q.From = 0
	q.Size = 0
	it, err := d.List(ctx, index, c, q)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var n int64
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// --- iterators --------------------------------------------------------

// prefixIterator strips a fixed prefix off every key in a pebble.Iterator.
type prefixIterator struct {
	iter    *pebble.Iterator
	prefix  string
	started bool
	err     error
	key     string
}

func (p *prefixIterator) Next() bool {
	var valid bool
	if !p.started {
		valid = p.iter.First()
		p.started = true
	} else {
		valid = p.iter.Next()
	}
	if !valid {
		return false
	}
	p.key = strings.TrimPrefix(string(p.iter.Key()), p.prefix)
	return true
}

func (p *prefixIterator) Key() string { return p.key }
func (p *prefixIterator) Err() error {
	if p.err != nil {
		return p.err
	}
	return p.iter.Error()
}
func (p *prefixIterator) Close() error { return p.iter.Close() }

// filteredIterator walks either the r: or p: key family, decoding each
// candidate's secondaryDoc to apply tag/text predicates, then pages the
// surviving keys per q.From/q.Size.
type filteredIterator struct {
	cn      *conn
	index   string
	iter    *pebble.Iterator
	q       driver.ListQuery
	ranged  bool
	started bool

	skip      int
	taken     int
	unlimited bool

	key string
	err error
	done bool
}

func newFilteredIterator(cn *conn, index string, iter *pebble.Iterator, q driver.ListQuery, ranged bool) *filteredIterator {
	return &filteredIterator{
		cn:        cn,
		index:     index,
		iter:      iter,
		q:         q,
		ranged:    ranged,
		skip:      q.From,
		unlimited: q.Size <= 0,
	}
}

func (f *filteredIterator) Next() bool {
	if f.done || f.err != nil {
		return false
	}
	if !f.unlimited && f.taken >= f.q.Size {
		f.done = true
		return false
	}

	for {
		var valid bool
		if !f.started {
			if f.q.Ascending || !f.ranged {
				valid = f.iter.First()
			} else {
				valid = f.iter.Last()
			}
			f.started = true
		} else if f.ranged && !f.q.Ascending {
			valid = f.iter.Prev()
		} else {
			valid = f.iter.Next()
		}
		if !valid {
			f.done = true
			return false
		}

		rawKey := string(f.iter.Key())
		var key string
		if f.ranged {
			key = extractRangeKeySuffix(rawKey)
		} else {
			key = strings.TrimPrefix(rawKey, "p:"+f.index+"\x00")
		}

		if !f.matches(key) {
			continue
		}
		if f.skip > 0 {
			f.skip--
			continue
		}

		f.key = key
		f.taken++
		return true
	}
}

// extractRangeKeySuffix pulls the trailing key segment off an "r:" entry,
// whose layout is r:<index>\x00<sortBytes>\x00<key>.
func extractRangeKeySuffix(rawKey string) string {
	idx := strings.LastIndexByte(rawKey, 0)
	if idx < 0 || idx == len(rawKey)-1 {
		return ""
	}
	return rawKey[idx+1:]
}

func (f *filteredIterator) matches(key string) bool {
	if f.q.TextQuery == "" && len(f.q.AnyOfTags) == 0 {
		return true
	}

	val, closer, err := f.cn.db.Get(docKey(f.index, key))
	if err == pebble.ErrNotFound {
		return false
	}
	if err != nil {
		f.err = err
		return false
	}
	var doc secondaryDoc
	jsonErr := json.Unmarshal(val, &doc)
	_ = closer.Close()
	if jsonErr != nil {
		f.err = jsonErr
		return false
	}

	if len(f.q.AnyOfTags) > 0 && !anyTagMatches(doc.Tags, f.q.AnyOfTags) {
		return false
	}
	if f.q.TextQuery != "" && !textMatches(doc, f.q.TextQuery) {
		return false
	}
	return true
}

func anyTagMatches(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// textMatches applies a verbatim, driver-defined substring match over the
// document's secondary key and its decoded tree, case-insensitively. Real
// back ends (Elasticsearch, a relational full-text index) would replace
// this with their own query language entirely, per spec §1's Non-goal that
// the core never interprets query text.
func textMatches(doc secondaryDoc, q string) bool {
	q = strings.ToLower(q)
	if strings.Contains(strings.ToLower(doc.SecondaryKey), q) {
		return true
	}
	data, err := json.Marshal(doc.Tree)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), q)
}

func (f *filteredIterator) Key() string { return f.key }
func (f *filteredIterator) Err() error {
	if f.err != nil {
		return f.err
	}
	return f.iter.Error()
}
func (f *filteredIterator) Close() error { return f.iter.Close() }

var _ driver.Driver = (*Driver)(nil)
