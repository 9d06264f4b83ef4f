package nameindex

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/vsetec/storedmap/driver"
)

// fakeDriver is a minimal in-memory driver.Driver good enough to exercise the
// translator's directory-index bookkeeping without pulling in pebbledriver.
type fakeDriver struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	locks   map[string]time.Time
	maxName int
	gets    int
}

func newFakeDriver(maxName int) *fakeDriver {
	return &fakeDriver{blobs: map[string][]byte{}, locks: map[string]time.Time{}, maxName: maxName}
}

func blobKey(key, index string) string { return index + "\x00" + key }

func (f *fakeDriver) OpenConnection(ctx context.Context, extra map[string]string) (driver.Conn, error) {
	return "conn", nil
}
func (f *fakeDriver) CloseConnection(conn driver.Conn) error { return nil }
func (f *fakeDriver) Limits(conn driver.Conn) driver.Limits {
	return driver.Limits{MaxIndexNameLen: f.maxName, MaxKeyLen: 256, MaxTagLen: 64, MaxSorterLen: 16}
}
func (f *fakeDriver) Get(ctx context.Context, key, index string, conn driver.Conn) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	v, ok := f.blobs[blobKey(key, index)]
	if !ok {
		return nil, nil
	}
	return v, nil
}
func (f *fakeDriver) Put(ctx context.Context, key, index string, conn driver.Conn, value []byte, onPrimaryDone, onProceedSecondary func()) error {
	f.mu.Lock()
	f.blobs[blobKey(key, index)] = value
	f.mu.Unlock()
	onPrimaryDone()
	onProceedSecondary()
	return nil
}
func (f *fakeDriver) PutSecondary(ctx context.Context, key, index string, conn driver.Conn, tree map[string]any, locales []language.Tag, secondaryKey string, sortBytes []byte, tags []string, onDone func()) error {
	onDone()
	return nil
}
func (f *fakeDriver) Remove(ctx context.Context, key, index string, conn driver.Conn, onDone func()) error {
	f.mu.Lock()
	delete(f.blobs, blobKey(key, index))
	f.mu.Unlock()
	onDone()
	return nil
}
func (f *fakeDriver) List(ctx context.Context, index string, conn driver.Conn, q driver.ListQuery) (driver.KeyIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := index + "\x00"
	var keys []string
	for k := range f.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	return &sliceIterator{keys: keys}, nil
}
func (f *fakeDriver) Count(ctx context.Context, index string, conn driver.Conn, q driver.ListQuery) (int64, error) {
	it, _ := f.List(ctx, index, conn, q)
	var n int64
	for it.Next() {
		n++
	}
	return n, nil
}
func (f *fakeDriver) GetIndices(ctx context.Context, conn driver.Conn) (driver.KeyIterator, error) {
	return &sliceIterator{}, nil
}
func (f *fakeDriver) TryLock(ctx context.Context, key, index string, conn driver.Conn, ttl time.Duration) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lk := blobKey(key, index)
	if until, held := f.locks[lk]; held && time.Now().Before(until) {
		return 5 * time.Millisecond, nil
	}
	f.locks[lk] = time.Now().Add(ttl)
	return 0, nil
}
func (f *fakeDriver) Unlock(ctx context.Context, key, index string, conn driver.Conn) error {
	f.mu.Lock()
	delete(f.locks, blobKey(key, index))
	f.mu.Unlock()
	return nil
}

type sliceIterator struct {
	keys []string
	i    int
}

func (s *sliceIterator) Next() bool {
	if s.i >= len(s.keys) {
		return false
	}
	s.i++
	return true
}
func (s *sliceIterator) Key() string { return s.keys[s.i-1] }
func (s *sliceIterator) Err() error  { return nil }
func (s *sliceIterator) Close() error { return nil }

func TestSanitisePlainNamePassesThrough(t *testing.T) {
	assert.Equal(t, "orders", sanitise("orders"))
	// Uppercase letters fall outside the plain pattern, so this name takes
	// the Base32 branch instead of passing through.
	assert.Equal(t, "j5zgizlsonpvmmqw32", sanitise("Orders_V2"))
}

func TestSanitiseNonLatinRoundTrips(t *testing.T) {
	for _, name := range []string{"Заказы", "注文", "has space", "Mixed_Ca$e!"} {
		san := sanitise(name)
		assert.True(t, strings.HasSuffix(san, "w32"), "encoded name should carry w32 suffix: %q", san)
		back, err := restoreNonLatin(san)
		require.NoError(t, err)
		assert.Equal(t, name, back)
	}
}

func TestTranslateShortNameIsDirectConcatenation(t *testing.T) {
	drv := newFakeDriver(256)
	tr := New(drv, "conn", "myapp")

	internal, err := tr.Translate(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "myapp_orders", internal)

	back, err := tr.Inverse(context.Background(), internal)
	require.NoError(t, err)
	assert.Equal(t, "orders", back)
}

func TestTranslateLongNameMintsAndReusesUUID(t *testing.T) {
	drv := newFakeDriver(20) // forces the UUID-alias path
	tr := New(drv, "conn", "myapp")
	longName := strings.Repeat("very-long-category-name-", 4)

	ctx := context.Background()
	first, err := tr.Translate(ctx, longName)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "myapp_"))
	assert.LessOrEqual(t, len(first), 20+len("myapp_")+32) // sanity, not a hard driver limit here

	second, err := tr.Translate(ctx, longName)
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeated translation of the same long name must reuse its minted UUID")

	back, err := tr.Inverse(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, longName, back)
}

func TestTranslateLongNameDistinctNamesGetDistinctUUIDs(t *testing.T) {
	drv := newFakeDriver(20)
	tr := New(drv, "conn", "myapp")
	ctx := context.Background()

	a, err := tr.Translate(ctx, strings.Repeat("alpha-category-", 4))
	require.NoError(t, err)
	b, err := tr.Translate(ctx, strings.Repeat("beta-category-", 4))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestInverseCachesDirectoryLookups(t *testing.T) {
	drv := newFakeDriver(20)
	ctx := context.Background()

	// Mint the alias with one Translator, then recover it with a second,
	// unwarmed Translator — as if a new process picked up an existing
	// store. Its first Inverse call must hit the directory; its second
	// must not.
	minter := New(drv, "conn", "myapp")
	internal, err := minter.Translate(ctx, strings.Repeat("gamma-category-", 4))
	require.NoError(t, err)

	reader := New(drv, "conn", "myapp")
	_, err = reader.Inverse(ctx, internal)
	require.NoError(t, err)
	getsAfterFirst := drv.gets
	assert.Positive(t, getsAfterFirst)

	_, err = reader.Inverse(ctx, internal)
	require.NoError(t, err)
	assert.Equal(t, getsAfterFirst, drv.gets, "a cached Inverse result must not re-read the directory index")
}

func TestInverseUnknownPrefixReturnsEmpty(t *testing.T) {
	drv := newFakeDriver(256)
	tr := New(drv, "conn", "myapp")
	got, err := tr.Inverse(context.Background(), "otherapp_orders")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWaitAndLockRetriesUntilAcquired(t *testing.T) {
	drv := newFakeDriver(256)
	ctx := context.Background()

	_, err := drv.TryLock(ctx, "k", "idx", "conn", 20*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	go func() {
		time.Sleep(25 * time.Millisecond)
		_ = drv.Unlock(ctx, "k", "idx", "conn")
	}()

	err = waitAndLock(ctx, drv, "conn", "k", "idx", time.Second, 5*time.Millisecond, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitAndLockHonorsContextCancellation(t *testing.T) {
	drv := newFakeDriver(256)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := drv.TryLock(ctx, "k", "idx", "conn", time.Hour)
	require.NoError(t, err)

	err = waitAndLock(ctx, drv, "conn", "k", "idx", time.Second, 5*time.Millisecond, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
