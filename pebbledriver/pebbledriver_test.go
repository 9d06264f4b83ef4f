package pebbledriver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsetec/storedmap/driver"
)

// setupConn opens a Driver and connection against a temporary directory.
// Uses os.MkdirTemp rather than t.TempDir() because pebble may briefly hold
// file handles past Close, matching the teacher's own pebble test helper.
func setupConn(t *testing.T) (*Driver, driver.Conn, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "pebbledriver-test-*")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	d := New(Options{DataDir: dir, Logger: logger})
	conn, err := d.OpenConnection(context.Background(), nil)
	require.NoError(t, err)

	cleanup := func() {
		_ = d.CloseConnection(conn)
		_ = os.RemoveAll(dir)
	}
	return d, conn, cleanup
}

func mustPut(t *testing.T, d *Driver, conn driver.Conn, key, index string, value []byte) {
	t.Helper()
	primaryDone := make(chan struct{})
	secondaryReady := make(chan struct{})
	err := d.Put(context.Background(), key, index, conn, value,
		func() { close(primaryDone) },
		func() { close(secondaryReady) },
	)
	require.NoError(t, err)
	<-primaryDone
	<-secondaryReady
}

func TestGetAbsentReturnsNilNil(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	val, err := d.Get(context.Background(), "missing", "cat", conn)
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	mustPut(t, d, conn, "k1", "cat", []byte("hello"))

	val, err := d.Get(context.Background(), "k1", "cat", conn)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), val)
}

func TestRemoveErasesPrimaryAndSecondary(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	mustPut(t, d, conn, "k1", "cat", []byte("v1"))
	done := make(chan struct{})
	require.NoError(t, d.PutSecondary(context.Background(), "k1", "cat", conn,
		map[string]any{"a": 1}, nil, "", []byte{0x01}, []string{"t1"}, func() { close(done) }))
	<-done

	remDone := make(chan struct{})
	require.NoError(t, d.Remove(context.Background(), "k1", "cat", conn, func() { close(remDone) }))
	<-remDone

	val, err := d.Get(context.Background(), "k1", "cat", conn)
	require.NoError(t, err)
	assert.Nil(t, val)

	keys := drainList(t, d, conn, "cat", driver.ListQuery{})
	assert.Empty(t, keys)
}

func TestTryLockExcludesConcurrentHolder(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	wait, err := d.TryLock(context.Background(), "k1", "cat", conn, 50*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, wait, time.Duration(0))

	wait2, err := d.TryLock(context.Background(), "k1", "cat", conn, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, wait2, time.Duration(0))

	require.NoError(t, d.Unlock(context.Background(), "k1", "cat", conn))

	wait3, err := d.TryLock(context.Background(), "k1", "cat", conn, 50*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, wait3, time.Duration(0))
}

func TestTryLockExpiresAfterTTL(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	_, err := d.TryLock(context.Background(), "k1", "cat", conn, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	wait, err := d.TryLock(context.Background(), "k1", "cat", conn, 10*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, wait, time.Duration(0))
}

func TestListRespectsSortRangeAndDirection(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	put := func(key string, sortByte byte) {
		mustPut(t, d, conn, key, "cat", []byte(key))
		done := make(chan struct{})
		require.NoError(t, d.PutSecondary(context.Background(), key, "cat", conn,
			map[string]any{"k": key}, nil, "", []byte{sortByte}, nil, func() { close(done) }))
		<-done
	}
	put("a", 0x01)
	put("b", 0x02)
	put("c", 0x03)

	asc := drainList(t, d, conn, "cat", driver.ListQuery{HasSortRange: true, Ascending: true})
	assert.Equal(t, []string{"a", "b", "c"}, asc)

	desc := drainList(t, d, conn, "cat", driver.ListQuery{HasSortRange: true, Ascending: false})
	assert.Equal(t, []string{"c", "b", "a"}, desc)

	bounded := drainList(t, d, conn, "cat", driver.ListQuery{
		HasSortRange: true, Ascending: true,
		SortMin: []byte{0x02}, SortMax: []byte{0x02},
	})
	assert.Equal(t, []string{"b"}, bounded)
}

func TestListFiltersByTag(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	write := func(key string, tags []string) {
		mustPut(t, d, conn, key, "cat", []byte(key))
		done := make(chan struct{})
		require.NoError(t, d.PutSecondary(context.Background(), key, "cat", conn,
			map[string]any{}, nil, "", nil, tags, func() { close(done) }))
		<-done
	}
	write("a", []string{"red"})
	write("b", []string{"blue"})
	write("c", []string{"red", "blue"})

	red := drainList(t, d, conn, "cat", driver.ListQuery{AnyOfTags: []string{"red"}})
	assert.ElementsMatch(t, []string{"a", "c"}, red)
}

func TestListPaginates(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	for _, k := range []string{"a", "b", "c", "d"} {
		mustPut(t, d, conn, k, "cat", []byte(k))
	}

	page := drainList(t, d, conn, "cat", driver.ListQuery{From: 1, Size: 2})
	assert.Len(t, page, 2)
}

func TestCountMatchesListLength(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	for _, k := range []string{"a", "b", "c"} {
		mustPut(t, d, conn, k, "cat", []byte(k))
	}

	n, err := d.Count(context.Background(), "cat", conn, driver.ListQuery{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestGetIndicesEnumeratesWrittenIndices(t *testing.T) {
	d, conn, cleanup := setupConn(t)
	defer cleanup()

	mustPut(t, d, conn, "k1", "cat-one", []byte("v"))
	mustPut(t, d, conn, "k2", "cat-two", []byte("v"))

	it, err := d.GetIndices(context.Background(), conn)
	require.NoError(t, err)
	defer it.Close()

	var names []string
	for it.Next() {
		names = append(names, it.Key())
	}
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []string{"cat-one", "cat-two"}, names)
}

func drainList(t *testing.T, d *Driver, conn driver.Conn, index string, q driver.ListQuery) []string {
	t.Helper()
	it, err := d.List(context.Background(), index, conn, q)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, it.Key())
	}
	require.NoError(t, it.Err())
	return keys
}
