package sortkey

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func newTestEncoder(l int) *Encoder {
	return NewEncoder(l, nil)
}

func TestEncodeNil(t *testing.T) {
	e := newTestEncoder(8)
	assert.Empty(t, e.Encode(nil))
}

func TestEncodeNumberMonotonicity(t *testing.T) {
	e := newTestEncoder(8)

	zero := e.EncodeNumber(0)
	one := e.EncodeNumber(1)
	negOne := e.EncodeNumber(-1)
	huge := e.EncodeNumber(1e300)
	hugeNeg := e.EncodeNumber(-1e300)

	require.Len(t, zero, 8)
	assert.True(t, bytes.Compare(one, zero) > 0, "encode(1) should sort after encode(0)")
	assert.True(t, bytes.Compare(negOne, zero) < 0, "encode(-1) should sort before encode(0)")

	// clamping: anything absurdly large collapses to the saturation bound
	assert.Equal(t, huge, e.EncodeNumber(1e301))
	assert.Equal(t, hugeNeg, e.EncodeNumber(-1e301))
	assert.True(t, bytes.Compare(huge, zero) > 0)
	assert.True(t, bytes.Compare(hugeNeg, zero) < 0)
}

func TestEncodeNumberZeroIsRightAlignedSaturationBound(t *testing.T) {
	e := newTestEncoder(8)
	zero := e.EncodeNumber(0)
	bound := saturationBound(7)
	expected := make([]byte, 8)
	copy(expected[8-len(bound.Bytes()):], bound.Bytes())
	assert.Equal(t, expected, zero)
}

func TestEncodeTimestampOrdering(t *testing.T) {
	e := newTestEncoder(32)
	t1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2021, 6, 15, 12, 0, 0, 0, time.UTC)

	b1 := e.Encode(t1)
	b2 := e.Encode(t2)
	assert.True(t, bytes.Compare(b1, b2) < 0)
}

func TestEncodeTextIsCappedToL(t *testing.T) {
	e := NewEncoder(4, []language.Tag{language.English})
	b := e.Encode("hello world this is long")
	assert.LessOrEqual(t, len(b), 4)
}

func TestEncodeOpaqueIsDeterministicForEquality(t *testing.T) {
	e := newTestEncoder(8)
	type custom struct{ X int }
	a := e.Encode(custom{X: 1})
	b := e.Encode(custom{X: 1})
	c := e.Encode(custom{X: 2})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
