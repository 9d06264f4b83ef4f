// Package sortkey encodes heterogeneous sort values — text, timestamps,
// numbers, or arbitrary opaque data — into byte strings that compare
// byte-wise in the order the caller intends: numbers encode to exactly L
// bytes, text collation keys are capped at L bytes, and timestamps are
// fixed-width ASCII. A Category uses one
// Encoder, built from its locales, to produce the sort bytes the driver
// stores alongside every record's secondary index entry.
package sortkey

import (
	"encoding/json"
	"math/big"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Encoder produces lexicographically comparable byte strings for a single
// category. L is the driver's reported MaxSorterLen: numbers encode to
// exactly L bytes and text keys are truncated to at most L bytes; timestamps
// and opaque values are not sized to L.
type Encoder struct {
	L        int
	collator *collate.Collator
}

// NewEncoder builds an Encoder for the given maximum sorter length and
// locales. An empty locales list collates using language.Und, matching the
// driver-agnostic default ordering.
func NewEncoder(maxSorterLen int, locales []language.Tag) *Encoder {
	tag := language.Und
	if len(locales) > 0 {
		tag = locales[0]
	}
	return &Encoder{
		L:        maxSorterLen,
		collator: collate.New(tag),
	}
}

// Encode dispatches on the dynamic type of v, producing the sentinel empty
// slice for nil and for a value that JSON cannot encode.
//
//   - nil            -> empty sentinel, no index entry
//   - string         -> collation key, capped to L
//   - time.Time      -> ISO-8601 UTC text with nine fractional digits, ASCII bytes
//   - numeric kinds  -> fixed L-byte big-integer encoding, see EncodeNumber
//   - other          -> opaque JSON encoding (equality/existence only)
func (e *Encoder) Encode(v any) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{}
	case string:
		return e.encodeText(val)
	case time.Time:
		return e.encodeTimestamp(val)
	case int:
		return e.EncodeNumber(float64(val))
	case int32:
		return e.EncodeNumber(float64(val))
	case int64:
		return e.EncodeNumber(float64(val))
	case float32:
		return e.EncodeNumber(float64(val))
	case float64:
		return e.EncodeNumber(val)
	default:
		return e.encodeOpaque(v)
	}
}

func (e *Encoder) encodeText(s string) []byte {
	b := e.collator.Key(&collate.Buffer{}, []byte(s))
	if e.L > 0 && len(b) > e.L {
		b = b[:e.L]
	}
	return b
}

func (e *Encoder) encodeTimestamp(t time.Time) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z"))
}

func (e *Encoder) encodeOpaque(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte{}
	}
	return b
}

// EncodeNumber implements the numeric encoding from spec §4.1: a
// non-negative big-integer of exactly L bytes, built by shifting the value
// right by half the digit-width of the saturation bound, clamping to that
// bound, and right-aligning the result.
//
// The half-point shift reserves the lower half of the representable digit
// range for fractional precision; using a bound one byte shorter than L
// guarantees the final addition never overflows L bytes.
func (e *Encoder) EncodeNumber(n float64) []byte {
	L := e.L
	if L <= 1 {
		return make([]byte, L)
	}

	big_ := saturationBound(L - 1)
	bigDigits := len(big_.String())

	bd := new(big.Float).SetPrec(256).SetFloat64(n)
	shift := new(big.Float).SetPrec(256).SetFloat64(pow10(bigDigits / 2))
	bd.Mul(bd, shift)

	v, _ := bd.Int(nil)

	negBig := new(big.Int).Neg(big_)
	if v.Cmp(big_) > 0 {
		v.Set(big_)
	} else if v.Cmp(negBig) < 0 {
		v.Set(negBig)
	}

	v.Add(v, big_) // now in [0, 2*big_], always non-negative

	out := make([]byte, L)
	vb := v.Bytes()
	copy(out[L-len(vb):], vb)
	return out
}

// saturationBound returns 0x7FFF...FF with n bytes: one byte shorter than the
// target length, signed-positive saturation bound per spec §4.1 step 1.
func saturationBound(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(0)
	}
	b := make([]byte, n)
	b[0] = 0x7F
	for i := 1; i < n; i++ {
		b[i] = 0xFF
	}
	return new(big.Int).SetBytes(b)
}

func pow10(n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}
