package facet

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeF64PreservesOrder(t *testing.T) {
	values := []float64{
		-math.MaxFloat64, -12345.678, -1, -0.5, -math.SmallestNonzeroFloat64,
		0, math.SmallestNonzeroFloat64, 0.5, 1, 42, 12345.678, math.MaxFloat64,
	}
	for i := 1; i < len(values); i++ {
		a := EncodeF64(values[i-1], nil)
		b := EncodeF64(values[i], nil)
		assert.Negative(t, bytes.Compare(a, b),
			"%v must encode below %v", values[i-1], values[i])
	}
}

func TestEncodeF64RoundTrip(t *testing.T) {
	for _, f := range []float64{0, -0.0, 1.5, -1.5, 99999.25, -99999.25} {
		assert.Equal(t, f, DecodeF64(EncodeF64(f, nil)))
	}
}

func TestGroupKeyOrder(t *testing.T) {
	keys := []GroupKey{
		{FieldID: 0, Level: 0, Bound: []byte("a")},
		{FieldID: 0, Level: 0, Bound: []byte("b")},
		{FieldID: 0, Level: 1, Bound: []byte("a")},
		{FieldID: 1, Level: 0, Bound: []byte("a")},
	}
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = k.Encode(nil)
	}
	assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}), "keys must order by (field, level, bound)")
}

func TestGroupKeyRoundTrip(t *testing.T) {
	k := GroupKey{FieldID: 513, Level: 3, Bound: []byte("value")}
	back, err := DecodeGroupKey(k.Encode(nil))
	require.NoError(t, err)
	assert.Equal(t, k.FieldID, back.FieldID)
	assert.Equal(t, k.Level, back.Level)
	assert.Equal(t, string(k.Bound), string(back.Bound))
}

func TestGroupValueRoundTrip(t *testing.T) {
	v := GroupValue{Size: 4, Bitmap: roaring.BitmapOf(1, 2, 3, 100000)}
	raw, err := v.Encode(nil)
	require.NoError(t, err)
	back, err := DecodeGroupValue(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), back.Size)
	assert.True(t, v.Bitmap.Equals(back.Bitmap))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello\t\tWorld "))
	assert.Equal(t, "", Normalize("   "))
	assert.Equal(t, "mixed case", Normalize("MiXeD CaSe"))
	assert.Equal(t, `27" to 30'`, Normalize(`27" to 30'`))
}
