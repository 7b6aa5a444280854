package sorter

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func concatMerge(values [][]byte) ([]byte, error) {
	var out []byte
	for _, v := range values {
		out = append(out, v...)
	}
	return out, nil
}

func tempChunkWriter(t *testing.T, compression Compression) *Writer {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "chunk-*.bin")
	require.NoError(t, err)
	w, err := NewWriter(f, compression, 0)
	require.NoError(t, err)
	return w
}

func TestWriterReaderRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		t.Run(fmt.Sprintf("compression=%d", compression), func(t *testing.T) {
			w := tempChunkWriter(t, compression)
			for i := 0; i < 500; i++ {
				key := fmt.Appendf(nil, "key-%05d", i)
				val := bytes.Repeat([]byte{byte(i)}, i%64)
				require.NoError(t, w.Insert(key, val))
			}
			assert.Equal(t, 500, w.Count())

			r, err := w.Finish()
			require.NoError(t, err)
			defer r.Close()

			n := 0
			for r.Next() {
				assert.Equal(t, fmt.Sprintf("key-%05d", n), string(r.Key()))
				assert.Len(t, r.Value(), n%64)
				n++
			}
			require.NoError(t, r.Err())
			assert.Equal(t, 500, n)
		})
	}
}

func TestSorterSortsAndMergesDuplicates(t *testing.T) {
	opts := DefaultOptions()
	opts.TempDir = t.TempDir()
	s := New(concatMerge, opts)

	require.NoError(t, s.Insert([]byte("banana"), []byte("b1")))
	require.NoError(t, s.Insert([]byte("apple"), []byte("a1")))
	require.NoError(t, s.Insert([]byte("banana"), []byte("b2")))
	require.NoError(t, s.Insert([]byte("cherry"), []byte("c1")))

	it, err := s.Iter()
	require.NoError(t, err)
	defer it.Close()

	var keys, values []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"apple", "banana", "cherry"}, keys)
	assert.Equal(t, []string{"a1", "b1b2", "c1"}, values)
}

func TestSorterSpillsUnderMemoryPressure(t *testing.T) {
	opts := Options{
		Compression: CompressionS2,
		MaxMemory:   1 << 10, // tiny budget forces many spills
		MaxChunks:   4,       // and forces intermediate compactions
		TempDir:     t.TempDir(),
	}
	s := New(concatMerge, opts)

	const n = 2000
	for i := n - 1; i >= 0; i-- {
		key := fmt.Appendf(nil, "k%06d", i)
		require.NoError(t, s.Insert(key, []byte("v")))
	}

	it, err := s.Iter()
	require.NoError(t, err)
	defer it.Close()

	count := 0
	var prev []byte
	for it.Next() {
		if prev != nil {
			assert.True(t, bytes.Compare(prev, it.Key()) < 0, "keys must be strictly ascending")
		}
		prev = append(prev[:0], it.Key()...)
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, n, count)
}

func TestSorterMergesAcrossChunks(t *testing.T) {
	opts := Options{
		Compression: CompressionNone,
		MaxMemory:   1 << 9,
		MaxChunks:   DefaultMaxChunks,
		TempDir:     t.TempDir(),
	}
	s := New(concatMerge, opts)

	// The same key inserted many times across spill boundaries must come
	// out once, with every value folded in.
	for i := 0; i < 300; i++ {
		require.NoError(t, s.Insert([]byte("hot-key"), []byte{'x'}))
		require.NoError(t, s.Insert(fmt.Appendf(nil, "filler-%04d", i), []byte("f")))
	}

	it, err := s.Iter()
	require.NoError(t, err)
	defer it.Close()

	found := false
	for it.Next() {
		if string(it.Key()) == "hot-key" {
			found = true
			assert.Len(t, it.Value(), 300)
		}
	}
	require.NoError(t, it.Err())
	assert.True(t, found)
}

func TestWriteIntoSkipsRecords(t *testing.T) {
	opts := DefaultOptions()
	opts.TempDir = t.TempDir()
	s := New(concatMerge, opts)
	require.NoError(t, s.Insert([]byte("keep"), []byte("1")))
	require.NoError(t, s.Insert([]byte("drop"), []byte("2")))

	w := tempChunkWriter(t, CompressionNone)
	err := s.WriteInto(w, func(key, value []byte) bool { return string(key) == "drop" })
	require.NoError(t, err)

	r, err := w.Finish()
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.Next())
	assert.Equal(t, "keep", string(r.Key()))
	assert.False(t, r.Next())
	require.NoError(t, r.Err())
}

func TestMergeEmptyReaderSet(t *testing.T) {
	it := Merge(nil, concatMerge)
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}
