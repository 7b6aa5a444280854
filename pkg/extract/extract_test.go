package extract

import (
	"sort"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"github.com/tirithen/milli-core/pkg/deladd"
	"github.com/tirithen/milli-core/pkg/sorter"
)

// Shared helpers for the extractor tests: building docid-word-positions
// streams and applying Del/Add outputs to in-memory state.

type wordAt struct {
	pos  uint16
	word string
}

type posRec struct {
	docid uint32
	fid   uint16
	del   []wordAt
	add   []wordAt
}

func encodeSide(words []wordAt) []byte {
	if words == nil {
		return nil
	}
	out := []byte{}
	for _, w := range words {
		out = AppendWordPosition(out, w.pos, []byte(w.word))
	}
	return out
}

func testParams(t *testing.T) Params {
	t.Helper()
	p := DefaultParams()
	p.Sorter.TempDir = t.TempDir()
	return p
}

// buildPositions writes records key-sorted and returns the stream reader.
func buildPositions(t *testing.T, params Params, recs []posRec) *sorter.Reader {
	t.Helper()
	sorted := append([]posRec(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].docid != sorted[j].docid {
			return sorted[i].docid < sorted[j].docid
		}
		return sorted[i].fid < sorted[j].fid
	})

	w, err := newTempWriter(params.Sorter)
	require.NoError(t, err)
	for _, r := range sorted {
		env := deladd.Value{Del: encodeSide(r.del), Add: encodeSide(r.add)}
		require.NoError(t, w.Insert(PositionsKey(r.docid, r.fid), env.Encode(nil)))
	}
	reader, err := w.Finish()
	require.NoError(t, err)
	return reader
}

// words turns a sentence into consecutive-position tokens.
func words(ws ...string) []wordAt {
	out := make([]wordAt, len(ws))
	for i, w := range ws {
		out[i] = wordAt{pos: uint16(i), word: w}
	}
	return out
}

// applyDelAdd folds an output stream keyed by word into state.
func applyDelAdd(t *testing.T, r *sorter.Reader, state map[string]*roaring.Bitmap) {
	t.Helper()
	for r.Next() {
		word := string(r.Key())
		env, err := deladd.Decode(r.Value())
		require.NoError(t, err)
		bm, ok := state[word]
		if !ok {
			bm = roaring.New()
			state[word] = bm
		}
		if env.Del != nil {
			dels, err := deladd.DecodeBitmap(env.Del)
			require.NoError(t, err)
			bm.AndNot(dels)
		}
		if env.Add != nil {
			adds, err := deladd.DecodeBitmap(env.Add)
			require.NoError(t, err)
			bm.Or(adds)
		}
		if bm.IsEmpty() {
			delete(state, word)
		}
	}
	require.NoError(t, r.Err())
}

// collectStream drains a stream into (key, decoded envelope) pairs.
type streamRecord struct {
	key string
	env deladd.Value
}

func collectStream(t *testing.T, r *sorter.Reader) []streamRecord {
	t.Helper()
	var out []streamRecord
	for r.Next() {
		env, err := deladd.Decode(r.Value())
		require.NoError(t, err)
		cp := deladd.Value{}
		if env.Del != nil {
			cp.Del = append([]byte(nil), env.Del...)
		}
		if env.Add != nil {
			cp.Add = append([]byte(nil), env.Add...)
		}
		out = append(out, streamRecord{key: string(r.Key()), env: cp})
	}
	require.NoError(t, r.Err())
	return out
}
