package extract

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tirithen/milli-core/pkg/deladd"
	"github.com/tirithen/milli-core/pkg/sorter"
)

type proxPair struct {
	prox   uint8
	w1, w2 string
}

func splitProximityKey(t *testing.T, key []byte) proxPair {
	t.Helper()
	require.GreaterOrEqual(t, len(key), 4)
	prox := key[0]
	rest := key[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == 0 {
			return proxPair{prox: prox, w1: string(rest[:i]), w2: string(rest[i+1:])}
		}
	}
	t.Fatalf("proximity key %q has no separator", key)
	return proxPair{}
}

// collectProximity drains a proximity stream into pair -> (del, add).
func collectProximity(t *testing.T, r *sorter.Reader) map[proxPair]deladd.Value {
	t.Helper()
	out := map[proxPair]deladd.Value{}
	var prevKey []byte
	for r.Next() {
		if prevKey != nil {
			assert.LessOrEqual(t, string(prevKey), string(r.Key()), "stream must stay key-sorted")
		}
		prevKey = append(prevKey[:0], r.Key()...)

		env, err := deladd.Decode(r.Value())
		require.NoError(t, err)
		cp := deladd.Value{}
		if env.Del != nil {
			cp.Del = append([]byte(nil), env.Del...)
		}
		if env.Add != nil {
			cp.Add = append([]byte(nil), env.Add...)
		}
		out[splitProximityKey(t, r.Key())] = cp
	}
	require.NoError(t, r.Err())
	return out
}

func addedPairs(t *testing.T, recs map[proxPair]deladd.Value) map[proxPair]*roaring.Bitmap {
	t.Helper()
	out := map[proxPair]*roaring.Bitmap{}
	for pair, env := range recs {
		if env.Add == nil {
			continue
		}
		bm, err := deladd.DecodeBitmap(env.Add)
		require.NoError(t, err)
		out[pair] = bm
	}
	return out
}

// bruteForcePairs computes the expected pair set: for words wi before wj in
// input order, the minimum proximity in 1..MaxDistance-1.
func bruteForcePairs(tokens []wordAt) map[proxPair]struct{} {
	min := map[proxPair]uint8{}
	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			prox := uint8(indexProximity(uint32(tokens[i].pos), uint32(tokens[j].pos)))
			if prox == 0 || prox >= MaxDistance {
				continue
			}
			key := proxPair{w1: tokens[i].word, w2: tokens[j].word}
			if existing, ok := min[key]; !ok || prox < existing {
				min[key] = prox
			}
		}
	}
	out := map[proxPair]struct{}{}
	for key, prox := range min {
		key.prox = prox
		out[key] = struct{}{}
	}
	return out
}

func TestProximitySimpleSentence(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: words("the", "quick", "brown", "fox")},
	})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	got := addedPairs(t, collectProximity(t, r))
	want := []proxPair{
		{1, "the", "quick"},
		{2, "the", "brown"},
		{3, "the", "fox"},
		{1, "quick", "brown"},
		{2, "quick", "fox"},
		{1, "brown", "fox"},
	}
	require.Len(t, got, len(want))
	for _, pair := range want {
		bm, ok := got[pair]
		require.True(t, ok, "missing pair %+v", pair)
		assert.True(t, roaring.BitmapOf(1).Equals(bm), "pair %+v", pair)
	}
}

func TestProximityKeepsMinimumDistance(t *testing.T) {
	params := testParams(t)
	// "a b ... b": the (a, b) pair appears at several distances; only the
	// minimum survives.
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: []wordAt{{0, "a"}, {1, "b"}, {4, "b"}}},
	})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	got := addedPairs(t, collectProximity(t, r))
	_, hasMin := got[proxPair{1, "a", "b"}]
	assert.True(t, hasMin, "minimum distance pair must exist: %v", got)
	_, hasLoose := got[proxPair{4, "a", "b"}]
	assert.False(t, hasLoose, "non-minimal distance must be dropped")
}

func TestProximityWindowEviction(t *testing.T) {
	params := testParams(t)
	// distance 10 >= MaxDistance: never paired
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: []wordAt{{0, "far"}, {10, "away"}}},
	})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	assert.Empty(t, collectProximity(t, r))
}

func TestProximityMatchesBruteForce(t *testing.T) {
	params := testParams(t)
	tokens := []wordAt{
		{0, "zero"}, {1, "one"}, {2, "two"}, {3, "zero"}, {5, "five"},
		{9, "nine"}, {11, "one"}, {12, "twelve"}, {20, "twenty"}, {21, "zero"},
	}
	positions := buildPositions(t, params, []posRec{{docid: 3, fid: 0, add: tokens}})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	got := addedPairs(t, collectProximity(t, r))
	want := bruteForcePairs(tokens)

	for pair := range want {
		_, ok := got[pair]
		assert.True(t, ok, "missing pair %+v", pair)
	}
	assert.Len(t, got, len(want))
}

func TestProximityPairsDoNotCrossDocuments(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: words("alpha", "beta")},
		{docid: 2, fid: 0, add: words("beta", "gamma")},
	})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	got := addedPairs(t, collectProximity(t, r))
	require.Len(t, got, 2)
	assert.True(t, roaring.BitmapOf(1).Equals(got[proxPair{1, "alpha", "beta"}]))
	assert.True(t, roaring.BitmapOf(2).Equals(got[proxPair{1, "beta", "gamma"}]))
}

func TestProximitySharedPairMergesDocids(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: words("salt", "pepper")},
		{docid: 2, fid: 0, add: words("salt", "pepper")},
	})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	got := addedPairs(t, collectProximity(t, r))
	require.Len(t, got, 1)
	assert.True(t, roaring.BitmapOf(1, 2).Equals(got[proxPair{1, "salt", "pepper"}]))
}

func TestProximityDeletionSide(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 6, fid: 0, del: words("gone", "words"), add: words("kept", "words")},
	})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	recs := collectProximity(t, r)
	del, ok := recs[proxPair{1, "gone", "words"}]
	require.True(t, ok)
	assert.NotNil(t, del.Del)
	assert.Nil(t, del.Add)

	add, ok := recs[proxPair{1, "kept", "words"}]
	require.True(t, ok)
	assert.Nil(t, add.Del)
	assert.NotNil(t, add.Add)
}

func TestProximitySettingsOnlyShortCircuit(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: words("a", "b")},
	})
	defer positions.Close()

	diff := SettingsDiff{
		Old:                Settings{ProximityPrecision: ByWord},
		New:                Settings{ProximityPrecision: ByWord},
		SettingsUpdateOnly: true,
	}
	r, err := ExtractWordPairProximityDocids(positions, params, diff)
	require.NoError(t, err)
	defer r.Close()

	assert.Empty(t, collectProximity(t, r))
}

func TestProximityPrecisionGatesSides(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, del: words("x", "y"), add: words("p", "q")},
	})
	defer positions.Close()

	// old precision is by-attribute: the deletion side contributes nothing
	diff := SettingsDiff{
		Old: Settings{ProximityPrecision: ByAttribute},
		New: Settings{ProximityPrecision: ByWord},
	}
	r, err := ExtractWordPairProximityDocids(positions, params, diff)
	require.NoError(t, err)
	defer r.Close()

	recs := collectProximity(t, r)
	require.Len(t, recs, 1)
	_, ok := recs[proxPair{1, "p", "q"}]
	assert.True(t, ok)
}

func TestProximityStreamOrderedByDistanceFirst(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: []wordAt{{0, "z"}, {1, "a"}, {4, "m"}}},
	})
	defer positions.Close()

	r, err := ExtractWordPairProximityDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer r.Close()

	var proxes []uint8
	for r.Next() {
		proxes = append(proxes, r.Key()[0])
	}
	require.NoError(t, r.Err())
	require.NotEmpty(t, proxes)
	for i := 1; i < len(proxes); i++ {
		assert.LessOrEqual(t, proxes[i-1], proxes[i])
	}
}

func TestIndexProximityClamping(t *testing.T) {
	cases := []struct {
		lhs, rhs uint32
		want     uint32
	}{
		{0, 0, 0},
		{0, 1, 1},
		{0, 7, 7},
		{0, 8, 8},
		{0, 100, 8},
		{1, 0, 2}, // reversed order costs one extra step
		{7, 0, 8},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, indexProximity(c.lhs, c.rhs),
			fmt.Sprintf("indexProximity(%d, %d)", c.lhs, c.rhs))
	}
}

func TestRunPipeline(t *testing.T) {
	params := testParams(t)
	recs := []posRec{
		{docid: 1, fid: 0, add: words("hello", "world")},
		{docid: 2, fid: 0, add: words("hello", "there")},
	}

	open := func() (*sorter.Reader, error) {
		return buildPositions(t, params, recs), nil
	}
	out, err := Run(open, params, SettingsDiff{})
	require.NoError(t, err)
	defer out.Close()

	state := map[string]*roaring.Bitmap{}
	applyDelAdd(t, out.Words.WordDocids, state)
	assert.True(t, roaring.BitmapOf(1, 2).Equals(state["hello"]))

	pairs := addedPairs(t, collectProximity(t, out.Proximity))
	assert.True(t, roaring.BitmapOf(1).Equals(pairs[proxPair{1, "hello", "world"}]))
	assert.True(t, roaring.BitmapOf(2).Equals(pairs[proxPair{1, "hello", "there"}]))
}

func TestPositionsKeyRoundTrip(t *testing.T) {
	key := PositionsKey(0xDEADBEEF, 0x0102)
	require.Len(t, key, 6)
	assert.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(key[:4]))

	docid, fid, err := SplitPositionsKey(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), docid)
	assert.Equal(t, uint16(0x0102), fid)
}
