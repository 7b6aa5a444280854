package extract

import (
	"sort"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tirithen/milli-core/pkg/deladd"
)

func TestExtractWordDocidsAdditions(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: words("the", "quick", "fox")},
		{docid: 2, fid: 0, add: words("the", "lazy", "dog")},
		{docid: 2, fid: 1, add: words("dog")},
	})
	defer positions.Close()

	out, err := ExtractWordDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer out.Close()

	state := map[string]*roaring.Bitmap{}
	applyDelAdd(t, out.WordDocids, state)

	require.Len(t, state, 5)
	assert.True(t, roaring.BitmapOf(1, 2).Equals(state["the"]))
	assert.True(t, roaring.BitmapOf(1).Equals(state["quick"]))
	assert.True(t, roaring.BitmapOf(1).Equals(state["fox"]))
	assert.True(t, roaring.BitmapOf(2).Equals(state["lazy"]))
	assert.True(t, roaring.BitmapOf(2).Equals(state["dog"]))

	// exact stream is empty without exact settings
	exact := collectStream(t, out.ExactWordDocids)
	assert.Empty(t, exact)
}

func TestExtractWordDocidsWordFidStream(t *testing.T) {
	params := testParams(t)
	positions := buildPositions(t, params, []posRec{
		{docid: 7, fid: 0, add: words("alpha")},
		{docid: 7, fid: 3, add: words("alpha", "beta")},
	})
	defer positions.Close()

	out, err := ExtractWordDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer out.Close()

	recs := collectStream(t, out.WordFidDocids)
	var keys []string
	for _, r := range recs {
		keys = append(keys, r.key)
	}
	// key layout is word | 0x00 | fid BE; sorted by word then fid
	assert.Equal(t, []string{
		"alpha\x00\x00\x00",
		"alpha\x00\x00\x03",
		"beta\x00\x00\x03",
	}, keys)
	assert.True(t, sort.StringsAreSorted(keys))
}

// Concatenating the Del and Add sides of the output and applying them to
// the prior state must equal a full rebuild from the post-update corpus.
func TestExtractWordDocidsRebuildEquivalence(t *testing.T) {
	params := testParams(t)

	// prior corpus: doc1 "old words here", doc2 "stable text"
	before := map[uint32][]string{
		1: {"old", "words", "here"},
		2: {"stable", "text"},
	}
	// post corpus: doc1 rewritten, doc2 unchanged, doc3 added
	after := map[uint32][]string{
		1: {"new", "words"},
		2: {"stable", "text"},
		3: {"fresh", "text"},
	}

	// prior state from the before corpus
	state := map[string]*roaring.Bitmap{}
	for docid, ws := range before {
		for _, w := range ws {
			if state[w] == nil {
				state[w] = roaring.New()
			}
			state[w].Add(docid)
		}
	}

	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, del: words("old", "words", "here"), add: words("new", "words")},
		{docid: 3, fid: 0, add: words("fresh", "text")},
	})
	defer positions.Close()

	out, err := ExtractWordDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer out.Close()

	applyDelAdd(t, out.WordDocids, state)

	rebuilt := map[string]*roaring.Bitmap{}
	for docid, ws := range after {
		for _, w := range ws {
			if rebuilt[w] == nil {
				rebuilt[w] = roaring.New()
			}
			rebuilt[w].Add(docid)
		}
	}

	require.Len(t, state, len(rebuilt))
	for w, want := range rebuilt {
		require.NotNil(t, state[w], "word %q missing after apply", w)
		assert.True(t, want.Equals(state[w]), "word %q", w)
	}
}

func TestExtractWordDocidsExactAttributeRouting(t *testing.T) {
	params := testParams(t)
	exactFid := uint16(1)
	settings := Settings{ExactAttributes: map[uint16]struct{}{exactFid: {}}}
	diff := SettingsDiff{Old: settings, New: settings}

	positions := buildPositions(t, params, []posRec{
		{docid: 1, fid: 0, add: words("loose")},
		{docid: 1, fid: exactFid, add: words("strict")},
	})
	defer positions.Close()

	out, err := ExtractWordDocids(positions, params, diff)
	require.NoError(t, err)
	defer out.Close()

	normal := map[string]*roaring.Bitmap{}
	applyDelAdd(t, out.WordDocids, normal)
	exact := map[string]*roaring.Bitmap{}
	applyDelAdd(t, out.ExactWordDocids, exact)

	assert.Contains(t, normal, "loose")
	assert.NotContains(t, normal, "strict")
	assert.Contains(t, exact, "strict")
	assert.NotContains(t, exact, "loose")
}

func TestExtractWordDocidsDisabledTyposTerm(t *testing.T) {
	params := testParams(t)
	settings := Settings{DisabledTyposTerms: map[string]struct{}{"acme": {}}}
	diff := SettingsDiff{Old: settings, New: settings}

	positions := buildPositions(t, params, []posRec{
		{docid: 4, fid: 0, add: words("acme", "widget")},
	})
	defer positions.Close()

	out, err := ExtractWordDocids(positions, params, diff)
	require.NoError(t, err)
	defer out.Close()

	normal := map[string]*roaring.Bitmap{}
	applyDelAdd(t, out.WordDocids, normal)
	exact := map[string]*roaring.Bitmap{}
	applyDelAdd(t, out.ExactWordDocids, exact)

	assert.Contains(t, exact, "acme")
	assert.Contains(t, normal, "widget")
}

// Flipping an attribute from exact to normal must delete from the exact
// stream under the old settings and insert into the normal stream under
// the new ones, in one pass.
func TestExtractWordDocidsSettingsFlip(t *testing.T) {
	params := testParams(t)
	fid := uint16(2)
	diff := SettingsDiff{
		Old: Settings{ExactAttributes: map[uint16]struct{}{fid: {}}},
		New: Settings{},
	}

	// the document is reindexed unchanged: same word on both sides
	positions := buildPositions(t, params, []posRec{
		{docid: 9, fid: fid, del: words("pivot"), add: words("pivot")},
	})
	defer positions.Close()

	out, err := ExtractWordDocids(positions, params, diff)
	require.NoError(t, err)
	defer out.Close()

	exactRecs := collectStream(t, out.ExactWordDocids)
	require.Len(t, exactRecs, 1)
	assert.Equal(t, "pivot", exactRecs[0].key)
	assert.NotNil(t, exactRecs[0].env.Del)
	assert.Nil(t, exactRecs[0].env.Add)

	normalRecs := collectStream(t, out.WordDocids)
	require.Len(t, normalRecs, 1)
	assert.Equal(t, "pivot", normalRecs[0].key)
	assert.Nil(t, normalRecs[0].env.Del)
	assert.NotNil(t, normalRecs[0].env.Add)

	// the word-fid relation itself did not change: the noop is elided
	assert.Empty(t, collectStream(t, out.WordFidDocids))
}

func TestExtractWordDocidsDeduplicatesPositions(t *testing.T) {
	params := testParams(t)
	// the same word at several positions collapses to one docid entry
	positions := buildPositions(t, params, []posRec{
		{docid: 5, fid: 0, add: []wordAt{{0, "echo"}, {3, "echo"}, {9, "echo"}}},
	})
	defer positions.Close()

	out, err := ExtractWordDocids(positions, params, SettingsDiff{})
	require.NoError(t, err)
	defer out.Close()

	recs := collectStream(t, out.WordDocids)
	require.Len(t, recs, 1)
	adds, err := deladd.DecodeBitmap(recs[0].env.Add)
	require.NoError(t, err)
	assert.True(t, roaring.BitmapOf(5).Equals(adds))
}
