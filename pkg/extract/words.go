package extract

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tirithen/milli-core/pkg/deladd"
	"github.com/tirithen/milli-core/pkg/sorter"
)

// WordOutputs are the three merge-ready streams of the word extractor, each
// key-sorted with Del/Add bitmap payloads.
type WordOutputs struct {
	WordDocids      *sorter.Reader
	ExactWordDocids *sorter.Reader
	WordFidDocids   *sorter.Reader
}

// Close releases every stream.
func (o WordOutputs) Close() error {
	var first error
	for _, r := range []*sorter.Reader{o.WordDocids, o.ExactWordDocids, o.WordFidDocids} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ExtractWordDocids streams the docid-word-positions records and produces
// the word docids, exact word docids and word-fid docids deltas.
//
// Pass 1 collects the distinct deleted and added words of every
// (document, field) pair and emits per-word Del/Add doc id records keyed by
// (word, 0, fid). Pass 2 merges that stream and splits each side between
// the exact and the normal word stream: deletions are routed under the old
// settings, additions under the new ones.
func ExtractWordDocids(positions *sorter.Reader, params Params, diff SettingsDiff) (WordOutputs, error) {
	opts := params.sorterOptions(3)
	wordFidSorter := sorter.New(deladd.MergeBitmaps, opts)

	var keyBuffer, valBuffer []byte
	delWords := make(map[string]struct{})
	addWords := make(map[string]struct{})

	for positions.Next() {
		docid, fid, err := SplitPositionsKey(positions.Key())
		if err != nil {
			return WordOutputs{}, err
		}
		value, err := deladd.Decode(positions.Value())
		if err != nil {
			return WordOutputs{}, err
		}

		clear(delWords)
		clear(addWords)
		if err := collectWords(value.Del, delWords); err != nil {
			return WordOutputs{}, err
		}
		if err := collectWords(value.Add, addWords); err != nil {
			return WordOutputs{}, err
		}

		keyBuffer, valBuffer, err = wordsIntoSorter(docid, fid, delWords, addWords, keyBuffer, valBuffer, wordFidSorter)
		if err != nil {
			return WordOutputs{}, err
		}
	}
	if err := positions.Err(); err != nil {
		return WordOutputs{}, err
	}

	wordFidWriter, err := newTempWriter(opts)
	if err != nil {
		return WordOutputs{}, err
	}
	wordSorter := sorter.New(deladd.MergeBitmaps, opts)
	exactWordSorter := sorter.New(deladd.MergeBitmaps, opts)

	it, err := wordFidSorter.Iter()
	if err != nil {
		return WordOutputs{}, err
	}
	for it.Next() {
		key, value := it.Key(), it.Value()

		// Only keep the record when there is a change to apply.
		if !deladd.IsNoopRecord(value) {
			if err := wordFidWriter.Insert(key, value); err != nil {
				return WordOutputs{}, err
			}
		}

		word, fid, err := splitWordFidKey(key)
		if err != nil {
			return WordOutputs{}, err
		}
		env, err := deladd.Decode(value)
		if err != nil {
			return WordOutputs{}, err
		}

		if env.Del != nil {
			target := wordSorter
			if diff.Old.IsExact(word, fid) {
				target = exactWordSorter
			}
			valBuffer = deladd.Value{Del: env.Del}.Encode(valBuffer[:0])
			if err := target.Insert([]byte(word), valBuffer); err != nil {
				return WordOutputs{}, err
			}
		}
		if env.Add != nil {
			target := wordSorter
			if diff.New.IsExact(word, fid) {
				target = exactWordSorter
			}
			valBuffer = deladd.Value{Add: env.Add}.Encode(valBuffer[:0])
			if err := target.Insert([]byte(word), valBuffer); err != nil {
				return WordOutputs{}, err
			}
		}
	}
	if err := it.Close(); err != nil {
		return WordOutputs{}, err
	}

	wordFidCount := wordFidWriter.Count()

	var out WordOutputs
	if out.WordDocids, err = sorterIntoReader(wordSorter, opts); err != nil {
		return WordOutputs{}, err
	}
	if out.ExactWordDocids, err = sorterIntoReader(exactWordSorter, opts); err != nil {
		return WordOutputs{}, err
	}
	if out.WordFidDocids, err = wordFidWriter.Finish(); err != nil {
		return WordOutputs{}, err
	}

	logrus.WithField("word_fid_records", wordFidCount).Debug("extract: word docids pass done")
	return out, nil
}

// collectWords decodes a positions payload into the distinct word set.
// Position information collapses at this stage.
func collectWords(payload []byte, into map[string]struct{}) error {
	if payload == nil {
		return nil
	}
	it := IterWordPositions(payload)
	for it.Next() {
		into[string(it.Word())] = struct{}{}
	}
	return it.Err()
}

// wordsIntoSorter emits one record per word of the union, with the sides
// reflecting membership in the deleted and added sets.
func wordsIntoSorter(
	docid uint32,
	fid uint16,
	delWords, addWords map[string]struct{},
	keyBuffer, valBuffer []byte,
	dst *sorter.Sorter,
) ([]byte, []byte, error) {
	words := make([]string, 0, len(delWords)+len(addWords))
	for w := range delWords {
		words = append(words, w)
	}
	for w := range addWords {
		if _, dup := delWords[w]; !dup {
			words = append(words, w)
		}
	}
	sort.Strings(words)

	docidBytes := deladd.DocIDBytes(docid)
	for _, word := range words {
		var env deladd.Value
		if _, ok := delWords[word]; ok {
			env.Del = docidBytes
		}
		if _, ok := addWords[word]; ok {
			env.Add = docidBytes
		}

		keyBuffer = keyBuffer[:0]
		keyBuffer = append(keyBuffer, word...)
		keyBuffer = append(keyBuffer, 0)
		keyBuffer = binary.BigEndian.AppendUint16(keyBuffer, fid)
		valBuffer = env.Encode(valBuffer[:0])
		if err := dst.Insert(keyBuffer, valBuffer); err != nil {
			return keyBuffer, valBuffer, err
		}
	}
	return keyBuffer, valBuffer, nil
}

// splitWordFidKey splits (word, 0, fid BE) back apart.
func splitWordFidKey(key []byte) (string, uint16, error) {
	if len(key) < 3 || key[len(key)-3] != 0 {
		return "", 0, fmt.Errorf("extract: bad word-fid key")
	}
	word := string(key[:len(key)-3])
	fid := binary.BigEndian.Uint16(key[len(key)-2:])
	return word, fid, nil
}

// newTempWriter opens a chunk writer over a fresh temp file.
func newTempWriter(opts sorter.Options) (*sorter.Writer, error) {
	f, err := os.CreateTemp(opts.TempDir, "extract-*.chunk")
	if err != nil {
		return nil, err
	}
	w, err := sorter.NewWriter(f, opts.Compression, opts.CompressionLevel)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return w, nil
}

// sorterIntoReader drains a sorter into a fresh temp chunk and returns the
// reader over it.
func sorterIntoReader(s *sorter.Sorter, opts sorter.Options) (*sorter.Reader, error) {
	w, err := newTempWriter(opts)
	if err != nil {
		return nil, err
	}
	if err := s.WriteInto(w, nil); err != nil {
		return nil, err
	}
	return w.Finish()
}
