package extract

import (
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tirithen/milli-core/pkg/deladd"
	"github.com/tirithen/milli-core/pkg/sorter"
)

// MaxDistance clamps word-pair proximities; emitted distances are
// 1..MaxDistance-1.
const MaxDistance = 8

// indexProximity is the distance between two token positions, clamped to
// MaxDistance. A pair read against input order costs one extra step.
func indexProximity(lhs, rhs uint32) uint32 {
	var d uint32
	if lhs <= rhs {
		d = rhs - lhs
	} else {
		d = lhs - rhs + 1
	}
	if d > MaxDistance {
		return MaxDistance
	}
	return d
}

type wordPosition struct {
	word     string
	position uint16
}

type wordPair struct {
	w1, w2 string
}

// pairState is the sliding window plus the per-document minimum proximity
// map for one side of the Del/Add record.
type pairState struct {
	window []wordPosition
	pairs  map[wordPair]uint8
}

func newPairState() *pairState {
	return &pairState{pairs: make(map[wordPair]uint8)}
}

func (s *pairState) resetDocument() {
	s.window = s.window[:0]
	clear(s.pairs)
}

// consume feeds one positions payload through the sliding window. The
// window front is drained whenever it falls MaxDistance or more behind the
// incoming position; drained heads pair against every remaining element.
func (s *pairState) consume(payload []byte) error {
	it := IterWordPositions(payload)
	for it.Next() {
		position := it.Position()
		for len(s.window) > 0 && indexProximity(uint32(s.window[0].position), uint32(position)) >= MaxDistance {
			s.popFrontIntoPairs()
		}
		s.window = append(s.window, wordPosition{word: string(it.Word()), position: position})
	}
	return it.Err()
}

// drain empties the window at end of document.
func (s *pairState) drain() {
	for len(s.window) > 0 {
		s.popFrontIntoPairs()
	}
}

// popFrontIntoPairs pops the window head and records its proximity to every
// element still in the window, keeping the minimum seen per pair. Identical
// positions (distance zero) are not pairs.
func (s *pairState) popFrontIntoPairs() {
	head := s.window[0]
	s.window = s.window[1:]
	for _, wp := range s.window {
		prox := uint8(indexProximity(uint32(head.position), uint32(wp.position)))
		if prox == 0 || prox >= MaxDistance {
			continue
		}
		key := wordPair{w1: head.word, w2: wp.word}
		if existing, ok := s.pairs[key]; !ok || prox < existing {
			s.pairs[key] = prox
		}
	}
}

// ExtractWordPairProximityDocids streams the docid-word-positions records
// grouped by document (the field id is ignored for proximity) and produces
// one merge-ready stream keyed by (proximity, w1, 0, w2).
//
// The deletion and addition sides of each record accumulate into
// independent state and are processed concurrently, joining before the next
// record. A settings-only update that does not change the proximity
// precision produces an empty stream.
func ExtractWordPairProximityDocids(positions *sorter.Reader, params Params, diff SettingsDiff) (*sorter.Reader, error) {
	opts := params.sorterOptions(MaxDistance)

	if diff.SettingsUpdateOnly && !diff.ReindexProximities() {
		w, err := newTempWriter(opts)
		if err != nil {
			return nil, err
		}
		return w.Finish()
	}

	anyDeletion := diff.Old.ProximityPrecision == ByWord
	anyAddition := diff.New.ProximityPrecision == ByWord

	sorters := make([]*sorter.Sorter, MaxDistance-1)
	for i := range sorters {
		sorters[i] = sorter.New(deladd.MergeBitmaps, opts)
	}

	del := newPairState()
	add := newPairState()
	var currentDocID uint32
	haveDocument := false

	flush := func() error {
		err := documentPairsIntoSorters(currentDocID, del.pairs, add.pairs, sorters)
		del.resetDocument()
		add.resetDocument()
		return err
	}

	for positions.Next() {
		docid, _, err := SplitPositionsKey(positions.Key())
		if err != nil {
			return nil, err
		}
		if haveDocument && docid != currentDocID {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		currentDocID = docid
		haveDocument = true

		value, err := deladd.Decode(positions.Value())
		if err != nil {
			return nil, err
		}

		// The two sides touch disjoint state; fork, then join before the
		// next record.
		var g errgroup.Group
		g.Go(func() error {
			if !anyDeletion || value.Del == nil {
				return nil
			}
			if err := del.consume(value.Del); err != nil {
				return err
			}
			del.drain()
			return nil
		})
		g.Go(func() error {
			if !anyAddition || value.Add == nil {
				return nil
			}
			if err := add.consume(value.Add); err != nil {
				return err
			}
			add.drain()
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	if err := positions.Err(); err != nil {
		return nil, err
	}
	if haveDocument {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	// Concatenate the per-distance sorters in ascending proximity; keys
	// start with the distance byte so the result stays globally sorted.
	w, err := newTempWriter(opts)
	if err != nil {
		return nil, err
	}
	for _, s := range sorters {
		if err := s.WriteInto(w, nil); err != nil {
			return nil, err
		}
	}
	return w.Finish()
}

// documentPairsIntoSorters emits the merged del/add pair maps of one
// document into the per-distance sorters. Records merge on the full
// (pair, proximity) tuple: a pair whose minimum distance changed is a
// deletion at the old distance and an addition at the new one, two
// separate keys.
func documentPairsIntoSorters(
	docid uint32,
	delPairs, addPairs map[wordPair]uint8,
	sorters []*sorter.Sorter,
) error {
	type pairProx struct {
		pair wordPair
		prox uint8
	}
	type sides struct {
		del, add bool
	}

	merged := make(map[pairProx]sides, len(delPairs)+len(addPairs))
	for pair, prox := range delPairs {
		merged[pairProx{pair: pair, prox: prox}] = sides{del: true}
	}
	for pair, prox := range addPairs {
		key := pairProx{pair: pair, prox: prox}
		s := merged[key]
		s.add = true
		merged[key] = s
	}

	// Deterministic emission order; the sorters re-sort anyway, but the
	// spill contents should not depend on map iteration.
	entries := make([]pairProx, 0, len(merged))
	for key := range merged {
		entries = append(entries, key)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pair.w1 != entries[j].pair.w1 {
			return entries[i].pair.w1 < entries[j].pair.w1
		}
		if entries[i].pair.w2 != entries[j].pair.w2 {
			return entries[i].pair.w2 < entries[j].pair.w2
		}
		return entries[i].prox < entries[j].prox
	})

	docidBytes := deladd.DocIDBytes(docid)
	var keyBuffer, valBuffer []byte
	for _, e := range entries {
		s := merged[e]
		var env deladd.Value
		if s.del {
			env.Del = docidBytes
		}
		if s.add {
			env.Add = docidBytes
		}

		keyBuffer = keyBuffer[:0]
		keyBuffer = append(keyBuffer, e.prox)
		keyBuffer = append(keyBuffer, e.pair.w1...)
		keyBuffer = append(keyBuffer, 0)
		keyBuffer = append(keyBuffer, e.pair.w2...)
		valBuffer = env.Encode(valBuffer[:0])
		if err := sorters[e.prox-1].Insert(keyBuffer, valBuffer); err != nil {
			return err
		}
	}
	return nil
}
