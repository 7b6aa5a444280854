package sorter

import (
	"bytes"
	"container/heap"
)

// MergeIter is a deterministic k-way merge over sorted chunk readers.
// Duplicate keys across (or within) chunks are folded with the MergeFunc,
// values in chunk order so the result does not depend on heap internals.
type MergeIter struct {
	merge   MergeFunc
	h       readerHeap
	readers []*Reader
	key     []byte
	value   []byte
	err     error
	done    bool
}

type heapItem struct {
	r    *Reader
	rank int // position in the original reader list, ties break on it
}

type readerHeap []heapItem

func (h readerHeap) Len() int { return len(h) }
func (h readerHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].r.Key(), h[j].r.Key())
	if c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h readerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readerHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *readerHeap) Pop() any          { old := *h; n := len(old); it := old[n-1]; *h = old[:n-1]; return it }

// Merge builds a MergeIter over readers. Readers already positioned before
// their first record (as returned by Writer.Finish) are expected.
func Merge(readers []*Reader, merge MergeFunc) *MergeIter {
	m := &MergeIter{merge: merge, readers: readers}
	for rank, r := range readers {
		if r.Next() {
			m.h = append(m.h, heapItem{r: r, rank: rank})
		} else if err := r.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next distinct key.
func (m *MergeIter) Next() bool {
	if m.err != nil || m.done || m.h.Len() == 0 {
		m.done = true
		return false
	}

	top := m.h[0]
	m.key = append(m.key[:0], top.r.Key()...)

	var values [][]byte
	for m.h.Len() > 0 && bytes.Equal(m.h[0].r.Key(), m.key) {
		it := m.h[0]
		values = append(values, append([]byte(nil), it.r.Value()...))
		if it.r.Next() {
			heap.Fix(&m.h, 0)
		} else {
			if err := it.r.Err(); err != nil {
				m.err = err
				return false
			}
			heap.Pop(&m.h)
		}
	}

	if len(values) == 1 {
		m.value = values[0]
		return true
	}
	merged, err := m.merge(values)
	if err != nil {
		m.err = err
		return false
	}
	m.value = merged
	return true
}

// Key returns the current key. Valid until the next call to Next.
func (m *MergeIter) Key() []byte { return m.key }

// Value returns the current merged value. Valid until the next call to Next.
func (m *MergeIter) Value() []byte { return m.value }

// Err reports the first error hit while merging.
func (m *MergeIter) Err() error { return m.err }

// Close closes every underlying reader and removes their temp files.
func (m *MergeIter) Close() error {
	var first error
	for _, r := range m.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		first = m.err
	}
	return first
}
