package sorter

import (
	"bytes"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
)

// MergeFunc combines every value observed for one key into a single value.
// Values arrive oldest first, but implementations must be commutative:
// equal-key ordering between the deletion and addition sides is not
// guaranteed across chunks.
type MergeFunc func(values [][]byte) ([]byte, error)

// Options bounds a Sorter's resource usage.
type Options struct {
	Compression      Compression
	CompressionLevel int
	// MaxMemory is the buffered-entry budget in bytes before a spill to a
	// temporary chunk. Zero means DefaultMaxMemory.
	MaxMemory int
	// MaxChunks forces an intermediate merge once this many chunks exist.
	// Zero means DefaultMaxChunks.
	MaxChunks int
	// TempDir is where chunk files go; empty means os.TempDir().
	TempDir string
}

const (
	DefaultMaxMemory = 64 << 20
	DefaultMaxChunks = 32
)

// DefaultOptions returns the knobs used by the extraction pipeline unless a
// caller overrides them.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionS2,
		MaxMemory:   DefaultMaxMemory,
		MaxChunks:   DefaultMaxChunks,
	}
}

type entry struct {
	key   []byte
	value []byte
}

// Sorter is an append-only external-memory sorter. Inserts buffer in memory
// and spill to compressed temp chunks past the memory budget; Iter merges
// the chunks into one key-sorted stream, combining duplicate keys with the
// MergeFunc.
type Sorter struct {
	opts    Options
	merge   MergeFunc
	entries []entry
	mem     int
	chunks  []*Reader
}

// New creates a Sorter. merge must not be nil.
func New(merge MergeFunc, opts Options) *Sorter {
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = DefaultMaxMemory
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	return &Sorter{opts: opts, merge: merge}
}

// Insert buffers one record. Key and value are copied.
func (s *Sorter) Insert(key, value []byte) error {
	e := entry{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	s.entries = append(s.entries, e)
	s.mem += len(e.key) + len(e.value) + 48
	if s.mem >= s.opts.MaxMemory {
		return s.spill()
	}
	return nil
}

// spill sorts the in-memory entries, folds duplicate keys, and writes the
// run to a temp chunk.
func (s *Sorter) spill() error {
	if len(s.entries) == 0 {
		return nil
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return bytes.Compare(s.entries[i].key, s.entries[j].key) < 0
	})

	f, err := os.CreateTemp(s.opts.TempDir, "sorter-*.chunk")
	if err != nil {
		return err
	}
	w, err := NewWriter(f, s.opts.Compression, s.opts.CompressionLevel)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}

	var group [][]byte
	flush := func(key []byte) error {
		merged, err := s.mergeGroup(group)
		if err != nil {
			return err
		}
		return w.Insert(key, merged)
	}
	for i := 0; i < len(s.entries); {
		j := i + 1
		for j < len(s.entries) && bytes.Equal(s.entries[j].key, s.entries[i].key) {
			j++
		}
		group = group[:0]
		for k := i; k < j; k++ {
			group = append(group, s.entries[k].value)
		}
		if err := flush(s.entries[i].key); err != nil {
			return err
		}
		i = j
	}

	r, err := w.Finish()
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"records": w.Count(),
		"chunks":  len(s.chunks) + 1,
	}).Debug("sorter: spilled chunk")

	s.entries = s.entries[:0]
	s.mem = 0
	s.chunks = append(s.chunks, r)

	if len(s.chunks) >= s.opts.MaxChunks {
		return s.compact()
	}
	return nil
}

func (s *Sorter) mergeGroup(values [][]byte) ([]byte, error) {
	if len(values) == 1 {
		return values[0], nil
	}
	return s.merge(values)
}

// compact merges every existing chunk into a single new one.
func (s *Sorter) compact() error {
	f, err := os.CreateTemp(s.opts.TempDir, "sorter-*.chunk")
	if err != nil {
		return err
	}
	w, err := NewWriter(f, s.opts.Compression, s.opts.CompressionLevel)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	it := Merge(s.chunks, s.merge)
	for it.Next() {
		if err := w.Insert(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	r, err := w.Finish()
	if err != nil {
		return err
	}
	s.chunks = []*Reader{r}
	return nil
}

// Iter spills any buffered entries and returns the fully-merged key-sorted
// stream. The Sorter must not be used afterwards.
func (s *Sorter) Iter() (*MergeIter, error) {
	if err := s.spill(); err != nil {
		return nil, err
	}
	return Merge(s.chunks, s.merge), nil
}

// WriteInto drains the merged stream into w, skipping records skip reports
// true for. Used to concatenate several sorters into one output chunk.
func (s *Sorter) WriteInto(w *Writer, skip func(key, value []byte) bool) error {
	it, err := s.Iter()
	if err != nil {
		return err
	}
	for it.Next() {
		if skip != nil && skip(it.Key(), it.Value()) {
			continue
		}
		if err := w.Insert(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Close()
}
