package extract

import "github.com/tirithen/milli-core/pkg/sorter"

// Precision selects how word-pair proximities are indexed.
type Precision uint8

const (
	ByWord Precision = iota
	ByAttribute
)

// Settings is the slice of index configuration the extractors depend on.
type Settings struct {
	// ExactAttributes are fields indexed without typo-tolerant variants.
	ExactAttributes map[uint16]struct{}
	// DisabledTyposTerms are words always indexed exact.
	DisabledTyposTerms map[string]struct{}
	ProximityPrecision Precision
}

// IsExact reports whether a (word, field) pair belongs to the exact stream.
func (s Settings) IsExact(word string, fid uint16) bool {
	if _, ok := s.ExactAttributes[fid]; ok {
		return true
	}
	_, ok := s.DisabledTyposTerms[word]
	return ok
}

// SettingsDiff carries the configuration on both sides of an update.
// Deletions are interpreted under the old settings and additions under the
// new ones, so a setting flip removes entries from one stream and reinserts
// them into the other in a single pass.
type SettingsDiff struct {
	Old Settings
	New Settings
	// SettingsUpdateOnly is set when no document changed, only settings.
	SettingsUpdateOnly bool
}

// ReindexProximities reports whether a settings-only update requires the
// proximity relation to be rebuilt.
func (d SettingsDiff) ReindexProximities() bool {
	return d.Old.ProximityPrecision != d.New.ProximityPrecision
}

// Params bounds an extraction pass. The per-extractor sorters split the
// memory budget between themselves.
type Params struct {
	Sorter sorter.Options
}

// DefaultParams returns the extraction defaults.
func DefaultParams() Params {
	return Params{Sorter: sorter.DefaultOptions()}
}

// sorterOptions returns the sorter knobs with the memory budget divided by
// share.
func (p Params) sorterOptions(share int) sorter.Options {
	opts := p.Sorter
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = sorter.DefaultMaxMemory
	}
	if share > 1 {
		opts.MaxMemory /= share
	}
	return opts
}
