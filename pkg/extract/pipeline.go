package extract

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tirithen/milli-core/pkg/sorter"
)

// Outputs bundles every stream of one extraction pass.
type Outputs struct {
	Words     WordOutputs
	Proximity *sorter.Reader
}

// Close releases every stream.
func (o Outputs) Close() error {
	err := o.Words.Close()
	if o.Proximity != nil {
		if cerr := o.Proximity.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Run executes both extractors in parallel workers over independent passes
// of the docid-word-positions stream. openPositions must return a fresh
// reader per call; each worker consumes its own. The first failing worker
// aborts the pass and its error is returned.
func Run(openPositions func() (*sorter.Reader, error), params Params, diff SettingsDiff) (Outputs, error) {
	var out Outputs
	var g errgroup.Group

	g.Go(func() error {
		r, err := openPositions()
		if err != nil {
			return err
		}
		defer r.Close()
		words, err := ExtractWordDocids(r, params, diff)
		if err != nil {
			return err
		}
		out.Words = words
		return nil
	})

	g.Go(func() error {
		r, err := openPositions()
		if err != nil {
			return err
		}
		defer r.Close()
		prox, err := ExtractWordPairProximityDocids(r, params, diff)
		if err != nil {
			return err
		}
		out.Proximity = prox
		return nil
	})

	if err := g.Wait(); err != nil {
		out.Close()
		return Outputs{}, err
	}
	logrus.Debug("extract: pipeline done")
	return out, nil
}
