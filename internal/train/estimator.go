package train

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/BilyZ98/nanogpt/internal/data"
	"github.com/BilyZ98/nanogpt/internal/model"
)

// Estimator measures the mean loss over a fixed number of batches
// per split. It owns dedicated loaders so an estimate never steals
// batches from the training stream.
type Estimator struct {
	model     *model.GPT
	runner    *model.Runner
	loaders   map[string]*data.Loader
	evalIters int
}

// NewEstimator wires an eval-mode runner to one loader per split.
func NewEstimator(m *model.GPT, runner *model.Runner, loaders map[string]*data.Loader, evalIters int) (*Estimator, error) {
	if evalIters <= 0 {
		return nil, errors.Errorf("eval iters %d must be positive", evalIters)
	}
	if len(loaders) == 0 {
		return nil, errors.New("no splits to estimate")
	}
	return &Estimator{model: m, runner: runner, loaders: loaders, evalIters: evalIters}, nil
}

// Estimate returns the mean loss per split. The model is switched to
// eval mode for the duration and restored to exactly the mode it was
// in before, whether or not an error occurs.
func (e *Estimator) Estimate() (map[string]float64, error) {
	prev := e.model.Training()
	e.model.SetTraining(false)
	defer e.model.SetTraining(prev)

	out := make(map[string]float64, len(e.loaders))
	for split, loader := range e.loaders {
		losses := make([]float64, 0, e.evalIters)
		for i := 0; i < e.evalIters; i++ {
			b, _, err := loader.NextBatch()
			if err != nil {
				return nil, errors.Wrapf(err, "%s split batch %d", split, i)
			}
			loss, err := e.runner.Step(b.Inputs, b.Targets)
			if err != nil {
				return nil, errors.Wrapf(err, "%s split eval step %d", split, i)
			}
			losses = append(losses, loss)
		}
		out[split] = stat.Mean(losses, nil)
	}
	return out, nil
}
