package train

import (
	"math"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/BilyZ98/nanogpt/internal/checkpoint"
	"github.com/BilyZ98/nanogpt/internal/config"
	"github.com/BilyZ98/nanogpt/internal/data"
	"github.com/BilyZ98/nanogpt/internal/dist"
	"github.com/BilyZ98/nanogpt/internal/model"
)

// sentinel best loss so the first real evaluation always wins
const initialBestValLoss = 1e9

// mfu reporting waits this many local iterations for the runtime to
// settle, then follows with a 0.9/0.1 moving average
const mfuWarmupIters = 5

// Params wires a Loop together. The caller (command or test) owns
// construction of the collaborators so the loop itself stays free of
// filesystem and network bootstrapping.
type Params struct {
	Config      *config.Config
	Coord       *dist.Coordinator
	Model       *model.GPT
	Optimizer   *model.AdamW
	TrainLoader *data.Loader
	// EvalLoaders feed the estimator, keyed by split name. They must
	// be distinct from TrainLoader.
	EvalLoaders map[string]*data.Loader
	// StartIter is the first iteration to execute; 0 for a fresh
	// run, saved iteration + 1 on resume.
	StartIter int
	// BestValLoss carries the saved best on resume; zero means fresh.
	BestValLoss float64
	CorpusPath  string
	CorpusHash  string
}

// Loop owns one training run from StartIter through max_iters.
type Loop struct {
	cfg        *config.Config
	coord      *dist.Coordinator
	m          *model.GPT
	opt        *model.AdamW
	sched      Schedule
	train      *data.Loader
	runner     *model.Runner
	evalRunner *model.Runner
	est        *Estimator
	grads      *model.GradBuffer
	microSteps int
	startIter  int
	bestVal    float64
	records    []EvalRecord
	corpusPath string
	corpusHash string
	closed     bool
}

// New builds the runners, estimator and gradient buffer for one run.
func New(p Params) (*Loop, error) {
	switch {
	case p.Config == nil:
		return nil, errors.New("nil config")
	case p.Coord == nil:
		return nil, errors.New("nil coordinator")
	case p.Model == nil:
		return nil, errors.New("nil model")
	case p.Optimizer == nil:
		return nil, errors.New("nil optimizer")
	case p.TrainLoader == nil:
		return nil, errors.New("nil train loader")
	case p.StartIter < 0:
		return nil, errors.Errorf("start iteration %d is negative", p.StartIter)
	}
	for split, loader := range p.EvalLoaders {
		if loader == p.TrainLoader {
			return nil, errors.Errorf("eval split %q shares the training loader", split)
		}
	}

	cfg := p.Config
	micro, err := cfg.MicroSteps(p.Coord.WorldSize())
	if err != nil {
		return nil, err
	}

	runner, err := p.Model.NewRunner(cfg.BatchSize, cfg.BlockSize, true, 1/float64(micro), cfg.Compile)
	if err != nil {
		return nil, errors.Wrap(err, "building training runner")
	}
	evalRunner, err := p.Model.NewRunner(cfg.BatchSize, cfg.BlockSize, false, 1, cfg.Compile)
	if err != nil {
		runner.Close()
		return nil, errors.Wrap(err, "building eval runner")
	}
	est, err := NewEstimator(p.Model, evalRunner, p.EvalLoaders, cfg.EvalIters)
	if err != nil {
		runner.Close()
		evalRunner.Close()
		return nil, err
	}

	bestVal := p.BestValLoss
	if bestVal <= 0 {
		bestVal = initialBestValLoss
	}

	l := &Loop{
		cfg:        cfg,
		coord:      p.Coord,
		m:          p.Model,
		opt:        p.Optimizer,
		train:      p.TrainLoader,
		runner:     runner,
		evalRunner: evalRunner,
		est:        est,
		grads:      p.Model.NewGradBuffer(),
		microSteps: micro,
		startIter:  p.StartIter,
		bestVal:    bestVal,
		corpusPath: p.CorpusPath,
		corpusHash: p.CorpusHash,
		sched: Schedule{
			BaseLR:      cfg.LearningRate,
			MinLR:       cfg.MinLR,
			WarmupIters: cfg.WarmupIters,
			DecayIters:  cfg.LRDecayIters,
			Decay:       cfg.DecayLR,
		},
	}
	// extend the metrics history across restarts
	if recs, err := readMetrics(cfg.OutDir); err == nil {
		l.records = recs
	}
	return l, nil
}

func (l *Loop) StartIter() int       { return l.startIter }
func (l *Loop) BestValLoss() float64 { return l.bestVal }

// Close releases the compiled runners.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.runner.Close()
	if err2 := l.evalRunner.Close(); err == nil {
		err = err2
	}
	return err
}

type fetched struct {
	b        *data.Batch
	advanced bool
	err      error
}

// Run executes iterations from StartIter until iteration number
// passes max_iters, returning the last iteration executed. Batches
// are prefetched one ahead on a separate goroutine so the loader's
// disk reads overlap each forward/backward pass.
func (l *Loop) Run() (int, error) {
	l.m.SetTraining(true)

	glog.Infof("tokens per iteration will be: %d", l.cfg.TokensPerIter())
	glog.Infof("starting at iteration %d: world size %d, %d micro-steps per rank",
		l.startIter, l.coord.WorldSize(), l.microSteps)

	next := make(chan fetched, 1)
	fetch := func() {
		b, advanced, err := l.train.NextBatch()
		next <- fetched{b: b, advanced: advanced, err: err}
	}
	go fetch()
	cur := <-next

	iterNum := l.startIter
	localIter := 0
	runningMFU := -1.0
	t0 := time.Now()

	for {
		lr := l.sched.LearningRate(iterNum)
		l.opt.SetLearningRate(lr)

		if l.cfg.EvalInterval > 0 && iterNum%l.cfg.EvalInterval == 0 {
			if l.coord.IsPrimary() {
				if err := l.evalAndMaybeSave(iterNum, lr, runningMFU); err != nil {
					return iterNum, err
				}
			}
			// everyone waits out the primary's eval and save, so no
			// rank runs ahead with half-written state on disk
			if l.coord.IsDistributed() {
				if err := l.coord.Barrier(); err != nil {
					return iterNum, errors.Wrap(err, "checkpoint barrier")
				}
			}
		}
		if l.cfg.EvalOnly && iterNum == 0 {
			return iterNum, nil
		}

		l.grads.Zero()
		var lossf float64
		for s := 0; s < l.microSteps; s++ {
			l.coord.ToggleGradientSync(s == l.microSteps-1)
			if cur.err != nil {
				return iterNum, errors.Wrap(cur.err, "fetching batch")
			}
			if cur.advanced {
				glog.V(1).Infof("rank %d entering epoch %d", l.coord.Rank(), l.train.Epoch())
			}
			go fetch()
			loss, err := l.runner.Step(cur.b.Inputs, cur.b.Targets)
			if err != nil {
				return iterNum, errors.Wrapf(err, "iteration %d micro-step %d", iterNum, s)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				glog.Warningf("non-finite loss %g at iteration %d micro-step %d", loss, iterNum, s)
			}
			lossf = loss
			if err := l.runner.EachGradient(l.grads.Accumulate); err != nil {
				return iterNum, errors.Wrapf(err, "iteration %d micro-step %d gradients", iterNum, s)
			}
			cur = <-next
		}

		if l.coord.GradientSyncEnabled() && l.coord.IsDistributed() {
			if err := l.coord.AllReduceMean(l.grads.Flat()); err != nil {
				return iterNum, errors.Wrap(err, "gradient all-reduce")
			}
		}
		if l.cfg.GradClip > 0 {
			l.grads.ClipGlobalNorm(l.cfg.GradClip)
		}
		if err := l.opt.Step(l.grads); err != nil {
			return iterNum, errors.Wrap(err, "optimizer step")
		}

		dt := time.Since(t0)
		t0 = time.Now()
		if l.cfg.LogInterval > 0 && iterNum%l.cfg.LogInterval == 0 && l.coord.IsPrimary() {
			if localIter >= mfuWarmupIters {
				mfu := l.m.EstimateMFU(l.cfg.BatchSize*l.microSteps, dt.Seconds())
				if runningMFU < 0 {
					runningMFU = mfu
				} else {
					runningMFU = 0.9*runningMFU + 0.1*mfu
				}
			}
			glog.Infof("iter %d: loss %.4f, lr %.2e, time %.2fms, mfu %.2f%%",
				iterNum, lossf, lr, float64(dt.Microseconds())/1e3, runningMFU*100)
		}

		iterNum++
		localIter++
		if iterNum > l.cfg.MaxIters {
			return iterNum - 1, nil
		}
	}
}

// evalAndMaybeSave runs the estimator, appends the metrics record
// and checkpoints when the validation loss improved (or always, when
// configured). Iteration 0 is measured but never saved.
func (l *Loop) evalAndMaybeSave(iterNum int, lr, runningMFU float64) error {
	losses, err := l.est.Estimate()
	if err != nil {
		return errors.Wrap(err, "estimating loss")
	}
	glog.Infof("step %d: train loss %.4f, val loss %.4f", iterNum, losses["train"], losses["val"])

	l.records = append(l.records, EvalRecord{
		Iter:      iterNum,
		TrainLoss: losses["train"],
		ValLoss:   losses["val"],
		LR:        lr,
		MFU:       runningMFU,
		SavedAt:   time.Now().UTC(),
	})
	if err := writeMetrics(l.cfg.OutDir, l.records); err != nil {
		glog.Warningf("writing metrics: %v", err)
	}

	if losses["val"] < l.bestVal || l.cfg.AlwaysSaveCheckpoint {
		l.bestVal = losses["val"]
		if iterNum > 0 {
			ck := &checkpoint.Checkpoint{
				ModelState:  l.m.StateDict(),
				OptState:    l.opt.StateDict(),
				ModelArgs:   l.m.Cfg(),
				IterNum:     iterNum,
				BestValLoss: l.bestVal,
				Config:      *l.cfg,
			}
			glog.Infof("saving checkpoint to %s", l.cfg.OutDir)
			if err := checkpoint.Save(l.cfg.OutDir, ck); err != nil {
				return errors.Wrap(err, "saving checkpoint")
			}
			manifest := checkpoint.Manifest{
				SavedAt:       time.Now().UTC(),
				IterNum:       iterNum,
				BestValLoss:   l.bestVal,
				TrainCorpus:   l.corpusPath,
				CorpusHash:    l.corpusHash,
				TokensPerIter: l.cfg.TokensPerIter(),
				WorldSize:     l.coord.WorldSize(),
			}
			if err := checkpoint.WriteManifest(l.cfg.OutDir, manifest); err != nil {
				glog.Warningf("writing manifest: %v", err)
			}
		}
	}
	return nil
}
