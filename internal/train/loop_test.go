package train

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/BilyZ98/nanogpt/internal/checkpoint"
	"github.com/BilyZ98/nanogpt/internal/config"
	"github.com/BilyZ98/nanogpt/internal/data"
	"github.com/BilyZ98/nanogpt/internal/dist"
	"github.com/BilyZ98/nanogpt/internal/model"
)

func writeTokens(t *testing.T, path string, n int) {
	t.Helper()
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(i%16))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.OutDir = filepath.Join(dir, "out")
	cfg.DataDir = dir
	cfg.EvalInterval = 2
	cfg.LogInterval = 1
	cfg.EvalIters = 2
	cfg.BatchSize = 2
	cfg.BlockSize = 8
	cfg.GradientAccumulationSteps = 2
	cfg.NLayer = 1
	cfg.NHead = 2
	cfg.NEmbd = 8
	cfg.Bias = true
	cfg.LearningRate = 1e-3
	cfg.MaxIters = 4
	cfg.WarmupIters = 1
	cfg.LRDecayIters = 4
	cfg.MinLR = 1e-4
	return cfg
}

func testModel(t *testing.T, cfg *config.Config, seed int64) *model.GPT {
	t.Helper()
	m, err := model.NewGPT(model.Config{
		BlockSize: cfg.BlockSize,
		VocabSize: 16,
		NLayer:    cfg.NLayer,
		NHead:     cfg.NHead,
		NEmbd:     cfg.NEmbd,
		Dropout:   cfg.Dropout,
		Bias:      cfg.Bias,
	}, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewGPT: %v", err)
	}
	return m
}

// testLoaders opens the split corpora and builds one training loader
// plus independent estimator loaders.
func testLoaders(t *testing.T, cfg *config.Config) (*data.Loader, map[string]*data.Loader) {
	t.Helper()
	loaderFor := func(split string, seed int64) *data.Loader {
		c, err := data.OpenSplit(cfg.DataDir, split)
		if err != nil {
			t.Fatalf("OpenSplit(%s): %v", split, err)
		}
		t.Cleanup(func() { c.Close() })
		ds, err := data.NewDataset(c, cfg.BlockSize)
		if err != nil {
			t.Fatalf("NewDataset(%s): %v", split, err)
		}
		l, err := data.NewLoader(ds, cfg.BatchSize, 0, 1, true, true, seed)
		if err != nil {
			t.Fatalf("NewLoader(%s): %v", split, err)
		}
		return l
	}
	trainLoader := loaderFor("train", cfg.ShuffleSeed)
	evals := map[string]*data.Loader{
		"train": loaderFor("train", cfg.ShuffleSeed+1),
		"val":   loaderFor("val", cfg.ShuffleSeed+2),
	}
	return trainLoader, evals
}

func soloCoord(t *testing.T) *dist.Coordinator {
	t.Helper()
	coord, err := dist.New(dist.Options{WorldSize: 1})
	if err != nil {
		t.Fatalf("dist.New: %v", err)
	}
	t.Cleanup(coord.Shutdown)
	return coord
}

func newTestLoop(t *testing.T, cfg *config.Config, m *model.GPT, opt *model.AdamW, startIter int, bestVal float64) *Loop {
	t.Helper()
	trainLoader, evals := testLoaders(t, cfg)
	l, err := New(Params{
		Config:      cfg,
		Coord:       soloCoord(t),
		Model:       m,
		Optimizer:   opt,
		TrainLoader: trainLoader,
		EvalLoaders: evals,
		StartIter:   startIter,
		BestValLoss: bestVal,
		CorpusPath:  filepath.Join(cfg.DataDir, "train.bin"),
		CorpusHash:  "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func recordIters(recs []EvalRecord) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.Iter
	}
	return out
}

func TestLoopRunAndResume(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, filepath.Join(dir, "train.bin"), 300)
	writeTokens(t, filepath.Join(dir, "val.bin"), 100)
	cfg := testConfig(dir)

	m := testModel(t, cfg, 1337)
	opt := m.ConfigureOptimizer(cfg.WeightDecay, cfg.LearningRate, cfg.Beta1, cfg.Beta2)
	loop := newTestLoop(t, cfg, m, opt, 0, 0)

	last, err := loop.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != cfg.MaxIters {
		t.Fatalf("ran through iteration %d, want %d", last, cfg.MaxIters)
	}

	ck, err := checkpoint.Load(cfg.OutDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ck.IterNum != 4 {
		t.Fatalf("checkpoint iteration = %d, want 4", ck.IterNum)
	}
	if ck.BestValLoss <= 0 || ck.BestValLoss >= initialBestValLoss {
		t.Fatalf("best val loss = %g, want a measured value", ck.BestValLoss)
	}
	if ck.ModelArgs != m.Cfg() {
		t.Fatalf("model args = %+v, want %+v", ck.ModelArgs, m.Cfg())
	}

	recs, err := readMetrics(cfg.OutDir)
	if err != nil {
		t.Fatalf("readMetrics: %v", err)
	}
	if got := recordIters(recs); len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("metric iterations = %v, want [0 2 4]", got)
	}

	manifest, err := checkpoint.ReadManifest(cfg.OutDir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if manifest.IterNum != 4 || manifest.CorpusHash != "test" {
		t.Fatalf("manifest = %+v, want iter 4 and the corpus hash", manifest)
	}

	// resume where the checkpoint left off, with a higher horizon
	m2 := testModel(t, cfg, 999)
	if err := m2.LoadStateDict(ck.ModelState); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	opt2 := m2.ConfigureOptimizer(cfg.WeightDecay, cfg.LearningRate, cfg.Beta1, cfg.Beta2)
	if err := opt2.LoadStateDict(ck.OptState); err != nil {
		t.Fatalf("optimizer LoadStateDict: %v", err)
	}
	cfg2 := *cfg
	cfg2.MaxIters = 6
	resumed := newTestLoop(t, &cfg2, m2, opt2, ck.IterNum+1, ck.BestValLoss)

	if resumed.StartIter() != 5 {
		t.Fatalf("resume starts at %d, want 5", resumed.StartIter())
	}
	last, err = resumed.Run()
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if last != 6 {
		t.Fatalf("resumed run ended at %d, want 6", last)
	}

	ck2, err := checkpoint.Load(cfg.OutDir)
	if err != nil {
		t.Fatalf("Load after resume: %v", err)
	}
	if ck2.IterNum != 6 {
		t.Fatalf("checkpoint iteration = %d after resume, want 6", ck2.IterNum)
	}

	recs, err = readMetrics(cfg.OutDir)
	if err != nil {
		t.Fatalf("readMetrics after resume: %v", err)
	}
	if got := recordIters(recs); len(got) != 4 || got[3] != 6 {
		t.Fatalf("metric iterations = %v after resume, want [0 2 4 6]", got)
	}
}

func TestLoopEvalOnly(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, filepath.Join(dir, "train.bin"), 300)
	writeTokens(t, filepath.Join(dir, "val.bin"), 100)
	cfg := testConfig(dir)
	cfg.EvalOnly = true

	m := testModel(t, cfg, 1337)
	opt := m.ConfigureOptimizer(cfg.WeightDecay, cfg.LearningRate, cfg.Beta1, cfg.Beta2)
	loop := newTestLoop(t, cfg, m, opt, 0, 0)

	before := m.FlattenParams()
	last, err := loop.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != 0 {
		t.Fatalf("eval-only run reached iteration %d, want 0", last)
	}

	after := m.FlattenParams()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("eval-only run changed parameter %d: %g -> %g", i, before[i], after[i])
		}
	}
	if !m.Training() {
		t.Fatal("model left in eval mode")
	}

	if _, err := checkpoint.Load(cfg.OutDir); !os.IsNotExist(err) {
		t.Fatalf("eval-only run saved a checkpoint: %v", err)
	}
	recs, err := readMetrics(cfg.OutDir)
	if err != nil {
		t.Fatalf("readMetrics: %v", err)
	}
	if len(recs) != 1 || recs[0].Iter != 0 {
		t.Fatalf("metric iterations = %v, want just iteration 0", recordIters(recs))
	}
}

func TestLoopRejectsSharedLoader(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, filepath.Join(dir, "train.bin"), 300)
	writeTokens(t, filepath.Join(dir, "val.bin"), 100)
	cfg := testConfig(dir)

	m := testModel(t, cfg, 1)
	opt := m.ConfigureOptimizer(cfg.WeightDecay, cfg.LearningRate, cfg.Beta1, cfg.Beta2)
	trainLoader, evals := testLoaders(t, cfg)
	evals["train"] = trainLoader

	_, err := New(Params{
		Config:      cfg,
		Coord:       soloCoord(t),
		Model:       m,
		Optimizer:   opt,
		TrainLoader: trainLoader,
		EvalLoaders: evals,
	})
	if err == nil {
		t.Fatal("accepted an estimator that drains the training stream")
	}
}
