// Command nanogpt trains and samples a GPT over a pre-tokenized
// corpus of uint16 token ids.
//
//	nanogpt train  [flags]
//	nanogpt sample [flags]
//
// Configuration resolves in order: defaults, an optional .env file
// (ENV_FILE overrides the ./.env default), process environment, then
// flags. Distributed runs launch the binary once per rank with RANK,
// WORLD_SIZE and MASTER_ADDR set, torchrun style; the rank 0 process
// owns evaluation and checkpoints.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/BilyZ98/nanogpt/internal/checkpoint"
	"github.com/BilyZ98/nanogpt/internal/config"
	"github.com/BilyZ98/nanogpt/internal/data"
	"github.com/BilyZ98/nanogpt/internal/dist"
	"github.com/BilyZ98/nanogpt/internal/model"
	"github.com/BilyZ98/nanogpt/internal/train"
)

// base model seed; each rank offsets it so replicas explore
// different dropout noise while the shuffle stays shared
const modelSeed = 1337

func main() {
	flag.Set("logtostderr", "true")
	defer glog.Flush()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(os.Args[2:])
	case "sample":
		err = runSample(os.Args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		glog.Exitf("%v", err)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: nanogpt <command> [flags]

commands:
  train   run the training loop (distributed when RANK/WORLD_SIZE are set)
  sample  draw samples from a saved checkpoint

run "nanogpt <command> -h" for the command's flags.
`)
}

func bindConfigFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.OutDir, "out_dir", cfg.OutDir, "checkpoint and metrics directory")
	fs.StringVar(&cfg.DataDir, "data_dir", cfg.DataDir, "directory holding train.bin and val.bin")
	fs.IntVar(&cfg.EvalInterval, "eval_interval", cfg.EvalInterval, "iterations between evaluations")
	fs.IntVar(&cfg.LogInterval, "log_interval", cfg.LogInterval, "iterations between progress lines")
	fs.IntVar(&cfg.EvalIters, "eval_iters", cfg.EvalIters, "batches per split when estimating loss")
	fs.BoolVar(&cfg.EvalOnly, "eval_only", cfg.EvalOnly, "evaluate once at iteration 0 and exit")
	fs.BoolVar(&cfg.AlwaysSaveCheckpoint, "always_save_checkpoint", cfg.AlwaysSaveCheckpoint, "save after every evaluation, improved or not")
	fs.StringVar(&cfg.InitFrom, "init_from", cfg.InitFrom, "scratch, resume or pretrained")
	fs.StringVar(&cfg.PretrainedPath, "pretrained_path", cfg.PretrainedPath, "checkpoint directory for init_from=pretrained")
	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "windows per micro-step")
	fs.IntVar(&cfg.BlockSize, "block_size", cfg.BlockSize, "context length in tokens")
	fs.IntVar(&cfg.GradientAccumulationSteps, "gradient_accumulation_steps", cfg.GradientAccumulationSteps, "global micro-steps per optimizer step")
	fs.IntVar(&cfg.NLayer, "n_layer", cfg.NLayer, "transformer layers")
	fs.IntVar(&cfg.NHead, "n_head", cfg.NHead, "attention heads")
	fs.IntVar(&cfg.NEmbd, "n_embd", cfg.NEmbd, "embedding width")
	fs.Float64Var(&cfg.Dropout, "dropout", cfg.Dropout, "dropout probability")
	fs.BoolVar(&cfg.Bias, "bias", cfg.Bias, "use biases in linears and layernorms")
	fs.Float64Var(&cfg.LearningRate, "learning_rate", cfg.LearningRate, "peak learning rate")
	fs.IntVar(&cfg.MaxIters, "max_iters", cfg.MaxIters, "last iteration to run")
	fs.Float64Var(&cfg.WeightDecay, "weight_decay", cfg.WeightDecay, "decoupled weight decay")
	fs.Float64Var(&cfg.Beta1, "beta1", cfg.Beta1, "adam beta1")
	fs.Float64Var(&cfg.Beta2, "beta2", cfg.Beta2, "adam beta2")
	fs.Float64Var(&cfg.GradClip, "grad_clip", cfg.GradClip, "global gradient norm limit; 0 disables")
	fs.BoolVar(&cfg.DecayLR, "decay_lr", cfg.DecayLR, "apply warmup and cosine decay")
	fs.IntVar(&cfg.WarmupIters, "warmup_iters", cfg.WarmupIters, "linear warmup iterations")
	fs.IntVar(&cfg.LRDecayIters, "lr_decay_iters", cfg.LRDecayIters, "iteration where decay bottoms out")
	fs.Float64Var(&cfg.MinLR, "min_lr", cfg.MinLR, "floor learning rate")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "collective backend")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "compute device")
	fs.StringVar(&cfg.Dtype, "dtype", cfg.Dtype, "parameter dtype")
	fs.BoolVar(&cfg.Compile, "compile", cfg.Compile, "compile graphs eagerly at startup")
	fs.Int64Var(&cfg.ShuffleSeed, "shuffle_seed", cfg.ShuffleSeed, "epoch shuffle seed shared by all ranks")
}

// loadConfig resolves the full precedence chain for the train
// command: defaults, env file, environment, flags.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.Default()

	envPath := os.Getenv("ENV_FILE")
	explicit := envPath != ""
	if !explicit {
		envPath = ".env"
	}
	if err := config.LoadEnvFile(envPath, explicit); err != nil {
		return nil, err
	}
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("train", flag.ExitOnError)
	bindConfigFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTrain(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	coord, err := dist.FromEnv()
	if err != nil {
		return errors.Wrap(err, "initializing rank coordinator")
	}
	defer coord.Shutdown()
	if err := coord.BindDevice(cfg.Device); err != nil {
		return err
	}

	trainCorpus, err := data.OpenSplit(cfg.DataDir, "train")
	if err != nil {
		return errors.Wrap(err, "opening training corpus")
	}
	defer trainCorpus.Close()
	valCorpus, err := data.OpenSplit(cfg.DataDir, "val")
	if err != nil {
		return errors.Wrap(err, "opening validation corpus")
	}
	defer valCorpus.Close()

	corpusHash, err := trainCorpus.Hash()
	if err != nil {
		glog.Warningf("hashing corpus: %v", err)
	}

	vocab := data.DefaultVocabSize
	meta, err := data.LoadMeta(cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "reading dataset metadata")
	}
	if meta != nil {
		vocab = meta.VocabSize
		glog.Infof("found vocab_size = %d inside %s", vocab, cfg.DataDir)
	} else {
		glog.Infof("no meta.json found, defaulting to vocab_size of %d", vocab)
	}

	m, opt, startIter, bestVal, err := buildModel(cfg, coord, vocab)
	if err != nil {
		return err
	}
	glog.Infof("number of parameters: %.2fM", float64(m.NumParams(true))/1e6)

	// replicas must agree bit for bit before the first step
	if coord.IsDistributed() {
		flat := m.FlattenParams()
		if err := coord.BroadcastFloat32(flat); err != nil {
			return errors.Wrap(err, "broadcasting initial parameters")
		}
		if !coord.IsPrimary() {
			if err := m.SetFlatParams(flat); err != nil {
				return errors.Wrap(err, "installing broadcast parameters")
			}
		}
	}

	blockSize := m.Cfg().BlockSize
	trainDS, err := data.NewDataset(trainCorpus, blockSize)
	if err != nil {
		return errors.Wrap(err, "building training dataset")
	}
	valDS, err := data.NewDataset(valCorpus, blockSize)
	if err != nil {
		return errors.Wrap(err, "building validation dataset")
	}
	trainLoader, err := data.NewLoader(trainDS, cfg.BatchSize, coord.Rank(), coord.WorldSize(), true, true, cfg.ShuffleSeed)
	if err != nil {
		return errors.Wrap(err, "building training loader")
	}
	// estimator loaders walk their own full-corpus streams so the
	// training order is untouched by evaluations
	evalTrain, err := data.NewLoader(trainDS, cfg.BatchSize, 0, 1, true, true, cfg.ShuffleSeed+1)
	if err != nil {
		return errors.Wrap(err, "building train-split eval loader")
	}
	evalVal, err := data.NewLoader(valDS, cfg.BatchSize, 0, 1, true, true, cfg.ShuffleSeed+2)
	if err != nil {
		return errors.Wrap(err, "building val-split eval loader")
	}

	loop, err := train.New(train.Params{
		Config:      cfg,
		Coord:       coord,
		Model:       m,
		Optimizer:   opt,
		TrainLoader: trainLoader,
		EvalLoaders: map[string]*data.Loader{"train": evalTrain, "val": evalVal},
		StartIter:   startIter,
		BestValLoss: bestVal,
		CorpusPath:  trainCorpus.Path(),
		CorpusHash:  corpusHash,
	})
	if err != nil {
		return err
	}
	defer loop.Close()

	last, err := loop.Run()
	if err != nil {
		return err
	}
	glog.Infof("training complete at iteration %d", last)
	return nil
}

// buildModel constructs the model and optimizer for the configured
// init mode, returning the first iteration to run and the best
// validation loss carried over on resume.
func buildModel(cfg *config.Config, coord *dist.Coordinator, vocab int) (*model.GPT, *model.AdamW, int, float64, error) {
	seed := modelSeed + int64(coord.Rank())
	rng := rand.New(rand.NewSource(seed))

	var m *model.GPT
	var ck *checkpoint.Checkpoint
	switch cfg.InitFrom {
	case "scratch":
		glog.Infof("initializing a new model from scratch")
		mcfg := model.Config{
			BlockSize: cfg.BlockSize,
			VocabSize: vocab,
			NLayer:    cfg.NLayer,
			NHead:     cfg.NHead,
			NEmbd:     cfg.NEmbd,
			Dropout:   cfg.Dropout,
			Bias:      cfg.Bias,
		}
		var err error
		m, err = model.NewGPT(mcfg, rng)
		if err != nil {
			return nil, nil, 0, 0, err
		}

	case "resume":
		glog.Infof("resuming training from %s", cfg.OutDir)
		var err error
		ck, err = checkpoint.Load(cfg.OutDir)
		if err != nil {
			return nil, nil, 0, 0, errors.Wrap(err, "loading checkpoint")
		}
		m, err = restoreModel(cfg, ck, rng, vocab)
		if err != nil {
			return nil, nil, 0, 0, err
		}

	case "pretrained":
		glog.Infof("initializing from pretrained checkpoint in %s", cfg.PretrainedPath)
		pck, err := checkpoint.Load(cfg.PretrainedPath)
		if err != nil {
			return nil, nil, 0, 0, errors.Wrap(err, "loading pretrained checkpoint")
		}
		m, err = restoreModel(cfg, pck, rng, vocab)
		if err != nil {
			return nil, nil, 0, 0, err
		}

	default:
		return nil, nil, 0, 0, errors.Errorf("unsupported init_from %q", cfg.InitFrom)
	}

	// fine-tuning and resuming may shrink the context window
	if cfg.BlockSize < m.Cfg().BlockSize {
		glog.Infof("cropping block size from %d to %d", m.Cfg().BlockSize, cfg.BlockSize)
		if err := m.CropBlockSize(cfg.BlockSize); err != nil {
			return nil, nil, 0, 0, err
		}
	}

	opt := m.ConfigureOptimizer(cfg.WeightDecay, cfg.LearningRate, cfg.Beta1, cfg.Beta2)
	startIter, bestVal := 0, 0.0
	if ck != nil {
		if err := opt.LoadStateDict(ck.OptState); err != nil {
			return nil, nil, 0, 0, errors.Wrap(err, "restoring optimizer state")
		}
		startIter = ck.IterNum + 1
		bestVal = ck.BestValLoss
	}
	return m, opt, startIter, bestVal, nil
}

// restoreModel rebuilds a model from checkpointed architecture
// arguments and installs the saved weights. Dropout follows the
// current config; the structural arguments follow the checkpoint.
func restoreModel(cfg *config.Config, ck *checkpoint.Checkpoint, rng *rand.Rand, vocab int) (*model.GPT, error) {
	margs := ck.ModelArgs
	margs.Dropout = cfg.Dropout
	if margs.VocabSize != vocab {
		glog.Warningf("checkpoint vocab_size %d differs from dataset vocab_size %d; the checkpoint wins", margs.VocabSize, vocab)
	}
	m, err := model.NewGPT(margs, rng)
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(ck.ModelState); err != nil {
		return nil, errors.Wrap(err, "restoring model state")
	}
	return m, nil
}

func runSample(args []string) error {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	outDir := fs.String("out_dir", "out", "directory holding the checkpoint")
	dataDir := fs.String("data_dir", "data", "dataset directory for vocab metadata")
	start := fs.String("start", "0", "prompt as comma-separated token ids")
	numSamples := fs.Int("num_samples", 3, "samples to draw")
	maxNewTokens := fs.Int("max_new_tokens", 100, "tokens per sample")
	temperature := fs.Float64("temperature", 0.8, "sampling temperature; 0 is greedy")
	topK := fs.Int("top_k", 200, "restrict sampling to the k most likely tokens; 0 disables")
	seed := fs.Int64("seed", 1337, "sampling seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ck, err := checkpoint.Load(*outDir)
	if err != nil {
		return errors.Wrap(err, "loading checkpoint")
	}
	rng := rand.New(rand.NewSource(*seed))
	m, err := model.NewGPT(ck.ModelArgs, rng)
	if err != nil {
		return err
	}
	if err := m.LoadStateDict(ck.ModelState); err != nil {
		return errors.Wrap(err, "restoring model state")
	}
	m.SetTraining(false)
	glog.Infof("loaded model from %s: iteration %d, %.2fM parameters",
		*outDir, ck.IterNum, float64(m.NumParams(true))/1e6)

	prompt, err := parseTokens(*start)
	if err != nil {
		return err
	}
	meta, err := data.LoadMeta(*dataDir)
	if err != nil {
		return errors.Wrap(err, "reading dataset metadata")
	}

	for i := 0; i < *numSamples; i++ {
		toks, err := m.Generate(rng, prompt, *maxNewTokens, *temperature, *topK)
		if err != nil {
			return errors.Wrap(err, "sampling")
		}
		fmt.Println(renderTokens(toks, meta))
		fmt.Println("---------------")
	}
	return nil
}

func parseTokens(s string) ([]int32, error) {
	parts := strings.Split(s, ",")
	out := make([]int32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "prompt token %q", p)
		}
		if n < 0 {
			return nil, errors.Errorf("prompt token %d is negative", n)
		}
		out = append(out, int32(n))
	}
	if len(out) == 0 {
		return nil, errors.New("empty prompt")
	}
	return out, nil
}

func renderTokens(toks []int32, meta *data.Meta) string {
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = int(t)
	}
	if meta != nil {
		return meta.Decode(ids)
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}
