// Package config holds the immutable run configuration for training.
// Values are resolved once at startup (defaults, then environment,
// then flags) and passed by pointer into every component; nothing
// mutates a Config after Validate.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config is the full training configuration surface.
type Config struct {
	// I/O and cadence
	OutDir               string
	DataDir              string
	EvalInterval         int
	LogInterval          int
	EvalIters            int
	EvalOnly             bool
	AlwaysSaveCheckpoint bool
	InitFrom             string // scratch | resume | pretrained
	PretrainedPath       string // checkpoint path when InitFrom == pretrained

	// Batching
	BatchSize                 int
	BlockSize                 int
	GradientAccumulationSteps int

	// Model
	NLayer  int
	NHead   int
	NEmbd   int
	Dropout float64
	Bias    bool

	// Optimizer
	LearningRate float64
	MaxIters     int
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	GradClip     float64

	// Learning rate schedule
	DecayLR      bool
	WarmupIters  int
	LRDecayIters int
	MinLR        float64

	// Runtime
	Backend string
	Device  string
	Dtype   string
	Compile bool

	// Loader shuffle seed, shared by all ranks so the per-epoch
	// permutation is identical everywhere.
	ShuffleSeed int64
}

// Default returns the configuration for a full training run; callers
// override via environment and flags.
func Default() *Config {
	return &Config{
		OutDir:               "out",
		DataDir:              "data",
		EvalInterval:         2000,
		LogInterval:          1,
		EvalIters:            200,
		EvalOnly:             false,
		AlwaysSaveCheckpoint: true,
		InitFrom:             "scratch",

		BatchSize:                 12,
		BlockSize:                 1024,
		GradientAccumulationSteps: 40,

		NLayer:  12,
		NHead:   12,
		NEmbd:   768,
		Dropout: 0.0,
		Bias:    false,

		LearningRate: 6e-4,
		MaxIters:     600000,
		WeightDecay:  1e-1,
		Beta1:        0.9,
		Beta2:        0.95,
		GradClip:     1.0,

		DecayLR:      true,
		WarmupIters:  2000,
		LRDecayIters: 600000,
		MinLR:        6e-5,

		Backend: "tcp",
		Device:  "cpu",
		Dtype:   "float32",
		Compile: true,

		ShuffleSeed: 1337,
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment. A missing file is only an error when the path was
// explicitly requested.
func LoadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) && !explicit {
			return nil
		}
		return errors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

// FromEnv overlays environment variables onto c. Unset variables
// leave the current value untouched; malformed values are errors.
func (c *Config) FromEnv() error {
	var err error
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			var n int
			if n, err = strconv.Atoi(v); err != nil {
				err = errors.Wrapf(err, "parse %s", key)
				return
			}
			*dst = n
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			var n int64
			if n, err = strconv.ParseInt(v, 10, 64); err != nil {
				err = errors.Wrapf(err, "parse %s", key)
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			var f float64
			if f, err = strconv.ParseFloat(v, 64); err != nil {
				err = errors.Wrapf(err, "parse %s", key)
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			var b bool
			if b, err = strconv.ParseBool(v); err != nil {
				err = errors.Wrapf(err, "parse %s", key)
				return
			}
			*dst = b
		}
	}

	setStr("OUT_DIR", &c.OutDir)
	setStr("DATA_DIR", &c.DataDir)
	setInt("EVAL_INTERVAL", &c.EvalInterval)
	setInt("LOG_INTERVAL", &c.LogInterval)
	setInt("EVAL_ITERS", &c.EvalIters)
	setBool("EVAL_ONLY", &c.EvalOnly)
	setBool("ALWAYS_SAVE_CHECKPOINT", &c.AlwaysSaveCheckpoint)
	setStr("INIT_FROM", &c.InitFrom)
	setStr("PRETRAINED_PATH", &c.PretrainedPath)
	setInt("BATCH_SIZE", &c.BatchSize)
	setInt("BLOCK_SIZE", &c.BlockSize)
	setInt("GRADIENT_ACCUMULATION_STEPS", &c.GradientAccumulationSteps)
	setInt("N_LAYER", &c.NLayer)
	setInt("N_HEAD", &c.NHead)
	setInt("N_EMBD", &c.NEmbd)
	setFloat("DROPOUT", &c.Dropout)
	setBool("BIAS", &c.Bias)
	setFloat("LEARNING_RATE", &c.LearningRate)
	setInt("MAX_ITERS", &c.MaxIters)
	setFloat("WEIGHT_DECAY", &c.WeightDecay)
	setFloat("BETA1", &c.Beta1)
	setFloat("BETA2", &c.Beta2)
	setFloat("GRAD_CLIP", &c.GradClip)
	setBool("DECAY_LR", &c.DecayLR)
	setInt("WARMUP_ITERS", &c.WarmupIters)
	setInt("LR_DECAY_ITERS", &c.LRDecayIters)
	setFloat("MIN_LR", &c.MinLR)
	setStr("BACKEND", &c.Backend)
	setStr("DEVICE", &c.Device)
	setStr("DTYPE", &c.Dtype)
	setBool("COMPILE", &c.Compile)
	setInt64("SHUFFLE_SEED", &c.ShuffleSeed)
	return err
}

// Validate rejects configurations that cannot produce a correct run.
// Errors here are fatal at startup and never retried.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BlockSize <= 0 {
		return errors.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.GradientAccumulationSteps <= 0 {
		return errors.Errorf("gradient_accumulation_steps must be positive, got %d", c.GradientAccumulationSteps)
	}
	if c.NLayer <= 0 || c.NHead <= 0 || c.NEmbd <= 0 {
		return errors.Errorf("model dims must be positive, got n_layer=%d n_head=%d n_embd=%d", c.NLayer, c.NHead, c.NEmbd)
	}
	if c.NEmbd%c.NHead != 0 {
		return errors.Errorf("n_embd %d must be divisible by n_head %d", c.NEmbd, c.NHead)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0,1), got %g", c.Dropout)
	}
	if c.MaxIters < 0 {
		return errors.Errorf("max_iters must be non-negative, got %d", c.MaxIters)
	}
	if c.WarmupIters < 0 || c.LRDecayIters < c.WarmupIters {
		return errors.Errorf("invalid schedule: warmup_iters=%d lr_decay_iters=%d", c.WarmupIters, c.LRDecayIters)
	}
	switch c.InitFrom {
	case "scratch", "resume":
	case "pretrained":
		if c.PretrainedPath == "" {
			return errors.New("init_from=pretrained requires a pretrained checkpoint path")
		}
	default:
		return errors.Errorf("init_from must be scratch, resume or pretrained, got %q", c.InitFrom)
	}
	if c.Device != "cpu" {
		return errors.Errorf("unsupported device %q, this build runs on cpu", c.Device)
	}
	if c.Dtype != "float32" {
		return errors.Errorf("unsupported dtype %q, this build trains in float32", c.Dtype)
	}
	if c.Backend != "tcp" {
		return errors.Errorf("unsupported backend %q, collectives run over tcp", c.Backend)
	}
	return nil
}

// TokensPerIter is the number of tokens consumed by one optimizer
// step across all ranks. GradientAccumulationSteps is the global
// count, so the world size is already folded in.
func (c *Config) TokensPerIter() int {
	return c.GradientAccumulationSteps * c.BatchSize * c.BlockSize
}

// MicroSteps is the per-rank micro-step count for one accumulation
// window. The global accumulation step count must divide evenly
// across ranks; disagreement is a configuration error.
func (c *Config) MicroSteps(worldSize int) (int, error) {
	if worldSize <= 0 {
		return 0, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	if c.GradientAccumulationSteps%worldSize != 0 {
		return 0, errors.Errorf("gradient_accumulation_steps %d not divisible by world size %d",
			c.GradientAccumulationSteps, worldSize)
	}
	return c.GradientAccumulationSteps / worldSize, nil
}
