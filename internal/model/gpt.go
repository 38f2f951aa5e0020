// Package model implements the GPT collaborator the training loop
// drives: a decoder-only transformer assembled as a gorgonia
// expression graph, plus the AdamW optimizer that updates it. The
// loop only depends on the narrow contract here (forward runners,
// parameter access, state serialization, optimizer construction);
// the architecture itself is free to change behind it.
package model

import (
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Config are the model hyperparameters persisted in checkpoints.
type Config struct {
	BlockSize int
	VocabSize int
	NLayer    int
	NHead     int
	NEmbd     int
	Dropout   float64
	Bias      bool
}

func (c Config) validate() error {
	if c.BlockSize <= 0 || c.VocabSize <= 0 || c.NLayer <= 0 || c.NHead <= 0 || c.NEmbd <= 0 {
		return errors.Errorf("model dims must be positive: %+v", c)
	}
	if c.NEmbd%c.NHead != 0 {
		return errors.Errorf("n_embd %d not divisible by n_head %d", c.NEmbd, c.NHead)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout %g outside [0,1)", c.Dropout)
	}
	return nil
}

// HeadSize is the per-head key/query/value width.
func (c Config) HeadSize() int { return c.NEmbd / c.NHead }

// GPT owns the named parameter tensors. Runners (see runner.go)
// build expression graphs around these shared tensors, so an
// optimizer step through one runner is immediately visible to all.
type GPT struct {
	cfg      Config
	names    []string
	params   map[string]*tensor.Dense
	training bool
}

// assumes an A100-class accelerator when reporting utilization
const peakFLOPS = 312e12

// Init scales follow the usual GPT recipe: 0.02 for embeddings and
// inputs, residual projections shrunk by 1/sqrt(2*n_layer).
func initScale(name string, nLayer int) float64 {
	if strings.HasSuffix(name, "attn.wo") || strings.HasSuffix(name, "mlp.w2") {
		return 0.02 / math.Sqrt(float64(2*nLayer))
	}
	return 0.02
}

// NewGPT initializes a model from cfg using the caller's generator,
// so each rank can be seeded explicitly.
func NewGPT(cfg Config, rng *rand.Rand) (*GPT, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &GPT{
		cfg:      cfg,
		params:   make(map[string]*tensor.Dense),
		training: true,
	}

	addWeight := func(name string, rows, cols int) {
		data := make([]float32, rows*cols)
		scale := initScale(name, cfg.NLayer)
		for i := range data {
			data[i] = float32(rng.NormFloat64() * scale)
		}
		m.names = append(m.names, name)
		m.params[name] = tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	}
	addVector := func(name string, n int, fill float32) {
		data := make([]float32, n)
		for i := range data {
			data[i] = fill
		}
		m.names = append(m.names, name)
		m.params[name] = tensor.New(tensor.WithShape(n), tensor.WithBacking(data))
	}

	addWeight("wte", cfg.VocabSize, cfg.NEmbd)
	addWeight("wpe", cfg.BlockSize, cfg.NEmbd)
	hs := cfg.HeadSize()
	for l := 0; l < cfg.NLayer; l++ {
		p := layerPrefix(l)
		addVector(p+".ln1.g", cfg.NEmbd, 1)
		if cfg.Bias {
			addVector(p+".ln1.b", cfg.NEmbd, 0)
		}
		for h := 0; h < cfg.NHead; h++ {
			hp := headPrefix(l, h)
			addWeight(hp+".wq", cfg.NEmbd, hs)
			addWeight(hp+".wk", cfg.NEmbd, hs)
			addWeight(hp+".wv", cfg.NEmbd, hs)
		}
		addWeight(p+".attn.wo", cfg.NEmbd, cfg.NEmbd)
		if cfg.Bias {
			addVector(p+".attn.bo", cfg.NEmbd, 0)
		}
		addVector(p+".ln2.g", cfg.NEmbd, 1)
		if cfg.Bias {
			addVector(p+".ln2.b", cfg.NEmbd, 0)
		}
		addWeight(p+".mlp.w1", cfg.NEmbd, 4*cfg.NEmbd)
		if cfg.Bias {
			addVector(p+".mlp.b1", 4*cfg.NEmbd, 0)
		}
		addWeight(p+".mlp.w2", 4*cfg.NEmbd, cfg.NEmbd)
		if cfg.Bias {
			addVector(p+".mlp.b2", cfg.NEmbd, 0)
		}
	}
	addVector("lnf.g", cfg.NEmbd, 1)
	if cfg.Bias {
		addVector("lnf.b", cfg.NEmbd, 0)
	}
	return m, nil
}

func layerPrefix(l int) string   { return "h" + itoa(l) }
func headPrefix(l, h int) string { return layerPrefix(l) + ".attn.head" + itoa(h) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// Cfg returns the hyperparameters the model was built with.
func (m *GPT) Cfg() Config { return m.cfg }

// SetTraining flips the model between training and evaluation mode.
// Runners are built for one mode and refuse to run in the other, so
// an estimator that forgets to restore the mode fails loudly.
func (m *GPT) SetTraining(v bool) { m.training = v }

// Training reports the current mode.
func (m *GPT) Training() bool { return m.training }

// ParamNames returns the canonical parameter order shared by state
// dictionaries, flattened buffers and gradient buffers.
func (m *GPT) ParamNames() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

func (m *GPT) param(name string) *tensor.Dense { return m.params[name] }

func (m *GPT) paramData(name string) []float32 {
	return m.params[name].Data().([]float32)
}

// NumParams counts parameters; nonEmbedding excludes the position
// table, matching how model size is usually quoted with tied
// embeddings.
func (m *GPT) NumParams(nonEmbedding bool) int {
	n := 0
	for _, name := range m.names {
		n += m.params[name].Shape().TotalSize()
	}
	if nonEmbedding {
		n -= m.params["wpe"].Shape().TotalSize()
	}
	return n
}

// EstimateMFU estimates model-flops utilization against peakFLOPS
// for fwdbwdPerIter forward/backward passes taking dt seconds.
func (m *GPT) EstimateMFU(fwdbwdPerIter int, dt float64) float64 {
	n := m.NumParams(true)
	l, h, q, t := m.cfg.NLayer, m.cfg.NHead, m.cfg.HeadSize(), m.cfg.BlockSize
	flopsPerToken := 6*n + 12*l*h*q*t
	flopsPerIter := flopsPerToken * t * fwdbwdPerIter
	return float64(flopsPerIter) / dt / peakFLOPS
}

// CropBlockSize shrinks the context length to n by dropping the
// tail rows of the position table. Runners must be rebuilt after a
// crop; the loop only crops before constructing them.
func (m *GPT) CropBlockSize(n int) error {
	if n <= 0 || n > m.cfg.BlockSize {
		return errors.Errorf("cannot crop block size %d to %d", m.cfg.BlockSize, n)
	}
	if n == m.cfg.BlockSize {
		return nil
	}
	old := m.paramData("wpe")
	cropped := make([]float32, n*m.cfg.NEmbd)
	copy(cropped, old[:n*m.cfg.NEmbd])
	m.params["wpe"] = tensor.New(tensor.WithShape(n, m.cfg.NEmbd), tensor.WithBacking(cropped))
	m.cfg.BlockSize = n
	return nil
}

// ParamState is one serialized parameter.
type ParamState struct {
	Shape []int
	Data  []float32
}

// StateDict deep-copies every parameter under its canonical name.
func (m *GPT) StateDict() map[string]ParamState {
	out := make(map[string]ParamState, len(m.names))
	for _, name := range m.names {
		src := m.paramData(name)
		data := make([]float32, len(src))
		copy(data, src)
		shape := m.params[name].Shape()
		out[name] = ParamState{Shape: append([]int(nil), shape...), Data: data}
	}
	return out
}

// wrapperPrefixes are key prefixes added by graph-compilation
// wrappers in other tooling; they are stripped from every state
// dictionary before loading, whoever wrote it.
var wrapperPrefixes = []string{"_orig_mod.", "module."}

// CanonicalizeStateDict returns sd with wrapper prefixes stripped
// from every key. Applied unconditionally on load.
func CanonicalizeStateDict(sd map[string]ParamState) map[string]ParamState {
	out := make(map[string]ParamState, len(sd))
	for k, v := range sd {
		for _, p := range wrapperPrefixes {
			if strings.HasPrefix(k, p) {
				k = strings.TrimPrefix(k, p)
				break
			}
		}
		out[k] = v
	}
	return out
}

// LoadStateDict replaces every parameter from sd. The key set and
// every shape must match the model exactly; resuming into different
// hyperparameters is an error, not a partial load.
func (m *GPT) LoadStateDict(sd map[string]ParamState) error {
	sd = CanonicalizeStateDict(sd)
	if len(sd) != len(m.names) {
		return errors.Errorf("state dict has %d parameters, model has %d", len(sd), len(m.names))
	}
	for _, name := range m.names {
		ps, ok := sd[name]
		if !ok {
			return errors.Errorf("state dict missing parameter %q", name)
		}
		shape := m.params[name].Shape()
		if !shapeEqual(ps.Shape, shape) {
			return errors.Errorf("parameter %q has shape %v, model wants %v", name, ps.Shape, []int(shape))
		}
		dst := m.paramData(name)
		if len(ps.Data) != len(dst) {
			return errors.Errorf("parameter %q has %d values, model wants %d", name, len(ps.Data), len(dst))
		}
		copy(dst, ps.Data)
	}
	return nil
}

func shapeEqual(a []int, b tensor.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FlatSize is the total number of parameter values.
func (m *GPT) FlatSize() int { return m.NumParams(false) }

// FlattenParams copies every parameter into one buffer in canonical
// order, for the startup broadcast that aligns replicas.
func (m *GPT) FlattenParams() []float32 {
	out := make([]float32, 0, m.FlatSize())
	for _, name := range m.names {
		out = append(out, m.paramData(name)...)
	}
	return out
}

// SetFlatParams is the inverse of FlattenParams.
func (m *GPT) SetFlatParams(buf []float32) error {
	if len(buf) != m.FlatSize() {
		return errors.Errorf("flat buffer has %d values, model wants %d", len(buf), m.FlatSize())
	}
	off := 0
	for _, name := range m.names {
		dst := m.paramData(name)
		copy(dst, buf[off:off+len(dst)])
		off += len(dst)
	}
	return nil
}

// decayedParam reports whether weight decay applies: matrices decay,
// vectors (biases, norm gains) do not.
func (m *GPT) decayedParam(name string) bool {
	return m.params[name].Shape().Dims() >= 2
}
