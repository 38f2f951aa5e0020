package model

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// GradBuffer accumulates gradients for every parameter into one
// flat float64 buffer in canonical order, so a single all-reduce
// covers the whole model and clipping sees the true global norm.
type GradBuffer struct {
	names []string
	offs  map[string]int
	sizes map[string]int
	buf   []float64
}

// NewGradBuffer lays out a zeroed buffer matching the model's
// parameters.
func (m *GPT) NewGradBuffer() *GradBuffer {
	b := &GradBuffer{
		names: m.ParamNames(),
		offs:  make(map[string]int, len(m.names)),
		sizes: make(map[string]int, len(m.names)),
	}
	off := 0
	for _, name := range m.names {
		n := m.params[name].Shape().TotalSize()
		b.offs[name] = off
		b.sizes[name] = n
		off += n
	}
	b.buf = make([]float64, off)
	return b
}

func (b *GradBuffer) Zero() { clear(b.buf) }

// Flat exposes the whole buffer, for collectives that average
// gradients across ranks in place.
func (b *GradBuffer) Flat() []float64 { return b.buf }

// Grad returns the mutable view for one parameter.
func (b *GradBuffer) Grad(name string) ([]float64, error) {
	off, ok := b.offs[name]
	if !ok {
		return nil, errors.Errorf("unknown parameter %q", name)
	}
	return b.buf[off : off+b.sizes[name]], nil
}

// Accumulate adds grad into the parameter's slot.
func (b *GradBuffer) Accumulate(name string, grad []float32) error {
	dst, err := b.Grad(name)
	if err != nil {
		return err
	}
	if len(grad) != len(dst) {
		return errors.Errorf("gradient for %q has %d values, want %d", name, len(grad), len(dst))
	}
	for i, g := range grad {
		dst[i] += float64(g)
	}
	return nil
}

// GlobalNorm is the l2 norm over every accumulated gradient.
func (b *GradBuffer) GlobalNorm() float64 {
	return math.Sqrt(floats.Dot(b.buf, b.buf))
}

// ClipGlobalNorm scales the buffer so its global norm does not
// exceed max, returning the pre-clip norm.
func (b *GradBuffer) ClipGlobalNorm(max float64) float64 {
	norm := b.GlobalNorm()
	if norm > max {
		floats.Scale(max/(norm+1e-6), b.buf)
	}
	return norm
}

// OptState is the optimizer's serialized state.
type OptState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

// AdamW implements Adam with decoupled weight decay. Moments live
// in float64 keyed by parameter name, so checkpoints restore the
// optimizer exactly and the learning rate can be retuned every
// iteration by the schedule.
type AdamW struct {
	model *GPT
	lr    float64
	wd    float64
	beta1 float64
	beta2 float64
	eps   float64
	step  int
	m     map[string][]float64
	v     map[string][]float64
}

// ConfigureOptimizer builds an AdamW over every parameter. Matrices
// get weight decay, vectors (biases and norm gains) do not.
func (m *GPT) ConfigureOptimizer(weightDecay, lr, beta1, beta2 float64) *AdamW {
	o := &AdamW{
		model: m,
		lr:    lr,
		wd:    weightDecay,
		beta1: beta1,
		beta2: beta2,
		eps:   1e-8,
		m:     make(map[string][]float64, len(m.names)),
		v:     make(map[string][]float64, len(m.names)),
	}
	for _, name := range m.names {
		n := m.params[name].Shape().TotalSize()
		o.m[name] = make([]float64, n)
		o.v[name] = make([]float64, n)
	}
	return o
}

// SetLearningRate is called every iteration with the scheduled rate.
func (o *AdamW) SetLearningRate(lr float64) { o.lr = lr }

func (o *AdamW) LearningRate() float64 { return o.lr }

func (o *AdamW) StepCount() int { return o.step }

// Step applies one update from the accumulated gradients, writing
// the new parameter values in place.
func (o *AdamW) Step(grads *GradBuffer) error {
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	for _, name := range o.model.names {
		g, err := grads.Grad(name)
		if err != nil {
			return err
		}
		m, v := o.m[name], o.v[name]
		p := o.model.paramData(name)
		decay := 0.0
		if o.model.decayedParam(name) {
			decay = o.wd
		}
		for i := range g {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g[i]
			v[i] = o.beta2*v[i] + (1-o.beta2)*g[i]*g[i]
			mhat := m[i] / c1
			vhat := v[i] / c2
			upd := mhat/(math.Sqrt(vhat)+o.eps) + decay*float64(p[i])
			p[i] -= float32(o.lr * upd)
		}
	}
	return nil
}

// StateDict deep-copies the moments and step counter.
func (o *AdamW) StateDict() OptState {
	st := OptState{
		Step: o.step,
		M:    make(map[string][]float64, len(o.m)),
		V:    make(map[string][]float64, len(o.v)),
	}
	for name, m := range o.m {
		st.M[name] = append([]float64(nil), m...)
	}
	for name, v := range o.v {
		st.V[name] = append([]float64(nil), v...)
	}
	return st
}

// LoadStateDict restores state saved by StateDict. Keys go through
// the same wrapper-prefix canonicalization as model parameters.
func (o *AdamW) LoadStateDict(st OptState) error {
	if st.Step < 0 {
		return errors.Errorf("optimizer step count %d is negative", st.Step)
	}
	m := canonicalizeMoments(st.M)
	v := canonicalizeMoments(st.V)
	for _, name := range o.model.names {
		src, ok := m[name]
		if !ok {
			return errors.Errorf("optimizer state missing first moment for %q", name)
		}
		if len(src) != len(o.m[name]) {
			return errors.Errorf("first moment for %q has %d values, want %d", name, len(src), len(o.m[name]))
		}
		copy(o.m[name], src)
		src, ok = v[name]
		if !ok {
			return errors.Errorf("optimizer state missing second moment for %q", name)
		}
		if len(src) != len(o.v[name]) {
			return errors.Errorf("second moment for %q has %d values, want %d", name, len(src), len(o.v[name]))
		}
		copy(o.v[name], src)
	}
	o.step = st.Step
	return nil
}

func canonicalizeMoments(in map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(in))
	for k, v := range in {
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
