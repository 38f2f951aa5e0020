package model

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// values added above the diagonal before the attention softmax
const maskValue float32 = -1e9

const layerNormEps float32 = 1e-5

// Runner executes forward (and for training runners, backward)
// passes over a graph built for one fixed batch and sequence shape.
// All runners for the same GPT share its parameter tensors, so a
// training runner's optimizer updates are seen by eval runners
// without any copying.
type Runner struct {
	m         *GPT
	batch     int
	seq       int
	vocab     int
	training  bool
	lossScale float64

	g          *gorgonia.ExprGraph
	in         *gorgonia.Node
	tgt        *gorgonia.Node
	objective  *gorgonia.Node
	paramNodes []*gorgonia.Node
	lossVal    gorgonia.Value
	logitsVal  gorgonia.Value

	machine gorgonia.VM

	inBack  []float32
	tgtBack []float32
	inT     *tensor.Dense
	tgtT    *tensor.Dense
}

// NewRunner builds a runner for the given shape. Training runners
// carry the backward graph and scale the optimization objective by
// lossScale (1/accumulation-steps, so accumulated micro-gradients
// sum to the full-batch gradient); eval runners skip gradient
// construction entirely. When eager is false the tape machine is
// compiled lazily on the first Step instead of here.
func (m *GPT) NewRunner(batch, seq int, training bool, lossScale float64, eager bool) (*Runner, error) {
	if batch <= 0 {
		return nil, errors.Errorf("batch size %d must be positive", batch)
	}
	if seq <= 0 || seq > m.cfg.BlockSize {
		return nil, errors.Errorf("sequence length %d outside (0, %d]", seq, m.cfg.BlockSize)
	}
	if lossScale <= 0 {
		return nil, errors.Errorf("loss scale %g must be positive", lossScale)
	}
	r := &Runner{
		m:         m,
		batch:     batch,
		seq:       seq,
		vocab:     m.cfg.VocabSize,
		training:  training,
		lossScale: lossScale,
	}
	n := batch * seq * r.vocab
	r.inBack = make([]float32, n)
	r.tgtBack = make([]float32, n)
	r.inT = tensor.New(tensor.WithShape(batch*seq, r.vocab), tensor.WithBacking(r.inBack))
	r.tgtT = tensor.New(tensor.WithShape(batch*seq, r.vocab), tensor.WithBacking(r.tgtBack))
	if err := r.assemble(); err != nil {
		return nil, err
	}
	if training {
		if _, err := gorgonia.Grad(r.objective, r.paramNodes...); err != nil {
			return nil, errors.Wrap(err, "building backward graph")
		}
	}
	if eager {
		r.buildMachine()
	}
	return r, nil
}

// assemble constructs the forward graph. gorgonia's Must-style
// helpers panic on malformed ops; the recover turns any such
// construction failure into an error instead of taking the process
// down.
func (r *Runner) assemble() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("graph assembly: %v", p)
		}
	}()

	must := gorgonia.Must
	cfg := r.m.cfg
	B, T, E, V := r.batch, r.seq, cfg.NEmbd, r.vocab
	H, hs := cfg.NHead, cfg.HeadSize()

	r.g = gorgonia.NewGraph()

	nodes := make(map[string]*gorgonia.Node, len(r.m.names))
	for _, name := range r.m.names {
		t := r.m.params[name]
		var n *gorgonia.Node
		switch t.Dims() {
		case 1:
			n = gorgonia.NewVector(r.g, tensor.Float32,
				gorgonia.WithShape(t.Shape()...), gorgonia.WithValue(t), gorgonia.WithName(name))
		default:
			n = gorgonia.NewMatrix(r.g, tensor.Float32,
				gorgonia.WithShape(t.Shape()...), gorgonia.WithValue(t), gorgonia.WithName(name))
		}
		nodes[name] = n
		r.paramNodes = append(r.paramNodes, n)
	}

	r.in = gorgonia.NewMatrix(r.g, tensor.Float32,
		gorgonia.WithShape(B*T, V), gorgonia.WithName("tokens"))
	r.tgt = gorgonia.NewMatrix(r.g, tensor.Float32,
		gorgonia.WithShape(B*T, V), gorgonia.WithName("targets"))

	// token embedding by one-hot matmul, plus learned positions
	x := must(gorgonia.Mul(r.in, nodes["wte"]))
	pos := must(gorgonia.Slice(nodes["wpe"], gorgonia.S(0, T)))
	pos3 := must(gorgonia.Reshape(pos, tensor.Shape{1, T, E}))
	x3 := must(gorgonia.Reshape(x, tensor.Shape{B, T, E}))
	x3 = must(gorgonia.BroadcastAdd(x3, pos3, nil, []byte{0}))
	x = must(gorgonia.Reshape(x3, tensor.Shape{B * T, E}))
	x = r.maybeDropout(x)

	mask := causalMaskNode(r.g, T)
	attnScale := gorgonia.NewConstant(float32(1/math.Sqrt(float64(hs))), gorgonia.WithName("attn_scale"))

	for l := 0; l < cfg.NLayer; l++ {
		p := layerPrefix(l)

		attIn := layerNorm(nodes, x, p+".ln1")
		heads := make([]*gorgonia.Node, H)
		for h := 0; h < H; h++ {
			hp := headPrefix(l, h)
			q := must(gorgonia.Mul(attIn, nodes[hp+".wq"]))
			k := must(gorgonia.Mul(attIn, nodes[hp+".wk"]))
			v := must(gorgonia.Mul(attIn, nodes[hp+".wv"]))
			q3 := must(gorgonia.Reshape(q, tensor.Shape{B, T, hs}))
			k3 := must(gorgonia.Reshape(k, tensor.Shape{B, T, hs}))
			v3 := must(gorgonia.Reshape(v, tensor.Shape{B, T, hs}))
			kT := must(gorgonia.Transpose(k3, 0, 2, 1))
			att := must(gorgonia.BatchedMatMul(q3, kT))
			att = must(gorgonia.Mul(att, attnScale))
			att = must(gorgonia.BroadcastAdd(att, mask, nil, []byte{0}))
			flat := must(gorgonia.Reshape(att, tensor.Shape{B * T, T}))
			flat = must(gorgonia.SoftMax(flat))
			flat = r.maybeDropout(flat)
			att = must(gorgonia.Reshape(flat, tensor.Shape{B, T, T}))
			ctx := must(gorgonia.BatchedMatMul(att, v3))
			heads[h] = must(gorgonia.Reshape(ctx, tensor.Shape{B * T, hs}))
		}
		cat := heads[0]
		if H > 1 {
			cat = must(gorgonia.Concat(1, heads...))
		}
		proj := must(gorgonia.Mul(cat, nodes[p+".attn.wo"]))
		if cfg.Bias {
			proj = must(gorgonia.BroadcastAdd(proj, rowVector(nodes[p+".attn.bo"], E), nil, []byte{0}))
		}
		proj = r.maybeDropout(proj)
		x = must(gorgonia.Add(x, proj))

		mlpIn := layerNorm(nodes, x, p+".ln2")
		hid := must(gorgonia.Mul(mlpIn, nodes[p+".mlp.w1"]))
		if cfg.Bias {
			hid = must(gorgonia.BroadcastAdd(hid, rowVector(nodes[p+".mlp.b1"], 4*E), nil, []byte{0}))
		}
		hid = gelu(hid)
		hid = must(gorgonia.Mul(hid, nodes[p+".mlp.w2"]))
		if cfg.Bias {
			hid = must(gorgonia.BroadcastAdd(hid, rowVector(nodes[p+".mlp.b2"], E), nil, []byte{0}))
		}
		hid = r.maybeDropout(hid)
		x = must(gorgonia.Add(x, hid))
	}

	x = layerNorm(nodes, x, "lnf")

	// output head tied to the token embedding
	logits := must(gorgonia.Mul(x, must(gorgonia.Transpose(nodes["wte"], 1, 0))))
	gorgonia.Read(logits, &r.logitsVal)

	loss := crossEntropy(logits, r.tgt)
	gorgonia.Read(loss, &r.lossVal)

	r.objective = loss
	if r.lossScale != 1 {
		scale := gorgonia.NewConstant(float32(r.lossScale), gorgonia.WithName("loss_scale"))
		r.objective = must(gorgonia.Mul(loss, scale))
	}
	return nil
}

func (r *Runner) maybeDropout(x *gorgonia.Node) *gorgonia.Node {
	if !r.training || r.m.cfg.Dropout == 0 {
		return x
	}
	return gorgonia.Must(gorgonia.Dropout(x, r.m.cfg.Dropout))
}

func (r *Runner) buildMachine() {
	if r.training {
		r.machine = gorgonia.NewTapeMachine(r.g, gorgonia.BindDualValues(r.paramNodes...))
	} else {
		r.machine = gorgonia.NewTapeMachine(r.g)
	}
}

// causalMaskNode is a (1,T,T) constant with maskValue above the
// diagonal, broadcast over the batch before the attention softmax.
func causalMaskNode(g *gorgonia.ExprGraph, t int) *gorgonia.Node {
	data := make([]float32, t*t)
	for i := 0; i < t; i++ {
		for j := i + 1; j < t; j++ {
			data[i*t+j] = maskValue
		}
	}
	mt := tensor.New(tensor.WithShape(1, t, t), tensor.WithBacking(data))
	return gorgonia.NewConstant(mt, gorgonia.WithName("causal_mask"), gorgonia.In(g))
}

// rowVector reshapes a parameter vector to a single-row matrix;
// broadcasting needs both operands at equal rank with the repeated
// axes at size one.
func rowVector(v *gorgonia.Node, n int) *gorgonia.Node {
	return gorgonia.Must(gorgonia.Reshape(v, tensor.Shape{1, n}))
}

// colVector reshapes a per-row reduction to a single-column matrix
// for broadcasting back over the reduced axis.
func colVector(v *gorgonia.Node, n int) *gorgonia.Node {
	return gorgonia.Must(gorgonia.Reshape(v, tensor.Shape{n, 1}))
}

// layerNorm normalizes rows of x and applies the gain (and bias, if
// the model carries one) stored under prefix.
func layerNorm(nodes map[string]*gorgonia.Node, x *gorgonia.Node, prefix string) *gorgonia.Node {
	must := gorgonia.Must
	rows, cols := x.Shape()[0], x.Shape()[1]
	eps := gorgonia.NewConstant(layerNormEps)
	mu := colVector(must(gorgonia.Mean(x, 1)), rows)
	xc := must(gorgonia.BroadcastSub(x, mu, nil, []byte{1}))
	va := colVector(must(gorgonia.Mean(must(gorgonia.Square(xc)), 1)), rows)
	sd := must(gorgonia.Sqrt(must(gorgonia.Add(va, eps))))
	xn := must(gorgonia.BroadcastHadamardDiv(xc, sd, nil, []byte{1}))
	y := must(gorgonia.BroadcastHadamardProd(xn, rowVector(nodes[prefix+".g"], cols), nil, []byte{0}))
	if b, ok := nodes[prefix+".b"]; ok {
		y = must(gorgonia.BroadcastAdd(y, rowVector(b, cols), nil, []byte{0}))
	}
	return y
}

// gelu is the tanh approximation of the GELU activation.
func gelu(x *gorgonia.Node) *gorgonia.Node {
	must := gorgonia.Must
	c0 := gorgonia.NewConstant(float32(0.044715))
	c1 := gorgonia.NewConstant(float32(0.7978845608028654)) // sqrt(2/pi)
	half := gorgonia.NewConstant(float32(0.5))
	one := gorgonia.NewConstant(float32(1))
	inner := must(gorgonia.Add(x, must(gorgonia.Mul(must(gorgonia.Cube(x)), c0))))
	th := must(gorgonia.Tanh(must(gorgonia.Mul(inner, c1))))
	return must(gorgonia.HadamardProd(must(gorgonia.Mul(x, half)), must(gorgonia.Add(th, one))))
}

// crossEntropy is the mean negative log-likelihood of the one-hot
// targets under the softmax of the logits. The small floor keeps the
// log finite when a probability underflows.
func crossEntropy(logits, targets *gorgonia.Node) *gorgonia.Node {
	must := gorgonia.Must
	floor := gorgonia.NewConstant(float32(1e-8))
	probs := must(gorgonia.SoftMax(logits))
	logp := must(gorgonia.Log(must(gorgonia.Add(probs, floor))))
	picked := must(gorgonia.HadamardProd(targets, logp))
	rows := must(gorgonia.Sum(picked, 1))
	return must(gorgonia.Neg(must(gorgonia.Mean(rows))))
}

// Step runs one forward pass (and backward, on a training runner)
// over a batch of token windows and returns the unscaled mean loss.
// The model's mode must match the runner's; a training runner used
// while the model is in eval mode is a bug, not a silent fallback.
func (r *Runner) Step(inputs, targets []int32) (float64, error) {
	if r.training != r.m.training {
		return 0, errors.Errorf("runner built for training=%v but model is in training=%v", r.training, r.m.training)
	}
	want := r.batch * r.seq
	if len(inputs) != want || len(targets) != want {
		return 0, errors.Errorf("batch has %d/%d tokens, runner wants %d", len(inputs), len(targets), want)
	}
	if r.machine == nil {
		r.buildMachine()
	}
	if err := r.encode(inputs, r.inBack); err != nil {
		return 0, err
	}
	if err := r.encode(targets, r.tgtBack); err != nil {
		return 0, err
	}
	if err := gorgonia.Let(r.in, r.inT); err != nil {
		return 0, errors.Wrap(err, "binding inputs")
	}
	if err := gorgonia.Let(r.tgt, r.tgtT); err != nil {
		return 0, errors.Wrap(err, "binding targets")
	}
	if err := r.machine.RunAll(); err != nil {
		return 0, errors.Wrap(err, "graph execution")
	}
	loss, err := scalarValue(r.lossVal)
	r.machine.Reset()
	return loss, err
}

// encode scatters token ids into the reusable one-hot backing.
func (r *Runner) encode(toks []int32, dst []float32) error {
	clear(dst)
	for i, t := range toks {
		if t < 0 || int(t) >= r.vocab {
			return errors.Errorf("token %d at position %d outside vocabulary of %d", t, i, r.vocab)
		}
		dst[i*r.vocab+int(t)] = 1
	}
	return nil
}

// EachGradient visits the last backward pass's gradient of every
// parameter in canonical order. The slices alias gorgonia's dual
// values and are only valid until the next Step.
func (r *Runner) EachGradient(fn func(name string, grad []float32) error) error {
	if !r.training {
		return errors.New("gradients are only available on a training runner")
	}
	for i, n := range r.paramNodes {
		gv, err := n.Grad()
		if err != nil {
			return errors.Wrapf(err, "gradient of %s", r.m.names[i])
		}
		g, err := floats32Of(gv)
		if err != nil {
			return errors.Wrapf(err, "gradient of %s", r.m.names[i])
		}
		if err := fn(r.m.names[i], g); err != nil {
			return err
		}
	}
	return nil
}

// LogitsRow copies out one row of the last forward pass's logits.
// Row indices follow the flattened (batch*seq) layout.
func (r *Runner) LogitsRow(row int) ([]float32, error) {
	if r.logitsVal == nil {
		return nil, errors.New("no forward pass has run")
	}
	data, err := floats32Of(r.logitsVal)
	if err != nil {
		return nil, err
	}
	if row < 0 || (row+1)*r.vocab > len(data) {
		return nil, errors.Errorf("row %d outside logits of %d rows", row, len(data)/r.vocab)
	}
	out := make([]float32, r.vocab)
	copy(out, data[row*r.vocab:(row+1)*r.vocab])
	return out, nil
}

// Close releases the compiled machine, if one was built.
func (r *Runner) Close() error {
	if r.machine == nil {
		return nil
	}
	return r.machine.Close()
}

func scalarValue(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, errors.New("no value recorded")
	}
	switch d := v.Data().(type) {
	case float32:
		return float64(d), nil
	case []float32:
		if len(d) == 1 {
			return float64(d[0]), nil
		}
	}
	return 0, errors.Errorf("value with shape %v is not a scalar", v.Shape())
}

func floats32Of(v gorgonia.Value) ([]float32, error) {
	switch d := v.Data().(type) {
	case []float32:
		return d, nil
	case float32:
		return []float32{d}, nil
	}
	return nil, errors.Errorf("unexpected value storage %T", v.Data())
}
