package prednet

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	nnops "gorgonia.org/gorgonia/ops/nn"
	"gorgonia.org/tensor"
)

// Float is the dtype used for every tensor in the network.
var Float = G.Float32

const chanAxis = 1 // everything inside the graph is NCHW

// activation is an element-wise nonlinearity applied to a graph node.
type activation func(*G.Node) (*G.Node, error)

var activations = map[string]activation{
	"relu":         nnops.Rectify,
	"tanh":         G.Tanh,
	"sigmoid":      G.Sigmoid,
	"hard_sigmoid": hardSigmoid,
	"linear":       linear,
}

func linear(x *G.Node) (*G.Node, error) { return x, nil }

// hardSigmoid is clip(0.2x+0.5, 0, 1), composed from rectifiers since
// gorgonia has no primitive for it: clip(y, 0, 1) = relu(y) - relu(y-1).
func hardSigmoid(x *G.Node) (*G.Node, error) {
	y, err := G.Mul(x, G.NewConstant(float32(0.2)))
	if err != nil {
		return nil, err
	}
	if y, err = G.Add(y, G.NewConstant(float32(0.5))); err != nil {
		return nil, err
	}
	lo, err := nnops.Rectify(y)
	if err != nil {
		return nil, err
	}
	ym1, err := G.Sub(y, G.NewConstant(float32(1)))
	if err != nil {
		return nil, err
	}
	hi, err := nnops.Rectify(ym1)
	if err != nil {
		return nil, err
	}
	return G.Sub(lo, hi)
}

// clipCeiling is min(x, max) = max - relu(max - x).
func clipCeiling(x *G.Node, max float32) (*G.Node, error) {
	c := G.NewConstant(max)
	d, err := G.Sub(c, x)
	if err != nil {
		return nil, err
	}
	if d, err = nnops.Rectify(d); err != nil {
		return nil, err
	}
	return G.Sub(c, d)
}

// convOp is a single convolution operator: kernel, bias and the activation
// baked in at construction.
type convOp struct {
	w, b *G.Node
	size int
	act  activation
}

// convStack holds the six families of per-layer convolution operators, each
// indexed by layer number. The a family has no entry for the top layer.
type convStack struct {
	input, forget, cell, output []convOp // recurrent cell gates
	ahat                        []convOp // predictions
	a                           []convOp // targets for the layer above
}

// builder threads an error through graph construction so the wiring code
// reads straight through.
type builder struct {
	err error
}

func (m *builder) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// conv applies op to x: same-padded convolution, broadcast bias, activation.
func (m *builder) conv(x *G.Node, op convOp) *G.Node {
	if m.err != nil {
		return nil
	}
	padding := findPadding(x.Shape()[2], x.Shape()[3], op.size, op.size)
	c := m.do(func() (*G.Node, error) {
		return nnops.Conv2d(x, op.w, []int{op.size, op.size}, padding, []int{1, 1}, []int{1, 1})
	})
	c = m.do(func() (*G.Node, error) { return G.BroadcastAdd(c, op.b, nil, []byte{0, 2, 3}) })
	return m.act(op.act, c)
}

func (m *builder) act(f activation, x *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return f(x) })
}

func (m *builder) concat(axis int, xs ...*G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Concat(axis, xs...) })
}

func (m *builder) hadamard(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.HadamardProd(a, b) })
}

func (m *builder) add(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Add(a, b) })
}

func (m *builder) sub(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Sub(a, b) })
}

func (m *builder) upsample(x *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Upsample2D(x, 2) })
}

func (m *builder) pool(x *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) {
		return nnops.MaxPool2D(x, []int{2, 2}, []int{0, 0}, []int{2, 2})
	})
}

func (m *builder) reshape(x *G.Node, to tensor.Shape) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Reshape(x, to) })
}

func (m *builder) mean(x *G.Node, along int) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Mean(x, along) })
}

func findPadding(inputX, inputY, kernelX, kernelY int) []int {
	return []int{
		(inputX - 1 - inputX + kernelX) / 2,
		(inputY - 1 - inputY + kernelY) / 2,
	}
}
