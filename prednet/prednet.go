// Package prednet implements the PredNet predictive coding architecture
// (Lotter 2016): a stack of convolutional LSTM cells that predict their
// input at every layer, propagate prediction errors upward and
// representations downward, one time step per call.
package prednet

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// PredNet is a single predictive coding recurrence. It is built once for a
// fixed input shape and then driven one frame at a time via Step; state is
// explicit, passed in and returned, so the network itself holds nothing
// between calls except its learnable parameters.
type PredNet struct {
	Config

	sel outputSelector

	// activations resolved from the configured names
	errAct, aAct, cellAct, gateAct activation

	g     *G.ExprGraph
	convs convStack

	// placeholders for the frame and the previous state
	frame               *G.Node
	rPrev, cPrev, ePrev []*G.Node

	// values captured from the step graph
	outVal           G.Value
	predVal          G.Value
	rVal, cVal, eVal []G.Value

	// preallocated input tensors, copied into before every run
	frameIn       *tensor.Dense
	rIn, cIn, eIn []*tensor.Dense

	m G.VM

	// outIsInput is set when the output mode selects the layer 0 target,
	// which is the (possibly extrapolated) input frame itself and never
	// enters the graph as a computed node.
	outIsInput bool

	inShape    tensor.Shape // frame shape, NCHW
	buildShape tensor.Shape // shape Build was called with
}

// New returns a new, unbuilt *PredNet.
func New(conf Config) *PredNet {
	return &PredNet{Config: conf}
}

// Build validates the configuration, materializes the six families of
// convolution operators and wires the per-step graph. inputShape is either a
// frame shape (batch, channels, height, width) or a full sequence shape with
// a time axis after the batch axis, laid out per the configured DataFormat.
func (p *PredNet) Build(inputShape tensor.Shape) (err error) {
	if err = p.Validate(); err != nil {
		return err
	}
	p.reset()
	if p.sel, err = parseOutputMode(p.OutputMode, p.Layers()); err != nil {
		return err
	}
	p.errAct = activations[p.ErrActivation]
	p.aAct = activations[p.AActivation]
	p.cellAct = activations[p.LSTMActivation]
	p.gateAct = activations[p.LSTMInnerActivation]
	p.outIsInput = p.sel.kind == outputLayer && p.sel.unit == unitA && p.sel.layer == 0

	if p.inShape, err = p.frameShape(inputShape); err != nil {
		return err
	}
	p.buildShape = inputShape.Clone()

	p.g = G.NewGraph()
	var m builder
	p.buildConvs()
	p.buildInputs()
	p.stepGraph(&m)
	if m.err != nil {
		return m.err
	}
	p.m = G.NewTapeMachine(p.g)
	return nil
}

func (p *PredNet) reset() {
	if p.m != nil {
		p.m.Close()
	}
	p.g = nil
	p.m = nil
	p.convs = convStack{}
	p.frame = nil
	p.rPrev, p.cPrev, p.ePrev = nil, nil, nil
	p.rVal, p.cVal, p.eVal = nil, nil, nil
	p.frameIn = nil
	p.rIn, p.cIn, p.eIn = nil, nil, nil
}

func (p *PredNet) newConv(name string, l, inCh, outCh, size int, act activation) convOp {
	w := G.NewTensor(p.g, Float, 4,
		G.WithShape(outCh, inCh, size, size),
		G.WithName(fmt.Sprintf("%s%d_w", name, l)),
		G.WithInit(G.GlorotU(1.0)))
	b := G.NewTensor(p.g, Float, 4,
		G.WithShape(1, outCh, 1, 1),
		G.WithName(fmt.Sprintf("%s%d_b", name, l)),
		G.WithInit(G.Zeroes()))
	return convOp{w: w, b: b, size: size, act: act}
}

func (p *PredNet) buildConvs() {
	nb := p.Layers()
	for l := 0; l < nb; l++ {
		// The cell consumes the concatenation of the previous representation,
		// the previous error, and (below the top layer) the representation
		// upsampled from the layer above.
		gateIn := p.RStackSizes[l] + 2*p.StackSizes[l]
		if l < nb-1 {
			gateIn += p.RStackSizes[l+1]
		}
		p.convs.input = append(p.convs.input, p.newConv("i", l, gateIn, p.RStackSizes[l], p.RFiltSizes[l], p.gateAct))
		p.convs.forget = append(p.convs.forget, p.newConv("f", l, gateIn, p.RStackSizes[l], p.RFiltSizes[l], p.gateAct))
		p.convs.cell = append(p.convs.cell, p.newConv("c", l, gateIn, p.RStackSizes[l], p.RFiltSizes[l], p.cellAct))
		p.convs.output = append(p.convs.output, p.newConv("o", l, gateIn, p.RStackSizes[l], p.RFiltSizes[l], p.gateAct))

		// The bottom layer prediction is always rectified so it lands in the
		// same range as normalized pixel intensities.
		act := p.aAct
		if l == 0 {
			act = activations["relu"]
		}
		p.convs.ahat = append(p.convs.ahat, p.newConv("ahat", l, p.RStackSizes[l], p.StackSizes[l], p.AhatFiltSizes[l], act))

		if l < nb-1 {
			p.convs.a = append(p.convs.a, p.newConv("a", l, 2*p.StackSizes[l], p.StackSizes[l+1], p.AFiltSizes[l], p.aAct))
		}
	}
}

func (p *PredNet) buildInputs() {
	nb := p.Layers()
	batch, h, w := p.inShape[0], p.inShape[2], p.inShape[3]

	p.frame = G.NewTensor(p.g, Float, 4, G.WithShape(p.inShape.Clone()...), G.WithName("frame"))
	p.frameIn = tensor.New(tensor.WithShape(p.inShape.Clone()...), tensor.Of(Float))

	p.rPrev = make([]*G.Node, nb)
	p.cPrev = make([]*G.Node, nb)
	p.ePrev = make([]*G.Node, nb)
	p.rIn = make([]*tensor.Dense, nb)
	p.cIn = make([]*tensor.Dense, nb)
	p.eIn = make([]*tensor.Dense, nb)
	p.rVal = make([]G.Value, nb)
	p.cVal = make([]G.Value, nb)
	p.eVal = make([]G.Value, nb)

	for l := 0; l < nb; l++ {
		ds := 1 << uint(l)
		rShape := tensor.Shape{batch, p.RStackSizes[l], h / ds, w / ds}
		eShape := tensor.Shape{batch, 2 * p.StackSizes[l], h / ds, w / ds}

		p.rPrev[l] = G.NewTensor(p.g, Float, 4, G.WithShape(rShape.Clone()...), G.WithName(fmt.Sprintf("R%d_prev", l)))
		p.cPrev[l] = G.NewTensor(p.g, Float, 4, G.WithShape(rShape.Clone()...), G.WithName(fmt.Sprintf("C%d_prev", l)))
		p.ePrev[l] = G.NewTensor(p.g, Float, 4, G.WithShape(eShape.Clone()...), G.WithName(fmt.Sprintf("E%d_prev", l)))

		p.rIn[l] = tensor.New(tensor.WithShape(rShape.Clone()...), tensor.Of(Float))
		p.cIn[l] = tensor.New(tensor.WithShape(rShape.Clone()...), tensor.Of(Float))
		p.eIn[l] = tensor.New(tensor.WithShape(eShape.Clone()...), tensor.Of(Float))
	}
}

// stepGraph wires one full time step: representations update top-down first,
// then predictions and errors update bottom-up.
func (p *PredNet) stepGraph(m *builder) {
	nb := p.Layers()
	batch := p.inShape[0]

	rNew := make([]*G.Node, nb)
	cNew := make([]*G.Node, nb)
	eNew := make([]*G.Node, nb)

	var rUp *G.Node
	for l := nb - 1; l >= 0; l-- {
		ins := []*G.Node{p.rPrev[l], p.ePrev[l]}
		if l < nb-1 {
			ins = append(ins, rUp)
		}
		x := m.concat(chanAxis, ins...)

		i := m.conv(x, p.convs.input[l])
		f := m.conv(x, p.convs.forget[l])
		o := m.conv(x, p.convs.output[l])
		cand := m.conv(x, p.convs.cell[l])

		cNew[l] = m.add(m.hadamard(f, p.cPrev[l]), m.hadamard(i, cand))
		rNew[l] = m.hadamard(o, m.act(p.cellAct, cNew[l]))

		if l > 0 {
			rUp = m.upsample(rNew[l])
		}
	}

	a := p.frame
	var framePred, out *G.Node
	for l := 0; l < nb; l++ {
		ahat := m.conv(rNew[l], p.convs.ahat[l])
		if l == 0 {
			pixelMax := p.PixelMax
			ahat = m.do(func() (*G.Node, error) { return clipCeiling(ahat, pixelMax) })
			framePred = ahat
		}

		eUp := m.act(p.errAct, m.sub(ahat, a))
		eDown := m.act(p.errAct, m.sub(a, ahat))
		eNew[l] = m.concat(chanAxis, eUp, eDown)

		if p.sel.kind == outputLayer && p.sel.layer == l {
			switch p.sel.unit {
			case unitR:
				out = rNew[l]
			case unitAhat:
				out = ahat
			case unitE:
				out = eNew[l]
			case unitA:
				// At layer 0 the target is the input frame itself; Step
				// captures it host-side instead (outIsInput).
				out = a
			}
		}

		if l < nb-1 {
			a = m.pool(m.conv(eNew[l], p.convs.a[l]))
		}
	}

	if m.err != nil {
		return
	}

	switch p.sel.kind {
	case outputPrediction:
		out = framePred
	case outputError, outputAll:
		layerErrs := make([]*G.Node, nb)
		for l := 0; l < nb; l++ {
			n := eNew[l].Shape().TotalSize() / batch
			flat := m.reshape(eNew[l], tensor.Shape{batch, n})
			layerErrs[l] = m.reshape(m.mean(flat, 1), tensor.Shape{batch, 1})
		}
		allErr := m.concat(1, layerErrs...)
		if p.sel.kind == outputError {
			out = allErr
		} else {
			flatSrc := framePred
			if p.DataFormat == ChannelsLast {
				// flatten in the caller's layout
				flatSrc = m.do(func() (*G.Node, error) { return G.Transpose(framePred, 0, 2, 3, 1) })
			}
			n := framePred.Shape().TotalSize() / batch
			flatPred := m.reshape(flatSrc, tensor.Shape{batch, n})
			out = m.concat(1, flatPred, allErr)
		}
	}

	if m.err != nil {
		return
	}

	if !p.outIsInput {
		G.Read(out, &p.outVal)
	}
	G.Read(framePred, &p.predVal)
	for l := 0; l < nb; l++ {
		G.Read(rNew[l], &p.rVal[l])
		G.Read(cNew[l], &p.cVal[l])
		G.Read(eNew[l], &p.eVal[l])
	}
}

// Model returns the learnable parameters in a fixed order: gates, then
// predictions, then targets, layer by layer within each family. The
// recurrence never mutates these; an external optimizer may.
func (p *PredNet) Model() G.Nodes {
	retVal := make(G.Nodes, 0, 12*p.Layers())
	for _, family := range [][]convOp{p.convs.input, p.convs.forget, p.convs.cell, p.convs.output, p.convs.ahat, p.convs.a} {
		for _, op := range family {
			retVal = append(retVal, op.w, op.b)
		}
	}
	return retVal
}

// GobEncode serializes the build shape and the learnable parameters. The
// configuration itself is not encoded; decode into an instance constructed
// with the same Config, as with Config.Map round-trips.
func (p *PredNet) GobEncode() ([]byte, error) {
	if p.g == nil {
		return nil, errors.New("prednet: cannot encode an unbuilt network")
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode([]int(p.buildShape)); err != nil {
		return nil, errors.Wrap(err, "encoding build shape")
	}
	for _, n := range p.Model() {
		v := n.Value()
		if err := enc.Encode(&v); err != nil {
			return nil, errors.Wrapf(err, "encoding %v", n)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode rebuilds the network for the encoded shape and restores the
// learnable parameters.
func (p *PredNet) GobDecode(data []byte) error {
	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)
	var shape []int
	if err := dec.Decode(&shape); err != nil {
		return errors.Wrap(err, "decoding build shape")
	}
	if err := p.Build(shape); err != nil {
		return err
	}
	for _, n := range p.Model() {
		var v G.Value
		if err := dec.Decode(&v); err != nil {
			return errors.Wrapf(err, "decoding %v", n)
		}
		if err := G.Let(n, v); err != nil {
			return errors.Wrapf(err, "restoring %v", n)
		}
	}
	return nil
}

// Close releases the underlying virtual machine.
func (p *PredNet) Close() error {
	if p.m == nil {
		return nil
	}
	return p.m.Close()
}
