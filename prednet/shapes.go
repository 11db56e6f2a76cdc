package prednet

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// frameDims pulls (channels, height, width) out of a frame or sequence
// shape, honoring the configured data format. Accepts 4-D (batch + frame)
// and 5-D (batch + time + frame) shapes.
func (c Config) frameDims(inputShape tensor.Shape) (channels, height, width int, err error) {
	var frame []int
	switch inputShape.Dims() {
	case 4:
		frame = inputShape[1:]
	case 5:
		frame = inputShape[2:]
	default:
		return 0, 0, 0, errors.Errorf("prednet: input shape must be 4-D or 5-D. Got %v", inputShape)
	}
	if c.DataFormat == ChannelsFirst {
		channels, height, width = frame[0], frame[1], frame[2]
	} else {
		height, width, channels = frame[0], frame[1], frame[2]
	}
	return channels, height, width, nil
}

// frameShape validates inputShape and returns the per-frame shape in the
// internal NCHW layout.
func (c Config) frameShape(inputShape tensor.Shape) (tensor.Shape, error) {
	channels, h, w, err := c.frameDims(inputShape)
	if err != nil {
		return nil, err
	}
	if channels != c.StackSizes[0] {
		return nil, errors.Errorf("prednet: input has %d channels, StackSizes[0] is %d", channels, c.StackSizes[0])
	}
	ds := 1 << uint(c.Layers()-1)
	if h%ds != 0 || w%ds != 0 {
		return nil, errors.Errorf("prednet: input spatial size %dx%d is not divisible by %d (2^(layers-1))", h, w, ds)
	}
	return tensor.Shape{inputShape[0], channels, h, w}, nil
}

// OutputShape derives the trailing shape of the step output for the given
// input shape, per the configured output mode, and prepends the batch axis
// and, when returnSequences is set, the time axis. It is pure shape
// arithmetic and may be called before Build.
func (c Config) OutputShape(inputShape tensor.Shape, returnSequences bool) (tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if returnSequences && inputShape.Dims() != 5 {
		return nil, errors.Errorf("prednet: per-step outputs need a 5-D sequence shape. Got %v", inputShape)
	}
	if _, err := c.frameShape(inputShape); err != nil {
		return nil, err
	}
	sel, err := parseOutputMode(c.OutputMode, c.Layers())
	if err != nil {
		return nil, err
	}
	channels, h, w, _ := c.frameDims(inputShape)

	var out tensor.Shape
	switch sel.kind {
	case outputPrediction:
		out = c.layoutShape(channels, h, w)
	case outputError:
		out = tensor.Shape{c.Layers()}
	case outputAll:
		out = tensor.Shape{channels*h*w + c.Layers()}
	case outputLayer:
		ds := 1 << uint(sel.layer)
		var outCh int
		switch sel.unit {
		case unitR:
			outCh = c.RStackSizes[sel.layer]
		case unitE:
			outCh = 2 * c.StackSizes[sel.layer]
		default:
			outCh = c.StackSizes[sel.layer]
		}
		out = c.layoutShape(outCh, h/ds, w/ds)
	}

	shape := tensor.Shape{inputShape[0]}
	if returnSequences {
		shape = append(shape, inputShape[1])
	}
	return append(shape, out...), nil
}

// layoutShape arranges a frame shape per the configured data format.
func (c Config) layoutShape(channels, h, w int) tensor.Shape {
	if c.DataFormat == ChannelsFirst {
		return tensor.Shape{channels, h, w}
	}
	return tensor.Shape{h, w, channels}
}

// stateShape is the shape of a state tensor at layer l in the configured
// layout. kind is unitR for representation and cell tensors, unitE for error
// tensors. Only valid on a built network.
func (p *PredNet) stateShape(l int, kind unitType) tensor.Shape {
	batch, h, w := p.inShape[0], p.inShape[2], p.inShape[3]
	ds := 1 << uint(l)
	ch := p.RStackSizes[l]
	if kind == unitE {
		ch = 2 * p.StackSizes[l]
	}
	return append(tensor.Shape{batch}, p.layoutShape(ch, h/ds, w/ds)...)
}

// toNative converts a 4-D tensor from the configured layout to NCHW. Tensors
// that are already channels-first (or not 4-D) pass through untouched.
func (p *PredNet) toNative(t *tensor.Dense) (*tensor.Dense, error) {
	if p.DataFormat == ChannelsFirst || t.Dims() != 4 {
		return t, nil
	}
	u := t.Clone().(*tensor.Dense)
	if err := u.T(0, 3, 1, 2); err != nil {
		return nil, errors.WithStack(err)
	}
	return u.Materialize().(*tensor.Dense), nil
}

// fromNative converts a 4-D NCHW tensor back to the configured layout.
func (p *PredNet) fromNative(t *tensor.Dense) (*tensor.Dense, error) {
	if p.DataFormat == ChannelsFirst || t.Dims() != 4 {
		return t, nil
	}
	u := t.Clone().(*tensor.Dense)
	if err := u.T(0, 2, 3, 1); err != nil {
		return nil, errors.WithStack(err)
	}
	return u.Materialize().(*tensor.Dense), nil
}
