package prednet

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// State is the full recurrent state of the network at one point in time: a
// representation, cell and error tensor per layer. When extrapolation is
// enabled it additionally carries the previous frame prediction and the
// current time step, so that past ExtrapStartTime the network can consume
// its own prediction in place of the supplied frame.
//
// State is plain data. It is produced by InitialState, consumed and
// reissued by Step, and never shared between concurrent sequences.
type State struct {
	R, C, E []*tensor.Dense

	PrevPrediction *tensor.Dense
	Tick           int
}

// InitialState returns the all-zero state for the start of a sequence. Only
// the shape of example is consulted, never its values.
func (p *PredNet) InitialState(example *tensor.Dense) (*State, error) {
	if p.m == nil {
		return nil, errors.New("prednet: InitialState called before Build")
	}
	frameShape, err := p.Config.frameShape(example.Shape())
	if err != nil {
		return nil, err
	}
	if frameShape[0] != p.inShape[0] {
		return nil, errors.Errorf("prednet: example has batch size %d, network was built with %d", frameShape[0], p.inShape[0])
	}

	nb := p.Layers()
	s := &State{
		R: make([]*tensor.Dense, nb),
		C: make([]*tensor.Dense, nb),
		E: make([]*tensor.Dense, nb),
	}
	for l := 0; l < nb; l++ {
		s.R[l] = tensor.New(tensor.WithShape(p.stateShape(l, unitR)...), tensor.Of(Float))
		s.C[l] = tensor.New(tensor.WithShape(p.stateShape(l, unitR)...), tensor.Of(Float))
		s.E[l] = tensor.New(tensor.WithShape(p.stateShape(l, unitE)...), tensor.Of(Float))
	}
	if p.extrapolating() {
		batch, h, w := p.inShape[0], p.inShape[2], p.inShape[3]
		predShape := append(tensor.Shape{batch}, p.layoutShape(p.StackSizes[0], h, w)...)
		s.PrevPrediction = tensor.New(tensor.WithShape(predShape...), tensor.Of(Float))
	}
	return s, nil
}

// Step advances the recurrence by one frame. It returns the step output per
// the configured output mode and the next state; the passed state is not
// modified. Steps must be sequential: the returned state is the only valid
// input for the next call.
func (p *PredNet) Step(frame *tensor.Dense, s *State) (*tensor.Dense, *State, error) {
	if p.m == nil {
		return nil, nil, errors.New("prednet: Step called before Build")
	}
	if s == nil || len(s.R) != p.Layers() || len(s.C) != p.Layers() || len(s.E) != p.Layers() {
		return nil, nil, errors.Errorf("prednet: state does not match a %d layer network", p.Layers())
	}

	effective := frame
	if p.extrapolating() && s.Tick >= p.ExtrapStartTime {
		if s.PrevPrediction == nil {
			return nil, nil, errors.New("prednet: extrapolating state is missing the previous prediction")
		}
		effective = s.PrevPrediction
	}

	if err := p.feed(effective, s); err != nil {
		return nil, nil, err
	}
	p.m.Reset()
	if err := p.let(); err != nil {
		return nil, nil, err
	}
	if err := p.m.RunAll(); err != nil {
		return nil, nil, errors.WithStack(err)
	}

	next, err := p.nextState(s)
	if err != nil {
		return nil, nil, err
	}

	var out *tensor.Dense
	if p.outIsInput {
		// Output mode A0: the layer 0 target is the (possibly extrapolated)
		// input frame itself.
		out = effective.Clone().(*tensor.Dense)
	} else {
		if out, err = p.fromNative(denseOf(p.outVal)); err != nil {
			return nil, nil, err
		}
	}
	return out, next, nil
}

// feed copies the frame and state into the preallocated graph inputs,
// converting layouts as needed.
func (p *PredNet) feed(frame *tensor.Dense, s *State) error {
	native, err := p.toNative(frame)
	if err != nil {
		return err
	}
	if err = copyInto(p.frameIn, native); err != nil {
		return errors.Wrap(err, "frame")
	}
	for l := 0; l < p.Layers(); l++ {
		if native, err = p.toNative(s.R[l]); err != nil {
			return err
		}
		if err = copyInto(p.rIn[l], native); err != nil {
			return errors.Wrapf(err, "R[%d]", l)
		}
		if native, err = p.toNative(s.C[l]); err != nil {
			return err
		}
		if err = copyInto(p.cIn[l], native); err != nil {
			return errors.Wrapf(err, "C[%d]", l)
		}
		if native, err = p.toNative(s.E[l]); err != nil {
			return err
		}
		if err = copyInto(p.eIn[l], native); err != nil {
			return errors.Wrapf(err, "E[%d]", l)
		}
	}
	return nil
}

func (p *PredNet) let() error {
	if err := G.Let(p.frame, p.frameIn); err != nil {
		return errors.WithStack(err)
	}
	for l := 0; l < p.Layers(); l++ {
		if err := G.Let(p.rPrev[l], p.rIn[l]); err != nil {
			return errors.WithStack(err)
		}
		if err := G.Let(p.cPrev[l], p.cIn[l]); err != nil {
			return errors.WithStack(err)
		}
		if err := G.Let(p.ePrev[l], p.eIn[l]); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// nextState clones the read values out of the graph into a fresh state. The
// clones are required: the read values are overwritten on the next run.
func (p *PredNet) nextState(s *State) (*State, error) {
	nb := p.Layers()
	next := &State{
		R: make([]*tensor.Dense, nb),
		C: make([]*tensor.Dense, nb),
		E: make([]*tensor.Dense, nb),
	}
	var err error
	for l := 0; l < nb; l++ {
		if next.R[l], err = p.fromNative(denseOf(p.rVal[l])); err != nil {
			return nil, err
		}
		if next.C[l], err = p.fromNative(denseOf(p.cVal[l])); err != nil {
			return nil, err
		}
		if next.E[l], err = p.fromNative(denseOf(p.eVal[l])); err != nil {
			return nil, err
		}
	}
	if p.extrapolating() {
		if next.PrevPrediction, err = p.fromNative(denseOf(p.predVal)); err != nil {
			return nil, err
		}
		next.Tick = s.Tick + 1
	}
	return next, nil
}

func denseOf(v G.Value) *tensor.Dense {
	return v.(*tensor.Dense).Clone().(*tensor.Dense)
}

func copyInto(dst, src *tensor.Dense) error {
	if !dst.Shape().Eq(src.Shape()) {
		return errors.Errorf("prednet: tensor shape mismatch: got %v, want %v", src.Shape(), dst.Shape())
	}
	data, ok := src.Data().([]float32)
	if !ok {
		return errors.Errorf("prednet: tensor must be float32, got %v", src.Dtype())
	}
	copy(dst.Data().([]float32), data)
	return nil
}
