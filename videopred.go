// Package videopred drives predictive coding recurrences over video
// sequences. The recurrence itself lives in the prednet package; this
// package supplies the sequence iteration: slicing frames off the time
// axis, threading state through consecutive steps, and stacking per-step
// outputs back into a time-major tensor.
package videopred

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/bkong1990/videopred/prednet"
)

// Step advances a recurrence by a single frame. It returns the step output
// and the next state; implementations must not mutate the passed state.
// (*prednet.PredNet).Step satisfies this signature.
type Step func(frame *tensor.Dense, s *prednet.State) (*tensor.Dense, *prednet.State, error)

// RunSequence folds step over the time axis of seq, a 5-D
// (batch, time, frame...) tensor, starting from state s0. Steps run
// strictly sequentially in increasing time order.
//
// If returnSequences is set, the per-step outputs are stacked along a new
// time axis after the batch axis; otherwise only the final step's output is
// returned. The final state is returned either way, so a caller may carry
// it into a continuation of the sequence.
func RunSequence(step Step, s0 *prednet.State, seq *tensor.Dense, returnSequences bool) (*tensor.Dense, *prednet.State, error) {
	if seq.Dims() != 5 {
		return nil, nil, errors.Errorf("videopred: sequence must be 5-D (batch, time, frame). Got %v", seq.Shape())
	}
	batch, steps := seq.Shape()[0], seq.Shape()[1]
	if steps == 0 {
		return nil, nil, errors.New("videopred: sequence has no time steps")
	}
	frameShape := append(tensor.Shape{batch}, seq.Shape()[2:]...)

	var sl slicer
	s := s0
	var out *tensor.Dense
	var outs []*tensor.Dense
	for t := 0; t < steps; t++ {
		view := sl.Slice(seq, nil, sli(t, t+1))
		if sl.err != nil {
			return nil, nil, sl.err
		}
		frame := view.Materialize().(*tensor.Dense)
		if err := frame.Reshape(frameShape.Clone()...); err != nil {
			return nil, nil, errors.WithStack(err)
		}
		var err error
		if out, s, err = step(frame, s); err != nil {
			return nil, nil, errors.Wrapf(err, "step %d", t)
		}
		if returnSequences {
			outs = append(outs, out)
		}
	}
	if !returnSequences {
		return out, s, nil
	}
	stacked, err := stackTime(outs, batch)
	if err != nil {
		return nil, nil, err
	}
	return stacked, s, nil
}

// stackTime assembles per-step outputs of shape (batch, rest...) into a
// single (batch, time, rest...) tensor.
func stackTime(outs []*tensor.Dense, batch int) (*tensor.Dense, error) {
	steps := len(outs)
	rest := outs[0].Shape().Clone()[1:]
	chunk := rest.TotalSize()
	full := append(tensor.Shape{batch, steps}, rest...)

	backing := make([]float32, full.TotalSize())
	for t, o := range outs {
		data, ok := o.Data().([]float32)
		if !ok {
			return nil, errors.Errorf("videopred: step output must be float32, got %v", o.Dtype())
		}
		for b := 0; b < batch; b++ {
			dst := (b*steps + t) * chunk
			copy(backing[dst:dst+chunk], data[b*chunk:(b+1)*chunk])
		}
	}
	return tensor.New(tensor.WithShape(full...), tensor.WithBacking(backing)), nil
}
