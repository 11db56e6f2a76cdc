// Package synthetic generates deterministic video-like tensors for tests.
package synthetic

import (
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// Sequence returns a (batch, steps, channels, height, width) float32 tensor
// of smoothly varying values in [0, 1]. The content is deterministic and
// differs across batch elements, time steps and channels.
func Sequence(batch, steps, channels, h, w int) *tensor.Dense {
	backing := make([]float32, batch*steps*channels*h*w)
	i := 0
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			for c := 0; c < channels; c++ {
				phase := 0.7*float32(b) + 0.9*float32(t) + 1.3*float32(c)
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						v := math32.Sin(phase + 0.5*float32(y) + 0.25*float32(x))
						backing[i] = 0.5 + 0.5*v
						i++
					}
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(batch, steps, channels, h, w), tensor.WithBacking(backing))
}

// Frame returns a single (batch, channels, height, width) frame. phase
// shifts the pattern so distinct frames can be generated.
func Frame(batch, channels, h, w int, phase float32) *tensor.Dense {
	seq := Sequence(batch, 1, channels, h, w)
	data := seq.Data().([]float32)
	for i := range data {
		data[i] = clamp01(data[i] + 0.1*math32.Sin(phase+float32(i)))
	}
	out := tensor.New(tensor.WithShape(batch, channels, h, w), tensor.WithBacking(data))
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
