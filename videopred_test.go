package videopred

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"

	"github.com/bkong1990/videopred/internal/synthetic"
	"github.com/bkong1990/videopred/prednet"
)

func TestRunSequence(t *testing.T) {
	assert := assert.New(t)
	conf := prednet.DefaultConf([]int{1, 2}, []int{1, 2})

	seq := synthetic.Sequence(2, 3, 1, 4, 4)
	net := prednet.New(conf)
	if err := net.Build(seq.Shape()); err != nil {
		t.Fatalf("%+v", err)
	}
	defer net.Close()

	first := synthetic.Frame(2, 1, 4, 4, 0)
	s0, err := net.InitialState(first)
	assert.NoError(err)

	out, _, err := net.Step(first, s0)
	assert.NoError(err)
	assert.Equal(tensor.Shape{2, 2}, out.Shape())

	// all steps, stacked on the time axis
	all, sN, err := RunSequence(net.Step, s0, seq, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	want, err := conf.OutputShape(seq.Shape(), true)
	assert.NoError(err)
	assert.Equal(want, all.Shape())
	assert.NotNil(sN)

	// final step only
	last, _, err := RunSequence(net.Step, s0, seq, false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	want, err = conf.OutputShape(seq.Shape(), false)
	assert.NoError(err)
	assert.Equal(want, last.Shape())

	// the last slice of the stacked run is the final-only run
	lastData := last.Data().([]float32)
	allData := all.Data().([]float32)
	steps := seq.Shape()[1]
	for b := 0; b < 2; b++ {
		for l := 0; l < 2; l++ {
			got := allData[(b*steps+steps-1)*2+l]
			assert.InDelta(lastData[b*2+l], got, 1e-6)
		}
	}
}

func TestRunSequenceCarriesState(t *testing.T) {
	assert := assert.New(t)
	conf := prednet.DefaultConf([]int{1, 2}, []int{1, 2})
	conf.OutputMode = "prediction"
	conf.ExtrapStartTime = 2

	seq := synthetic.Sequence(1, 4, 1, 4, 4)
	net := prednet.New(conf)
	if err := net.Build(seq.Shape()); err != nil {
		t.Fatalf("%+v", err)
	}
	defer net.Close()

	s0, err := net.InitialState(synthetic.Frame(1, 1, 4, 4, 0))
	assert.NoError(err)

	_, sN, err := RunSequence(net.Step, s0, seq, false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(4, sN.Tick, "the driver must thread state through every step")
	assert.NotNil(sN.PrevPrediction)
}

func TestRunSequenceRejects(t *testing.T) {
	frame := synthetic.Frame(1, 1, 4, 4, 0)
	if _, _, err := RunSequence(nil, nil, frame, false); err == nil {
		t.Error("expected a dimensionality error for a 4-D input")
	}
}
