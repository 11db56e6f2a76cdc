package prednet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

func TestOutputShapeDerivation(t *testing.T) {
	assert := assert.New(t)
	conf := DefaultConf([]int{1, 2}, []int{1, 2})

	tests := []struct {
		mode string
		want tensor.Shape
	}{
		{"prediction", tensor.Shape{2, 1, 4, 4}},
		{"error", tensor.Shape{2, 2}},
		{"all", tensor.Shape{2, 18}},
		{"R0", tensor.Shape{2, 1, 4, 4}},
		{"R1", tensor.Shape{2, 2, 2, 2}},
		{"E0", tensor.Shape{2, 2, 4, 4}},
		{"E1", tensor.Shape{2, 4, 2, 2}},
		{"A0", tensor.Shape{2, 1, 4, 4}},
		{"A1", tensor.Shape{2, 2, 2, 2}},
		{"Ahat0", tensor.Shape{2, 1, 4, 4}},
		{"Ahat1", tensor.Shape{2, 2, 2, 2}},
	}
	for _, tc := range tests {
		conf.OutputMode = tc.mode
		got, err := conf.OutputShape(tensor.Shape{2, 1, 4, 4}, false)
		if err != nil {
			t.Errorf("%s: %v", tc.mode, err)
			continue
		}
		assert.Equal(tc.want, got, "mode %s", tc.mode)
	}
}

func TestOutputShapeSequences(t *testing.T) {
	assert := assert.New(t)
	conf := DefaultConf([]int{1, 2}, []int{1, 2})

	got, err := conf.OutputShape(tensor.Shape{2, 7, 1, 4, 4}, true)
	assert.NoError(err)
	assert.Equal(tensor.Shape{2, 7, 2}, got)

	got, err = conf.OutputShape(tensor.Shape{2, 7, 1, 4, 4}, false)
	assert.NoError(err)
	assert.Equal(tensor.Shape{2, 2}, got)

	// per-step outputs need a time axis to derive from
	_, err = conf.OutputShape(tensor.Shape{2, 1, 4, 4}, true)
	assert.Error(err)
}

func TestOutputShapeChannelsLast(t *testing.T) {
	assert := assert.New(t)
	conf := DefaultConf([]int{1, 2}, []int{1, 2})
	conf.DataFormat = ChannelsLast

	conf.OutputMode = "prediction"
	got, err := conf.OutputShape(tensor.Shape{2, 4, 8, 1}, false)
	assert.NoError(err)
	assert.Equal(tensor.Shape{2, 4, 8, 1}, got)

	conf.OutputMode = "E1"
	got, err = conf.OutputShape(tensor.Shape{2, 4, 8, 1}, false)
	assert.NoError(err)
	assert.Equal(tensor.Shape{2, 2, 4, 4}, got)
}

func TestOutputShapeRejects(t *testing.T) {
	conf := DefaultConf([]int{1, 2}, []int{1, 2})

	// channel count must match StackSizes[0]
	if _, err := conf.OutputShape(tensor.Shape{2, 3, 4, 4}, false); err == nil {
		t.Error("expected a channel mismatch error")
	}
	// spatial size must be divisible by the total downsample factor
	if _, err := conf.OutputShape(tensor.Shape{2, 1, 5, 5}, false); err == nil {
		t.Error("expected a divisibility error")
	}
	if _, err := conf.OutputShape(tensor.Shape{2, 4}, false); err == nil {
		t.Error("expected a dimensionality error")
	}
}
