package prednet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

func TestDefaultConf(t *testing.T) {
	conf := DefaultConf([]int{3, 48, 96, 192}, []int{3, 48, 96, 192})
	if err := conf.Validate(); err != nil {
		t.Errorf("Expected default config to validate: %v", err)
	}
	if conf.Layers() != 4 {
		t.Errorf("Expected 4 layers. Got %d", conf.Layers())
	}
}

func TestValidate(t *testing.T) {
	base := func() Config { return DefaultConf([]int{1, 2}, []int{1, 2}) }

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"R stack length", func(c *Config) { c.RStackSizes = []int{1} }},
		{"A filt length", func(c *Config) { c.AFiltSizes = []int{3, 3} }},
		{"Ahat filt length", func(c *Config) { c.AhatFiltSizes = []int{3} }},
		{"R filt length", func(c *Config) { c.RFiltSizes = []int{3, 3, 3} }},
		{"empty stack", func(c *Config) { c.StackSizes = nil; c.RStackSizes = nil }},
		{"unknown activation", func(c *Config) { c.LSTMActivation = "softsign" }},
		{"bad output mode", func(c *Config) { c.OutputMode = "Q0" }},
		{"output layer out of range", func(c *Config) { c.OutputMode = "R2" }},
		{"bad data format", func(c *Config) { c.DataFormat = "channels_middle" }},
	}
	for _, tc := range tests {
		conf := base()
		tc.mutate(&conf)
		if err := conf.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", tc.name)
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("unmutated config should validate: %v", err)
	}
}

func TestParseOutputMode(t *testing.T) {
	valid := []struct {
		mode  string
		kind  outputKind
		unit  unitType
		layer int
	}{
		{"error", outputError, 0, 0},
		{"prediction", outputPrediction, 0, 0},
		{"all", outputAll, 0, 0},
		{"R0", outputLayer, unitR, 0},
		{"R2", outputLayer, unitR, 2},
		{"E1", outputLayer, unitE, 1},
		{"A0", outputLayer, unitA, 0},
		{"Ahat2", outputLayer, unitAhat, 2},
	}
	for _, tc := range valid {
		sel, err := parseOutputMode(tc.mode, 3)
		if err != nil {
			t.Errorf("%s: %v", tc.mode, err)
			continue
		}
		if sel.kind != tc.kind {
			t.Errorf("%s: wrong kind %v", tc.mode, sel.kind)
		}
		if sel.kind == outputLayer && (sel.unit != tc.unit || sel.layer != tc.layer) {
			t.Errorf("%s: parsed as %v%d", tc.mode, sel.unit, sel.layer)
		}
	}

	invalid := []string{"", "Q1", "R3", "R-1", "Ahat", "Rx", "errors", "Ahat3"}
	for _, mode := range invalid {
		if _, err := parseOutputMode(mode, 3); err == nil {
			t.Errorf("%s: expected a parse error", mode)
		}
	}
}

func TestConfigMapRoundTrip(t *testing.T) {
	assert := assert.New(t)
	conf := DefaultConf([]int{1, 2}, []int{1, 2})
	conf.OutputMode = "Ahat1"
	conf.ExtrapStartTime = 3
	conf.PixelMax = 0.5

	back, err := ConfigFromMap(conf.Map())
	assert.NoError(err)
	if diff := cmp.Diff(conf, back); diff != "" {
		t.Errorf("config did not survive the round trip:\n%s", diff)
	}

	// A reconstructed config must derive the same output shapes.
	in := tensor.Shape{2, 1, 4, 4}
	want, err := conf.OutputShape(in, false)
	assert.NoError(err)
	got, err := back.OutputShape(in, false)
	assert.NoError(err)
	assert.Equal(want, got)
}

func TestConfigFromMapRejects(t *testing.T) {
	conf := DefaultConf([]int{1, 2}, []int{1, 2})

	m := conf.Map()
	delete(m, "pixel_max")
	if _, err := ConfigFromMap(m); err == nil {
		t.Error("expected an error for a missing field")
	}

	m = conf.Map()
	m["stack_sizes"] = "nope"
	if _, err := ConfigFromMap(m); err == nil {
		t.Error("expected an error for a mistyped field")
	}

	m = conf.Map()
	m["output_mode"] = "R7"
	if _, err := ConfigFromMap(m); err == nil {
		t.Error("expected revalidation to reject a bad output mode")
	}
}
