package prednet

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Data formats. Gorgonia convolutions run on NCHW internally; tensors in the
// channels-last format are transposed at the package boundary.
const (
	ChannelsFirst = "channels_first"
	ChannelsLast  = "channels_last"
)

// Config configures the predictive coding network.
//
// StackSizes holds the channel counts of the target (A) and prediction (Ahat)
// units per layer; its first element is the number of input channels and its
// length is the number of layers. RStackSizes holds the channel counts of the
// representation (R) units and must have the same length. The three filter
// size lists hold square kernel sizes: AFiltSizes for the target convolutions
// (one per layer except the bottom), AhatFiltSizes for the prediction
// convolutions and RFiltSizes for all gate convolutions of the recurrent
// cells (one per layer each).
type Config struct {
	StackSizes    []int
	RStackSizes   []int
	AFiltSizes    []int
	AhatFiltSizes []int
	RFiltSizes    []int

	PixelMax float32 // ceiling for the bottom layer prediction

	// Activation function names, resolved against the registry in builder.go.
	ErrActivation       string
	AActivation         string
	LSTMActivation      string
	LSTMInnerActivation string

	// OutputMode is "error", "prediction", "all", or a unit selector of the
	// form <unit><layer> with unit one of R, A, Ahat, E (e.g. "R0", "Ahat2").
	OutputMode string

	// ExtrapStartTime is the time step at which the network stops consuming
	// supplied frames and starts feeding its own previous prediction back in.
	// A negative value disables extrapolation.
	ExtrapStartTime int

	DataFormat string
}

// DefaultConf returns a config with the customary PredNet hyperparameters:
// 3x3 kernels everywhere, pixel values normalized to [0, 1], rectified
// error and target units, a tanh cell and hard-sigmoid gates.
func DefaultConf(stackSizes, rStackSizes []int) Config {
	nb := len(stackSizes)
	threes := func(n int) []int {
		s := make([]int, n)
		for i := range s {
			s[i] = 3
		}
		return s
	}
	return Config{
		StackSizes:    stackSizes,
		RStackSizes:   rStackSizes,
		AFiltSizes:    threes(nb - 1),
		AhatFiltSizes: threes(nb),
		RFiltSizes:    threes(nb),

		PixelMax: 1,

		ErrActivation:       "relu",
		AActivation:         "relu",
		LSTMActivation:      "tanh",
		LSTMInnerActivation: "hard_sigmoid",

		OutputMode:      "error",
		ExtrapStartTime: -1,
		DataFormat:      ChannelsFirst,
	}
}

// Layers returns the number of layers in the stack.
func (c Config) Layers() int { return len(c.StackSizes) }

func (c Config) extrapolating() bool { return c.ExtrapStartTime >= 0 }

// Validate checks the structural invariants of the configuration. Any
// violation is fatal: a config that fails here must not be built.
func (c Config) Validate() error {
	nb := c.Layers()
	if nb == 0 {
		return errors.New("prednet: StackSizes must not be empty")
	}
	if len(c.RStackSizes) != nb {
		return errors.Errorf("prednet: len(RStackSizes) must equal len(StackSizes). Got %d, want %d", len(c.RStackSizes), nb)
	}
	if len(c.AFiltSizes) != nb-1 {
		return errors.Errorf("prednet: len(AFiltSizes) must equal len(StackSizes)-1. Got %d, want %d", len(c.AFiltSizes), nb-1)
	}
	if len(c.AhatFiltSizes) != nb {
		return errors.Errorf("prednet: len(AhatFiltSizes) must equal len(StackSizes). Got %d, want %d", len(c.AhatFiltSizes), nb)
	}
	if len(c.RFiltSizes) != nb {
		return errors.Errorf("prednet: len(RFiltSizes) must equal len(StackSizes). Got %d, want %d", len(c.RFiltSizes), nb)
	}
	for _, name := range []string{c.ErrActivation, c.AActivation, c.LSTMActivation, c.LSTMInnerActivation} {
		if _, ok := activations[name]; !ok {
			return errors.Errorf("prednet: unknown activation %q", name)
		}
	}
	if _, err := parseOutputMode(c.OutputMode, nb); err != nil {
		return err
	}
	if c.DataFormat != ChannelsFirst && c.DataFormat != ChannelsLast {
		return errors.Errorf("prednet: DataFormat must be %q or %q. Got %q", ChannelsFirst, ChannelsLast, c.DataFormat)
	}
	return nil
}

// Map flattens the configuration into a field name to value mapping,
// sufficient to reconstruct an equivalently configured (but freshly
// initialized) network. Activations are represented by name.
func (c Config) Map() map[string]interface{} {
	return map[string]interface{}{
		"stack_sizes":           c.StackSizes,
		"R_stack_sizes":         c.RStackSizes,
		"A_filt_sizes":          c.AFiltSizes,
		"Ahat_filt_sizes":       c.AhatFiltSizes,
		"R_filt_sizes":          c.RFiltSizes,
		"pixel_max":             c.PixelMax,
		"error_activation":      c.ErrActivation,
		"A_activation":          c.AActivation,
		"LSTM_activation":       c.LSTMActivation,
		"LSTM_inner_activation": c.LSTMInnerActivation,
		"output_mode":           c.OutputMode,
		"extrap_start_time":     c.ExtrapStartTime,
		"data_format":           c.DataFormat,
	}
}

// ConfigFromMap is the inverse of Config.Map. The returned config is
// validated before being handed back.
func ConfigFromMap(m map[string]interface{}) (Config, error) {
	var c Config
	var err error
	if c.StackSizes, err = intsField(m, "stack_sizes"); err != nil {
		return c, err
	}
	if c.RStackSizes, err = intsField(m, "R_stack_sizes"); err != nil {
		return c, err
	}
	if c.AFiltSizes, err = intsField(m, "A_filt_sizes"); err != nil {
		return c, err
	}
	if c.AhatFiltSizes, err = intsField(m, "Ahat_filt_sizes"); err != nil {
		return c, err
	}
	if c.RFiltSizes, err = intsField(m, "R_filt_sizes"); err != nil {
		return c, err
	}
	if c.PixelMax, err = floatField(m, "pixel_max"); err != nil {
		return c, err
	}
	if c.ErrActivation, err = stringField(m, "error_activation"); err != nil {
		return c, err
	}
	if c.AActivation, err = stringField(m, "A_activation"); err != nil {
		return c, err
	}
	if c.LSTMActivation, err = stringField(m, "LSTM_activation"); err != nil {
		return c, err
	}
	if c.LSTMInnerActivation, err = stringField(m, "LSTM_inner_activation"); err != nil {
		return c, err
	}
	if c.OutputMode, err = stringField(m, "output_mode"); err != nil {
		return c, err
	}
	if c.ExtrapStartTime, err = intField(m, "extrap_start_time"); err != nil {
		return c, err
	}
	if c.DataFormat, err = stringField(m, "data_format"); err != nil {
		return c, err
	}
	if err = c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func intsField(m map[string]interface{}, key string) ([]int, error) {
	v, ok := m[key]
	if !ok {
		return nil, errors.Errorf("prednet: config map is missing %q", key)
	}
	switch vs := v.(type) {
	case []int:
		return append([]int(nil), vs...), nil
	case []interface{}:
		out := make([]int, len(vs))
		for i := range vs {
			n, ok := asInt(vs[i])
			if !ok {
				return nil, errors.Errorf("prednet: %q[%d] is not an integer: %v", key, i, vs[i])
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, errors.Errorf("prednet: %q is not an integer list: %T", key, v)
	}
}

func intField(m map[string]interface{}, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, errors.Errorf("prednet: config map is missing %q", key)
	}
	n, ok := asInt(v)
	if !ok {
		return 0, errors.Errorf("prednet: %q is not an integer: %v", key, v)
	}
	return n, nil
}

func floatField(m map[string]interface{}, key string) (float32, error) {
	v, ok := m[key]
	if !ok {
		return 0, errors.Errorf("prednet: config map is missing %q", key)
	}
	switch f := v.(type) {
	case float32:
		return f, nil
	case float64:
		return float32(f), nil
	case int:
		return float32(f), nil
	default:
		return 0, errors.Errorf("prednet: %q is not a number: %T", key, v)
	}
}

func stringField(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.Errorf("prednet: config map is missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("prednet: %q is not a string: %T", key, v)
	}
	return s, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// unitType identifies one of the four unit families of a layer.
type unitType byte

const (
	unitR unitType = iota
	unitA
	unitAhat
	unitE
)

func (u unitType) String() string {
	switch u {
	case unitR:
		return "R"
	case unitA:
		return "A"
	case unitAhat:
		return "Ahat"
	case unitE:
		return "E"
	}
	return "?"
}

type outputKind byte

const (
	outputError outputKind = iota
	outputPrediction
	outputAll
	outputLayer
)

// outputSelector is the output mode resolved into a tagged variant at
// construction time, so the step graph never reparses the mode string.
type outputSelector struct {
	kind  outputKind
	unit  unitType
	layer int
}

func parseOutputMode(mode string, nbLayers int) (outputSelector, error) {
	switch mode {
	case "error":
		return outputSelector{kind: outputError}, nil
	case "prediction":
		return outputSelector{kind: outputPrediction}, nil
	case "all":
		return outputSelector{kind: outputAll}, nil
	}

	// "Ahat" must be tried before "A".
	var unit unitType
	var rest string
	switch {
	case strings.HasPrefix(mode, "Ahat"):
		unit, rest = unitAhat, mode[4:]
	case strings.HasPrefix(mode, "R"):
		unit, rest = unitR, mode[1:]
	case strings.HasPrefix(mode, "E"):
		unit, rest = unitE, mode[1:]
	case strings.HasPrefix(mode, "A"):
		unit, rest = unitA, mode[1:]
	default:
		return outputSelector{}, errors.Errorf("prednet: invalid output mode %q", mode)
	}
	l, err := strconv.Atoi(rest)
	if err != nil {
		return outputSelector{}, errors.Errorf("prednet: invalid output mode %q", mode)
	}
	if l < 0 || l >= nbLayers {
		return outputSelector{}, errors.Errorf("prednet: output mode %q selects layer %d of a %d layer network", mode, l, nbLayers)
	}
	return outputSelector{kind: outputLayer, unit: unit, layer: l}, nil
}
