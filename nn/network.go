package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// checkpointFormat tags serialized networks so stale or foreign
// artifacts are rejected at load time.
const checkpointFormat = "kiln.nn.v1"

var (
	ErrInvalidConfig = errors.New("invalid network configuration")
	ErrShapeMismatch = errors.New("input length does not match layer size")
	ErrEmptyBatch    = errors.New("batch contains no samples")
	ErrBadCheckpoint = errors.New("unrecognized checkpoint")
)

// Config describes a fully connected feed-forward topology. Hidden
// layers use the configured activation; the output layer emits raw
// logits.
type Config struct {
	Inputs     int    `json:"inputs"`
	Hidden     []int  `json:"hidden"`
	Outputs    int    `json:"outputs"`
	Activation string `json:"activation"`
	Seed       int64  `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Inputs:     784,
		Hidden:     []int{128, 64},
		Outputs:    10,
		Activation: "relu",
		Seed:       42,
	}
}

func (c Config) validate() error {
	if c.Inputs <= 0 || c.Outputs <= 0 {
		return fmt.Errorf("%w: inputs and outputs must be positive", ErrInvalidConfig)
	}
	for _, h := range c.Hidden {
		if h <= 0 {
			return fmt.Errorf("%w: hidden layer size must be positive", ErrInvalidConfig)
		}
	}
	if c.Activation != "relu" {
		return fmt.Errorf("%w: unsupported activation %q", ErrInvalidConfig, c.Activation)
	}

	return nil
}

// sizes returns the layer widths including the input layer.
func (c Config) sizes() []int {
	s := make([]int, 0, len(c.Hidden)+2)
	s = append(s, c.Inputs)
	s = append(s, c.Hidden...)
	s = append(s, c.Outputs)

	return s
}

type layer struct {
	// Weights is outputs x inputs.
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

func (l *layer) apply(in []float64) []float64 {
	out := make([]float64, len(l.Biases))
	for j, row := range l.Weights {
		sum := l.Biases[j]
		for i, w := range row {
			sum += w * in[i]
		}
		out[j] = sum
	}

	return out
}

type Network struct {
	cfg    Config
	layers []*layer
}

// New builds a network with He-uniform weight initialization drawn
// from the seeded source and zero biases.
func New(cfg Config) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	sizes := cfg.sizes()

	layers := make([]*layer, len(sizes)-1)
	for l := range layers {
		fanIn, fanOut := sizes[l], sizes[l+1]
		limit := math.Sqrt(6.0 / float64(fanIn))

		weights := make([][]float64, fanOut)
		for j := range weights {
			row := make([]float64, fanIn)
			for i := range row {
				row[i] = (rng.Float64()*2 - 1) * limit
			}
			weights[j] = row
		}

		layers[l] = &layer{
			Weights: weights,
			Biases:  make([]float64, fanOut),
		}
	}

	return &Network{cfg: cfg, layers: layers}, nil
}

func (n *Network) Config() Config {
	return n.cfg
}

// Forward runs one inference pass and returns the output logits.
func (n *Network) Forward(x []float64) ([]float64, error) {
	if len(x) != n.cfg.Inputs {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(x), n.cfg.Inputs)
	}

	a := x
	for l, lay := range n.layers {
		a = lay.apply(a)
		if l < len(n.layers)-1 {
			reluInPlace(a)
		}
	}

	return a, nil
}

// Predict returns the argmax class and the softmax probabilities.
func (n *Network) Predict(x []float64) (int, []float64, error) {
	logits, err := n.Forward(x)
	if err != nil {
		return 0, nil, err
	}

	probs := softmax(logits)
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}

	return best, probs, nil
}

// Loss is the softmax cross-entropy of logits against the true label,
// computed via log-sum-exp so it stays finite for large activations.
func (n *Network) Loss(logits []float64, label int) (float64, error) {
	if label < 0 || label >= len(logits) {
		return 0, fmt.Errorf("%w: label %d out of %d classes", ErrShapeMismatch, label, len(logits))
	}

	return logSumExp(logits) - logits[label], nil
}

// TrainBatch runs forward and backward passes over the batch,
// averages the gradients and applies one SGD step in place. It
// returns the mean per-sample loss before the update.
func (n *Network) TrainBatch(xs [][]float64, labels []int, lr float64) (float64, error) {
	if len(xs) == 0 {
		return 0, ErrEmptyBatch
	}
	if len(xs) != len(labels) {
		return 0, fmt.Errorf("%w: %d samples, %d labels", ErrShapeMismatch, len(xs), len(labels))
	}

	gradW := make([][][]float64, len(n.layers))
	gradB := make([][]float64, len(n.layers))
	for l, lay := range n.layers {
		gradW[l] = make([][]float64, len(lay.Weights))
		for j := range gradW[l] {
			gradW[l][j] = make([]float64, len(lay.Weights[j]))
		}
		gradB[l] = make([]float64, len(lay.Biases))
	}

	var lossSum float64
	for s, x := range xs {
		if len(x) != n.cfg.Inputs {
			return 0, fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(x), n.cfg.Inputs)
		}

		// Forward, keeping pre- and post-activation values per layer.
		acts := make([][]float64, len(n.layers)+1)
		zs := make([][]float64, len(n.layers))
		acts[0] = x
		for l, lay := range n.layers {
			zs[l] = lay.apply(acts[l])
			if l < len(n.layers)-1 {
				a := make([]float64, len(zs[l]))
				copy(a, zs[l])
				reluInPlace(a)
				acts[l+1] = a
			} else {
				acts[l+1] = zs[l]
			}
		}

		logits := acts[len(acts)-1]
		loss, err := n.Loss(logits, labels[s])
		if err != nil {
			return 0, err
		}
		lossSum += loss

		// dL/dlogits = softmax - onehot.
		delta := softmax(logits)
		delta[labels[s]] -= 1

		for l := len(n.layers) - 1; l >= 0; l-- {
			lay := n.layers[l]
			for j, d := range delta {
				gradB[l][j] += d
				for i, a := range acts[l] {
					gradW[l][j][i] += d * a
				}
			}
			if l == 0 {
				break
			}

			prev := make([]float64, len(acts[l]))
			for j, d := range delta {
				for i, w := range lay.Weights[j] {
					prev[i] += w * d
				}
			}
			for i := range prev {
				if zs[l-1][i] <= 0 {
					prev[i] = 0
				}
			}
			delta = prev
		}
	}

	scale := lr / float64(len(xs))
	for l, lay := range n.layers {
		for j := range lay.Weights {
			for i := range lay.Weights[j] {
				lay.Weights[j][i] -= scale * gradW[l][j][i]
			}
			lay.Biases[j] -= scale * gradB[l][j]
		}
	}

	return lossSum / float64(len(xs)), nil
}

// Evaluate computes the mean loss and classification accuracy over
// the given samples without updating parameters.
func (n *Network) Evaluate(xs [][]float64, labels []int) (float64, float64, error) {
	if len(xs) == 0 {
		return 0, 0, ErrEmptyBatch
	}
	if len(xs) != len(labels) {
		return 0, 0, fmt.Errorf("%w: %d samples, %d labels", ErrShapeMismatch, len(xs), len(labels))
	}

	var lossSum float64
	var correct int
	for s, x := range xs {
		logits, err := n.Forward(x)
		if err != nil {
			return 0, 0, err
		}

		loss, err := n.Loss(logits, labels[s])
		if err != nil {
			return 0, 0, err
		}
		lossSum += loss

		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		if best == labels[s] {
			correct++
		}
	}

	total := float64(len(xs))

	return lossSum / total, float64(correct) / total, nil
}

type checkpoint struct {
	Format string   `json:"format"`
	Config Config   `json:"config"`
	Layers []*layer `json:"layers"`
}

// Save serializes the network. Float64 values survive the JSON round
// trip exactly, so a reloaded network produces identical logits.
func (n *Network) Save() ([]byte, error) {
	return json.Marshal(checkpoint{
		Format: checkpointFormat,
		Config: n.cfg,
		Layers: n.layers,
	})
}

// Load restores a network saved with Save.
func Load(data []byte) (*Network, error) {
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadCheckpoint, err.Error())
	}
	if cp.Format != checkpointFormat {
		return nil, fmt.Errorf("%w: format %q", ErrBadCheckpoint, cp.Format)
	}
	if err := cp.Config.validate(); err != nil {
		return nil, err
	}

	sizes := cp.Config.sizes()
	if len(cp.Layers) != len(sizes)-1 {
		return nil, fmt.Errorf("%w: %d layers for %d sizes", ErrBadCheckpoint, len(cp.Layers), len(sizes))
	}
	for l, lay := range cp.Layers {
		if len(lay.Weights) != sizes[l+1] || len(lay.Biases) != sizes[l+1] {
			return nil, fmt.Errorf("%w: layer %d width mismatch", ErrBadCheckpoint, l)
		}
		for _, row := range lay.Weights {
			if len(row) != sizes[l] {
				return nil, fmt.Errorf("%w: layer %d fan-in mismatch", ErrBadCheckpoint, l)
			}
		}
	}

	return &Network{cfg: cp.Config, layers: cp.Layers}, nil
}

func reluInPlace(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

func softmax(logits []float64) []float64 {
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}

	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}

	return out
}

func logSumExp(v []float64) float64 {
	maxv := v[0]
	for _, x := range v[1:] {
		if x > maxv {
			maxv = x
		}
	}

	var sum float64
	for _, x := range v {
		sum += math.Exp(x - maxv)
	}

	return maxv + math.Log(sum)
}
