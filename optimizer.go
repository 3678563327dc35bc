package llmgo

import (
	"bufio"
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
)

const (
	optimizerMagic   = 20240329
	optimizerVersion = 1
)

// AdamW keeps the moment estimates for every parameter of a model. Parameters flagged in NoDecay
// form the group that is updated without weight decay.
type AdamW struct {
	Beta1, Beta2, Eps float32
	WeightDecay       float32
	// Fields for AdamW optimizer
	MMemory []float32 // First moment estimates
	VMemory []float32 // Second moment estimates
	NoDecay []bool
	// T is the number of updates applied so far, used for bias correction.
	T int
}

// NewAdamW builds an optimizer for params with two groups: weights decayed by weightDecay, and
// biases plus layer norm weights left undecayed.
func NewAdamW(params *ParameterTensors, weightDecay float32) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		MMemory:     make([]float32, params.Len()),
		VMemory:     make([]float32, params.Len()),
		NoDecay:     params.NoDecay(),
	}
}

// Step applies one update with the gradients in grads.
func (opt *AdamW) Step(params, grads *ParameterTensors, learningRate float32) {
	opt.T++
	beta1, beta2 := opt.Beta1, opt.Beta2
	correction1 := 1.0 - Pow(beta1, float32(opt.T))
	correction2 := 1.0 - Pow(beta2, float32(opt.T))
	for i := 0; i < params.Len(); i++ {
		parameter := params.Memory[i]
		gradient := grads.Memory[i]
		// Momentum update
		m := beta1*opt.MMemory[i] + (1.0-beta1)*gradient
		// RMSprop update
		v := beta2*opt.VMemory[i] + (1.0-beta2)*gradient*gradient
		// Bias correction
		mHat := m / correction1
		vHat := v / correction2
		opt.MMemory[i] = m
		opt.VMemory[i] = v
		decay := opt.WeightDecay
		if opt.NoDecay[i] {
			decay = 0
		}
		params.Memory[i] -= learningRate * (mHat/(Sqrt(vHat)+opt.Eps) + decay*parameter)
	}
}

// ClipGradNorm rescales grads so that their global L2 norm is at most maxNorm and returns the norm
// before clipping.
func ClipGradNorm(grads *ParameterTensors, maxNorm float64) float64 {
	var norm float64
	for _, g := range grads.Memory {
		norm += float64(g) * float64(g)
	}
	norm = math.Sqrt(norm)
	if norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for i := range grads.Memory {
			grads.Memory[i] *= scale
		}
	}
	return norm
}

// Save writes the optimizer moments and update count.
func (opt *AdamW) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating optimizer file %q", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	header := make([]int32, 256)
	header[0] = optimizerMagic
	header[1] = optimizerVersion
	header[2] = int32(len(opt.MMemory))
	header[3] = int32(opt.T)
	for _, data := range []any{header, opt.MMemory, opt.VMemory} {
		if err := binary.Write(w, binary.LittleEndian, data); err != nil {
			return errors.Wrapf(err, "writing optimizer file %q", path)
		}
	}
	return errors.Wrapf(w.Flush(), "writing optimizer file %q", path)
}

// Load restores moments written by Save. The parameter count must match.
func (opt *AdamW) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening optimizer file %q", path)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	header := make([]int32, 256)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return errors.Wrapf(err, "reading optimizer header %q", path)
	}
	if header[0] != optimizerMagic || header[1] != optimizerVersion {
		return errors.Errorf("bad optimizer file format %q", path)
	}
	if int(header[2]) != len(opt.MMemory) {
		return errors.Errorf("optimizer file %q holds %d parameters, model has %d", path, header[2], len(opt.MMemory))
	}
	opt.T = int(header[3])
	for _, data := range [][]float32{opt.MMemory, opt.VMemory} {
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return errors.Wrapf(err, "reading optimizer moments %q", path)
		}
	}
	return nil
}
