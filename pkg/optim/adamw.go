// Package optim holds the AdamW optimizer and the linear warmup schedule.
package optim

import (
	"fmt"
	"strconv"

	"github.com/conneroisu/abbert/pkg/safetensors"
	"github.com/conneroisu/abbert/pkg/torch"
	"github.com/sourcegraph/conc"
)

// updateChunk is the number of parameters updated by one goroutine.
const updateChunk = 1 << 16

// AdamWOptions are the hyperparameters of AdamW.
type AdamWOptions struct {
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32
}

// DefaultAdamWOptions returns betas (0.9, 0.999), eps 1e-8 and weight decay 0.01.
func DefaultAdamWOptions() AdamWOptions {
	return AdamWOptions{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.01}
}

// AdamW is an implementation of the AdamW optimizer.
type AdamW struct {
	AdamWOptions
	// Step is the number of updates applied so far.
	Step int
	// FirstMomentEstimates is a array of first moment estimates.
	FirstMomentEstimates []float32
	// SecondMomentEstimates is a array of second moment estimates.
	SecondMomentEstimates []float32
}

// NewAdamW returns an optimizer for n parameters.
func NewAdamW(n int, opts AdamWOptions) *AdamW {
	return &AdamW{
		AdamWOptions:          opts,
		FirstMomentEstimates:  make([]float32, n),
		SecondMomentEstimates: make([]float32, n),
	}
}

// Update applies one step with learning rate lr to params.
func (o *AdamW) Update(params, grads []float32, lr float32) error {
	if len(params) != len(o.FirstMomentEstimates) || len(grads) != len(params) {
		return fmt.Errorf("optimizer holds %d moments, got %d params and %d gradients",
			len(o.FirstMomentEstimates), len(params), len(grads))
	}
	o.Step++
	beta1, beta2 := o.Beta1, o.Beta2
	correct1 := 1.0 - torch.Pow(beta1, float32(o.Step))
	correct2 := 1.0 - torch.Pow(beta2, float32(o.Step))
	var wg conc.WaitGroup
	for start := 0; start < len(params); start += updateChunk {
		end := min(start+updateChunk, len(params))
		wg.Go(func() {
			for i := start; i < end; i++ {
				parameter := params[i]
				gradient := grads[i]
				// update the momentum (m is the updated first moment estimate)
				m := beta1*o.FirstMomentEstimates[i] + (1.0-beta1)*gradient
				// RMSprop update (v is the updated second moment estimate)
				v := beta2*o.SecondMomentEstimates[i] + (1.0-beta2)*gradient*gradient
				mHat := m / correct1
				vHat := v / correct2
				o.FirstMomentEstimates[i] = m
				o.SecondMomentEstimates[i] = v
				params[i] -= lr * (mHat/(torch.Sqrt(vHat)+o.Eps) + o.WeightDecay*parameter)
			}
		})
	}
	wg.Wait()
	return nil
}

// Save writes the moments and step to a safetensors file.
func (o *AdamW) Save(path string) error {
	n := len(o.FirstMomentEstimates)
	return safetensors.Write(path, []safetensors.Tensor{
		{Name: "exp_avg", Shape: []int{n}, Data: o.FirstMomentEstimates},
		{Name: "exp_avg_sq", Shape: []int{n}, Data: o.SecondMomentEstimates},
	}, map[string]string{
		"step":         strconv.Itoa(o.Step),
		"beta1":        strconv.FormatFloat(float64(o.Beta1), 'g', -1, 32),
		"beta2":        strconv.FormatFloat(float64(o.Beta2), 'g', -1, 32),
		"eps":          strconv.FormatFloat(float64(o.Eps), 'g', -1, 32),
		"weight_decay": strconv.FormatFloat(float64(o.WeightDecay), 'g', -1, 32),
	})
}

// Load restores the moments and step saved by Save. The hyperparameters of
// o are kept.
func (o *AdamW) Load(path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.ReadInto("exp_avg", o.FirstMomentEstimates); err != nil {
		return err
	}
	if err := f.ReadInto("exp_avg_sq", o.SecondMomentEstimates); err != nil {
		return err
	}
	step, err := strconv.Atoi(f.Metadata()["step"])
	if err != nil {
		return fmt.Errorf("optimizer state %s has no valid step: %w", path, err)
	}
	o.Step = step
	return nil
}
