// Package accelerate runs data parallel training over model replicas that share one set of
// weights, and saves and restores the full training state.
package accelerate

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	llmgo "github.com/llmgo/finetune"
)

const (
	OptimizerFile = "optimizer.bin"
	StateFile     = "state.msgpack"
	stepPrefix    = "step_"
)

// Batch is one micro-batch of B sequences of T tokens.
type Batch struct {
	Inputs  []int32
	Targets []int32
	B, T    int
}

// State is the bookkeeping saved next to the weights and optimizer moments of a checkpoint.
type State struct {
	Step           int   `msgpack:"step"`
	CompletedSteps int   `msgpack:"completed_steps"`
	SchedulerStep  int   `msgpack:"scheduler_step"`
	Seed           int64 `msgpack:"seed"`
}

// Accelerator owns NumProcesses replicas of a model. Replica 0 is the model handed to Prepare;
// the others share its weights and own their activations and gradients.
type Accelerator struct {
	NumProcesses              int
	GradientAccumulationSteps int
	// ProjectDir is where checkpoints are saved.
	ProjectDir string

	replicas []*llmgo.GPT2
}

func New(numProcesses, gradientAccumulationSteps int, projectDir string) *Accelerator {
	return &Accelerator{
		NumProcesses:              max(1, numProcesses),
		GradientAccumulationSteps: max(1, gradientAccumulationSteps),
		ProjectDir:                projectDir,
	}
}

// Prepare builds the replicas of model. Settings such as activation checkpointing must be made
// on model before.
func (a *Accelerator) Prepare(model *llmgo.GPT2) {
	model.EnsureGradients()
	a.replicas = []*llmgo.GPT2{model}
	for i := 1; i < a.NumProcesses; i++ {
		replica := model.Replica()
		replica.EnsureGradients()
		a.replicas = append(a.replicas, replica)
	}
	klog.V(1).Infof("Prepared %d replicas", a.NumProcesses)
}

// Model is the main replica, the one the optimizer updates.
func (a *Accelerator) Model() *llmgo.GPT2 {
	return a.replicas[0]
}

// SyncGradients reports whether the forward pass step closes an accumulation window.
func (a *Accelerator) SyncGradients(step int) bool {
	return step%a.GradientAccumulationSteps == 0
}

// Forward runs batches[i] through replica i concurrently and returns the loss averaged over all
// their sequences.
func (a *Accelerator) Forward(ctx context.Context, batches []Batch) (float32, error) {
	return a.run(ctx, batches, false)
}

// Backward runs forward and backward passes of batches[i] on replica i concurrently. Gradients
// are scaled by 1/GradientAccumulationSteps and accumulate in each replica until ReduceGradients.
func (a *Accelerator) Backward(ctx context.Context, batches []Batch) (float32, error) {
	return a.run(ctx, batches, true)
}

func (a *Accelerator) run(ctx context.Context, batches []Batch, backward bool) (float32, error) {
	if len(batches) == 0 || len(batches) > len(a.replicas) {
		return 0, errors.Errorf("got %d batches for %d replicas", len(batches), len(a.replicas))
	}
	losses := make([]float32, len(batches))
	g, ctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		replica := a.replicas[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := replica.Forward(batch.Inputs, batch.Targets, batch.B, batch.T); err != nil {
				return errors.WithMessagef(err, "replica %d", i)
			}
			losses[i] = replica.MeanLoss
			if backward {
				return errors.WithMessagef(replica.BackwardScaled(1/float32(a.GradientAccumulationSteps)), "replica %d", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var sum float32
	var rows int
	for i, loss := range losses {
		sum += loss * float32(batches[i].B)
		rows += batches[i].B
	}
	return sum / float32(rows), nil
}

// ReduceGradients averages the gradients of all replicas into the main replica and clears the
// others.
func (a *Accelerator) ReduceGradients() {
	if len(a.replicas) == 1 {
		return
	}
	main := a.Model().Grads.Memory
	for _, replica := range a.replicas[1:] {
		for i, g := range replica.Grads.Memory {
			main[i] += g
		}
		replica.ZeroGradient()
	}
	scale := 1 / float32(len(a.replicas))
	for i := range main {
		main[i] *= scale
	}
}

// ZeroGradients clears the gradients of every replica.
func (a *Accelerator) ZeroGradients() {
	for _, replica := range a.replicas {
		replica.ZeroGradient()
	}
}

// StepDir is the checkpoint directory of a forward pass step.
func (a *Accelerator) StepDir(step int) string {
	return filepath.Join(a.ProjectDir, stepPrefix+strconv.Itoa(step))
}

// SaveState writes the weights, the optimizer moments and state into dir.
func (a *Accelerator) SaveState(dir string, opt *llmgo.AdamW, state State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}
	if err := a.Model().Save(filepath.Join(dir, llmgo.ModelFile)); err != nil {
		return err
	}
	if err := opt.Save(filepath.Join(dir, OptimizerFile)); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&state)
	if err != nil {
		return errors.Wrap(err, "encoding training state")
	}
	path := filepath.Join(dir, StateFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	klog.Infof("Saved state to %s", dir)
	return nil
}

// LoadState restores what SaveState wrote. The weights are copied into the shared parameter
// memory so every replica sees them.
func (a *Accelerator) LoadState(dir string, opt *llmgo.AdamW) (State, error) {
	saved, err := llmgo.LoadGPT2Model(filepath.Join(dir, llmgo.ModelFile))
	if err != nil {
		return State{}, err
	}
	params := a.Model().Params.Memory
	if len(saved.Params.Memory) != len(params) {
		return State{}, errors.Errorf("checkpoint %q has %d parameters, model has %d", dir, len(saved.Params.Memory), len(params))
	}
	copy(params, saved.Params.Memory)
	if err := opt.Load(filepath.Join(dir, OptimizerFile)); err != nil {
		return State{}, err
	}
	path := filepath.Join(dir, StateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, errors.Wrapf(err, "reading %q", path)
	}
	var state State
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return State{}, errors.Wrapf(err, "decoding %q", path)
	}
	klog.Infof("Loaded state from %s at step %d", dir, state.Step)
	return state, nil
}

// ResumeStep parses the step out of a checkpoint directory named step_<N>.
func ResumeStep(dir string) (int, error) {
	base := filepath.Base(filepath.Clean(dir))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if !strings.HasPrefix(base, stepPrefix) {
		return 0, errors.Errorf("checkpoint %q is not named %s<N>", dir, stepPrefix)
	}
	step, err := strconv.Atoi(strings.TrimPrefix(base, stepPrefix))
	if err != nil || step < 0 {
		return 0, errors.Errorf("checkpoint %q is not named %s<N>", dir, stepPrefix)
	}
	return step, nil
}
