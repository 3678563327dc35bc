package accelerate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmgo "github.com/llmgo/finetune"
)

var tinyConfig = llmgo.GPT2Config{MaxSeqLen: 8, V: 11, L: 2, NH: 2, C: 8, EOT: 10}

func batch(offset int32) Batch {
	const B, T = 2, 4
	b := Batch{B: B, T: T}
	for i := int32(0); i < B*T; i++ {
		b.Inputs = append(b.Inputs, (i+offset)%11)
		b.Targets = append(b.Targets, (i+offset+1)%11)
	}
	return b
}

func TestBackwardAveragesReplicas(t *testing.T) {
	ctx := context.Background()
	acc := New(2, 1, t.TempDir())
	acc.Prepare(llmgo.RandomGPT2(tinyConfig, 1))
	loss, err := acc.Backward(ctx, []Batch{batch(0), batch(3)})
	require.NoError(t, err)
	acc.ReduceGradients()

	// A single model accumulating both batches at half weight sees the same gradient.
	single := llmgo.RandomGPT2(tinyConfig, 1)
	var want float32
	for _, b := range []Batch{batch(0), batch(3)} {
		require.NoError(t, single.Forward(b.Inputs, b.Targets, b.B, b.T))
		require.NoError(t, single.BackwardScaled(0.5))
		want += single.MeanLoss / 2
	}
	assert.InDelta(t, want, loss, 1e-5)
	got := acc.Model().Grads.Memory
	require.Len(t, got, len(single.Grads.Memory))
	for i := range got {
		require.InDelta(t, single.Grads.Memory[i], got[i], 1e-5, "gradient %d", i)
	}
	for _, g := range acc.replicas[1].Grads.Memory {
		require.Zero(t, g)
	}
}

func TestReplicasShareWeights(t *testing.T) {
	acc := New(3, 4, t.TempDir())
	model := llmgo.RandomGPT2(tinyConfig, 1)
	model.ActivationCheckpointing = true
	acc.Prepare(model)
	require.Len(t, acc.replicas, 3)
	model.Params.Memory[0] = 42
	for _, replica := range acc.replicas {
		assert.Equal(t, float32(42), replica.Params.Memory[0])
		assert.True(t, replica.ActivationCheckpointing)
	}
	assert.False(t, acc.SyncGradients(3))
	assert.True(t, acc.SyncGradients(8))

	_, err := acc.Forward(context.Background(), []Batch{batch(0), batch(1), batch(2), batch(3)})
	assert.Error(t, err)
}

func TestSaveLoadState(t *testing.T) {
	acc := New(2, 1, t.TempDir())
	acc.Prepare(llmgo.RandomGPT2(tinyConfig, 1))
	opt := llmgo.NewAdamW(&acc.Model().Params, 0.01)
	_, err := acc.Backward(context.Background(), []Batch{batch(0), batch(1)})
	require.NoError(t, err)
	acc.ReduceGradients()
	opt.Step(&acc.Model().Params, &acc.Model().Grads, 1e-3)
	state := State{Step: 500, CompletedSteps: 250, SchedulerStep: 250, Seed: 7}
	dir := acc.StepDir(500)
	assert.Equal(t, filepath.Join(acc.ProjectDir, "step_500"), dir)
	require.NoError(t, acc.SaveState(dir, opt, state))

	restored := New(2, 1, acc.ProjectDir)
	restored.Prepare(llmgo.RandomGPT2(tinyConfig, 2))
	restoredOpt := llmgo.NewAdamW(&restored.Model().Params, 0.01)
	got, err := restored.LoadState(dir, restoredOpt)
	require.NoError(t, err)
	assert.Equal(t, state, got)
	assert.Equal(t, acc.Model().Params.Memory, restored.Model().Params.Memory)
	assert.Equal(t, acc.Model().Params.Memory, restored.replicas[1].Params.Memory)
	assert.Equal(t, opt.MMemory, restoredOpt.MMemory)
	assert.Equal(t, 1, restoredOpt.T)
}

func TestResumeStep(t *testing.T) {
	tests := []struct {
		dir     string
		want    int
		wantErr bool
	}{
		{"out/step_500", 500, false},
		{"out/step_1024/", 1024, false},
		{"step_7", 7, false},
		{"out/epoch_1", 0, true},
		{"out/step_x", 0, true},
	}
	for _, tt := range tests {
		got, err := ResumeStep(tt.dir)
		if tt.wantErr {
			assert.Error(t, err, tt.dir)
			continue
		}
		require.NoError(t, err, tt.dir)
		assert.Equal(t, tt.want, got)
	}
}
