package arguments

import (
	"runtime"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPretokenizationArguments(t *testing.T) {
	a := DefaultPretokenizationArguments()
	assert.Equal(t, "gpt2", a.TokenizerDir)
	assert.Equal(t, "sedthh/gutenberg_english", a.DatasetName)
	assert.Equal(t, "gutenberg-english-train", a.TokenizedDataRepo)
	assert.Zero(t, a.NumWorkers)
	assert.Equal(t, max(1, runtime.NumCPU()/4), a.Workers())
	a.NumWorkers = 3
	assert.Equal(t, 3, a.Workers())
}

func TestDefaultInitializationArguments(t *testing.T) {
	a := DefaultInitializationArguments()
	assert.Equal(t, "gpt2", a.ConfigName)
	assert.Equal(t, "gpt2", a.TokenizerName)
	assert.Equal(t, "shakespeare-gpt2", a.ModelName)
	assert.True(t, a.PushToHub)
}

func TestDefaultTrainingArguments(t *testing.T) {
	a := DefaultTrainingArguments()
	assert.Equal(t, "HangenYuu/shakespeare-gpt2", a.ModelCkpt)
	assert.Equal(t, "./", a.SaveDir)
	assert.Equal(t, "HangenYuu/gutenberg-english-train", a.DatasetNameTrain)
	assert.Equal(t, "HangenYuu/gutenberg-english-train", a.DatasetNameValid)
	assert.Equal(t, 8, a.TrainBatchSize)
	assert.Equal(t, 8, a.ValidBatchSize)
	assert.Equal(t, 0.01, a.WeightDecay)
	assert.Equal(t, 10000, a.ShuffleBuffer)
	assert.Equal(t, 5e-4, a.LearningRate)
	assert.Equal(t, "cosine", a.LRSchedulerType)
	assert.Equal(t, 750, a.NumWarmupSteps)
	assert.Equal(t, 16, a.GradientAccumulationSteps)
	assert.True(t, a.GradientCheckpointing)
	assert.Equal(t, 50000, a.MaxTrainSteps)
	assert.Equal(t, -1, a.MaxEvalSteps)
	assert.Equal(t, 1024, a.SeqLength)
	assert.Equal(t, int64(1), a.Seed)
	assert.Equal(t, 1024, a.SaveCheckpointSteps)
	assert.Empty(t, a.ResumeFromCheckpoint)
	assert.False(t, a.Tokenized)
}

func TestTrainingArgumentsBind(t *testing.T) {
	a := DefaultTrainingArguments()
	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	a.Bind(fs)
	require.NoError(t, fs.Parse([]string{
		"--train_batch_size=2",
		"--gradient_checkpointing=false",
		"--resume_from_checkpoint", "out/step_500",
		"--learning_rate=1e-3",
	}))
	assert.Equal(t, 2, a.TrainBatchSize)
	assert.False(t, a.GradientCheckpointing)
	assert.Equal(t, "out/step_500", a.ResumeFromCheckpoint)
	assert.Equal(t, 1e-3, a.LearningRate)
	// untouched flags keep their defaults
	assert.Equal(t, 16, a.GradientAccumulationSteps)

	err := fs.Parse([]string{"--train_batch_size=eight"})
	assert.Error(t, err)
}

func TestHubArgumentsBind(t *testing.T) {
	t.Setenv("HF_TOKEN", "secret")
	a := DefaultHubArguments()
	assert.Equal(t, "secret", a.Token)
	fs := pflag.NewFlagSet("hub", pflag.ContinueOnError)
	a.Bind(fs)
	require.NoError(t, fs.Parse([]string{"--hub_endpoint=file:///tmp/hub"}))
	assert.Equal(t, "file:///tmp/hub", a.Endpoint)
}
