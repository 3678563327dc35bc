package initialize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmgo "github.com/llmgo/finetune"
	"github.com/llmgo/finetune/arguments"
	"github.com/llmgo/finetune/hub"
	"github.com/llmgo/finetune/tokenizer"
)

// smallConfig has the GPT-2 vocabulary but a tiny body.
var smallConfig = llmgo.GPT2Config{MaxSeqLen: 8, V: 50257, L: 1, NH: 2, C: 8, EOT: llmgo.GPT2_EOT}

func writeSmallConfig(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, llmgo.WriteConfig(dir, smallConfig))
	return dir
}

func TestRun(t *testing.T) {
	mirror := t.TempDir()
	opts := hub.Options{Endpoint: "file://" + mirror}
	publisher, err := hub.NewPublisher(opts)
	require.NoError(t, err)

	args := arguments.DefaultInitializationArguments()
	args.ConfigName = writeSmallConfig(t)
	args.ModelName = filepath.Join(t.TempDir(), "shakespeare-gpt2")
	model, err := Run(context.Background(), args, hub.NewFetcher(opts), publisher)
	require.NoError(t, err)
	assert.True(t, model.Config.ScaleAttnByInverseLayerIdx)
	assert.True(t, model.Config.ReorderAndUpcastAttn)

	saved, err := llmgo.LoadPretrained(args.ModelName)
	require.NoError(t, err)
	assert.Equal(t, model.Config, saved.Config)
	assert.Equal(t, model.Params.Memory, saved.Params.Memory)
	tok, err := tokenizer.Load(args.ModelName)
	require.NoError(t, err)
	assert.Equal(t, llmgo.GPT2_EOT, tok.EOS())

	published := filepath.Join(mirror, "models", "shakespeare-gpt2")
	for _, file := range []string{llmgo.ConfigFile, llmgo.ModelFile, tokenizer.ConfigFile, tokenizer.TableFile} {
		assert.FileExists(t, filepath.Join(published, file))
	}
}

func TestRunIsSeeded(t *testing.T) {
	args := arguments.DefaultInitializationArguments()
	args.ConfigName = writeSmallConfig(t)
	args.PushToHub = false
	args.ModelName = filepath.Join(t.TempDir(), "a")
	a, err := Run(context.Background(), args, nil, nil)
	require.NoError(t, err)
	args.ModelName = filepath.Join(t.TempDir(), "b")
	b, err := Run(context.Background(), args, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Params.Memory, b.Params.Memory)
}

func TestRunRequiresPublisher(t *testing.T) {
	args := arguments.DefaultInitializationArguments()
	args.ModelName = filepath.Join(t.TempDir(), "model")
	_, err := Run(context.Background(), args, nil, nil)
	assert.Error(t, err)
	assert.NoDirExists(t, args.ModelName)
}

func TestResolveConfig(t *testing.T) {
	config, err := ResolveConfig("gpt2-medium", nil)
	require.NoError(t, err)
	assert.Equal(t, 24, config.L)

	config, err = ResolveConfig(writeSmallConfig(t), nil)
	require.NoError(t, err)
	assert.Equal(t, smallConfig, config)

	_, err = ResolveConfig("no-such-config", nil)
	assert.Error(t, err)

	mirror := t.TempDir()
	repo := filepath.Join(mirror, "models", "me", "small")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, llmgo.WriteConfig(repo, smallConfig))
	config, err = ResolveConfig("me/small", hub.NewFetcher(hub.Options{Endpoint: "file://" + mirror}))
	require.NoError(t, err)
	assert.Equal(t, smallConfig, config)
}
