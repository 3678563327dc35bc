package llmgo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSavePretrained(t *testing.T) {
	cfg := tinyConfig
	cfg.ScaleAttnByInverseLayerIdx = true
	cfg.ReorderAndUpcastAttn = true
	model := RandomGPT2(cfg, 1)
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, model.SavePretrained(dir))
	assert.FileExists(t, filepath.Join(dir, ConfigFile))
	assert.FileExists(t, filepath.Join(dir, ModelFile))

	loaded, err := LoadPretrained(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded.Config)
	assert.Equal(t, model.Params.Memory, loaded.Params.Memory)
}

func TestLoadPretrainedWithoutConfig(t *testing.T) {
	model := RandomGPT2(tinyConfig, 1)
	dir := t.TempDir()
	require.NoError(t, model.Save(filepath.Join(dir, ModelFile)))
	loaded, err := LoadPretrained(dir)
	require.NoError(t, err)
	assert.Equal(t, tinyConfig.L, loaded.Config.L)
	assert.False(t, loaded.Config.ReorderAndUpcastAttn)
}

func TestLoadPretrainedShapeMismatch(t *testing.T) {
	model := RandomGPT2(tinyConfig, 1)
	dir := t.TempDir()
	require.NoError(t, model.SavePretrained(dir))
	other := tinyConfig
	other.L = 3
	require.NoError(t, WriteConfig(dir, other))
	_, err := LoadPretrained(dir)
	assert.Error(t, err)
}

func TestLoadGPT2ModelBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), ModelFile)
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))
	_, err := LoadGPT2Model(path)
	assert.ErrorContains(t, err, "bad model file format")
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{
  "model_type": "gpt2",
  "n_ctx": 1024,
  "n_embd": 768,
  "n_head": 12,
  "n_layer": 12,
  "vocab_size": 50257,
  "activation_function": "gelu_new"
}`), 0o644))
	cfg, err := ReadConfig(dir)
	require.NoError(t, err)
	want, ok := NamedConfig("gpt2")
	require.True(t, ok)
	assert.Equal(t, want, cfg)
}

func TestNamedConfig(t *testing.T) {
	cfg, ok := NamedConfig("openai-community/gpt2-medium")
	require.True(t, ok)
	assert.Equal(t, 24, cfg.L)
	assert.NoError(t, cfg.Validate())
	_, ok = NamedConfig("llama")
	assert.False(t, ok)
	assert.Error(t, GPT2Config{V: 1, L: 1, NH: 3, C: 8, MaxSeqLen: 1}.Validate())
}

func TestTokenizerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.bin")
	vocab := []string{"a", "b", " the", "<|endoftext|>"}
	require.NoError(t, WriteTokenizer(path, vocab))
	tok, err := NewTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, len(vocab), tok.VocabSize())
	assert.Equal(t, vocab, tok.Vocab())
	assert.Equal(t, TokenizerFromVocab(vocab), tok)
	decoded, err := tok.Decode([]int32{2, 0, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, " theab<|endoftext|>", decoded)
	_, err = tok.Decode([]int32{4})
	assert.Error(t, err)
	assert.Error(t, WriteTokenizer(path, []string{""}))
}
