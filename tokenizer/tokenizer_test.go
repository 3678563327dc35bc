package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmgo "github.com/llmgo/finetune"
)

// wordEncoder emits one token per space separated word, looking it up in vocab.
type wordEncoder map[string]int32

func (w wordEncoder) Encode(text string) []int32 {
	var ids []int32
	for _, word := range strings.Fields(text) {
		ids = append(ids, w[word])
	}
	return ids
}

func TestTokenizer_SaveWritesConfigAndTable(t *testing.T) {
	vocab := []string{"hello", " world", "", "<|endoftext|>"}
	tok := New("fake", wordEncoder{"hello": 0, "world": 1}, vocab, 3)
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, tok.Save(dir))

	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	require.NoError(t, err)
	var cfg config
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "fake", cfg.TokenizerName)
	assert.Equal(t, int32(3), cfg.EOSTokenID)

	table, err := llmgo.NewTokenizer(filepath.Join(dir, TableFile))
	require.NoError(t, err)
	assert.Equal(t, 4, table.VocabSize())
	decoded, err := table.Decode([]int32{0, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, "hello world<|endoftext|>", decoded)
}

func TestTokenizer_EncodeDecode(t *testing.T) {
	tok := New("fake", wordEncoder{"hello": 0, "world": 1}, []string{"hello", " world"}, 1)
	ids := tok.Encode("hello world")
	assert.Equal(t, []int32{0, 1}, ids)
	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	_, err = tok.Decode([]int32{7})
	assert.Error(t, err)
	assert.Empty(t, tok.Encode(""))
}

func TestLoadGPT2(t *testing.T) {
	tok, err := Load("gpt2")
	require.NoError(t, err)
	assert.Equal(t, int32(50256), tok.EOS())
	assert.Equal(t, 50257, tok.VocabSize())
	ids := tok.Encode("Hello world")
	assert.Equal(t, []int32{15496, 995}, ids)
	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	// a saved directory resolves to the tokenizer it was created from
	dir := t.TempDir()
	require.NoError(t, tok.Save(dir))
	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "gpt2", reloaded.Name)
	assert.Equal(t, ids, reloaded.Encode("Hello world"))
}

func TestLoadReadsSavedTable(t *testing.T) {
	tok, err := Load("gpt2")
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, tok.Save(dir))

	path := filepath.Join(dir, TableFile)
	table, err := llmgo.NewTokenizer(path)
	require.NoError(t, err)
	vocab := append([]string(nil), table.Vocab()...)
	vocab[15496] = "Howdy"
	require.NoError(t, llmgo.WriteTokenizer(path, vocab))
	reloaded, err := Load(dir)
	require.NoError(t, err)
	text, err := reloaded.Decode([]int32{15496, 995})
	require.NoError(t, err)
	assert.Equal(t, "Howdy world", text)

	require.NoError(t, llmgo.WriteTokenizer(path, vocab[:100]))
	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.Remove(path))
	reloaded, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 50257, reloaded.VocabSize())
}
