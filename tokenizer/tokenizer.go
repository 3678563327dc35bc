// Package tokenizer wraps the GPT-2 byte pair encoder.
package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/wbrown/gpt_bpe"
	"k8s.io/klog/v2"

	llmgo "github.com/llmgo/finetune"
	"github.com/llmgo/finetune/hub"
)

const (
	// ConfigFile names the tokenizer that a saved model directory was created with.
	ConfigFile = "tokenizer_config.json"
	// TableFile is the llm.c token table written next to the config.
	TableFile = "tokenizer.bin"

	eosText = "<|endoftext|>"
)

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) []int32
}

// Tokenizer is an immutable text codec. It is safe to call Encode from several goroutines.
type Tokenizer struct {
	// Name is the tokenizer id the encoder was resolved from, e.g. "gpt2".
	Name    string
	encoder Encoder
	table   llmgo.Tokenizer
	eos     int32
}

// New builds a tokenizer around an arbitrary encoder. vocab maps ids back to their text.
func New(name string, encoder Encoder, vocab []string, eos int32) *Tokenizer {
	return &Tokenizer{Name: name, encoder: encoder, table: llmgo.TokenizerFromVocab(vocab), eos: eos}
}

type config struct {
	TokenizerClass string `json:"tokenizer_class"`
	TokenizerName  string `json:"tokenizer_name"`
	EOSToken       string `json:"eos_token"`
	EOSTokenID     int32  `json:"eos_token_id"`
	VocabSize      int    `json:"vocab_size"`
}

// Load resolves nameOrPath to a GPT-2 BPE encoder. A directory written by Save is followed to the
// tokenizer it names and decodes with the token table saved next to it; anything else is handed to
// gpt_bpe, trying its embedded "<name>-tokenizer" resources first.
func Load(nameOrPath string) (*Tokenizer, error) {
	if data, err := os.ReadFile(filepath.Join(nameOrPath, ConfigFile)); err == nil {
		var cfg config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s in %q", ConfigFile, nameOrPath)
		}
		if cfg.TokenizerName != "" && cfg.TokenizerName != nameOrPath {
			klog.V(1).Infof("tokenizer %q refers to %q", nameOrPath, cfg.TokenizerName)
			tok, err := Load(cfg.TokenizerName)
			if err != nil {
				return nil, err
			}
			if err := tok.loadTable(filepath.Join(nameOrPath, TableFile)); err != nil {
				return nil, err
			}
			return tok, nil
		}
	}
	encoder, err := gpt_bpe.NewEncoder(nameOrPath + "-tokenizer")
	if err != nil {
		// Fall back to path-like.
		encoder, err = gpt_bpe.NewEncoder(nameOrPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading tokenizer %q", nameOrPath)
		}
	}
	return fromBPE(nameOrPath, encoder), nil
}

// loadTable replaces the vocabulary with the llm.c token table at path, if there is one. The table
// must cover the same ids as the encoder.
func (t *Tokenizer) loadTable(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	table, err := llmgo.NewTokenizer(path)
	if err != nil {
		return err
	}
	if table.VocabSize() != t.table.VocabSize() {
		return errors.Errorf("token table %q has %d tokens, tokenizer %q has %d", path, table.VocabSize(), t.Name, t.table.VocabSize())
	}
	t.table = table
	return nil
}

// Fetch loads a tokenizer by name, falling back to the tokenizer saved in a model repository
// fetched from the hub.
func Fetch(name string, fetcher *hub.Fetcher) (*Tokenizer, error) {
	tok, err := Load(name)
	if err == nil || fetcher == nil {
		return tok, err
	}
	dir, fetchErr := fetcher.Model(name)
	if fetchErr != nil {
		return nil, errors.WithMessagef(err, "and fetching it failed: %v", fetchErr)
	}
	return Load(dir)
}

func fromBPE(name string, encoder *gpt_bpe.GPTEncoder) *Tokenizer {
	var size int
	for id := range encoder.Decoder {
		size = max(size, int(id)+1)
	}
	vocab := make([]string, size)
	for id, text := range encoder.Decoder {
		vocab[id] = string(text)
	}
	return New(name, bpeEncoder{encoder}, vocab, int32(encoder.EosToken))
}

type bpeEncoder struct {
	encoder *gpt_bpe.GPTEncoder
}

func (e bpeEncoder) Encode(text string) []int32 {
	tokens := e.encoder.Encode(&text)
	if tokens == nil {
		return nil
	}
	ids := make([]int32, len(*tokens))
	for i, token := range *tokens {
		ids[i] = int32(token)
	}
	return ids
}

// Encode tokenizes text without truncation or special tokens.
func (t *Tokenizer) Encode(text string) []int32 {
	return t.encoder.Encode(text)
}

func (t *Tokenizer) Decode(ids []int32) (string, error) {
	return t.table.Decode(ids)
}

// EOS is the end of text token separating documents.
func (t *Tokenizer) EOS() int32 {
	return t.eos
}

func (t *Tokenizer) VocabSize() int {
	return t.table.VocabSize()
}

// Save writes tokenizer_config.json and the llm.c token table into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating tokenizer directory %q", dir)
	}
	data, err := json.MarshalIndent(config{
		TokenizerClass: "GPT2Tokenizer",
		TokenizerName:  t.Name,
		EOSToken:       eosText,
		EOSTokenID:     t.eos,
		VocabSize:      t.table.VocabSize(),
	}, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	path := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	vocab := t.table.Vocab()
	table := make([]string, len(vocab))
	for i, text := range vocab {
		switch {
		case text == "":
			// ids the encoder never produces
			table[i] = "<|unused|>"
		case len(text) > 255:
			table[i] = text[:255]
		default:
			table[i] = text
		}
	}
	return llmgo.WriteTokenizer(filepath.Join(dir, TableFile), table)
}
