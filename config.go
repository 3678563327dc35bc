package llmgo

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ConfigFile is the name of the architecture config inside a saved model directory.
const ConfigFile = "config.json"

type GPT2Config struct {
	MaxSeqLen int   `json:"n_positions"`
	V         int   `json:"vocab_size"`
	L         int   `json:"n_layer"`
	NH        int   `json:"n_head"`
	C         int   `json:"n_embd"`
	EOT       int32 `json:"eos_token_id"`
	// ScaleAttnByInverseLayerIdx additionally divides the attention scores of layer l by (l+1).
	ScaleAttnByInverseLayerIdx bool `json:"scale_attn_by_inverse_layer_idx"`
	// ReorderAndUpcastAttn runs the attention softmax backward pass in float64.
	ReorderAndUpcastAttn bool `json:"reorder_and_upcast_attn"`
}

// hfConfig is the subset of a Hugging Face GPT-2 config.json we read and write.
type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures,omitempty"`
	GPT2Config
	NCtx int `json:"n_ctx,omitempty"`
}

var namedConfigs = map[string]GPT2Config{
	"gpt2":        {MaxSeqLen: 1024, V: 50257, L: 12, NH: 12, C: 768, EOT: GPT2_EOT},
	"gpt2-medium": {MaxSeqLen: 1024, V: 50257, L: 24, NH: 16, C: 1024, EOT: GPT2_EOT},
	"gpt2-large":  {MaxSeqLen: 1024, V: 50257, L: 36, NH: 20, C: 1280, EOT: GPT2_EOT},
	"gpt2-xl":     {MaxSeqLen: 1024, V: 50257, L: 48, NH: 25, C: 1600, EOT: GPT2_EOT},
	"distilgpt2":  {MaxSeqLen: 1024, V: 50257, L: 6, NH: 12, C: 768, EOT: GPT2_EOT},
}

// NamedConfig returns the architecture of a well known GPT-2 checkpoint. The organisation prefix
// of a hub id ("openai-community/gpt2") is ignored.
func NamedConfig(name string) (GPT2Config, bool) {
	cfg, ok := namedConfigs[filepath.Base(name)]
	return cfg, ok
}

func (c GPT2Config) Validate() error {
	switch {
	case c.V <= 0, c.L <= 0, c.NH <= 0, c.C <= 0, c.MaxSeqLen <= 0:
		return errors.Errorf("invalid GPT-2 config %+v", c)
	case c.C%c.NH != 0:
		return errors.Errorf("n_embd %d is not divisible by n_head %d", c.C, c.NH)
	}
	return nil
}

// ReadConfig reads a Hugging Face style config.json. path may be the file itself or the directory
// holding it.
func ReadConfig(path string) (GPT2Config, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ConfigFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return GPT2Config{}, errors.Wrapf(err, "reading config %q", path)
	}
	cfg := hfConfig{GPT2Config: GPT2Config{EOT: GPT2_EOT}}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return GPT2Config{}, errors.Wrapf(err, "parsing config %q", path)
	}
	if cfg.MaxSeqLen == 0 {
		cfg.MaxSeqLen = cfg.NCtx
	}
	return cfg.GPT2Config, errors.WithMessagef(cfg.GPT2Config.Validate(), "config %q", path)
}

// WriteConfig writes config.json into dir.
func WriteConfig(dir string, c GPT2Config) error {
	data, err := json.MarshalIndent(hfConfig{
		ModelType:     "gpt2",
		Architectures: []string{"GPT2LMHeadModel"},
		GPT2Config:    c,
		NCtx:          c.MaxSeqLen,
	}, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	path := filepath.Join(dir, ConfigFile)
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing config %q", path)
}
