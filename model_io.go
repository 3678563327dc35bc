package llmgo

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	// ModelFile is the llm.c checkpoint inside a saved model directory.
	ModelFile = "model.bin"

	modelMagic   = 20240326
	modelVersion = 1
)

// LoadGPT2Model loads the GPT-2 model from an llm.c checkpoint file.
func LoadGPT2Model(checkpointPath string) (*GPT2, error) {
	// File Reading
	f, err := os.Open(checkpointPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening model file %q", checkpointPath)
	}
	defer f.Close()
	model, err := loadFromReader(bufio.NewReader(f))
	return model, errors.WithMessagef(err, "model file %q", checkpointPath)
}

func loadFromReader(f io.Reader) (*GPT2, error) {
	header := make([]int32, 256)
	err := binary.Read(f, binary.LittleEndian, header)
	if err != nil {
		return nil, errors.Wrap(err, "error reading model header")
	}
	if header[0] != modelMagic || header[1] != modelVersion {
		return nil, errors.New("bad model file format")
	}
	model := NewGPT2(GPT2Config{
		MaxSeqLen: int(header[2]),
		V:         int(header[3]),
		L:         int(header[4]),
		NH:        int(header[5]),
		C:         int(header[6]),
		EOT:       GPT2_EOT,
	})
	if err := binary.Read(f, binary.LittleEndian, model.Params.Memory); err != nil {
		return nil, errors.Wrap(err, "error reading model parameters")
	}
	return model, nil
}

// Save writes the weights in the llm.c checkpoint format.
func (model *GPT2) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating model file %q", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := model.writeTo(w); err != nil {
		return errors.WithMessagef(err, "model file %q", path)
	}
	return errors.Wrapf(w.Flush(), "writing model file %q", path)
}

func (model *GPT2) writeTo(w io.Writer) error {
	header := make([]int32, 256)
	header[0] = modelMagic
	header[1] = modelVersion
	header[2] = int32(model.Config.MaxSeqLen)
	header[3] = int32(model.Config.V)
	header[4] = int32(model.Config.L)
	header[5] = int32(model.Config.NH)
	header[6] = int32(model.Config.C)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return errors.Wrap(err, "error writing model header")
	}
	return errors.Wrap(binary.Write(w, binary.LittleEndian, model.Params.Memory), "error writing model parameters")
}

// SavePretrained writes config.json and model.bin into dir, creating it if needed.
func (model *GPT2) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating model directory %q", dir)
	}
	if err := WriteConfig(dir, model.Config); err != nil {
		return err
	}
	return model.Save(filepath.Join(dir, ModelFile))
}

// LoadPretrained reads a directory written by SavePretrained. The weights come from model.bin;
// config.json, when present, contributes the token ids and the attention flags that the llm.c
// header does not carry.
func LoadPretrained(dir string) (*GPT2, error) {
	model, err := LoadGPT2Model(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(configPath); err != nil {
		return model, nil
	}
	cfg, err := ReadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.V != model.Config.V || cfg.L != model.Config.L || cfg.NH != model.Config.NH ||
		cfg.C != model.Config.C || cfg.MaxSeqLen != model.Config.MaxSeqLen {
		return nil, errors.Errorf("config %q does not match the shape of %q", configPath, ModelFile)
	}
	model.Config = cfg
	return model, nil
}
