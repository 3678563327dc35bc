package llmgo

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	tokenizerMagic   = 20240328
	tokenizerVersion = 1
)

// Tokenizer is the llm.c token table: the byte string each token id decodes to.
type Tokenizer struct {
	vocabSize  uint32
	tokenTable []string
}

func NewTokenizer(filename string) (Tokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Tokenizer{}, errors.Wrapf(err, "opening tokenizer %q", filename)
	}
	defer f.Close()
	tok, err := readTokenizer(bufio.NewReader(f))
	return tok, errors.WithMessagef(err, "tokenizer %q", filename)
}

// TokenizerFromVocab builds a token table in memory.
func TokenizerFromVocab(vocab []string) Tokenizer {
	return Tokenizer{
		vocabSize:  uint32(len(vocab)),
		tokenTable: vocab,
	}
}

func readTokenizer(f io.Reader) (Tokenizer, error) {
	header := make([]uint32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return Tokenizer{}, errors.Wrap(err, "reading header")
	}
	if header[0] != tokenizerMagic || header[1] != tokenizerVersion {
		return Tokenizer{}, errors.New("incorrect header for tokenizer")
	}
	tok := Tokenizer{
		vocabSize:  header[2],
		tokenTable: make([]string, header[2]),
	}
	var length byte
	for i := range tok.tokenTable {
		if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
			return tok, errors.Wrapf(err, "reading length of token %d", i)
		}
		if length <= 0 {
			return tok, errors.Errorf("token %d is empty", i)
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(f, binary.LittleEndian, tokenBytes); err != nil {
			return tok, errors.Wrapf(err, "reading token %d", i)
		}
		tok.tokenTable[i] = string(tokenBytes)
	}
	return tok, nil
}

// WriteTokenizer stores vocab in the llm.c tokenizer format. Tokens must be 1 to 255 bytes long.
func WriteTokenizer(filename string, vocab []string) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "creating tokenizer %q", filename)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	header := make([]uint32, 256)
	header[0] = tokenizerMagic
	header[1] = tokenizerVersion
	header[2] = uint32(len(vocab))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return errors.Wrapf(err, "writing tokenizer %q", filename)
	}
	for i, token := range vocab {
		if len(token) == 0 || len(token) > 255 {
			return errors.Errorf("token %d has unsupported length %d", i, len(token))
		}
		if err := w.WriteByte(byte(len(token))); err != nil {
			return errors.Wrapf(err, "writing tokenizer %q", filename)
		}
		if _, err := w.WriteString(token); err != nil {
			return errors.Wrapf(err, "writing tokenizer %q", filename)
		}
	}
	return errors.Wrapf(w.Flush(), "writing tokenizer %q", filename)
}

func (t Tokenizer) VocabSize() int {
	return int(t.vocabSize)
}

// Vocab is the text of every token id.
func (t Tokenizer) Vocab() []string {
	return t.tokenTable
}

func (t Tokenizer) Decode(tokens []int32) (string, error) {
	s := ""
	for _, token := range tokens {
		if token < 0 || token >= int32(len(t.tokenTable)) {
			return "", errors.Errorf("not valid token %d", token)
		}
		s += t.tokenTable[token]
	}
	return s, nil
}
