// Package dataset reads and writes the records of raw and pretokenized datasets and turns them
// into fixed size training batches.
package dataset

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Column names of a raw dataset.
const (
	TextColumn     = "TEXT"
	SourceColumn   = "SOURCE"
	MetadataColumn = "METADATA"
)

// Column names of a pretokenized dataset.
const (
	InputIDsColumn = "input_ids"
	RatioColumn    = "ratio_char_token"
)

// RawRecord is a document of a raw text dataset.
type RawRecord struct {
	Text     string `json:"TEXT" parquet:"name=TEXT, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source   string `json:"SOURCE" parquet:"name=SOURCE, type=BYTE_ARRAY, convertedtype=UTF8"`
	Metadata string `json:"METADATA" parquet:"name=METADATA, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// TokenizedRecord is a document after pretokenization. RatioCharToken is the number of characters
// of the original text per token.
type TokenizedRecord struct {
	InputIDs       []int32 `json:"input_ids" parquet:"name=input_ids, type=INT32, repetitiontype=REPEATED"`
	RatioCharToken float64 `json:"ratio_char_token" parquet:"name=ratio_char_token, type=DOUBLE"`
}

func isParquet(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".parquet")
}

// ReadRaw reads the raw records of a .parquet or JSON lines file.
func ReadRaw(path string) ([]RawRecord, error) {
	if isParquet(path) {
		return readRawParquet(path)
	}
	return readJSON[RawRecord](path)
}

// ReadTokenized reads the records written by WriteTokenized, or a JSON lines file with the same
// fields.
func ReadTokenized(path string) ([]TokenizedRecord, error) {
	if isParquet(path) {
		return readTokenizedParquet(path)
	}
	return readJSON[TokenizedRecord](path)
}

// readJSON decodes a file holding either one JSON object per line or a single JSON array.
func readJSON[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)
	first, err := peekNonSpace(r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	dec := json.NewDecoder(r)
	if first == '[' {
		var records []T
		if err := dec.Decode(&records); err != nil {
			return nil, errors.Wrapf(err, "decoding %q", path)
		}
		return records, nil
	}
	var records []T
	for {
		var rec T
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrapf(err, "decoding record %d of %q", len(records), path)
		}
		records = append(records, rec)
	}
	return records, nil
}

func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			r.ReadByte()
		default:
			return b[0], nil
		}
	}
}
