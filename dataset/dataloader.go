package dataset

import (
	"io"

	"github.com/pkg/errors"
)

// Options configure the chain of a DataLoader: Stream, then ShuffleBuffer when ShuffleBuffer
// is greater than one, then ConstantLength.
type Options struct {
	BatchSize     int
	SeqLength     int
	Tokenized     bool
	Infinite      bool
	ShuffleBuffer int
	Seed          int64
	Encoder       Encoder
	EOS           int32
}

// DataLoader batches the chunks of a dataset into B×T inputs and targets, the targets being the
// inputs shifted by one token.
type DataLoader struct {
	files  []string
	opts   Options
	chunks *ConstantLength
	stream *Stream
}

func NewDataLoader(files []string, opts Options) (*DataLoader, error) {
	if opts.BatchSize <= 0 || opts.SeqLength <= 0 {
		return nil, errors.Errorf("invalid batch shape %dx%d", opts.BatchSize, opts.SeqLength)
	}
	if !opts.Tokenized && opts.Encoder == nil {
		return nil, errors.New("a raw dataset needs an encoder")
	}
	loader := &DataLoader{files: files, opts: opts}
	if err := loader.Reset(); err != nil {
		return nil, err
	}
	return loader, nil
}

// Reset restarts the loader at the first document, with the same shuffle order.
func (loader *DataLoader) Reset() error {
	stream, err := NewStream(loader.files, loader.opts.Tokenized, loader.opts.Infinite)
	if err != nil {
		return err
	}
	var src Source = stream
	if loader.opts.ShuffleBuffer > 1 {
		src = NewShuffleBuffer(stream, loader.opts.ShuffleBuffer, loader.opts.Seed)
	}
	loader.stream = stream
	loader.chunks = NewConstantLength(src, loader.opts.Encoder, loader.opts.EOS, loader.opts.SeqLength)
	return nil
}

// Epoch is the number of completed passes over the files.
func (loader *DataLoader) Epoch() int {
	return loader.stream.Epoch()
}

// NextBatch returns the next B inputs and targets of T tokens each, flattened. At the end of a
// finite dataset the last batch may hold fewer than BatchSize rows; after it io.EOF is returned.
func (loader *DataLoader) NextBatch() (inputs, targets []int32, B int, err error) {
	T := loader.opts.SeqLength
	inputs = make([]int32, 0, loader.opts.BatchSize*T)
	targets = make([]int32, 0, loader.opts.BatchSize*T)
	for B < loader.opts.BatchSize {
		chunk, err := loader.chunks.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, 0, err
		}
		inputs = append(inputs, chunk[:T]...)
		targets = append(targets, chunk[1:]...)
		B++
	}
	if B == 0 {
		return nil, nil, 0, io.EOF
	}
	return inputs, targets, B, nil
}
