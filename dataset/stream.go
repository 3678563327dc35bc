package dataset

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Document is one record of a stream: raw text, or token ids when the dataset is pretokenized.
type Document struct {
	Text     string
	InputIDs []int32
}

// Source yields documents until io.EOF.
type Source interface {
	Next() (Document, error)
}

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) []int32
}

// Stream yields the documents of a list of files, loading one file at a time. A looping stream
// starts over with the first file when the last one is exhausted.
type Stream struct {
	files     []string
	tokenized bool
	loop      bool

	next    int
	docs    []Document
	pos     int
	epoch   int
	yielded bool
}

func NewStream(files []string, tokenized, loop bool) (*Stream, error) {
	if len(files) == 0 {
		return nil, errors.New("no data files")
	}
	return &Stream{files: files, tokenized: tokenized, loop: loop}, nil
}

func (s *Stream) Next() (Document, error) {
	for s.pos >= len(s.docs) {
		if s.next == len(s.files) {
			if !s.loop {
				return Document{}, io.EOF
			}
			if !s.yielded {
				return Document{}, errors.New("data files hold no documents")
			}
			s.next, s.yielded = 0, false
			s.epoch++
			klog.Infof("Dataset epoch: %d", s.epoch)
		}
		docs, err := readDocuments(s.files[s.next], s.tokenized)
		if err != nil {
			return Document{}, err
		}
		s.next++
		s.docs, s.pos = docs, 0
	}
	doc := s.docs[s.pos]
	s.pos++
	s.yielded = true
	return doc, nil
}

// Epoch is the number of times a looping stream went through all of its files.
func (s *Stream) Epoch() int {
	return s.epoch
}

func readDocuments(path string, tokenized bool) ([]Document, error) {
	if tokenized {
		records, err := ReadTokenized(path)
		if err != nil {
			return nil, err
		}
		docs := make([]Document, len(records))
		for i, rec := range records {
			docs[i] = Document{InputIDs: rec.InputIDs}
		}
		return docs, nil
	}
	records, err := ReadRaw(path)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(records))
	for i, rec := range records {
		docs[i] = Document{Text: rec.Text}
	}
	return docs, nil
}

// ShuffleBuffer shuffles a source approximately by holding up to size documents and yielding a
// random one of them each time.
type ShuffleBuffer struct {
	src  Source
	size int
	rng  *rand.Rand
	buf  []Document
	done bool
}

func NewShuffleBuffer(src Source, size int, seed int64) *ShuffleBuffer {
	return &ShuffleBuffer{src: src, size: max(size, 1), rng: rand.New(rand.NewSource(seed))}
}

func (b *ShuffleBuffer) Next() (Document, error) {
	for !b.done && len(b.buf) < b.size {
		doc, err := b.src.Next()
		if err == io.EOF {
			b.done = true
			break
		}
		if err != nil {
			return Document{}, err
		}
		b.buf = append(b.buf, doc)
	}
	if len(b.buf) == 0 {
		return Document{}, io.EOF
	}
	i := b.rng.Intn(len(b.buf))
	doc := b.buf[i]
	last := len(b.buf) - 1
	b.buf[i] = b.buf[last]
	b.buf[last] = Document{}
	b.buf = b.buf[:last]
	return doc, nil
}

// ConstantLength packs documents into chunks of SeqLength+1 tokens. Documents are concatenated
// with an EOS token after each one, so chunks cross document boundaries. Consecutive chunks share
// one token: the last token of a chunk, which is only a target, is the first input of the next.
// Raw text is tokenized as it is read.
type ConstantLength struct {
	src       Source
	enc       Encoder
	eos       int32
	seqLength int
	buf       []int32
}

func NewConstantLength(src Source, enc Encoder, eos int32, seqLength int) *ConstantLength {
	return &ConstantLength{src: src, enc: enc, eos: eos, seqLength: seqLength}
}

// Next returns the next chunk. The trailing tokens that do not fill a chunk are dropped at the
// end of a finite source.
func (c *ConstantLength) Next() ([]int32, error) {
	n := c.seqLength + 1
	for len(c.buf) < n {
		doc, err := c.src.Next()
		if err != nil {
			return nil, err
		}
		ids := doc.InputIDs
		if ids == nil && doc.Text != "" {
			if c.enc == nil {
				return nil, errors.New("raw text in the stream but no tokenizer")
			}
			ids = c.enc.Encode(doc.Text)
		}
		c.buf = append(c.buf, ids...)
		c.buf = append(c.buf, c.eos)
	}
	chunk := make([]int32, n)
	copy(chunk, c.buf[:n])
	rest := copy(c.buf, c.buf[c.seqLength:])
	c.buf = c.buf[:rest]
	return chunk, nil
}
