package pretokenize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/llmgo/finetune/arguments"
	"github.com/llmgo/finetune/dataset"
	"github.com/llmgo/finetune/hub"
)

// byteEncoder emits one token per byte, so multi-byte runes count as several tokens.
type byteEncoder struct{}

func (byteEncoder) Encode(text string) []int32 {
	ids := make([]int32, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, int32(text[i]))
	}
	return ids
}

func writeRawParquet(t *testing.T, path string, records []dataset.RawRecord) {
	t.Helper()
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, new(dataset.RawRecord), 1)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, pw.Write(rec))
	}
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())
}

// columnNames lists the leaf columns of a parquet file.
func columnNames(t *testing.T, path string) []string {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetColumnReader(fr, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	var names []string
	for _, el := range pr.Footer.GetSchema()[1:] {
		if el.GetNumChildren() == 0 {
			names = append(names, el.GetName())
		}
	}
	return names
}

func TestTokenizeRecord(t *testing.T) {
	tests := []struct {
		text  string
		ratio float64
	}{
		{"abcd", 1},
		{"héllo", 5.0 / 6.0},
		{"日本", 2.0 / 6.0},
	}
	for _, tt := range tests {
		rec, err := TokenizeRecord(dataset.RawRecord{Text: tt.text, Source: "s", Metadata: "m"}, byteEncoder{})
		require.NoError(t, err)
		assert.Len(t, rec.InputIDs, len(tt.text))
		assert.InDelta(t, tt.ratio, rec.RatioCharToken, 1e-12, tt.text)
	}

	_, err := TokenizeRecord(dataset.RawRecord{Text: ""}, byteEncoder{})
	assert.ErrorIs(t, err, ErrZeroTokens)
}

func TestTokenize(t *testing.T) {
	var records []dataset.RawRecord
	for i := 0; i < 1000; i++ {
		records = append(records, dataset.RawRecord{Text: strings.Repeat("x", i%7+1)})
	}
	for _, workers := range []int{1, 3, 8, 2000} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			out, err := Tokenize(context.Background(), records, byteEncoder{}, workers)
			require.NoError(t, err)
			require.Len(t, out, len(records))
			for i, rec := range out {
				assert.Len(t, rec.InputIDs, i%7+1)
				assert.Equal(t, 1.0, rec.RatioCharToken)
			}
		})
	}
}

func TestTokenizeZeroTokensAborts(t *testing.T) {
	records := []dataset.RawRecord{{Text: "a"}, {Text: "b"}, {Text: ""}, {Text: "d"}}
	out, err := Tokenize(context.Background(), records, byteEncoder{}, 2)
	assert.ErrorIs(t, err, ErrZeroTokens)
	assert.Contains(t, err.Error(), "record 2")
	assert.Nil(t, out)

	out, err = Tokenize(context.Background(), nil, byteEncoder{}, 4)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRun(t *testing.T) {
	mirror := t.TempDir()
	raw := filepath.Join(mirror, "datasets", "me", "books", "data", "train-00000-of-00001.parquet")
	require.NoError(t, os.MkdirAll(filepath.Dir(raw), 0o755))
	writeRawParquet(t, raw, []dataset.RawRecord{
		{Text: "Hello world", Source: "a", Metadata: "{}"},
		{Text: "It was the best of times", Source: "b", Metadata: "{}"},
	})
	assert.ElementsMatch(t, []string{dataset.TextColumn, dataset.SourceColumn, dataset.MetadataColumn}, columnNames(t, raw))
	opts := hub.Options{Endpoint: "file://" + mirror}
	publisher, err := hub.NewPublisher(opts)
	require.NoError(t, err)

	args := arguments.DefaultPretokenizationArguments()
	args.DatasetName = "me/books"
	args.TokenizedDataRepo = "books-train"
	args.SaveDir = t.TempDir()
	args.NumWorkers = 2
	shards, err := Run(context.Background(), args, hub.NewFetcher(opts), publisher)
	require.NoError(t, err)
	require.Len(t, shards, 1)

	// the raw columns are dropped
	assert.ElementsMatch(t, []string{dataset.InputIDsColumn, dataset.RatioColumn}, columnNames(t, shards[0]))

	records, err := dataset.ReadTokenized(shards[0])
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []int32{15496, 995}, records[0].InputIDs)
	assert.InDelta(t, 11.0/2.0, records[0].RatioCharToken, 1e-12)
	assert.NotEmpty(t, records[1].InputIDs)

	assert.FileExists(t, filepath.Join(mirror, "datasets", "books-train", "data", "train-00000-of-00001.parquet"))
}
