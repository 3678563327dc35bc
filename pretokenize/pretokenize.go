// Package pretokenize encodes a raw text dataset once, ahead of training, and publishes the token
// ids as a parquet dataset.
package pretokenize

import (
	"context"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llmgo/finetune/arguments"
	"github.com/llmgo/finetune/dataset"
	"github.com/llmgo/finetune/hub"
	"github.com/llmgo/finetune/tokenizer"
)

// Split is the only split that is pretokenized.
const Split = "train"

// ErrZeroTokens is returned when a text encodes to no tokens, which leaves its character to
// token ratio undefined. It aborts the whole job.
var ErrZeroTokens = errors.New("text encodes to zero tokens")

// progressEvery is the number of records between two progress bar updates of a worker.
const progressEvery = 256

// TokenizeRecord encodes the text of a record without truncation.
func TokenizeRecord(rec dataset.RawRecord, enc dataset.Encoder) (dataset.TokenizedRecord, error) {
	ids := enc.Encode(rec.Text)
	if len(ids) == 0 {
		return dataset.TokenizedRecord{}, ErrZeroTokens
	}
	return dataset.TokenizedRecord{
		InputIDs:       ids,
		RatioCharToken: float64(utf8.RuneCountInString(rec.Text)) / float64(len(ids)),
	}, nil
}

// Tokenize encodes records with a pool of workers, each owning a contiguous partition of the
// input. Output order follows input order. The first failing record cancels the other workers.
func Tokenize(ctx context.Context, records []dataset.RawRecord, enc dataset.Encoder, workers int) ([]dataset.TokenizedRecord, error) {
	workers = max(1, min(workers, len(records)))
	out := make([]dataset.TokenizedRecord, len(records))
	bar := progressbar.Default(int64(len(records)), "tokenizing")
	g, ctx := errgroup.WithContext(ctx)
	size := (len(records) + workers - 1) / workers
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if (i-start)%progressEvery == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
					if i > start {
						advance(bar, progressEvery)
					}
				}
				rec, err := TokenizeRecord(records[i], enc)
				if err != nil {
					return errors.Wrapf(err, "record %d", i)
				}
				out[i] = rec
			}
			advance(bar, (end-start-1)%progressEvery+1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := bar.Finish(); err != nil {
		klog.V(2).Infof("progress bar: %v", err)
	}
	return out, nil
}

func advance(bar *progressbar.ProgressBar, n int) {
	if err := bar.Add(n); err != nil {
		klog.V(2).Infof("progress bar: %v", err)
	}
}

// Run loads the train split of args.DatasetName, tokenizes it with args.Workers() workers, writes
// it as parquet shards into <save_dir>/<tokenized_data_repo>/data and publishes that directory as
// the dataset args.TokenizedDataRepo. A nil publisher keeps the result local.
func Run(ctx context.Context, args arguments.PretokenizationArguments, fetcher *hub.Fetcher, publisher hub.Publisher) ([]string, error) {
	workers := args.Workers()
	tok, err := tokenizer.Fetch(args.TokenizerDir, fetcher)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	files, err := fetcher.Dataset(args.DatasetName, Split)
	if err != nil {
		return nil, err
	}
	var records []dataset.RawRecord
	for _, file := range files {
		recs, err := dataset.ReadRaw(file)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	klog.Infof("Dataset loaded in %.2fs", time.Since(start).Seconds())

	start = time.Now()
	tokenized, err := Tokenize(ctx, records, tok, workers)
	if err != nil {
		return nil, errors.WithMessagef(err, "tokenizing %s", args.DatasetName)
	}
	klog.Infof("Dataset tokenized in %.2fs", time.Since(start).Seconds())

	start = time.Now()
	dir := filepath.Join(args.SaveDir, args.TokenizedDataRepo)
	shards, err := dataset.WriteTokenized(filepath.Join(dir, "data"), Split, tokenized, args.MaxShardSize)
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		klog.Infof("Data saved to %s in %.2fs", dir, time.Since(start).Seconds())
		return shards, nil
	}
	upload := hub.Upload{Repo: args.TokenizedDataRepo, Kind: hub.KindDataset, Dir: dir, Message: "Upload pretokenized dataset"}
	if err := publisher.Publish(ctx, upload); err != nil {
		return nil, errors.WithMessagef(err, "publishing %s", args.TokenizedDataRepo)
	}
	klog.Infof("Data pushed to the hub in %.2fs", time.Since(start).Seconds())
	return shards, nil
}
