// Package initialize creates a new GPT-2 model with random weights and saves it, together with
// its tokenizer, as a directory ready for training.
package initialize

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	llmgo "github.com/llmgo/finetune"
	"github.com/llmgo/finetune/arguments"
	"github.com/llmgo/finetune/hub"
	"github.com/llmgo/finetune/tokenizer"
)

// Run loads the tokenizer, builds the architecture named by args.ConfigName with both attention
// stability flags switched on, initializes it with args.Seed, and saves tokenizer and model into
// args.ModelName. With args.PushToHub both are then published to the repository args.ModelName.
func Run(ctx context.Context, args arguments.InitializationArguments, fetcher *hub.Fetcher, publisher hub.Publisher) (*llmgo.GPT2, error) {
	if args.PushToHub && publisher == nil {
		return nil, errors.New("push_to_hub is set but no publisher is configured")
	}
	tok, err := tokenizer.Fetch(args.TokenizerName, fetcher)
	if err != nil {
		return nil, err
	}
	config, err := ResolveConfig(args.ConfigName, fetcher)
	if err != nil {
		return nil, err
	}
	config.ScaleAttnByInverseLayerIdx = true
	config.ReorderAndUpcastAttn = true
	if tok.VocabSize() > config.V {
		return nil, errors.Errorf("tokenizer %q has %d tokens but config %q only %d", args.TokenizerName, tok.VocabSize(), args.ConfigName, config.V)
	}
	model := llmgo.RandomGPT2(config, args.Seed)
	klog.Infof("Initialized model from config %q with seed %d\n%s", args.ConfigName, args.Seed, model)

	if err := tok.Save(args.ModelName); err != nil {
		return nil, err
	}
	if err := model.SavePretrained(args.ModelName); err != nil {
		return nil, err
	}
	klog.Infof("Saved tokenizer and model to %s", args.ModelName)
	if !args.PushToHub {
		return model, nil
	}
	repo := hub.RepoName(args.ModelName)
	uploads := []hub.Upload{
		{Repo: repo, Kind: hub.KindModel, Dir: args.ModelName, Files: []string{tokenizer.ConfigFile, tokenizer.TableFile}, Message: "Add tokenizer"},
		{Repo: repo, Kind: hub.KindModel, Dir: args.ModelName, Files: []string{llmgo.ConfigFile, llmgo.ModelFile}, Message: "Add model"},
	}
	for _, upload := range uploads {
		if err := publisher.Publish(ctx, upload); err != nil {
			return nil, errors.WithMessagef(err, "publishing %s", repo)
		}
	}
	return model, nil
}

// ResolveConfig resolves a config name: a GPT-2 family name, a local config.json or directory
// holding one, or a model repository fetched from the hub.
func ResolveConfig(name string, fetcher *hub.Fetcher) (llmgo.GPT2Config, error) {
	if _, err := os.Stat(name); err == nil {
		return llmgo.ReadConfig(name)
	}
	if config, ok := llmgo.NamedConfig(name); ok {
		return config, nil
	}
	if fetcher == nil {
		return llmgo.GPT2Config{}, errors.Errorf("unknown config %q", name)
	}
	dir, err := fetcher.Model(name)
	if err != nil {
		return llmgo.GPT2Config{}, errors.WithMessagef(err, "resolving config %q", name)
	}
	return llmgo.ReadConfig(dir)
}
