package main

import (
	"os"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/llmgo/finetune/arguments"
	"github.com/llmgo/finetune/hub"
	"github.com/llmgo/finetune/initialize"
	"github.com/llmgo/finetune/pretokenize"
	"github.com/llmgo/finetune/training"
)

// CLI global variables
var (
	hubArgs         = arguments.DefaultHubArguments()
	initArgs        = arguments.DefaultInitializationArguments()
	pretokenizeArgs = arguments.DefaultPretokenizationArguments()
	trainArgs       = arguments.DefaultTrainingArguments()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "llmgo",
	Short: "CLI tool to fine-tune GPT-2 models",
	Long: `
		This CLI tool creates GPT-2 models from a configuration and a tokenizer, pretokenizes text datasets
		into parquet shards and trains models on them, publishing the results to the Hugging Face hub, an
		S3 bucket or a local mirror.
	`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Ensure the cache directory exists
		must.M(os.MkdirAll(hubArgs.CacheDir, os.ModePerm))
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new GPT-2 model",
	Long:  `This command builds a randomly initialized GPT-2 model from a named configuration and a tokenizer, saves both under the model name and pushes them to the hub.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fetcher, publisher, err := hubClients(initArgs.PushToHub)
		if err != nil {
			return err
		}
		_, err = initialize.Run(cmd.Context(), initArgs, fetcher, publisher)
		return err
	},
}

var pretokenizeCmd = &cobra.Command{
	Use:   "pretokenize",
	Short: "Pretokenize a text dataset",
	Long:  `This command tokenizes every record of a raw text dataset in parallel, writes the token ids and character to token ratios as parquet shards and publishes them as a dataset.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fetcher, publisher, err := hubClients(true)
		if err != nil {
			return err
		}
		_, err = pretokenize.Run(cmd.Context(), pretokenizeArgs, fetcher, publisher)
		return err
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a GPT-2 model",
	Long:  `This command trains a model on a streamed dataset with gradient accumulation and a warmup schedule, evaluating and checkpointing at a fixed interval of forward passes.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fetcher, publisher, err := hubClients(trainArgs.PushToHub)
		if err != nil {
			return err
		}
		result, err := training.Run(cmd.Context(), trainArgs, fetcher, publisher)
		if err != nil {
			return err
		}
		klog.Infof("Training done after %d steps: loss/eval %.4f, perplexity %.4f", result.CompletedSteps, result.EvalLoss, result.Perplexity)
		return nil
	},
}

// hubClients builds the fetcher and, when push is set, the publisher for the hub flags. A Hugging
// Face publisher without a token is rejected here rather than after the work is done.
func hubClients(push bool) (*hub.Fetcher, hub.Publisher, error) {
	opts := hub.Options(hubArgs)
	fetcher := hub.NewFetcher(opts)
	if !push {
		return fetcher, nil, nil
	}
	publisher, err := hub.NewPublisher(opts)
	if err != nil {
		return nil, nil, err
	}
	if hf, ok := publisher.(*hub.HuggingFace); ok && hf.Token == "" {
		return nil, nil, errors.New("publishing to the Hugging Face hub requires a token, set --hub_token or HF_TOKEN")
	}
	return fetcher, publisher, nil
}

func init() {
	hubArgs.Bind(rootCmd.PersistentFlags())
	initArgs.Bind(initCmd.Flags())
	pretokenizeArgs.Bind(pretokenizeCmd.Flags())
	trainArgs.Bind(trainCmd.Flags())

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(pretokenizeCmd)
	rootCmd.AddCommand(trainCmd)
}
