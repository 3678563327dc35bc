// Package arguments holds the configuration bundles of the init, pretokenize and train commands.
//
// Every bundle has a Default constructor carrying the documented defaults and a Bind method that
// registers one flag per field on a pflag.FlagSet. Values are only type checked.
package arguments

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/pflag"
)

// PretokenizationArguments configures data pretokenization.
type PretokenizationArguments struct {
	TokenizerDir      string
	DatasetName       string
	TokenizedDataRepo string
	// NumWorkers is 0 when unset, see Workers.
	NumWorkers   int
	MaxShardSize string
	SaveDir      string
}

func DefaultPretokenizationArguments() PretokenizationArguments {
	return PretokenizationArguments{
		TokenizerDir:      "gpt2",
		DatasetName:       "sedthh/gutenberg_english",
		TokenizedDataRepo: "gutenberg-english-train",
		MaxShardSize:      "300MB",
		SaveDir:           "./",
	}
}

func (a *PretokenizationArguments) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&a.TokenizerDir, "tokenizer_dir", a.TokenizerDir, "Name or path to the tokenizer.")
	fs.StringVar(&a.DatasetName, "dataset_name", a.DatasetName, "Name or path to the dataset to pretokenize.")
	fs.StringVar(&a.TokenizedDataRepo, "tokenized_data_repo", a.TokenizedDataRepo, "Repo name of the pretokenized data.")
	fs.IntVar(&a.NumWorkers, "num_workers", a.NumWorkers, "Number of workers used for tokenization (default a quarter of the CPUs).")
	fs.StringVar(&a.MaxShardSize, "max_shard_size", a.MaxShardSize, "Maximum size of each output parquet shard.")
	fs.StringVar(&a.SaveDir, "save_dir", a.SaveDir, "Directory the tokenized dataset is written to before publishing.")
}

// Workers resolves NumWorkers: a quarter of the available CPUs when unset, never less than one.
func (a PretokenizationArguments) Workers() int {
	if a.NumWorkers > 0 {
		return a.NumWorkers
	}
	return max(1, runtime.NumCPU()/4)
}

// InitializationArguments configures the creation of a new model.
type InitializationArguments struct {
	ConfigName    string
	TokenizerName string
	ModelName     string
	PushToHub     bool
	Seed          int64
}

func DefaultInitializationArguments() InitializationArguments {
	return InitializationArguments{
		ConfigName:    "gpt2",
		TokenizerName: "gpt2",
		ModelName:     "shakespeare-gpt2",
		PushToHub:     true,
		Seed:          1,
	}
}

func (a *InitializationArguments) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&a.ConfigName, "config_name", a.ConfigName, "Configuration to use for model initialization.")
	fs.StringVar(&a.TokenizerName, "tokenizer_name", a.TokenizerName, "Tokenizer attached to model.")
	fs.StringVar(&a.ModelName, "model_name", a.ModelName, "Name of the created model.")
	fs.BoolVar(&a.PushToHub, "push_to_hub", a.PushToHub, "Push saved tokenizer and model to the hub.")
	fs.Int64Var(&a.Seed, "seed", a.Seed, "Seed of the random weight initialization.")
}

// TrainingArguments configures model training.
type TrainingArguments struct {
	ModelCkpt                 string
	SaveDir                   string
	DatasetNameTrain          string
	DatasetNameValid          string
	TrainBatchSize            int
	ValidBatchSize            int
	WeightDecay               float64
	ShuffleBuffer             int
	LearningRate              float64
	LRSchedulerType           string
	NumWarmupSteps            int
	GradientAccumulationSteps int
	GradientCheckpointing     bool
	MaxTrainSteps             int
	MaxEvalSteps              int
	SeqLength                 int
	Seed                      int64
	SaveCheckpointSteps       int
	// ResumeFromCheckpoint is empty when training starts from scratch.
	ResumeFromCheckpoint string
	Tokenized            bool
	PushToHub            bool
	NumProcesses         int
}

func DefaultTrainingArguments() TrainingArguments {
	return TrainingArguments{
		ModelCkpt:                 "HangenYuu/shakespeare-gpt2",
		SaveDir:                   "./",
		DatasetNameTrain:          "HangenYuu/gutenberg-english-train",
		DatasetNameValid:          "HangenYuu/gutenberg-english-train",
		TrainBatchSize:            8,
		ValidBatchSize:            8,
		WeightDecay:               0.01,
		ShuffleBuffer:             10000,
		LearningRate:              5e-4,
		LRSchedulerType:           "cosine",
		NumWarmupSteps:            750,
		GradientAccumulationSteps: 16,
		GradientCheckpointing:     true,
		MaxTrainSteps:             50000,
		MaxEvalSteps:              -1,
		SeqLength:                 1024,
		Seed:                      1,
		SaveCheckpointSteps:       1024,
		NumProcesses:              1,
	}
}

func (a *TrainingArguments) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&a.ModelCkpt, "model_ckpt", a.ModelCkpt, "Model name or path of model to be trained.")
	fs.StringVar(&a.SaveDir, "save_dir", a.SaveDir, "Save dir where model repo is cloned and models updates are saved to.")
	fs.StringVar(&a.DatasetNameTrain, "dataset_name_train", a.DatasetNameTrain, "Name or path of training dataset.")
	fs.StringVar(&a.DatasetNameValid, "dataset_name_valid", a.DatasetNameValid, "Name or path of validation dataset.")
	fs.IntVar(&a.TrainBatchSize, "train_batch_size", a.TrainBatchSize, "Batch size for training.")
	fs.IntVar(&a.ValidBatchSize, "valid_batch_size", a.ValidBatchSize, "Batch size for evaluation.")
	fs.Float64Var(&a.WeightDecay, "weight_decay", a.WeightDecay, "Value of weight decay.")
	fs.IntVar(&a.ShuffleBuffer, "shuffle_buffer", a.ShuffleBuffer, "Size of buffer used to shuffle streaming dataset.")
	fs.Float64Var(&a.LearningRate, "learning_rate", a.LearningRate, "Learning rate for training.")
	fs.StringVar(&a.LRSchedulerType, "lr_scheduler_type", a.LRSchedulerType, "Learning rate schedule: cosine, linear, constant or constant_with_warmup.")
	fs.IntVar(&a.NumWarmupSteps, "num_warmup_steps", a.NumWarmupSteps, "Number of warmup steps in the learning rate schedule.")
	fs.IntVar(&a.GradientAccumulationSteps, "gradient_accumulation_steps", a.GradientAccumulationSteps, "Number of gradient accumulation steps.")
	fs.BoolVar(&a.GradientCheckpointing, "gradient_checkpointing", a.GradientCheckpointing, "Use gradient checkpointing to reduce memory footprint.")
	fs.IntVar(&a.MaxTrainSteps, "max_train_steps", a.MaxTrainSteps, "Maximum number of training steps.")
	fs.IntVar(&a.MaxEvalSteps, "max_eval_steps", a.MaxEvalSteps, "Maximum number of evaluation steps. If -1 the full dataset is evaluated.")
	fs.IntVar(&a.SeqLength, "seq_length", a.SeqLength, "Sequence lengths used for training.")
	fs.Int64Var(&a.Seed, "seed", a.Seed, "Training seed.")
	fs.IntVar(&a.SaveCheckpointSteps, "save_checkpoint_steps", a.SaveCheckpointSteps, "Interval to save checkpoints. Measured as number of forward passes not training steps.")
	fs.StringVar(&a.ResumeFromCheckpoint, "resume_from_checkpoint", a.ResumeFromCheckpoint, "States path if the training should continue from a checkpoint folder.")
	fs.BoolVar(&a.Tokenized, "tokenized", a.Tokenized, "If true the data is pretokenized.")
	fs.BoolVar(&a.PushToHub, "push_to_hub", a.PushToHub, "Push the model to the hub at every checkpoint.")
	fs.IntVar(&a.NumProcesses, "num_processes", a.NumProcesses, "Number of data parallel model replicas.")
}

// HubArguments locate the remote store and the local cache shared by every command.
type HubArguments struct {
	Endpoint string
	Token    string
	CacheDir string
}

func DefaultHubArguments() HubArguments {
	cacheDir := filepath.Join(".cache", "llmgo")
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir = filepath.Join(home, cacheDir)
	}
	return HubArguments{
		Endpoint: "https://huggingface.co",
		Token:    os.Getenv("HF_TOKEN"),
		CacheDir: cacheDir,
	}
}

func (a *HubArguments) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&a.Endpoint, "hub_endpoint", a.Endpoint, "Where models and datasets are published: https://host, s3://bucket/prefix or file:///dir.")
	fs.StringVar(&a.Token, "hub_token", a.Token, "Access token of the hub (default $HF_TOKEN).")
	fs.StringVar(&a.CacheDir, "cache_dir", a.CacheDir, "Directory downloaded models and datasets are cached in.")
}
