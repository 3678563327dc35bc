// Package training fine-tunes a GPT-2 model on a streamed text dataset with gradient accumulation,
// a warmup schedule, periodic evaluation and resumable checkpoints.
package training

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	llmgo "github.com/llmgo/finetune"
	"github.com/llmgo/finetune/accelerate"
	"github.com/llmgo/finetune/arguments"
	"github.com/llmgo/finetune/dataset"
	"github.com/llmgo/finetune/hub"
	"github.com/llmgo/finetune/tokenizer"
)

const (
	// Split is the split both datasets are read from.
	Split = "train"
	// MaxGradNorm is the global gradient norm updates are clipped to.
	MaxGradNorm = 1.0
)

// Metrics are reported after every forward pass.
type Metrics struct {
	LR      float64
	Samples int
	Steps   int
	Loss    float32
	// Epoch is the number of completed passes over the training files.
	Epoch int
}

// Result summarizes a finished run.
type Result struct {
	Step           int
	CompletedSteps int
	EvalLoss       float64
	Perplexity     float64
}

type Trainer struct {
	args      arguments.TrainingArguments
	acc       *accelerate.Accelerator
	model     *llmgo.GPT2
	tok       *tokenizer.Tokenizer
	opt       *llmgo.AdamW
	sched     *llmgo.Scheduler
	train     *dataset.DataLoader
	valid     *dataset.DataLoader
	publisher hub.Publisher

	resumeStep     int
	completedSteps int

	// OnStep is called after every forward pass that was not skipped while resuming.
	OnStep func(step int, m Metrics)
}

// New loads the model and tokenizer from args.ModelCkpt, builds optimizer, schedule and data
// loaders, and restores args.ResumeFromCheckpoint when set. A nil publisher is only allowed
// without args.PushToHub.
func New(args arguments.TrainingArguments, fetcher *hub.Fetcher, publisher hub.Publisher) (*Trainer, error) {
	if args.PushToHub && publisher == nil {
		return nil, errors.New("push_to_hub is set but no publisher is configured")
	}
	if args.SaveCheckpointSteps <= 0 {
		return nil, errors.Errorf("save_checkpoint_steps must be positive, got %d", args.SaveCheckpointSteps)
	}
	t := &Trainer{
		args:      args,
		acc:       accelerate.New(args.NumProcesses, args.GradientAccumulationSteps, args.SaveDir),
		publisher: publisher,
	}
	t.OnStep = t.logStep
	klog.Infof("Training arguments: %+v", args)

	modelDir, err := fetcher.Model(args.ModelCkpt)
	if err != nil {
		return nil, err
	}
	if t.model, err = llmgo.LoadPretrained(modelDir); err != nil {
		return nil, err
	}
	if t.tok, err = tokenizer.Load(modelDir); err != nil {
		return nil, err
	}
	if args.SeqLength > t.model.Config.MaxSeqLen {
		return nil, errors.Errorf("seq_length %d exceeds the model maximum of %d", args.SeqLength, t.model.Config.MaxSeqLen)
	}
	t.model.ActivationCheckpointing = args.GradientCheckpointing
	t.acc.Prepare(t.model)
	klog.Infof("Loaded model from %s\n%s", modelDir, t.model)

	t.opt = llmgo.NewAdamW(&t.model.Params, float32(args.WeightDecay))
	if t.sched, err = llmgo.NewScheduler(args.LRSchedulerType, args.LearningRate, args.NumWarmupSteps, args.MaxTrainSteps); err != nil {
		return nil, err
	}
	if t.train, err = t.loader(fetcher, args.DatasetNameTrain, args.TrainBatchSize, true); err != nil {
		return nil, errors.WithMessage(err, "training data")
	}
	if t.valid, err = t.loader(fetcher, args.DatasetNameValid, args.ValidBatchSize, false); err != nil {
		return nil, errors.WithMessage(err, "validation data")
	}

	if args.ResumeFromCheckpoint != "" {
		if t.resumeStep, err = accelerate.ResumeStep(args.ResumeFromCheckpoint); err != nil {
			return nil, err
		}
		state, err := t.acc.LoadState(args.ResumeFromCheckpoint, t.opt)
		if err != nil {
			return nil, err
		}
		t.completedSteps = state.CompletedSteps
		t.sched.Step = state.SchedulerStep
		klog.Infof("Resuming from %s: skipping %d steps", args.ResumeFromCheckpoint, t.resumeStep)
	}
	return t, nil
}

func (t *Trainer) loader(fetcher *hub.Fetcher, name string, batchSize int, train bool) (*dataset.DataLoader, error) {
	files, err := fetcher.Dataset(name, Split)
	if err != nil {
		return nil, err
	}
	opts := dataset.Options{
		BatchSize: batchSize,
		SeqLength: t.args.SeqLength,
		Tokenized: t.args.Tokenized,
		Infinite:  train,
		Seed:      t.args.Seed,
		Encoder:   t.tok,
		EOS:       t.tok.EOS(),
	}
	if train {
		opts.ShuffleBuffer = t.args.ShuffleBuffer
	}
	return dataset.NewDataLoader(files, opts)
}

// Model is the model being trained.
func (t *Trainer) Model() *llmgo.GPT2 {
	return t.model
}

// nextBatches draws one batch per replica. Fewer batches are returned at the end of a finite
// loader, none once it is exhausted.
func (t *Trainer) nextBatches(loader *dataset.DataLoader) ([]accelerate.Batch, error) {
	var batches []accelerate.Batch
	for len(batches) < t.acc.NumProcesses {
		inputs, targets, B, err := loader.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		batches = append(batches, accelerate.Batch{Inputs: inputs, Targets: targets, B: B, T: t.args.SeqLength})
	}
	return batches, nil
}

// Train runs forward passes until MaxTrainSteps optimizer updates have been applied, then
// evaluates and saves a last time.
func (t *Trainer) Train(ctx context.Context) (Result, error) {
	if t.completedSteps >= t.args.MaxTrainSteps {
		klog.Infof("Checkpoint %s already completed %d of %d steps", t.args.ResumeFromCheckpoint, t.completedSteps, t.args.MaxTrainSteps)
		loss, perplexity, err := t.Evaluate(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Step: t.resumeStep, CompletedSteps: t.completedSteps, EvalLoss: loss, Perplexity: perplexity}, nil
	}
	samplesPerStep := t.acc.NumProcesses * t.args.TrainBatchSize
	step := 0
	for t.completedSteps < t.args.MaxTrainSteps {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		step++
		batches, err := t.nextBatches(t.train)
		if err != nil {
			return Result{}, err
		}
		if len(batches) != t.acc.NumProcesses {
			return Result{}, errors.New("training data stream ended")
		}
		if step <= t.resumeStep {
			continue
		}
		loss, err := t.acc.Backward(ctx, batches)
		if err != nil {
			return Result{}, errors.WithMessagef(err, "step %d", step)
		}
		lr := t.sched.LR()
		if t.acc.SyncGradients(step) {
			t.acc.ReduceGradients()
			norm := llmgo.ClipGradNorm(&t.model.Grads, MaxGradNorm)
			t.opt.Step(&t.model.Params, &t.model.Grads, float32(lr))
			t.sched.Advance()
			t.acc.ZeroGradients()
			t.completedSteps++
			klog.V(1).Infof("step %d: update %d, grad norm %.4f", step, t.completedSteps, norm)
		}
		t.OnStep(step, Metrics{LR: lr, Samples: step * samplesPerStep, Steps: t.completedSteps, Loss: loss, Epoch: t.train.Epoch()})
		if step%t.args.SaveCheckpointSteps == 0 {
			if _, _, err := t.Evaluate(ctx); err != nil {
				return Result{}, err
			}
			if err := t.checkpoint(ctx, step); err != nil {
				return Result{}, err
			}
		}
	}
	loss, perplexity, err := t.Evaluate(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := t.checkpoint(ctx, step); err != nil {
		return Result{}, err
	}
	return Result{Step: step, CompletedSteps: t.completedSteps, EvalLoss: loss, Perplexity: perplexity}, nil
}

func (t *Trainer) logStep(step int, m Metrics) {
	klog.Infof("step %d: lr %.4e, samples %d, steps %d, epoch %d, loss/train %.4f", step, m.LR, m.Samples, m.Steps, m.Epoch, m.Loss)
}

// Evaluate computes the mean loss over the validation data, at most MaxEvalSteps batches per
// replica when MaxEvalSteps is positive and the whole stream otherwise.
func (t *Trainer) Evaluate(ctx context.Context) (loss, perplexity float64, err error) {
	if err := t.valid.Reset(); err != nil {
		return 0, 0, err
	}
	var sum float64
	var rows int
	for step := 0; t.args.MaxEvalSteps <= 0 || step < t.args.MaxEvalSteps; step++ {
		batches, err := t.nextBatches(t.valid)
		if err != nil {
			return 0, 0, err
		}
		if len(batches) == 0 {
			break
		}
		batchLoss, err := t.acc.Forward(ctx, batches)
		if err != nil {
			return 0, 0, errors.WithMessage(err, "evaluating")
		}
		n := 0
		for _, b := range batches {
			n += b.B
		}
		sum += float64(batchLoss) * float64(n)
		rows += n
	}
	if rows == 0 {
		return 0, 0, errors.New("validation data holds no full sequence")
	}
	loss = sum / float64(rows)
	perplexity = Perplexity(loss)
	klog.Infof("loss/eval %.4f, perplexity %.4f", loss, perplexity)
	return loss, perplexity, nil
}

// Perplexity is exp(loss), +Inf when that overflows.
func Perplexity(loss float64) float64 {
	perplexity := math.Exp(loss)
	if math.IsInf(perplexity, 1) {
		klog.Warningf("perplexity overflows for loss %.4f", loss)
	}
	return perplexity
}

// checkpoint saves the training state into save_dir/step_<step>, the model and tokenizer into
// save_dir, and publishes the latter when push_to_hub is set.
func (t *Trainer) checkpoint(ctx context.Context, step int) error {
	state := accelerate.State{
		Step:           step,
		CompletedSteps: t.completedSteps,
		SchedulerStep:  t.sched.Step,
		Seed:           t.args.Seed,
	}
	if err := t.acc.SaveState(t.acc.StepDir(step), t.opt, state); err != nil {
		return err
	}
	if err := t.tok.Save(t.args.SaveDir); err != nil {
		return err
	}
	if err := t.model.SavePretrained(t.args.SaveDir); err != nil {
		return err
	}
	if !t.args.PushToHub {
		return nil
	}
	upload := hub.Upload{
		Repo:    hub.RepoName(t.args.ModelCkpt),
		Kind:    hub.KindModel,
		Dir:     t.args.SaveDir,
		Files:   []string{llmgo.ConfigFile, llmgo.ModelFile, tokenizer.ConfigFile, tokenizer.TableFile},
		Message: fmt.Sprintf("step %d", step),
	}
	return errors.WithMessagef(t.publisher.Publish(ctx, upload), "publishing step %d", step)
}

// Run trains with args from start to end.
func Run(ctx context.Context, args arguments.TrainingArguments, fetcher *hub.Fetcher, publisher hub.Publisher) (Result, error) {
	trainer, err := New(args, fetcher, publisher)
	if err != nil {
		return Result{}, err
	}
	return trainer.Train(ctx)
}
