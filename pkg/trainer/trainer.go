// Package trainer runs the epoch loop: training steps with gradient
// clipping and a warmup schedule, evaluation on masked positions, and
// per-epoch checkpoints.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/abbert/pkg/bert"
	"github.com/conneroisu/abbert/pkg/data"
	"github.com/conneroisu/abbert/pkg/metrics"
	"github.com/conneroisu/abbert/pkg/optim"
	"github.com/conneroisu/abbert/pkg/torch"
	"github.com/conneroisu/abbert/pkg/tracking"
	"github.com/gofrs/flock"
	"github.com/sourcegraph/conc/pool"
)

// Checkpoint file names next to the model files.
const (
	OptimizerFile = "optimizer.safetensors"
	SchedulerFile = "scheduler.json"
	StateFile     = "trainer_state.json"
	lockFile      = ".abbert.lock"
)

// ErrNonFiniteLoss is returned when a training step produces a NaN or
// infinite loss.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// ErrOutputLocked is returned when another run holds the output directory.
var ErrOutputLocked = errors.New("output directory is in use by another run")

// Saver writes tokenizer files into a checkpoint directory.
type Saver interface {
	Save(dir string) error
}

// Options configure a Trainer.
type Options struct {
	Epochs       int
	LearningRate float64
	WarmupSteps  int
	WeightDecay  float64
	MaxGradNorm  float32
	// LoggingSteps is the interval of detailed step logging and tracking.
	LoggingSteps int
	OutputDir    string
	LoggingDir   string
}

// DefaultOptions returns 10 epochs, lr 1e-5, 500 warmup steps, weight decay
// 0.01, gradient norm 1 and detailed logging every 10 steps.
func DefaultOptions() Options {
	return Options{
		Epochs:       10,
		LearningRate: 1e-5,
		WarmupSteps:  500,
		WeightDecay:  0.01,
		MaxGradNorm:  1.0,
		LoggingSteps: 10,
		OutputDir:    "output",
		LoggingDir:   "output_logging",
	}
}

// EvalResult is the outcome of one evaluation pass.
type EvalResult struct {
	Loss        float64
	Metrics     metrics.Result
	NSPAccuracy float64
}

// Fields returns the metrics keyed the way they are tracked.
func (e EvalResult) Fields() map[string]any {
	fields := e.Metrics.Fields()
	fields["nsp_accuracy"] = e.NSPAccuracy
	return fields
}

// EpochResult summarises a finished epoch.
type EpochResult struct {
	Epoch      int
	TrainLoss  float64
	Eval       EvalResult
	Checkpoint string
}

// State is written to trainer_state.json in every checkpoint.
type State struct {
	Epoch      int `json:"epoch"`
	GlobalStep int `json:"global_step"`
}

// Trainer owns the optimisation state of a model.
type Trainer struct {
	Model     *bert.BertForPreTraining
	Tokenizer Saver
	Train     data.Loader
	Eval      data.Loader
	Optimizer *optim.AdamW
	Schedule  *optim.LinearSchedule
	Tracker   tracking.Tracker
	Logger    *log.Logger

	opts       Options
	startEpoch int
	trainLog   *tracking.TrainingLog
}

// New returns a trainer starting at epoch 0. The schedule decays to zero
// after Epochs * train.Len() steps.
func New(model *bert.BertForPreTraining, tok Saver, train, eval data.Loader, opts Options, tracker tracking.Tracker, logger *log.Logger) (*Trainer, error) {
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", opts.Epochs)
	}
	if opts.LoggingSteps <= 0 {
		opts.LoggingSteps = 1
	}
	if tracker == nil {
		tracker = tracking.Nop{}
	}
	if logger == nil {
		logger = log.Default()
	}
	trainLog, err := tracking.NewTrainingLog(opts.LoggingDir)
	if err != nil {
		return nil, err
	}
	adamw := optim.DefaultAdamWOptions()
	adamw.WeightDecay = float32(opts.WeightDecay)
	return &Trainer{
		Model:     model,
		Tokenizer: tok,
		Train:     train,
		Eval:      eval,
		Optimizer: optim.NewAdamW(model.NumParams(), adamw),
		Schedule:  optim.NewLinearSchedule(opts.LearningRate, opts.WarmupSteps, opts.Epochs*train.Len()),
		Tracker:   tracker,
		Logger:    logger,
		opts:      opts,
		trainLog:  trainLog,
	}, nil
}

// Resume restores the optimizer, schedule and epoch counter from a
// checkpoint directory. The model weights are loaded separately with
// bert.Load.
func (t *Trainer) Resume(dir string) error {
	if err := t.Optimizer.Load(filepath.Join(dir, OptimizerFile)); err != nil {
		return fmt.Errorf("failed to restore optimizer: %w", err)
	}
	schedule, err := optim.LoadLinearSchedule(filepath.Join(dir, SchedulerFile))
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return fmt.Errorf("failed to read trainer state: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("failed to parse trainer state: %w", err)
	}
	t.Schedule = schedule
	t.startEpoch = state.Epoch + 1
	t.Logger.Info("resumed", "checkpoint", dir, "epoch", state.Epoch, "global_step", state.GlobalStep)
	return nil
}

// Run trains the remaining epochs. It stops between steps when ctx is done.
func (t *Trainer) Run(ctx context.Context) ([]EpochResult, error) {
	if err := os.MkdirAll(t.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	lock := flock.New(filepath.Join(t.opts.OutputDir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("while trying to lock %q: %w", t.opts.OutputDir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrOutputLocked, t.opts.OutputDir)
	}
	defer lock.Unlock()

	t.Logger.Info("starting training",
		"epochs", t.opts.Epochs,
		"start_epoch", t.startEpoch,
		"steps_per_epoch", t.Train.Len(),
		"parameters", t.Model.NumParams())
	var results []EpochResult
	for epoch := t.startEpoch; epoch < t.opts.Epochs; epoch++ {
		res, err := t.runEpoch(ctx, epoch)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochResult, error) {
	start := time.Now()
	trainLoss, err := t.trainEpoch(ctx, epoch)
	if err != nil {
		return EpochResult{}, err
	}
	t.Logger.Info("epoch training done", "epoch", epoch, "avg_train_loss", trainLoss)
	if err := t.Tracker.Log(map[string]any{"avg_train_loss": trainLoss, "epoch": epoch}); err != nil {
		return EpochResult{}, err
	}

	eval, err := t.Evaluate(ctx)
	if err != nil {
		return EpochResult{}, err
	}
	t.Logger.Info("evaluation",
		"epoch", epoch,
		"avg_eval_loss", eval.Loss,
		"accuracy", eval.Metrics.Accuracy,
		"f1", eval.Metrics.F1,
		"nsp_accuracy", eval.NSPAccuracy)
	if err := t.Tracker.Log(map[string]any{"avg_eval_loss": eval.Loss, "epoch": epoch}); err != nil {
		return EpochResult{}, err
	}
	if err := t.Tracker.Log(eval.Fields()); err != nil {
		return EpochResult{}, err
	}

	dir, err := t.SaveCheckpoint(epoch)
	if err != nil {
		return EpochResult{}, err
	}
	if err := t.trainLog.Epoch(epoch, trainLoss, eval.Loss, eval.Fields()); err != nil {
		return EpochResult{}, err
	}
	t.Logger.Info("epoch done", "epoch", epoch, "checkpoint", dir, "took", time.Since(start))
	return EpochResult{Epoch: epoch, TrainLoss: trainLoss, Eval: eval, Checkpoint: dir}, nil
}

// trainEpoch runs one pass over the training loader and returns the mean
// step loss.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	t.Train.Reset()
	var total float64
	var steps int
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := t.Train.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		out, err := t.Model.Forward(batch)
		if err != nil {
			return 0, fmt.Errorf("epoch %d step %d: forward: %w", epoch, step, err)
		}
		if !torch.IsFinite(out.Loss) {
			return 0, fmt.Errorf("%w at epoch %d step %d (mlm %v, nsp %v)", ErrNonFiniteLoss, epoch, step, out.MLMLoss, out.NSPLoss)
		}
		total += float64(out.Loss)
		steps++

		if err := t.Model.Backward(); err != nil {
			return 0, fmt.Errorf("failed to backward: %w", err)
		}
		norm := torch.ClipGradNorm(t.Model.Grads(), t.opts.MaxGradNorm)
		lr := t.Schedule.LR()
		if err := t.Optimizer.Update(t.Model.Weights(), t.Model.Grads(), lr); err != nil {
			return 0, err
		}
		t.Schedule.Advance()
		t.Model.ZeroGradient()

		t.Logger.Info("train", "epoch", epoch, "step", step, "loss", out.Loss)
		if step%t.opts.LoggingSteps == 0 {
			t.Logger.Debug("detailed logging",
				"epoch", epoch,
				"step", step,
				"input_ids", batch.InputIDs,
				"attention_mask", batch.AttentionMask,
				"loss", out.Loss,
				"grad_norm", norm,
				"lr", lr)
			if err := t.Tracker.Log(map[string]any{"train_loss": out.Loss, "epoch": epoch, "step": step}); err != nil {
				return 0, err
			}
		}
	}
	if steps == 0 {
		return 0, fmt.Errorf("epoch %d: training loader yielded no batches", epoch)
	}
	return total / float64(steps), nil
}

// Evaluate runs the model over the evaluation loader without updating it.
func (t *Trainer) Evaluate(ctx context.Context) (EvalResult, error) {
	t.Eval.Reset()
	var (
		total               float64
		batches             int
		preds, labels       [][]int32
		nspPreds, nspLabels []int32
	)
	for {
		if err := ctx.Err(); err != nil {
			return EvalResult{}, err
		}
		batch, err := t.Eval.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EvalResult{}, err
		}
		out, err := t.Model.Forward(batch)
		if err != nil {
			return EvalResult{}, fmt.Errorf("evaluation forward: %w", err)
		}
		total += float64(out.Loss)
		batches++
		if batch.Labels != nil {
			batchPreds := out.Predictions()
			for i := 0; i < batch.Size; i++ {
				preds = append(preds, batchPreds[i*batch.SeqLen:(i+1)*batch.SeqLen])
				labels = append(labels, batch.Labels[i*batch.SeqLen:(i+1)*batch.SeqLen])
			}
		}
		if batch.NextSentenceLabels != nil {
			nspPreds = append(nspPreds, out.NSPPredictions()...)
			nspLabels = append(nspLabels, batch.NextSentenceLabels...)
		}
	}
	if batches == 0 {
		return EvalResult{}, errors.New("evaluation loader yielded no batches")
	}
	res := EvalResult{Loss: total / float64(batches)}
	var err error
	if res.Metrics, err = metrics.Compute(preds, labels); err != nil {
		return EvalResult{}, err
	}
	if res.NSPAccuracy, err = metrics.NSPAccuracy(nspPreds, nspLabels); err != nil {
		return EvalResult{}, err
	}
	return res, nil
}

// SaveCheckpoint writes the model, tokenizer, optimizer, schedule and
// trainer state to <output>/checkpoint-epoch-<epoch>.
func (t *Trainer) SaveCheckpoint(epoch int) (string, error) {
	dir := filepath.Join(t.opts.OutputDir, fmt.Sprintf("checkpoint-epoch-%d", epoch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	p := pool.New().WithErrors()
	p.Go(func() error { return t.Model.Save(dir) })
	if t.Tokenizer != nil {
		p.Go(func() error { return t.Tokenizer.Save(dir) })
	}
	p.Go(func() error { return t.Optimizer.Save(filepath.Join(dir, OptimizerFile)) })
	p.Go(func() error { return t.Schedule.Save(filepath.Join(dir, SchedulerFile)) })
	p.Go(func() error {
		raw, err := json.MarshalIndent(State{Epoch: epoch, GlobalStep: t.Schedule.Step}, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, StateFile), raw, 0o644)
	})
	if err := p.Wait(); err != nil {
		return "", fmt.Errorf("failed to save checkpoint %s: %w", dir, err)
	}
	return dir, nil
}
