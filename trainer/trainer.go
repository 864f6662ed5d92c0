// Package trainer runs the optimization loop: loss-weight scheduling,
// gradient accumulation, clipping, checkpointing and log aggregation. The
// model side is pluggable through the Strategy interface.
package trainer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Fraser-Greenlee/T5-VAE/data"
	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/params"
	"github.com/Fraser-Greenlee/T5-VAE/tokenizer"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

const checkpointPrefix = "checkpoint"

type Trainer struct {
	Cfg      params.TrainingConfig
	Strategy Strategy
	Opt      *optimizations.AdamW
	Sched    optimizations.LinearSchedule
	Loader   *data.Loader
	Tok      *tokenizer.Tokenizer
	Log      *slog.Logger

	GlobalStep int
	Epoch      float64

	metrics Metrics
}

// New wires a trainer. modelParams is the full trainable parameter list;
// the optimizer and LR schedule are built from cfg.
func New(cfg params.TrainingConfig, strategy Strategy, modelParams []*optimizations.Param, loader *data.Loader, tok *tokenizer.Tokenizer, log *slog.Logger) *Trainer {
	t := &Trainer{
		Cfg:      cfg,
		Strategy: strategy,
		Opt:      optimizations.NewAdamW(modelParams, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEpsilon, cfg.WeightDecay),
		Loader:   loader,
		Tok:      tok,
		Log:      log,
	}
	t.Sched = optimizations.LinearSchedule{
		Peak:        cfg.LearningRate,
		WarmupSteps: cfg.WarmupSteps,
		TotalSteps:  t.totalSteps(),
	}
	return t
}

func (t *Trainer) stepsPerEpoch() int {
	s := t.Loader.NumBatches() / t.Cfg.GradAccumSteps
	if s < 1 {
		s = 1
	}
	return s
}

func (t *Trainer) totalSteps() int {
	if t.Cfg.MaxSteps > 0 {
		return t.Cfg.MaxSteps
	}
	return t.stepsPerEpoch() * t.Cfg.NumEpochs
}

// RegWeight is the time-varying regularization weight: a fixed constant
// when configured, otherwise sigmoid(k*step - b) ramping from ~0 to ~1.
func (t *Trainer) RegWeight(step int) float64 {
	if t.Cfg.RegConstantWeight != nil {
		return *t.Cfg.RegConstantWeight
	}
	return utils.Sigmoid(float64(step)*t.Cfg.RegScheduleK - t.Cfg.RegScheduleB)
}

// Resume restores weights, optimizer and scheduler state from a checkpoint
// directory and derives the global step from its trailing step number.
func (t *Trainer) Resume(modelPath string) error {
	step, err := ParseCheckpointStep(modelPath)
	if err != nil {
		t.Log.Info("model path carries no step suffix, starting fine-tuning", "path", modelPath)
		step = 0
	}
	t.GlobalStep = step

	missing, unexpected, err := optimizations.LoadWeights(filepath.Join(modelPath, "model.gob"), t.Opt.Params)
	if err != nil {
		return err
	}
	for _, name := range missing {
		t.Log.Warn("weight not initialized from checkpoint", "param", name)
	}
	for _, name := range unexpected {
		t.Log.Warn("checkpoint weight not used", "param", name)
	}

	optPath := filepath.Join(modelPath, "optimizer.gob")
	if _, statErr := os.Stat(optPath); statErr == nil {
		if err := optimizations.LoadOptimizer(optPath, t.Opt); err != nil {
			return err
		}
	}
	schedPath := filepath.Join(modelPath, "scheduler.gob")
	if _, statErr := os.Stat(schedPath); statErr == nil {
		sched, err := optimizations.LoadScheduler(schedPath)
		if err != nil {
			return err
		}
		t.Sched = sched
	}
	return nil
}

// ParseCheckpointStep extracts the trailing global step from a checkpoint
// directory name like out/checkpoint-1000.
func ParseCheckpointStep(dir string) (int, error) {
	base := filepath.Base(filepath.Clean(dir))
	var step int
	if _, err := fmt.Sscanf(base, checkpointPrefix+"-%d", &step); err != nil {
		return 0, fmt.Errorf("no step suffix in checkpoint dir %q", dir)
	}
	return step, nil
}

// SkipBatches is how many already-seen batches the first resumed epoch
// drops; only the count is replayed, not the exact order.
func SkipBatches(globalStep, accumSteps, loaderLen int) int {
	return globalStep * accumSteps % loaderLen
}

// Train runs the full loop until the epoch count or step ceiling is hit.
func (t *Trainer) Train() error {
	loaderLen := t.Loader.NumBatches()
	stepsPerEpoch := t.stepsPerEpoch()
	numEpochs := t.Cfg.NumEpochs
	if t.Cfg.MaxSteps > 0 {
		numEpochs = t.Cfg.MaxSteps/stepsPerEpoch + 1
	}

	epochsTrained := 0
	skip := 0
	if t.GlobalStep > 0 {
		epochsTrained = t.GlobalStep / stepsPerEpoch
		skip = SkipBatches(t.GlobalStep, t.Cfg.GradAccumSteps, loaderLen)
		t.Log.Info("continuing from checkpoint",
			"global_step", t.GlobalStep,
			"epochs_trained", epochsTrained,
			"skip_batches", skip)
	}

	t.Log.Info("running training",
		"num_batches", loaderLen,
		"num_epochs", numEpochs,
		"accumulation_steps", t.Cfg.GradAccumSteps,
		"total_optimization_steps", t.totalSteps())

	gradScale := 1.0 / float64(t.Cfg.GradAccumSteps)
	for epoch := epochsTrained; epoch < numEpochs; epoch++ {
		for step, batch := range t.Loader.Batches(epoch) {
			if skip > 0 {
				skip--
				continue
			}

			regWeight := t.RegWeight(t.GlobalStep)
			ls, err := t.Strategy.TrainStep(batch, regWeight, gradScale)
			if err != nil {
				return fmt.Errorf("training step: %w", err)
			}
			t.metrics.Append(ls)

			boundary := (step+1)%t.Cfg.GradAccumSteps == 0 ||
				(loaderLen <= t.Cfg.GradAccumSteps && step+1 == loaderLen)
			if !boundary {
				continue
			}

			optimizations.ClipGlobalNorm(t.Opt.Params, t.Cfg.MaxGradNorm)
			t.Opt.Step(t.Sched.LR(t.GlobalStep))
			t.Opt.ZeroGrads()
			t.GlobalStep++
			t.Epoch = float64(t.GlobalStep) / float64(stepsPerEpoch)

			if (t.Cfg.LoggingSteps > 0 && t.GlobalStep%t.Cfg.LoggingSteps == 0) ||
				(t.GlobalStep == 1 && t.Cfg.LoggingFirstStep) {
				t.flushLogs()
			}
			if t.Cfg.SaveSteps > 0 && t.GlobalStep%t.Cfg.SaveSteps == 0 && t.Cfg.Coordinator {
				if err := t.SaveCheckpoint(); err != nil {
					return err
				}
				if err := t.rotateCheckpoints(); err != nil {
					return err
				}
			}
			if t.Cfg.MaxSteps > 0 && t.GlobalStep >= t.Cfg.MaxSteps {
				t.Log.Info("step ceiling reached", "global_step", t.GlobalStep)
				return nil
			}
		}
	}
	t.Log.Info("training completed", "global_step", t.GlobalStep)
	return nil
}

func (t *Trainer) flushLogs() {
	avg := t.metrics.Drain()
	t.Log.Info("train",
		"step", t.GlobalStep,
		"epoch", t.Epoch,
		"learning_rate", t.Sched.LR(t.GlobalStep),
		"loss", avg.Loss,
		"decoder_ce", avg.DecoderCE,
		"decoder_ce_sum", avg.DecoderCESum,
		"recon_loss", avg.ReconLoss,
		"reg_loss", avg.RegLoss,
		"reg_loss_w", avg.RegLossW)
}

// SaveCheckpoint writes model, tokenizer, optimizer and scheduler state
// under <output>/checkpoint-<step>/.
func (t *Trainer) SaveCheckpoint() error {
	dir := filepath.Join(t.Cfg.OutputDir, fmt.Sprintf("%s-%d", checkpointPrefix, t.GlobalStep))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	if err := optimizations.SaveWeights(filepath.Join(dir, "model.gob"), t.Opt.Params); err != nil {
		return err
	}
	if err := optimizations.SaveOptimizer(filepath.Join(dir, "optimizer.gob"), t.Opt); err != nil {
		return err
	}
	if err := optimizations.SaveScheduler(filepath.Join(dir, "scheduler.gob"), t.Sched); err != nil {
		return err
	}
	if t.Tok != nil {
		if err := t.Tok.Save(filepath.Join(dir, "vocab.txt")); err != nil {
			return err
		}
	}
	t.Log.Info("saved checkpoint", "dir", dir)
	return nil
}

// rotateCheckpoints deletes the oldest step-numbered checkpoints beyond
// the retention limit.
func (t *Trainer) rotateCheckpoints() error {
	if t.Cfg.SaveTotalLimit <= 0 {
		return nil
	}
	entries, err := os.ReadDir(t.Cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("listing output dir: %w", err)
	}
	type ckpt struct {
		step int
		path string
	}
	var ckpts []ckpt
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		step, err := ParseCheckpointStep(e.Name())
		if err != nil {
			continue
		}
		ckpts = append(ckpts, ckpt{step: step, path: filepath.Join(t.Cfg.OutputDir, e.Name())})
	}
	if len(ckpts) <= t.Cfg.SaveTotalLimit {
		return nil
	}
	for i := 0; i < len(ckpts); i++ {
		for j := i + 1; j < len(ckpts); j++ {
			if ckpts[j].step < ckpts[i].step {
				ckpts[i], ckpts[j] = ckpts[j], ckpts[i]
			}
		}
	}
	for _, c := range ckpts[:len(ckpts)-t.Cfg.SaveTotalLimit] {
		t.Log.Info("deleting old checkpoint", "dir", c.path)
		if err := os.RemoveAll(c.path); err != nil {
			return fmt.Errorf("rotating checkpoint %s: %w", c.path, err)
		}
	}
	return nil
}
