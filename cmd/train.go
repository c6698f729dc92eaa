package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/abbert/pkg/config"
	"github.com/conneroisu/abbert/pkg/tracking"
	"github.com/conneroisu/abbert/pkg/trainer"
	"github.com/spf13/cobra"
)

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Pretrain with masked language modelling and next sentence prediction",
		Long: `
Pretrain BERT on paired heavy[SEP]light records.

The model config and vocabulary come from the hub (or --model-dir); the
model starts from scratch unless --pretrained or --resume-from is given.
Every epoch is evaluated and checkpointed to <output-dir>/checkpoint-epoch-N.
Settings are read from flags, ABBERT_* environment variables and --config.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			v := config.New()
			cfg, err := config.Load(v, cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			var tracker tracking.Tracker = tracking.Nop{}
			if !cfg.NoTracking {
				run, err := tracking.NewRun(cfg.Project, cfg.RunName, cfg.TrackingDir, v.AllSettings())
				if err != nil {
					return err
				}
				defer run.Close()
				log.Info("tracking run", "id", run.Info.ID, "dir", run.Dir)
				tracker = run
			}
			t, err := trainer.New(p.model, p.tok, p.trainLoader, p.evalLoader, trainer.Options{
				Epochs:       cfg.Epochs,
				LearningRate: cfg.LearningRate,
				WarmupSteps:  cfg.WarmupSteps,
				WeightDecay:  cfg.WeightDecay,
				MaxGradNorm:  float32(cfg.MaxGradNorm),
				LoggingSteps: cfg.LoggingSteps,
				OutputDir:    cfg.OutputDir,
				LoggingDir:   cfg.LoggingDir,
			}, tracker, log.Default())
			if err != nil {
				return err
			}
			if cfg.ResumeFrom != "" {
				if err := t.Resume(cfg.ResumeFrom); err != nil {
					return err
				}
			}
			results, err := t.Run(ctx)
			if err != nil {
				return fmt.Errorf("failed to train model: %w", err)
			}
			for _, r := range results {
				log.Info("epoch summary",
					"epoch", r.Epoch,
					"train_loss", r.TrainLoss,
					"eval_loss", r.Eval.Loss,
					"accuracy", r.Eval.Metrics.Accuracy,
					"checkpoint", r.Checkpoint)
			}
			return nil
		},
	}
	registerTrainFlags(cmd.Flags())
	return cmd
}
