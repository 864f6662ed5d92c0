package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Fraser-Greenlee/T5-VAE/data"
	"github.com/Fraser-Greenlee/T5-VAE/model"
	"github.com/Fraser-Greenlee/T5-VAE/params"
	"github.com/Fraser-Greenlee/T5-VAE/tokenizer"
	"github.com/Fraser-Greenlee/T5-VAE/trainer"
)

var (
	trainConfigPath   string
	trainOverwriteOut bool
	trainFreshCache   bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the autoencoder on a token sequence file",
	RunE:  runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVarP(&trainConfigPath, "config", "c", "", "Path to the YAML training config")
	trainCmd.Flags().BoolVar(&trainOverwriteOut, "overwrite-output-dir", false, "Allow writing into a non-empty output directory")
	trainCmd.Flags().BoolVar(&trainFreshCache, "overwrite-cache", false, "Re-tokenize the dataset even when a cache exists")
	trainCmd.MarkFlagRequired("config")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := params.Load(trainConfigPath)
	if err != nil {
		return err
	}
	if trainOverwriteOut {
		cfg.Training.OverwriteOutputDir = true
	}
	if trainFreshCache {
		cfg.Data.OverwriteCache = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// Resuming writes into the same directory on purpose.
	if cfg.Model.ModelPath == "" {
		if err := cfg.Training.CheckOutputDir(); err != nil {
			return err
		}
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tok, err := tokenizer.Load(cfg.Model.VocabFile)
	if err != nil {
		return err
	}
	ds, err := data.Load(tok, cfg.Data.TrainFile, cfg.Model.SeqSize, cfg.Data.OverwriteCache)
	if err != nil {
		return err
	}
	log.Info("dataset ready", "examples", ds.Len(), "seq_size", cfg.Model.SeqSize, "vocab", tok.Size())

	loader := data.NewLoader(ds, cfg.Training.BatchSize, cfg.Training.Seed)
	m := model.New(cfg.Model, tok, cfg.Training.UseReconLoss, uint64(cfg.Training.Seed))

	t := trainer.New(cfg.Training, m, m.Params(), loader, tok, log)
	if cfg.Model.ModelPath != "" {
		if err := t.Resume(cfg.Model.ModelPath); err != nil {
			return fmt.Errorf("resuming from %s: %w", cfg.Model.ModelPath, err)
		}
	}
	return t.Train()
}
