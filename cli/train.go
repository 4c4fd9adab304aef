package cli

import (
	"github.com/spf13/cobra"

	kiln "github.com/kilnml/kiln"
	"github.com/kilnml/kiln/trainer"
)

func NewTrainCmd() *cobra.Command {
	var (
		configPath string
		cfg        trainer.RunConfig
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier as a tracked run",
		Long: `Train the MNIST classifier, log params and per-epoch losses to the
tracking server, upload the model artifact and register it.

Examples:
  # Train with defaults (5 epochs, batch size 64, learning rate 0.1)
  kiln train

  # A quick smoke run on a truncated dataset
  kiln train --epochs 1 --limit 512

  # Hyperparameters from a config file, flags win on conflict
  kiln train --config kiln.toml --run-name overnight`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return nil
			}

			if configPath != "" {
				file, err := kiln.LoadConfig(configPath)
				if err != nil {
					logErrorCmd(*cmd, err)

					return err
				}
				applyFileConfig(cmd, file, &cfg)
			}

			summary, err := tsvc.Run(cmd.Context(), cfg)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			logJSONCmd(*cmd, summary)

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a kiln.toml hyperparameter file")
	cmd.Flags().StringVar(&cfg.Experiment, "experiment", trainer.DefExperiment, "Experiment grouping the run")
	cmd.Flags().StringVar(&cfg.RunName, "run-name", "", "Run name (generated when empty)")
	cmd.Flags().StringVar(&cfg.ModelName, "model-name", trainer.DefModelName, "Registered model name")
	cmd.Flags().IntVar(&cfg.Epochs, "epochs", trainer.DefEpochs, "Number of training epochs")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", trainer.DefBatchSize, "Training batch size")
	cmd.Flags().Float64Var(&cfg.LearningRate, "learning-rate", trainer.DefLearningRate, "SGD learning rate")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", trainer.DefSeed, "Seed for weight init and batch shuffling")
	cmd.Flags().IntVar(&cfg.Limit, "limit", 0, "Truncate both splits to this many samples (0 = all)")

	return cmd
}

// applyFileConfig fills run settings from the TOML file for every
// flag the user did not set explicitly.
func applyFileConfig(cmd *cobra.Command, file *kiln.Config, cfg *trainer.RunConfig) {
	flags := cmd.Flags()

	if !flags.Changed("experiment") && file.Tracking.Experiment != "" {
		cfg.Experiment = file.Tracking.Experiment
	}
	if !flags.Changed("model-name") && file.Tracking.ModelName != "" {
		cfg.ModelName = file.Tracking.ModelName
	}
	if !flags.Changed("epochs") && file.Training.Epochs > 0 {
		cfg.Epochs = file.Training.Epochs
	}
	if !flags.Changed("batch-size") && file.Training.BatchSize > 0 {
		cfg.BatchSize = file.Training.BatchSize
	}
	if !flags.Changed("learning-rate") && file.Training.LearningRate > 0 {
		cfg.LearningRate = file.Training.LearningRate
	}
	if !flags.Changed("seed") && file.Training.Seed != 0 {
		cfg.Seed = file.Training.Seed
	}
}
