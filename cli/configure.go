package cli

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	kiln "github.com/kilnml/kiln"
	"github.com/kilnml/kiln/trainer"
)

func validInt(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fmt.Errorf("must be a positive integer")
	}

	return nil
}

func validFloat(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return fmt.Errorf("must be a positive number")
	}

	return nil
}

func NewConfigureCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write a kiln.toml interactively",
		Long:  `Prompt for tracking and training settings and write them to a config file.`,
		Run: func(cmd *cobra.Command, args []string) {
			var (
				trackingURL  = "http://localhost:5000"
				experiment   = trainer.DefExperiment
				modelName    = trainer.DefModelName
				dataDir      string
				epochs       = strconv.Itoa(trainer.DefEpochs)
				batchSize    = strconv.Itoa(trainer.DefBatchSize)
				learningRate = strconv.FormatFloat(trainer.DefLearningRate, 'g', -1, 64)
			)

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Tracking server URL").
						Value(&trackingURL),
					huh.NewInput().
						Title("Experiment name").
						Value(&experiment),
					huh.NewInput().
						Title("Registered model name").
						Value(&modelName),
					huh.NewInput().
						Title("Dataset cache directory (blank for default)").
						Value(&dataDir),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Epochs").
						Validate(validInt).
						Value(&epochs),
					huh.NewInput().
						Title("Batch size").
						Validate(validInt).
						Value(&batchSize),
					huh.NewInput().
						Title("Learning rate").
						Validate(validFloat).
						Value(&learningRate),
				),
			)
			if err := form.Run(); err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			epochsV, _ := strconv.Atoi(epochs)
			batchV, _ := strconv.Atoi(batchSize)
			lrV, _ := strconv.ParseFloat(learningRate, 64)

			cfg := kiln.Config{
				Tracking: kiln.TrackingConfig{
					URL:        trackingURL,
					Experiment: experiment,
					ModelName:  modelName,
				},
				Training: kiln.TrainingConfig{
					Epochs:       epochsV,
					BatchSize:    batchV,
					LearningRate: lrV,
					Seed:         trainer.DefSeed,
					DataDir:      dataDir,
				},
			}
			if err := cfg.Save(output); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logSuccessCmd(*cmd, "Successfully wrote "+output)
		},
	}

	cmd.Flags().StringVar(&output, "output", "kiln.toml", "Where to write the config file")

	return cmd
}
