package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewInferCmd() *cobra.Command {
	var (
		index   int
		pngPath string
	)

	cmd := &cobra.Command{
		Use:   "infer <model-uri>",
		Short: "Classify one test sample with a registered model",
		Long: `Reload a model from the registry and run a single forward pass on a
held-out test example, rendering the input and the predicted label.

Examples:
  # Latest registered version of the default model
  kiln infer models:/mnist-classifier/1

  # A specific run artifact and test sample
  kiln infer runs:/5f1c.../model/network.json --index 17

  # Also export the input image
  kiln infer models:/mnist-classifier/1 --png digit.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return nil
			}

			pred, err := tsvc.Infer(cmd.Context(), args[0], index)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n%s", pred.Image.ASCII())
			logSuccessCmd(*cmd, fmt.Sprintf("predicted %d, actual %d", pred.Predicted, pred.Label))
			logJSONCmd(*cmd, pred)

			if pngPath != "" {
				f, err := os.Create(pngPath)
				if err != nil {
					logErrorCmd(*cmd, err)

					return err
				}
				defer f.Close()

				if err := pred.Image.PNG(f); err != nil {
					logErrorCmd(*cmd, err)

					return err
				}
				logSuccessCmd(*cmd, "Successfully wrote "+pngPath)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&index, "index", 0, "Test-split sample index to classify")
	cmd.Flags().StringVar(&pngPath, "png", "", "Write the input image as PNG to this path")

	return cmd
}
