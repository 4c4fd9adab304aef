package cli

import (
	"github.com/spf13/cobra"
)

func NewExperimentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiments [create|view]",
		Short: "Experiments",
		Long:  `Create and view experiments grouping tracked runs.`,
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create experiment",
		Long:  `Create a named experiment.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			exp, err := tsdk.CreateExperiment(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, exp)
		},
	}

	viewCmd := &cobra.Command{
		Use:   "view <name>",
		Short: "View experiment",
		Long:  `View an experiment by name.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			exp, err := tsdk.GetExperimentByName(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, exp)
		},
	}

	cmd.AddCommand(createCmd)
	cmd.AddCommand(viewCmd)

	return cmd
}
