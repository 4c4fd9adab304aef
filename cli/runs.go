package cli

import (
	"github.com/spf13/cobra"
)

func NewRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [view|metrics]",
		Short: "Tracked runs",
		Long:  `View runs and their logged metric histories.`,
	}

	viewCmd := &cobra.Command{
		Use:   "view <run-id>",
		Short: "View run",
		Long:  `View one run with its params, tags and latest metrics.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			run, err := tsdk.GetRun(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, run)
		},
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics <run-id> <metric-key>",
		Short: "View metric history",
		Long:  `View every logged value of one metric, in logging order.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			history, err := tsdk.GetMetricHistory(cmd.Context(), args[0], args[1])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, history)
		},
	}

	artifactsCmd := &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List run artifacts",
		Long:  `List the artifacts stored under one run.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			files, err := tsdk.ListArtifacts(cmd.Context(), args[0], "")
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, files)
		},
	}

	cmd.AddCommand(viewCmd)
	cmd.AddCommand(metricsCmd)
	cmd.AddCommand(artifactsCmd)

	return cmd
}
