package cli

import (
	"github.com/spf13/cobra"
)

func NewModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models [view|version|uri]",
		Short: "Registered models",
		Long:  `View registered models and their versions.`,
	}

	viewCmd := &cobra.Command{
		Use:   "view <name>",
		Short: "View registered model",
		Long:  `View a registered model with its latest versions.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			model, err := tsdk.GetRegisteredModel(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, model)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version <name> <version>",
		Short: "View model version",
		Long:  `View one version of a registered model.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			mv, err := tsdk.GetModelVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, mv)
		},
	}

	uriCmd := &cobra.Command{
		Use:   "uri <name> <version>",
		Short: "View download URI",
		Long:  `View the artifact URI backing one model version.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			uri, err := tsdk.GetModelVersionDownloadURI(cmd.Context(), args[0], args[1])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logSuccessCmd(*cmd, uri)
		},
	}

	cmd.AddCommand(viewCmd)
	cmd.AddCommand(versionCmd)
	cmd.AddCommand(uriCmd)

	return cmd
}
