package cli

import (
	"github.com/spf13/cobra"
)

var schedulePhases string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on the configured interval",
	Long: `Run the pipeline every scheduler.interval until interrupted.

A tick that fires while the previous run is still going is skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(schedulePhases)
		if err != nil {
			return err
		}
		return application.Schedule(cmd.Context(), req)
	},
}

func init() {
	scheduleCmd.Flags().StringVarP(&schedulePhases, "phases", "p", "", "comma separated phases for every scheduled run")
}
