package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/usecase"
)

var (
	runPhases      string
	runForceEnrich bool
	runLimit       int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline run",
	Long: `Execute one pipeline run and print its report.

Phases default to the configured list, or all four when none are configured.
Running without persist is a dry run: nothing is written to storage.

Examples:
  catalogpipeline run
  catalogpipeline run --phases collect,clean
  catalogpipeline run --phases enrich,persist --force-enrich --limit 100`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPhases, "phases", "p", "", "comma separated phases (collect,clean,enrich,persist)")
	runCmd.Flags().BoolVar(&runForceEnrich, "force-enrich", false, "re-enrich stored products even when already enriched")
	runCmd.Flags().IntVarP(&runLimit, "limit", "n", 0, "max stored products to enrich in enrich-only runs (0 = no limit)")
}

func buildRequest(phases string) (usecase.RunRequest, error) {
	req, err := application.DefaultRequest()
	if err != nil {
		return usecase.RunRequest{}, err
	}
	if phases != "" {
		parsed, err := domain.ParsePhases(phases)
		if err != nil {
			return usecase.RunRequest{}, err
		}
		req.Phases = parsed
	}
	return req, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(runPhases)
	if err != nil {
		return err
	}
	req.ForceEnrich = runForceEnrich
	req.Limit = runLimit

	run, runErr := application.Run(cmd.Context(), req)
	fmt.Fprintln(cmd.OutOrStdout(), RenderRunReport(run))
	if runErr != nil {
		return runErr
	}
	if run.State == domain.RunFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}
