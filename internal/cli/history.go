package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/ports"
)

var historyCmd = &cobra.Command{
	Use:   "history <fingerprint>",
	Short: "Show a stored product and its price history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp := domain.Fingerprint(args[0])
		product, entries, err := application.History(cmd.Context(), fp)
		if errors.Is(err, ports.ErrNotFound) {
			return fmt.Errorf("no product with fingerprint %s", fp)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), RenderHistory(product, entries))
		return nil
	},
}
