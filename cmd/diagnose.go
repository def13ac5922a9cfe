package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/trafficpacer/internal/executor"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

func newDiagnoseCmd() *cobra.Command {
	var country string
	cmd := &cobra.Command{
		Use:   "diagnose <url>",
		Short: "Visits a URL once in browser mode and prints the raw executor response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			diag, err := app.Executor.Diagnose(cmd.Context(), app.Source.Last(), executor.Request{
				URL:     args[0],
				Country: country,
				Mode:    pacer.ModeBrowser,
			})
			if err != nil {
				return fmt.Errorf("diagnose %s: %w", args[0], err)
			}
			if len(diag.Response.ScreenshotBase64) > 0 && diag.ScreenshotURI != "" {
				diag.Response.ScreenshotBase64 = ""
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(diag); err != nil {
				return fmt.Errorf("write diagnosis: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "route through the proxy configured for this country code")
	return cmd
}
