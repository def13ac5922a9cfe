package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Runs a single tick and waits for its visits",
		RunE:  runTickCommand,
	}
}

func runTickCommand(cmd *cobra.Command, _ []string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	report, err := app.Driver.Tick(cmd.Context())
	if err != nil {
		return err
	}
	drainCtx, cancel := context.WithTimeout(cmd.Context(), drainTimeout)
	defer cancel()
	if err := app.Drain(drainCtx); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
