package main

import (
	"context"
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/tryextender/internal/events"
	"github.com/mattjoyce/tryextender/internal/tui"
)

func newMonitorCmd() *cobra.Command {
	var apiURL, token, types string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch trigger jobs and catalog changes on a running server",
		Long: `monitor opens a terminal view of a running tryextender server. It follows
GET /events and polls GET /healthz. The token needs the events:ro scope and
defaults to $TRYEXTENDER_TOKEN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("TRYEXTENDER_TOKEN")
			}
			if _, err := events.ParseFilter(types); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			m := tui.New(ctx, tui.NewClient(apiURL, token), types)
			_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the tryextender API")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default $TRYEXTENDER_TOKEN)")
	cmd.Flags().StringVar(&types, "types", "", `Event filter, e.g. "trigger.*,catalog.changed"`)
	return cmd
}
