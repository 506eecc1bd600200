package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/evreserve/internal/reservation/availability"
	"github.com/example/evreserve/internal/reservation/domain"
)

func newAvailabilityCmd(opts *rootOptions) *cobra.Command {
	var stationID, connectorType, start, end string
	cmd := &cobra.Command{
		Use:   "availability",
		Short: "Check whether a connector type is free for a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			startTime, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			endTime, err := time.Parse(time.RFC3339, end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			backend, err := opts.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			res, err := availability.New(backend.Catalog, backend.Repo).Check(cmd.Context(), stationID, connectorType,
				domain.Window{Start: startTime, End: endTime})
			if err != nil {
				return err
			}
			verdict := "available"
			if !res.Available {
				verdict = "unavailable"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (%d of %d connectors occupied)\n",
				stationID, connectorType, verdict, res.OccupiedConnectors, res.TotalConnectors)
			return nil
		},
	}
	cmd.Flags().StringVar(&stationID, "station", "", "station id")
	cmd.Flags().StringVar(&connectorType, "connector", "", "connector type, e.g. CCS")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339)")
	for _, name := range []string{"station", "connector", "start", "end"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
