package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/station/locator"
)

func newStationsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stations",
		Short: "List the station catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := opts.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			stations, err := backend.Catalog.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(stations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stations found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLAT\tLNG\tCONNECTORS")
			for _, s := range stations {
				fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%s\n", s.ID, s.Name, s.Location.Lat, s.Location.Lng, connectorSummary(s))
			}
			return tw.Flush()
		},
	}
}

func newNearbyCmd(opts *rootOptions) *cobra.Command {
	var (
		lat, lng, radius float64
		limit            int
	)
	cmd := &cobra.Command{
		Use:   "nearby",
		Short: "Rank stations around a coordinate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			origin := domain.Coordinate{Lat: lat, Lng: lng}
			if !origin.Valid() {
				return fmt.Errorf("coordinate %v,%v is out of range", lat, lng)
			}
			backend, err := opts.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			stations, err := backend.Catalog.Nearby(cmd.Context(), origin, radius, limit)
			if err != nil {
				return err
			}
			return printRanked(cmd.OutOrStdout(), locator.Rank(origin, stations))
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude of the origin")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude of the origin")
	cmd.Flags().Float64Var(&radius, "radius", 5, "search radius in kilometres")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of stations")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func printRanked(w io.Writer, ranked []locator.StationWithDistance) error {
	if len(ranked) == 0 {
		fmt.Fprintln(w, "No stations in range")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDISTANCE\tCONNECTORS")
	for _, s := range ranked {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Distance.Display, connectorSummary(s.Station))
	}
	return tw.Flush()
}

// connectorSummary renders e.g. "CCS x2, J1772 x1" in catalog order.
func connectorSummary(s domain.Station) string {
	var order []string
	counts := map[string]int{}
	for _, c := range s.Connectors {
		if counts[c.Type] == 0 {
			order = append(order, c.Type)
		}
		counts[c.Type]++
	}
	out := ""
	for i, t := range order {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s x%d", t, counts[t])
	}
	return out
}
