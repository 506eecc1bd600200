package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/evreserve/internal/station/catalog"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <stations.yaml>",
		Short: "Insert or replace stations from a YAML file",
		Long: `Reads a document with a top-level "stations" list and upserts every entry.
Existing stations keep their catalog position.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stations, err := catalog.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			backend, err := opts.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			n, err := catalog.Seed(cmd.Context(), backend.Catalog, stations)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d stations\n", n)
			return nil
		},
	}
}
