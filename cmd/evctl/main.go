package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/config"
	"github.com/example/evreserve/internal/storage"
)

type rootOptions struct {
	configPath  string
	sqlitePath  string
	postgresDSN string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "evctl",
		Short: "Operate the EV charging reservation backend",
		Long: `evctl manages the station catalog and inspects availability directly
against the reservation database. It reads the same configuration as the service.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is $CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite", "", "sqlite database file, overrides the config")
	root.PersistentFlags().StringVar(&opts.postgresDSN, "postgres", "", "postgres DSN, overrides the config")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log backend activity to stderr")

	root.AddCommand(
		newMigrateCmd(opts),
		newSeedCmd(opts),
		newStationsCmd(opts),
		newNearbyCmd(opts),
		newAvailabilityCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.sqlitePath != "" {
		cfg.SQLite.Path = o.sqlitePath
		cfg.Postgres.DSN = ""
	}
	if o.postgresDSN != "" {
		cfg.Postgres.DSN = o.postgresDSN
	}
	return cfg, nil
}

// openBackend opens the configured database. The caller closes it.
func (o *rootOptions) openBackend(ctx context.Context) (*storage.Backend, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := zap.NewNop()
	if o.verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}
	backend, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return backend, nil
}
