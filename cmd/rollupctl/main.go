// Command rollupctl maintains the analytics store outside the server:
// replaying raw events, recomputing buckets and exporting rollups.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/config"
	"github.com/Frowell/Flowforge-sub002/internal/logging"
	"github.com/Frowell/Flowforge-sub002/internal/rollup"
	"github.com/Frowell/Flowforge-sub002/internal/store"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

// cfg holds the loaded engine configuration.
var cfg *config.Config

// sugar is the command logger, set up in PersistentPreRunE.
var sugar = zap.NewNop().Sugar()

var rootCmd = &cobra.Command{
	Use:   "rollupctl",
	Short: "Maintain raw events and rollups in the analytics store",
	Long: `rollupctl works directly against the analytics store configured for the
engine (flowforge.yaml, .env or FLOWFORGE_* variables).

Subcommands:
  replay     - Append raw events from a JSON-lines file and rebuild their buckets
  recompute  - Rebuild one bucket from raw events
  rebuild    - Rebuild every bucket with raw events in a time range
  export     - Write rollups to a Parquet file`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(viper.GetString("config"))
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("backend") {
			loaded.Analytics.Backend = viper.GetString("backend")
		}
		if cmd.Flags().Changed("dsn") {
			loaded.Analytics.DSN = viper.GetString("dsn")
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		sugar = logger.Sugar()
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = sugar.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to config file (default ./flowforge.yaml)")
	flags.String("tenant", "", "tenant id the command acts for")
	flags.String("backend", "", "override analytics.backend (sqlite or postgres)")
	flags.String("dsn", "", "override analytics.dsn")
	_ = rootCmd.MarkPersistentFlagRequired("tenant")
	for _, name := range []string{"config", "tenant", "backend", "dsn"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(replayCmd, recomputeCmd, rebuildCmd, exportCmd)
}

// tenantContext binds the --tenant flag to ctx.
func tenantContext(ctx context.Context) (context.Context, uuid.UUID, error) {
	id, err := tenant.Parse(viper.GetString("tenant"))
	if err != nil {
		return nil, uuid.Nil, err
	}
	return tenant.WithTenant(ctx, id), id, nil
}

// openMaintainer opens the configured store and a maintainer over it.
func openMaintainer(ctx context.Context) (*store.SQLStore, *rollup.Maintainer, error) {
	granularities, err := cfg.Granularities()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.OpenSQL(ctx, store.Backend(cfg.Analytics.Backend), cfg.Analytics.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open analytics store: %w", err)
	}
	m := rollup.NewMaintainer(st, rollup.Config{
		Granularities:  granularities,
		DebounceWindow: cfg.Rollup.Debounce,
		Workers:        cfg.Rollup.Workers,
	}, sugar)
	return st, m, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
