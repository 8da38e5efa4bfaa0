package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/config"
	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/logging"
	"github.com/unitgrid/mastr-engine/pkg/models"
	"github.com/unitgrid/mastr-engine/pkg/repositories"
	"github.com/unitgrid/mastr-engine/pkg/schema"
	"github.com/unitgrid/mastr-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

// app bundles what every subcommand needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *schema.Registry
	db       *database.DB
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mastr-engine",
		Short:         "Ingestion engine for the German energy unit registry (MaStR)",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newLoadCmd())
	root.AddCommand(newWatermarksCmd())
	root.AddCommand(newStatusCmd())
	return root
}

// setup loads configuration, builds the logger and registry, and opens the
// store. Callers must Close the returned app.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(Version)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, err
	}

	registry := schema.NewRegistry()
	overrides, err := schema.LoadOverrides(cfg.SchemaOverrides)
	if err != nil {
		return nil, err
	}
	registry.ApplyOverrides(overrides)

	dsn := cfg.Database.DSN()
	if cfg.Database.Engine == config.EngineSQLite && cfg.Database.URL == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}
	logger.Info("opening store",
		zap.String("engine", cfg.Database.Engine),
		zap.String("dsn", logging.SanitizeDSN(dsn)))

	db, err := database.Open(ctx, &database.Config{
		DSN:          dsn,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %s", logging.SanitizeError(err))
	}

	return &app{cfg: cfg, logger: logger, registry: registry, db: db}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newMigrateCmd() *cobra.Command {
	var migrationsPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := database.RunMigrations(a.db, migrationsPath, a.logger); err != nil {
				return err
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	}
	cmd.Flags().StringVar(&migrationsPath, "migrations", "migrations", "path to the migrations directory")
	return cmd
}

func newLoadCmd() *cobra.Command {
	var include []string

	cmd := &cobra.Command{
		Use:   "load <archive.zip>",
		Short: "Load a bulk export archive into the store",
		Long: `Load the registry's zip export into the store.

Each export file replaces its target table: the first file of a source
clears the table, subsequent numbered files of the same source append.
Use --include to restrict the load to specific sources, e.g.
--include einheitensolar --include anlageneegsolar.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			loader, err := services.NewBulkLoader(a.db, a.registry, a.logger)
			if err != nil {
				return err
			}
			result, err := loader.Load(cmd.Context(), args[0], services.LoadOptions{Sources: include})
			if err != nil {
				return err
			}

			fmt.Printf("Loaded %d files: %d rows written, %d neutralized, %d dropped, %d XML repairs\n",
				result.Files, result.Written, result.Neutralized, result.Dropped, result.Repairs)
			tables := make([]string, 0, len(result.Tables))
			for table := range result.Tables {
				tables = append(tables, table)
			}
			sort.Strings(tables)
			for _, table := range tables {
				fmt.Printf("  %-20s %d\n", table, result.Tables[table])
			}
			for _, name := range result.SkippedUnknown {
				fmt.Printf("  skipped unknown file: %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&include, "include", nil, "restrict the load to these sources (repeatable)")
	return cmd
}

func newWatermarksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watermarks",
		Short: "Print the derived synchronization watermark per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			units := repositories.NewUnitRepository(a.db, a.db.Dialect, a.registry)
			watermarks, unknown, err := units.Watermarks(cmd.Context())
			if err != nil {
				return err
			}

			if len(watermarks) == 0 {
				fmt.Println("No units stored yet.")
			}
			for _, category := range a.registry.Categories() {
				if ts, ok := watermarks[category]; ok {
					fmt.Printf("%-12s %s\n", category, ts.Format("2006-01-02 15:04:05"))
				}
			}
			for _, label := range unknown {
				fmt.Printf("%-12s (label not in registry, excluded from watermarks)\n", label)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outstanding fetch obligations and missed fetches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			obligations := repositories.NewObligationRepository(a.db, a.db.Dialect)
			pending, err := obligations.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			missed, err := obligations.CountMissed(cmd.Context())
			if err != nil {
				return err
			}

			if len(pending) == 0 {
				fmt.Println("No pending fetch obligations.")
			} else {
				fmt.Println("Pending fetch obligations:")
				for _, category := range a.registry.Categories() {
					byKind, ok := pending[category]
					if !ok {
						continue
					}
					for _, kind := range models.DataKinds {
						if n, ok := byKind[kind]; ok {
							fmt.Printf("  %-12s %-9s %d\n", category, kind, n)
						}
					}
				}
			}
			fmt.Printf("Missed fetches logged: %d\n", missed)
			return nil
		},
	}
}
