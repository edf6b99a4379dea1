package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/mnemo/internal/config"
	"github.com/nidhogg/mnemo/internal/sector"
	"github.com/nidhogg/mnemo/internal/store"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globals struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "mnemo",
		Short:         "Decaying long-term memory service for AI agents",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			g.cfg, g.logger = cfg, logger
			logger.Info("config loaded", zap.String("path", g.configPath))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if g.logger != nil {
				_ = g.logger.Sync()
			}
		},
	}

	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/mnemo.json"
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultPath, "path to the JSON config file")

	serve := serveCmd(g)
	root.AddCommand(serve, migrateCmd(g), seedCmd(g), archiveTailCmd(g))
	// Running the bare binary starts the server.
	root.RunE = serve.RunE
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(ctx context.Context, g *globals) (*store.Store, error) {
	if g.cfg.Database.Postgres.DSN == "" {
		return nil, fmt.Errorf("database.postgres.dsn is not set")
	}
	return store.New(ctx, g.cfg.Database.Postgres.DSN, g.logger)
}

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, g)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate(ctx, g.cfg.Database.Postgres.MigrationsDir)
		},
	}
}

func seedCmd(g *globals) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the default sector tree and runtime settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, g)
			if err != nil {
				return err
			}
			defer st.Close()

			sectors := sector.SeedSectors()
			for _, sec := range sectors {
				if err := st.UpsertSector(ctx, sec); err != nil {
					return fmt.Errorf("seed sector %s: %w", sec.ID, err)
				}
			}
			if err := st.PutSettings(ctx, sector.SeedSettings(g.cfg.Index.Dimension), overwrite); err != nil {
				return err
			}
			n, err := st.RecomputeSectorCounts(ctx)
			if err != nil {
				return err
			}
			g.logger.Info("seed complete",
				zap.Int("sectors", len(sectors)),
				zap.Int64("counts_updated", n),
				zap.Bool("overwrite_settings", overwrite))
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing settings rows")
	return cmd
}
