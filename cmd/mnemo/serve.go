package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/api"
	"github.com/nidhogg/mnemo/internal/config"
	"github.com/nidhogg/mnemo/internal/embedding"
	"github.com/nidhogg/mnemo/internal/engine"
	"github.com/nidhogg/mnemo/internal/events"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/provider"
	"github.com/nidhogg/mnemo/internal/sector"
	"github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/sweeper"
	"github.com/nidhogg/mnemo/internal/vectorindex"
)

func serveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the decay sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), g.cfg, g.logger)
		},
	}
}

// closer is run in reverse order on shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var closers []closer
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(ctx); err != nil {
				logger.Warn("shutdown step failed", zap.String("step", closers[i].name), zap.Error(err))
			}
		}
	}()

	// PostgreSQL is the system of record.
	st, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"postgres", func(context.Context) error { st.Close(); return nil }})
	if err := st.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// LLM providers
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p, pc.Guard.Upstream())
	}
	if cfg.Routing.Classifier != "" {
		router.Bind(provider.PurposeClassifier, cfg.Routing.Classifier)
	}
	if cfg.Routing.Graph != "" {
		router.Bind(provider.PurposeGraph, cfg.Routing.Graph)
	}
	if len(cfg.Routing.Fallbacks) > 0 {
		router.SetFallbacks(provider.PurposeClassifier, cfg.Routing.Fallbacks)
		router.SetFallbacks(provider.PurposeGraph, cfg.Routing.Fallbacks)
	}

	embedder, err := embedding.New(cfg.Embedding.Embedding(), logger)
	if err != nil {
		return err
	}

	// Vector index
	var labels vectorindex.LabelStore
	if cfg.Index.Labels == "redis" {
		rl, err := vectorindex.NewRedisLabels(ctx, cfg.Database.Redis.URL)
		if err != nil {
			logger.Warn("Redis label store unavailable, labels rebuilt from PostgreSQL", zap.Error(err))
		} else {
			labels = rl
			closers = append(closers, closer{"redis labels", func(context.Context) error { return rl.Close() }})
		}
	}
	var open vectorindex.OpenFunc
	switch cfg.Index.Backend {
	case "qdrant":
		open = vectorindex.OpenQdrant(vectorindex.QdrantConfig{
			Host:       cfg.Database.Qdrant.Host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.Index.Collection,
		})
	default:
		open = vectorindex.OpenChromem(cfg.Index.Collection)
	}
	index := vectorindex.NewManager(open, labels, cfg.Index.Options(), logger)

	deps := engine.Deps{
		Repo:       st,
		Index:      index,
		Embedder:   embedder,
		Classifier: sector.Unclassified{},
	}
	if router.Len() > 0 {
		deps.Classifier = sector.NewClassifier(router.Completer(provider.PurposeClassifier), logger)
		deps.Extractor = graph.NewExtractor(router.Completer(provider.PurposeGraph), logger)
	} else {
		logger.Warn("no LLM providers configured, memories go to the fallback sector")
	}

	// Optional graph mirror
	if cfg.Database.Neo4j.URI != "" {
		gm, err := openGraph(ctx, cfg.Database.Neo4j, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without graph mirror", zap.Error(err))
		} else {
			deps.Graph = gm
			closers = append(closers, closer{"neo4j", gm.Close})
		}
	}

	// Optional archive events
	if cfg.Database.Redis.URL != "" {
		bus, err := events.NewBus(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.ArchiveStream, logger)
		if err != nil {
			logger.Warn("Redis unavailable, archive events disabled", zap.Error(err))
		} else {
			deps.Publisher = bus
			closers = append(closers, closer{"event bus", func(context.Context) error { return bus.Close() }})
		}
	}

	eng, err := engine.New(deps, cfg.Engine(), logger)
	if err != nil {
		return err
	}
	// Closing the engine flushes the label table.
	closers = append(closers, closer{"engine", eng.Close})

	if _, err := eng.WarmIndex(ctx); err != nil {
		return fmt.Errorf("warm index: %w", err)
	}

	sw := sweeper.New(eng, cfg.Decay.SweepInterval.Std(), logger)
	sw.Start()
	closers = append(closers, closer{"sweeper", func(context.Context) error { sw.Stop(); return nil }})

	handler := api.NewHandler(eng, sw, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("mnemo listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down mnemo")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openGraph(ctx context.Context, cfg config.Neo4jConfig, logger *zap.Logger) (*graph.Neo4jGraph, error) {
	gm, err := graph.NewNeo4jGraph(cfg.URI, cfg.User, cfg.Password, logger)
	if err != nil {
		return nil, err
	}
	if err := gm.Ping(ctx); err != nil {
		gm.Close(ctx)
		return nil, err
	}
	if err := gm.EnsureSchema(ctx); err != nil {
		gm.Close(ctx)
		return nil, err
	}
	return gm, nil
}
