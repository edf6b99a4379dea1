package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/engine"
	"github.com/nidhogg/mnemo/internal/events"
)

func archiveTailCmd(g *globals) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "archive-tail",
		Short: "Print archive candidates from the Redis stream as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			redisCfg := g.cfg.Database.Redis
			if redisCfg.URL == "" {
				return fmt.Errorf("database.redis.url is not set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bus, err := events.NewBus(ctx, redisCfg.URL, redisCfg.ArchiveStream, g.logger)
			if err != nil {
				return err
			}
			defer bus.Close()

			g.logger.Info("tailing archive stream", zap.String("stream", bus.Stream()), zap.String("from", from))
			return tail(bus.Subscribe(ctx, from), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&from, "from", "$", `stream id to read after ("0" replays the whole stream)`)
	return cmd
}

// tail writes each candidate as one JSON line until the channel closes.
func tail(candidates <-chan engine.ArchiveCandidate, w io.Writer) error {
	enc := json.NewEncoder(w)
	for c := range candidates {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("write candidate: %w", err)
		}
	}
	return nil
}
