package crucible

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cruciblehq/crucible/api/pkg/config"
	"github.com/cruciblehq/crucible/api/pkg/crown"
	"github.com/cruciblehq/crucible/api/pkg/daemon"
	"github.com/cruciblehq/crucible/api/pkg/pubsub"
	"github.com/cruciblehq/crucible/api/pkg/runs"
	"github.com/cruciblehq/crucible/api/pkg/sandbox"
	"github.com/cruciblehq/crucible/api/pkg/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the crucible orchestrator",
		Long:  "Start the crucible orchestrator.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server config: %w", err)
			}
			return serve(cmd.Context(), &cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ps, err := pubsub.NewInMemoryNats(cfg.PubSub.StoreDir)
	if err != nil {
		return fmt.Errorf("failed to start pubsub: %w", err)
	}

	storeClient := store.NewClient(cfg.Store.URL, cfg.Store.Token)
	registry := sandbox.NewRegistry()
	coordinator := crown.NewCoordinator(storeClient, cfg.Evaluation.URL)

	watcher, err := daemon.NewWatcher(cfg.Sandbox.DockerHost, ps)
	if err != nil {
		return fmt.Errorf("failed to create daemon watcher: %w", err)
	}
	watcher.Start(ctx)

	manager := runs.NewManager(cfg, registry, watcher, coordinator, ps, storeClient)

	log.Info().
		Str("provider", cfg.Sandbox.Provider).
		Str("docker_host", cfg.Sandbox.DockerHost).
		Str("store_url", cfg.Store.URL).
		Msg("crucible orchestrator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	manager.StopAll(shutdownCtx)

	return nil
}
