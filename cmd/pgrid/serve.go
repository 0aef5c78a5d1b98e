package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zde37/pgrid/internal/api"
	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/internal/transport"
	"github.com/zde37/pgrid/pkg"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a peer",
	Long: `Run a peer with its gRPC endpoint and HTTP API. Every flag can also be set
through an environment variable named PGRID_<FLAG> (e.g. PGRID_HTTP_PORT=8081),
from .env files in the working directory, or from a config file.`,
	RunE: runServe,
}

func init() {
	d := config.DefaultConfig()
	f := serveCmd.Flags()
	f.String("config", "", "Config file (yaml, json or toml)")
	f.String("peer-id", "", "Stable peer identity, generated or resumed from the data directory when empty")
	f.String("host", d.Host, "Host address to bind to")
	f.Int("port", d.Port, "Port for the gRPC endpoint")
	f.Int("http-port", d.HTTPPort, "Port for the HTTP API, 0 disables it")
	f.String("bootstrap", "", "Comma-separated bootstrap peer addresses (host:port)")
	f.String("auth-token", "", "Shared token required from other peers")
	f.String("data-dir", "", "Directory the routing table is persisted in")
	f.Int("min-storage", d.MinStorage, "Items each side must hold before a split")
	f.Int("max-refs", d.MaxRefs, "References kept per routing level")
	f.Int("max-recursion", d.MaxRecursion, "Recursion budget of one exchange")
	f.Duration("exchange-interval", d.ExchangeInterval, "How often a random exchange partner is picked")
	f.String("range-algorithm", d.RangeQueryAlgorithm, "Range query algorithm (minmax, shower)")
	f.Bool("replication-balance", d.ReplicationBalance, "Let under-replicated paths absorb peers from deeper ones")
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := config.NewViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(cmd, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Strs("bootstrap", cfg.BootstrapNodes).
		Msg("Starting pgrid peer")

	peer, err := pgrid.NewPeer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create peer: %w", err)
	}

	grpcServer, err := transport.NewGRPCServer(peer, cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		peer.Shutdown()
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}
	if err := grpcServer.Start(); err != nil {
		peer.Shutdown()
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	grpcClient := transport.NewGRPCClient(logger, cfg.RPCTimeout, cfg.AuthToken)
	peer.SetRemote(grpcClient)

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(peer, cfg.RPCTimeout, logger)
		if err != nil {
			cleanup(peer, grpcServer, grpcClient, nil, logger)
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := httpServer.Start(fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort)); err != nil {
			cleanup(peer, grpcServer, grpcClient, nil, logger)
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		peer.SetBroadcaster(httpServer.Hub())
	}

	if err := peer.Start(cmd.Context()); err != nil {
		cleanup(peer, grpcServer, grpcClient, httpServer, logger)
		return fmt.Errorf("failed to start peer: %w", err)
	}

	logger.Info().
		Str("peer_id", peer.Local().ID).
		Str("path", peer.Local().Path).
		Msg("pgrid peer is ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("Received shutdown signal")
	cleanup(peer, grpcServer, grpcClient, httpServer, logger)
	logger.Info().Msg("pgrid peer shutdown complete")
	return nil
}

// cleanup performs graceful shutdown of all components
func cleanup(peer *pgrid.Peer, grpcServer *transport.GRPCServer, grpcClient *transport.GRPCClient, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if err := grpcServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping gRPC server")
	}

	// the routing table is persisted here
	if err := peer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error shutting down peer")
	}

	if err := grpcClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing gRPC client")
	}
}
