package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/strata/pkg/api"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/manager"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the strata manager",
}

var managerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the manager and serve until interrupted",
	Long: `Start the manager with the given configuration.

The manager reloads container and pipeline metadata from its data
directory, waits for raft leadership and then serves health and metrics
over HTTP and the gRPC health service. Flags override the file.`,
	RunE: runManagerStart,
}

func init() {
	managerCmd.AddCommand(managerStartCmd)

	managerStartCmd.Flags().String("node-id", "", "Unique node ID")
	managerStartCmd.Flags().String("bind-addr", "", "Address for Raft communication")
	managerStartCmd.Flags().String("api-addr", "", "Address for health and metrics HTTP endpoints")
	managerStartCmd.Flags().String("grpc-addr", "", "Address for the gRPC health service")
	managerStartCmd.Flags().String("data-dir", "", "Data directory for container metadata")
	managerStartCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	managerStartCmd.Flags().Bool("log-json", false, "Log as JSON")
}

// loadConfig reads --config and applies flag overrides on top
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"node-id", &cfg.NodeID},
		{"bind-addr", &cfg.BindAddr},
		{"api-addr", &cfg.APIAddr},
		{"grpc-addr", &cfg.GRPCAddr},
		{"data-dir", &cfg.DataDir},
		{"log-level", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if f := cmd.Flags().Lookup(o.flag); f != nil && f.Changed {
			*o.dst = f.Value.String()
		}
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}

	return cfg, cfg.Validate()
}

func runManagerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	logger := log.WithComponent("cli")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := manager.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Shutdown()
		return fmt.Errorf("failed to start manager: %w", err)
	}
	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("data_dir", cfg.DataDir).
		Str("api_addr", cfg.APIAddr).
		Str("grpc_addr", cfg.GRPCAddr).
		Msg("Manager started")

	httpServer := api.NewHealthServer(mgr)
	grpcServer := api.NewGRPCServer(mgr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(cfg.APIAddr) })
	g.Go(func() error { return grpcServer.Start(cfg.GRPCAddr) })
	g.Go(func() error { return grpcServer.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if shutdownErr := mgr.Shutdown(); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	if err != nil {
		return err
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}
