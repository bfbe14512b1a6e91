package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/denvudd/taskflow/internal/config"
	"github.com/denvudd/taskflow/internal/gateway"
	"github.com/denvudd/taskflow/internal/presence"
	"github.com/denvudd/taskflow/internal/store"
	"github.com/denvudd/taskflow/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the realtime gateway",
	Long: `Start the taskflow realtime gateway.

The gateway opens the SQLite database, starts the change-stream broker and
presence hub, and serves WebSocket clients:

  ws://localhost:<port>/ws/changes?table=tickets&scope=<project-id>
  ws://localhost:<port>/ws/changes?table=comments&scope=<ticket-id>
  ws://localhost:<port>/ws/presence?doc=<doc-id>&user=<user-id>

Example usage:
  taskflow serve                 # Start with ./taskflow.yaml or defaults
  taskflow serve --port 9000     # Override the configured port

The config file is watched while serving; database path and port changes
require a restart, other settings apply on the next connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(configPath, nil)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}

		logger := cfg.NewLogger("[taskflow] ")

		broker := stream.NewBroker(logger)
		st, err := store.Open(cfg.DBPath, broker, logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := st.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		hub := presence.NewHub(logger)
		registry := stream.NewRegistry(broker, logger)

		server := gateway.NewServer(&gateway.Config{
			Port:   cfg.Port,
			Logger: logger,
		}, registry, hub, st)

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}

		loader.Watch(func(next *config.Config) {
			if next.Port != cfg.Port || next.DBPath != cfg.DBPath {
				logger.Println("Port and database changes take effect on restart")
			}
		})

		fmt.Printf("Gateway started on http://localhost:%d\n", cfg.Port)
		fmt.Printf("Health check: http://localhost:%d/health\n", cfg.Port)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		hub.Close()
		broker.Close()

		fmt.Println("Gateway stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}
