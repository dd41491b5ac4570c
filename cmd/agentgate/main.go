package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/assistkit/agentgate/internal/api"
	"github.com/assistkit/agentgate/internal/config"
	"github.com/assistkit/agentgate/internal/gateway"
	"github.com/assistkit/agentgate/internal/models"
	"github.com/assistkit/agentgate/internal/outbox"
	"github.com/assistkit/agentgate/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentgate",
		Short: "agentgate — durable webhook outbox for the agent gateway",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(enqueueCmd(&configPath))
	rootCmd.AddCommand(listCmd(&configPath))
	rootCmd.AddCommand(retryCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the outbox server and dispatch pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			resolver := gateway.NewResolver()
			if !resolver.IsConfigured() {
				log.Warn().Msg("agent gateway not configured, deliveries will wait until the environment is set")
			}

			queue := outbox.NewQueue(store, log)
			dispatcher := outbox.NewDispatcher(cfg.Delivery, store, resolver, log)
			pool := outbox.NewPool(cfg.Delivery, store, dispatcher, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			server := api.NewServer(cfg.Server, queue, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("agentgate is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			pool.Stop()

			log.Info().Msg("agentgate stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Println("migrations completed successfully")
			return nil
		},
	}
}

func enqueueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			destination, _ := cmd.Flags().GetString("destination")
			body, _ := cmd.Flags().GetString("body")
			key, _ := cmd.Flags().GetString("idempotency-key")

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			queue := outbox.NewQueue(store, zerolog.Nop())
			id, err := queue.Enqueue(context.Background(), kind, destination, json.RawMessage(body), outbox.EnqueueOptions{
				IdempotencyKey: key,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}

			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().String("kind", "", "event kind, e.g. sms.received")
	cmd.Flags().String("destination", "", "gateway path to POST to, e.g. /hooks/sms")
	cmd.Flags().String("body", "", "JSON payload")
	cmd.Flags().String("idempotency-key", "", "optional idempotency key")
	return cmd
}

func listCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, total, err := store.ListEntries(context.Background(), storage.ListFilter{
				Status: models.Status(status),
				Kind:   kind,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("No entries found.")
				return nil
			}

			for _, e := range entries {
				state := "pending"
				switch {
				case e.DispatchedAt != nil:
					state = "dispatched"
				case e.LastError != nil:
					state = fmt.Sprintf("failed x%d: %s", e.Attempts, *e.LastError)
				}
				fmt.Printf("  %s  %-24s %-32s %s\n", e.ID, e.Kind, e.Destination, state)
			}
			fmt.Printf("%d of %d entries\n", len(entries), total)
			return nil
		},
	}
	cmd.Flags().String("status", "", "filter by status: pending, dispatched, dead")
	cmd.Flags().String("kind", "", "filter by kind")
	cmd.Flags().Int("limit", 50, "max entries to show")
	return cmd
}

func retryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry_id>",
		Short: "Reset a failed or dead entry for immediate re-dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: agentgate retry <entry_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			queue := outbox.NewQueue(store, zerolog.Nop())
			ok, err := queue.Retry(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to retry: %w", err)
			}
			if !ok {
				return fmt.Errorf("entry %s not found or already dispatched", args[0])
			}

			fmt.Printf("entry %s reset for retry\n", args[0])
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show outbox stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentgate v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg *config.Config, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.Storage.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.Storage.SQLite.Path, storage.Options{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			LeaseTTL:    cfg.Delivery.LeaseTTL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
