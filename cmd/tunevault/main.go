package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/database"
	"github.com/fabienpiette/tunevault/internal/models"
	"github.com/fabienpiette/tunevault/internal/redis"
	"github.com/fabienpiette/tunevault/internal/server"
	"github.com/fabienpiette/tunevault/internal/services"
)

var (
	userID   int64
	deviceID string
	dryRun   bool

	rootCmd = &cobra.Command{
		Use:          "tunevault",
		Short:        "TuneVault offline download service",
		Long:         `Queues, downloads, syncs and verifies offline music for listeners' devices.`,
		SilenceUsage: true,
	}
)

func init() {
	enforceCmd.Flags().Int64Var(&userID, "user", 0, "Enforce a single user's device (requires --device)")
	enforceCmd.Flags().StringVar(&deviceID, "device", "", "Device to enforce")

	syncCmd.Flags().Int64Var(&userID, "user", 0, "User whose devices to sync")
	syncCmd.Flags().StringVar(&deviceID, "device", "", "Only converge this device")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report the plan without queueing or deleting")
	_ = syncCmd.MarkFlagRequired("user")

	verifyCmd.Flags().Int64Var(&userID, "user", 0, "Verify a single user's device (requires --device)")
	verifyCmd.Flags().StringVar(&deviceID, "device", "", "Device to verify")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enforceCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background schedulers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, container, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		logrus.Info("Starting TuneVault server...")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := container.Start(ctx); err != nil {
			return err
		}
		defer container.Stop()

		httpServer := server.NewHTTPServer(cfg, container)
		errCh := make(chan error, 1)
		go func() {
			errCh <- httpServer.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		logrus.Info("Shutting down TuneVault server...")
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logrus.Errorf("Error during HTTP server shutdown: %v", err)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.Initialize(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		logrus.Infof("Database %s is up to date", cfg.Database.Path)
		return nil
	},
}

var enforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Evict downloads from devices over their storage quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, container, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		return container.RunTask(cmd.Context(), func(ctx context.Context) error {
			enforcer := container.GetQuotaEnforcer()
			if userID > 0 && deviceID != "" {
				result, err := enforcer.Enforce(ctx, userID, deviceID)
				if err != nil {
					return err
				}
				return printJSON(result)
			}

			evicted, err := enforcer.EnforceAll(ctx)
			if err != nil {
				return err
			}
			logrus.Infof("Quota enforcement evicted %d downloads", evicted)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Converge a user's devices onto the reference device",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, container, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		return container.RunTask(cmd.Context(), func(ctx context.Context) error {
			result, err := container.GetSyncEngine().Sync(ctx, userID, models.SyncOptions{DryRun: dryRun, DeviceID: deviceID})
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check downloaded files against their recorded size and checksum",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, container, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		return container.RunTask(cmd.Context(), func(ctx context.Context) error {
			gateway := container.GetPlaybackGateway()
			if userID > 0 && deviceID != "" {
				report, err := gateway.VerifyDevice(ctx, userID, deviceID)
				if err != nil {
					return err
				}
				return printJSON(report)
			}

			demoted, err := gateway.VerifyAll(ctx)
			if err != nil {
				return err
			}
			logrus.Infof("Verification demoted %d downloads", demoted)
			return nil
		})
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

// bootstrap opens the database and Redis and wires the service container
func bootstrap() (*config.Config, *services.Container, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := database.Initialize(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisClient, err := redis.Initialize(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	container, err := services.NewContainer(db, redisClient, cfg, logrus.StandardLogger())
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		redisClient.Close()
		db.Close()
	}
	return cfg, container, cleanup, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
