package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cadencely/config"
	"cadencely/models"
	"cadencely/routes"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cadencely",
		Short:         "Multi-channel outreach sequence engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(); err != nil {
				return err
			}
			config.InitLogger()
			if err := config.InitSentry(); err != nil {
				log.WithError(err).Warn("Sentry initialization failed")
			}
			return config.ConnectDB()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			sentry.Flush(2 * time.Second)
		},
	}

	root.AddCommand(serveCmd(), tickCmd(), migrateCmd(), seedCmd())
	return root
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if migrate {
				if err := config.Migrate(); err != nil {
					return err
				}
			}
			if err := config.ConnectRedis(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.startWorkers(ctx)

			app := fiber.New(fiber.Config{
				AppName:      "cadencely",
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
			})
			app.Use(recover.New())

			routes.SetupRoutes(app, a.routeDeps())

			errCh := make(chan error, 1)
			go func() {
				log.Infof("🚀 Server starting on port %s", config.AppConfig.ServerPort)
				errCh <- app.Listen(":" + config.AppConfig.ServerPort)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("Shutting down server...")
			if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
				log.WithError(err).Warn("Server shutdown did not complete cleanly")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "run database migrations before serving")
	return cmd
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduler pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ConnectRedis(); err != nil {
				return err
			}
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Scheduler.Tick(cmd.Context())
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"sent":            res.Sent,
				"dispatch_failed": res.DispatchFailed,
				"pending_review":  res.PendingReview,
				"advanced":        res.Advanced,
			}).Info("Tick finished")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Migrate()
		},
	}
}

func seedCmd() *cobra.Command {
	var tenantID uint
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert demo contacts and a sample sequence for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Migrate(); err != nil {
				return err
			}
			if err := models.SeedDemoData(config.DB, tenantID); err != nil {
				return err
			}
			log.WithField("tenant_id", tenantID).Info("Demo data seeded")
			return nil
		},
	}
	cmd.Flags().UintVar(&tenantID, "tenant", 1, "tenant to seed")
	return cmd
}
