package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/regimenhq/biovelocity/internal/interfaces/http"
	"github.com/regimenhq/biovelocity/internal/persistence"
	"github.com/regimenhq/biovelocity/internal/persistence/postgres"
	"github.com/regimenhq/biovelocity/internal/velocity"
)

// runServe starts the velocity HTTP server
func runServe(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	calibrationPath, _ := cmd.Flags().GetString("calibration")
	usePostgres, _ := cmd.Flags().GetBool("postgres")

	serverConfig := httpapi.DefaultServerConfig()
	if host != "" {
		serverConfig.Host = host
	}
	if port != 0 {
		serverConfig.Port = port
	}

	calibration, err := loadCalibration(calibrationPath)
	if err != nil {
		return err
	}
	engine := velocity.NewEngine(calibration, nil)

	var repo *persistence.Repository
	var repoHealth persistence.RepositoryHealth
	if usePostgres {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cfg := postgres.ConfigFromEnv()
		db, err := postgres.Connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer db.Close()

		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}

		repo = postgres.NewRepository(db, cfg.QueryTimeout)
		repoHealth = postgres.NewHealthMonitor(db)

		log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Postgres store attached")
	}

	api := httpapi.NewVelocityAPI(engine, repo)
	health := httpapi.NewHealthHandler(repoHealth, calibration, version, buildStamp)

	server, err := httpapi.NewServer(serverConfig, api, health)
	if err != nil {
		return err
	}

	addr := server.GetAddress()
	log.Info().
		Str("health", "http://"+addr+"/health").
		Str("metrics", "http://"+addr+"/metrics").
		Str("compute", "http://"+addr+"/v1/velocity").
		Str("latest", "http://"+addr+"/v1/users/{user_id}/velocity").
		Msg("Velocity endpoints available")

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
		return err
	}

	log.Info().Msg("Velocity server shutdown complete")
	return nil
}
