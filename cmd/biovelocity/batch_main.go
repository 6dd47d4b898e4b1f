package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/regimenhq/biovelocity/internal/batch"
	"github.com/regimenhq/biovelocity/internal/persistence/postgres"
)

// newBatchScheduler builds a scheduler from the command's flags,
// attaching Postgres when requested. The returned closer releases the
// connection pool and is always safe to call.
func newBatchScheduler(cmd *cobra.Command) (*batch.Scheduler, func(), error) {
	configPath, _ := cmd.Flags().GetString("config")
	usePostgres, _ := cmd.Flags().GetBool("postgres")

	sched, err := batch.NewScheduler(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	sched.SetProgress(term.IsTerminal(int(os.Stderr.Fd())))

	closer := func() {}
	if usePostgres {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cfg := postgres.ConfigFromEnv()
		db, err := postgres.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}

		sched.AttachRepository(postgres.NewRepository(db, cfg.QueryTimeout))
		closer = func() { db.Close() }

		log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Postgres store attached")
	}

	return sched, closer, nil
}

// runBatchList lists all configured batch jobs
func runBatchList(cmd *cobra.Command, args []string) error {
	sched, closer, err := newBatchScheduler(cmd)
	if err != nil {
		return err
	}
	defer closer()

	jobs, err := sched.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	fmt.Printf("Batch Jobs (%d)\n", len(jobs))
	fmt.Printf("%-24s %-16s %-8s %-s\n", "JOB NAME", "SCHEDULE", "STATUS", "DESCRIPTION")
	fmt.Printf("%-24s %-16s %-8s %-s\n", "--------", "--------", "------", "-----------")

	for _, job := range jobs {
		status := "enabled"
		if !job.Enabled {
			status = "disabled"
		}
		fmt.Printf("%-24s %-16s %-8s %-s\n", job.Name, job.Schedule, status, job.Description)
	}

	return nil
}

// runBatchStart runs the scheduler daemon in the foreground
func runBatchStart(cmd *cobra.Command, args []string) error {
	sched, closer, err := newBatchScheduler(cmd)
	if err != nil {
		return err
	}
	defer closer()

	// Daemon runs stay quiet regardless of TTY
	sched.SetProgress(false)

	log.Info().Msg("Starting batch scheduler daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler failed")
		}
	}()

	log.Info().Msg("Scheduler daemon running. Press Ctrl+C to stop.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	log.Info().Msg("Scheduler daemon stopped")

	return nil
}

// runBatchStatus shows current scheduler status
func runBatchStatus(cmd *cobra.Command, args []string) error {
	sched, closer, err := newBatchScheduler(cmd)
	if err != nil {
		return err
	}
	defer closer()

	status, err := sched.GetStatus()
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	fmt.Printf("Batch Scheduler Status\n")
	fmt.Printf("Running: %v\n", status.Running)
	fmt.Printf("Jobs Enabled: %d\n", status.EnabledJobs)
	fmt.Printf("Jobs Disabled: %d\n", status.DisabledJobs)
	fmt.Printf("Next Run: %s\n", status.NextRun.Format(time.RFC3339))
	fmt.Printf("Last Run: %s\n", status.LastRun.Format(time.RFC3339))
	fmt.Printf("Uptime: %s\n", status.Uptime)

	return nil
}

// runBatchRun executes a specific batch job immediately
func runBatchRun(cmd *cobra.Command, args []string) error {
	jobName := args[0]
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	log.Info().Str("job", jobName).Bool("dry_run", dryRun).Msg("Running batch job")

	sched, closer, err := newBatchScheduler(cmd)
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := sched.RunJob(ctx, jobName, dryRun)
	if err != nil {
		return fmt.Errorf("job execution failed: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("job '%s' failed: %s", jobName, result.Error)
	}

	fmt.Printf("Job '%s' completed successfully\n", jobName)
	fmt.Printf("Duration: %s\n", result.Duration)
	fmt.Printf("Artifacts: %d files\n", len(result.Artifacts))

	if len(result.Artifacts) > 0 {
		fmt.Printf("Generated artifacts:\n")
		for _, artifact := range result.Artifacts {
			fmt.Printf("  %s\n", artifact)
		}
	}

	return nil
}
