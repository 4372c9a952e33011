package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/explaindio/musetalk-container/pkg/api"
	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/config"
	"github.com/explaindio/musetalk-container/pkg/gateway"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/storage"
	"github.com/explaindio/musetalk-container/pkg/sysinfo"
	"github.com/explaindio/musetalk-container/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker agent",
	Long: `Run the worker agent until SIGINT or SIGTERM.

The agent refuses to start without INTERNAL_API_KEY. On shutdown, in-flight
heartbeat and claim calls are abandoned; the terminal report of a running
job is still attempted.

The status server also relays progress from the local endpoint: point the
app's ORCHESTRATOR_BASE_URL at the status address and its reports for the
running job are forwarded with the worker's rate limiting applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(os.Stdout)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			if errors.Is(err, config.ErrMissingAPIKey) {
				log.Fatal("INTERNAL_API_KEY not set, refusing to start")
			}
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg.Log()

		identity := config.ResolveIdentity(cfg, os.LookupEnv)
		logger := log.WithWorkerID(identity.WorkerID)
		logger.Info().
			Str("worker_type", identity.WorkerType).
			Str("provider", identity.Provider).
			Str("gpu_class", identity.GPUClass).
			Str("version", Version).
			Msg("Resolved worker identity")
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sys := sysinfo.Collect(ctx, sysinfo.Options{SpeedtestURL: cfg.SpeedtestURL})

		var journal storage.Journal
		if cfg.DataDir != "" {
			j, err := storage.NewBoltJournal(cfg.DataDir, storage.DefaultMaxRecords)
			if err != nil {
				logger.Warn().Err(err).Str("data_dir", cfg.DataDir).Msg("Job journal unavailable, continuing without it")
			} else {
				defer j.Close()
				journal = j
			}
		}

		orch := client.NewOrchestrator(cfg.OrchestratorURL, cfg.APIKey, identity)
		gw := gateway.New(gateway.Config{
			GenerateURL: cfg.GenerateURL,
			HealthURL:   cfg.GenerateHealthURL,
			Timeout:     cfg.GenerateTimeout,
		})

		w := worker.NewWorker(orch, gw, worker.Config{
			WorkerID:          identity.WorkerID,
			PollInterval:      cfg.PollInterval(),
			HeartbeatInterval: cfg.HeartbeatInterval(),
			SystemInfo:        &sys,
			Journal:           journal,
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return w.Run(ctx)
		})

		if cfg.StatusAddr != "" {
			srv := api.NewServer(api.Config{
				Addr:       cfg.StatusAddr,
				Identity:   identity,
				State:      w.State(),
				Journal:    journal,
				SystemInfo: &sys,
				Sessions:   append(w.Sessions(), gw.Session()),
				Relay:      w,
				APIKey:     cfg.APIKey,
			})
			g.Go(func() error {
				// The agent keeps working without its status server
				if err := srv.Run(ctx); err != nil {
					logger.Warn().Err(err).Msg("Status server stopped")
				}
				return nil
			})
		}

		err = g.Wait()
		logger.Info().Msg("Shutdown complete")
		return err
	},
}
