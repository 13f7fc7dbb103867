// Package main is the entry point for the Uteki decision arena. The
// service builds decision harnesses from market, account and memory state,
// fans them out to a panel of LLMs, and tracks the resulting human
// decisions through adoption scoring and counterfactual review.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/clients/alphavantage"
	"github.com/uteki/uteki/internal/clients/broker"
	"github.com/uteki/uteki/internal/clients/fmp"
	"github.com/uteki/uteki/internal/config"
	"github.com/uteki/uteki/internal/database"
	"github.com/uteki/uteki/internal/llm"
	"github.com/uteki/uteki/internal/modules/arena"
	"github.com/uteki/uteki/internal/modules/decisions"
	"github.com/uteki/uteki/internal/modules/harness"
	"github.com/uteki/uteki/internal/modules/marketdata"
	"github.com/uteki/uteki/internal/modules/memory"
	"github.com/uteki/uteki/internal/modules/prompts"
	"github.com/uteki/uteki/internal/modules/reflection"
	"github.com/uteki/uteki/internal/modules/scoring"
	"github.com/uteki/uteki/internal/reliability"
	"github.com/uteki/uteki/internal/scheduler"
	"github.com/uteki/uteki/internal/server"
	"github.com/uteki/uteki/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting Uteki")

	arenaDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "arena.db"),
		Profile: database.ProfileLedger,
		Name:    "arena",
	})
	marketDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	memoryDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "memory.db"),
		Profile: database.ProfileStandard,
		Name:    "memory",
	})
	databases := map[string]*database.DB{
		"arena":  arenaDB,
		"market": marketDB,
		"memory": memoryDB,
	}
	defer func() {
		for name, db := range databases {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Str("database", name).Msg("Failed to close database")
			}
		}
	}()

	// Clients
	fmpClient := fmp.NewClient(cfg.FMPAPIKey, log)
	avClient := alphavantage.NewClient(cfg.AlphaVantageKey, log)
	brokerClient := broker.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, log)

	// Market data
	marketRepo := marketdata.NewRepository(marketDB.Conn(), log)
	marketSvc := marketdata.NewService(marketRepo, fmpClient, avClient, log)
	if n, err := marketSvc.SeedDefaults(); err != nil {
		log.Warn().Err(err).Msg("Watchlist seeding failed")
	} else if n > 0 {
		log.Info().Int("symbols", n).Msg("Seeded default watchlist")
	}

	// Prompt versioning and memory
	promptSvc := prompts.NewService(arenaDB.Conn(), log)
	memoryRepo := memory.NewRepository(memoryDB.Conn(), log)
	memorySvc := memory.NewService(memoryRepo, log)

	// Harness building and the arena
	harnessRepo := harness.NewRepository(arenaDB.Conn(), log)
	builder := harness.NewBuilder(marketSvc, brokerClient, memorySvc, promptSvc, harnessRepo, log)

	progressHub := server.NewProgressHub(log)
	invocations := arena.NewInvocationRepository(arenaDB.Conn(), log)
	arenaSvc := arena.NewService(arenaDB, harnessRepo, promptSvc, invocations, cfg.Providers, arena.DefaultConfig(), cfg.GoogleAPIBaseURL, progressHub, log)

	// Decision lifecycle
	scoreRepo := scoring.NewRepository(arenaDB.Conn(), log)
	scoreSvc := scoring.NewService(scoreRepo, log)
	decisionRepo := decisions.NewRepository(arenaDB.Conn(), log)
	decisionSvc := decisions.NewService(decisionRepo, brokerClient, invocations, harnessRepo, scoreSvc, marketSvc, log)

	reflectionSvc := reflection.NewService(decisionRepo, memorySvc, reflectionAdapter(cfg, log), log)

	// Scheduler
	scheduleRepo := scheduler.NewRepository(arenaDB.Conn(), log)
	if n, err := scheduleRepo.SeedDefaults(); err != nil {
		log.Warn().Err(err).Msg("Schedule seeding failed")
	} else if n > 0 {
		log.Info().Int("tasks", n).Msg("Seeded default schedules")
	}
	runner := scheduler.NewRunner(scheduleRepo, builder, arenaSvc, scoreSvc, reflectionSvc, decisionSvc, marketSvc, log)
	if err := runner.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer runner.Stop()

	// Reliability
	maintenanceSvc := reliability.NewMaintenanceService(databases, cfg.DataDir, log)
	var backupSvc *reliability.BackupService
	opsCron := cron.New()
	if cfg.Backup.Enabled {
		store, err := reliability.NewR2Client(cfg.Backup.Endpoint, cfg.Backup.Region, cfg.Backup.AccessKey, cfg.Backup.SecretKey, cfg.Backup.Bucket, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}
		backupSvc = reliability.NewBackupService(store, databases, cfg.DataDir, log)

		_, err = opsCron.AddFunc("30 2 * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := backupSvc.CreateAndUpload(ctx); err != nil {
				log.Error().Err(err).Msg("Nightly backup failed")
				return
			}
			if deleted, err := backupSvc.RotateOldBackups(ctx, cfg.Backup.RetentionDays); err != nil {
				log.Warn().Err(err).Msg("Backup rotation failed")
			} else if deleted > 0 {
				log.Info().Int("deleted", deleted).Msg("Rotated old backups")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule nightly backup")
		}
	}
	if _, err := opsCron.AddFunc("0 3 * * 0", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := maintenanceSvc.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Weekly maintenance failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule maintenance")
	}
	opsCron.Start()
	defer opsCron.Stop()

	// HTTP server
	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Arena:     server.NewArenaHandlers(builder, harnessRepo, arenaSvc, invocations, scoreSvc, log),
		Decisions: server.NewDecisionHandlers(decisionSvc, log),
		Market:    server.NewMarketHandlers(marketSvc, log),
		Schedules: server.NewScheduleHandlers(scheduleRepo, runner, log),
		Prompts:   server.NewPromptHandlers(promptSvc, log),
		Memory:    server.NewMemoryHandlers(memorySvc, reflectionSvc, log),
		System:    server.NewSystemHandlers(databases, backupRunner(backupSvc), maintenanceSvc, progressHub, log),
		Progress:  progressHub,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Uteki stopped")
}

func mustOpen(log zerolog.Logger, cfg database.Config) *database.DB {
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to migrate database")
	}
	return db
}

// reflectionAdapter picks the first configured provider from the arena
// catalog for reflection generation. Returns nil when no key is set, in
// which case reflections are skipped rather than failed.
func reflectionAdapter(cfg *config.Config, log zerolog.Logger) llm.Adapter {
	for _, spec := range arena.DefaultConfig().Models {
		key := cfg.Providers.Key(string(spec.Provider))
		if key == "" {
			continue
		}
		adapter, err := llm.NewAdapter(spec.Provider, key, spec.Model, llm.FactoryOptions{GoogleBaseURL: cfg.GoogleAPIBaseURL})
		if err != nil {
			log.Warn().Err(err).Str("provider", string(spec.Provider)).Msg("Reflection adapter init failed")
			continue
		}
		log.Info().Str("provider", string(spec.Provider)).Str("model", spec.Model).Msg("Reflection provider selected")
		return adapter
	}
	log.Warn().Msg("No LLM provider configured; reflections will be skipped")
	return nil
}

// backupRunner avoids handing the server a typed nil when backups are
// disabled.
func backupRunner(svc *reliability.BackupService) server.BackupRunner {
	if svc == nil {
		return nil
	}
	return svc
}
