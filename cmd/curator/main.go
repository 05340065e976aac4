// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/curator/internal/api"
	"github.com/autobrr/curator/internal/buildinfo"
	"github.com/autobrr/curator/internal/config"
	"github.com/autobrr/curator/internal/database"
	"github.com/autobrr/curator/internal/metrics"
	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
	"github.com/autobrr/curator/internal/services/reannounce"
	"github.com/autobrr/curator/internal/services/rules"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	rootCmd := &cobra.Command{
		Use:   "curator",
		Short: "Rule-driven automation for qBittorrent fleets",
		Long: `curator - a self-hosted automation engine for qBittorrent.
Applies lifecycle rules (limits, tags, deletion) and reannounces
stalled torrents across multiple instances.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		runServer(configDir, dataDir, logPath)
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of curator",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(buildinfo.String())
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")

	return command
}

func runServer(configDir, dataDir, logPath string) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	if logPath != "" {
		cfg.Config.LogPath = logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting curator")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	instanceStore, err := models.NewInstanceStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize instance store")
	}
	ruleStore := models.NewRuleStore(db)
	ruleActivityStore := models.NewRuleActivityStore(db)
	reannounceSettingsStore := models.NewReannounceSettingsStore(db)
	reannounceActivityStore := models.NewReannounceActivityStore(db)

	clientPool := qbittorrent.NewClientPool(instanceStore)
	defer clientPool.Close()

	rulesConfig := rules.DefaultConfig()
	if cfg.Config.RuleScanIntervalSeconds > 0 {
		rulesConfig.ScanInterval = time.Duration(cfg.Config.RuleScanIntervalSeconds) * time.Second
	}
	if cfg.Config.ActivityRetentionDays > 0 {
		rulesConfig.ActivityRetentionDays = cfg.Config.ActivityRetentionDays
	}

	rulesService := rules.NewService(rulesConfig, instanceStore, ruleStore, ruleActivityStore, clientPool)

	reannounceConfig := reannounce.DefaultConfig()
	if cfg.Config.ActivityRetentionDays > 0 {
		reannounceConfig.ActivityRetentionDays = cfg.Config.ActivityRetentionDays
	}

	reannounceService := reannounce.NewService(reannounceConfig, instanceStore, reannounceSettingsStore, reannounceActivityStore, clientPool)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	rulesService.Start(engineCtx)
	reannounceService.Start(engineCtx)

	// Warm up client connections for active instances.
	go func() {
		listCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		instances, err := instanceStore.ListActive(listCtx)
		cancel()

		if err != nil {
			log.Error().Err(err).Msg("Failed to get instances for startup connection")
			return
		}

		for _, instance := range instances {
			go func(instanceID int) {
				connCtx, connCancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer connCancel()

				if _, err := clientPool.GetClient(connCtx, instanceID); err != nil {
					log.Debug().Err(err).Int("instanceID", instanceID).Msg("Failed to connect to instance on startup")
				} else {
					log.Debug().Int("instanceID", instanceID).Msg("Connected to instance on startup")
				}
			}(instance.ID)
		}
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:                  cfg,
		Version:                 buildinfo.Version,
		InstanceStore:           instanceStore,
		RuleStore:               ruleStore,
		RuleActivityStore:       ruleActivityStore,
		ReannounceSettingsStore: reannounceSettingsStore,
		ReannounceActivityStore: reannounceActivityStore,
		ClientPool:              clientPool,
		RulesService:            rulesService,
		ReannounceService:       reannounceService,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsManager := metrics.NewManager(clientPool, instanceStore, ruleActivityStore, reannounceActivityStore)
		metricsServer = metrics.NewServer(metricsManager, cfg.Config.MetricsHost, cfg.Config.MetricsPort)

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}
}
