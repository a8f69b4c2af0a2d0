package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/yegors/callscribe/internal/ai"
	"github.com/yegors/callscribe/internal/ai/gemini"
	"github.com/yegors/callscribe/internal/ai/openai"
	"github.com/yegors/callscribe/internal/api"
	"github.com/yegors/callscribe/internal/config"
	"github.com/yegors/callscribe/internal/detector"
	"github.com/yegors/callscribe/internal/host/bridge"
	"github.com/yegors/callscribe/internal/recording"
	"github.com/yegors/callscribe/internal/storage/sqlite"
	"github.com/yegors/callscribe/internal/transcription"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Callscribe server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Ensure the storage directory exists
	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, "callscribe.db")

	// Create SQLite storage (sweeps expired recordings at startup)
	recordingStorage, err := sqlite.NewRecordingStorage(dbPath, cfg.Recording.RetentionDays, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer recordingStorage.Close()
	log.Info("Using SQLite storage", logger.String("path", dbPath))

	// Create settings storage on the same database
	settingsStorage := sqlite.NewSettingsStorage(recordingStorage.GetDB(), log)

	// Create WebSocket server
	wsServer := websocket.NewServer(log)

	// Start WebSocket server
	go wsServer.Run()

	// The host bridge speaks to the in-client shim over the WebSocket
	// and exposes the chat host's media sources and call UI
	hostBridge := bridge.New(wsServer, log)
	wsServer.SetMessageHandler(hostBridge)

	// Create transcription client (optional)
	var transcriber recording.Transcriber
	if cfg.Transcription.APIKey != "" {
		transcriber = transcription.NewOpenAIClient(
			cfg.Transcription.APIKey,
			cfg.Transcription.Model,
			cfg.Transcription.BaseURL,
			cfg.Transcription.Language,
			time.Duration(cfg.Transcription.TimeoutSeconds)*time.Second,
			log,
		)
	} else {
		log.Info("Transcription disabled (no API key configured)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create completion provider for speaker labeling (optional)
	var completer ai.CompletionProvider
	if cfg.Completion.APIKey != "" {
		switch cfg.Completion.Provider {
		case "gemini":
			geminiClient, err := gemini.NewClient(ctx, cfg.Completion.APIKey, log)
			if err != nil {
				log.Error("Failed to create Gemini client, speaker labeling disabled", logger.Error(err))
			} else {
				completer = geminiClient
			}
		default:
			completer = openai.NewClient(
				cfg.Completion.APIKey,
				cfg.Completion.BaseURL,
				time.Duration(cfg.Completion.TimeoutSeconds)*time.Second,
				log,
			)
		}
	} else {
		log.Info("Speaker labeling disabled (no API key configured)")
	}

	// Create call lifecycle detector over the host bridge
	callDetector := detector.New(hostBridge, hostBridge, detector.Config{
		PollInterval: time.Duration(cfg.Recording.PollIntervalMs) * time.Millisecond,
		AnswerDelay:  time.Duration(cfg.Recording.AnswerDelayMs) * time.Millisecond,
		AutoAnswer:   cfg.Recording.AutoAnswer,
	}, log)

	// Create the recording orchestrator
	recordingService := recording.NewService(
		cfg.Recording,
		cfg.Completion,
		callDetector,
		recordingStorage,
		settingsStorage,
		transcriber,
		completer,
		wsServer,
		log,
	)

	if err := recordingService.Start(ctx); err != nil {
		log.Error("Failed to start recording service", logger.Error(err))
		os.Exit(1)
	}

	// Create API router
	router := api.NewRouter(recordingService, recordingStorage, cfg, log, wsServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop the recording service first so any in-flight capture is
	// finalized and persisted before the database closes
	log.Info("Stopping recording service...")
	recordingService.Stop()
	log.Info("Recording service stopped.")

	// Cancel the main context
	cancel()

	// Shutdown the HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	log.Info("Server fully stopped")
}
