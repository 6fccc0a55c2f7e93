package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jugarenchile.com/tawk-relay/internal/api"
	"jugarenchile.com/tawk-relay/internal/auth"
	"jugarenchile.com/tawk-relay/internal/cache"
	"jugarenchile.com/tawk-relay/internal/config"
	"jugarenchile.com/tawk-relay/internal/core"
	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/store"
	"jugarenchile.com/tawk-relay/internal/tawk"
	"jugarenchile.com/tawk-relay/internal/telemetry"
)

func main() {
	ingestFile := flag.String("ingest", "", "Build the corpus file from a plain-text knowledge file and exit")
	adminToken := flag.String("admin-token", "", "Print an operator token for the given subject and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.EnvFileLoaded {
		logging.Debug().Msg("Loaded settings from .env")
	}

	if *adminToken != "" {
		token, err := auth.GenerateOperatorJWT(*adminToken, cfg.AdminJWTSecret)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to mint operator token")
		}
		fmt.Println(token)
		return
	}

	ctx := context.Background()

	llmService, err := core.NewLLMService(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize model client")
	}
	defer llmService.Close()

	if *ingestFile != "" {
		logging.Info().Str("source", *ingestFile).Str("corpus", cfg.CorpusPath).Msg("Starting corpus ingestion")
		n, err := core.IngestFile(ctx, *ingestFile, cfg.CorpusPath, llmService.Embedder, core.IngestConfig{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			Pace:         100 * time.Millisecond,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Corpus ingestion failed")
		}
		logging.Info().Int("chunks", n).Msg("Corpus ingestion complete")
		return
	}

	// The relay keeps answering without a database; persistence and the
	// durable analytics path are skipped.
	var (
		conversations core.ConversationStore
		eventWriter   telemetry.Writer
		analytics     api.AnalyticsStore
	)
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logging.Error().Err(err).Str("path", cfg.DatabaseURL).Msg("Database unavailable, running without persistence")
	} else {
		defer dbStore.Close()
		conversations = dbStore
		eventWriter = dbStore
		analytics = dbStore
	}

	backend := cache.Open(ctx, cache.Options{RedisURL: cfg.RedisURL, Dir: cfg.CacheDir})
	defer backend.Close()
	responses := cache.NewResponseCache(backend, cfg.CacheTTL)

	corpus := core.NewChunkStore(cfg.CorpusPath)
	if err := corpus.Load(cfg.CorpusPath); err != nil {
		logging.Warn().Err(err).Msg("Corpus not loaded, answering without retrieval context")
	}
	retriever, err := core.NewRetriever(cfg.RetrievalMode, corpus, llmService.Embedder)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to configure retrieval")
	}

	generator := core.NewResponseGenerator(llmService.Chat, retriever, responses, core.GeneratorConfig{
		TopK:          cfg.TopK,
		ContextBudget: cfg.ContextBudget,
		HistoryTurns:  cfg.HistoryTurns,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   cfg.Temperature,
	})

	sink := telemetry.NewSink(eventWriter, backend, telemetry.Config{
		FlushInterval: cfg.TelemetryFlushInterval,
		BatchSize:     cfg.TelemetryBatchSize,
		MaxQueue:      cfg.TelemetryMaxQueue,
	})

	delivery := tawk.NewClient(tawk.ClientConfig{
		BaseURL:    cfg.TawkBaseURL,
		APIKey:     cfg.TawkAPIKey,
		PropertyID: cfg.TawkPropertyID,
	})
	if !delivery.IsConfigured() {
		logging.Warn().Msg("Tawk API credentials missing, replies will not be delivered")
	}
	if cfg.TawkWebhookSecret == "" {
		logging.Warn().Msg("TAWK_WEBHOOK_SECRET not set, webhook signatures are not checked")
	}

	apiHandler := api.NewAPIHandler(api.Options{
		WebhookSecret: cfg.TawkWebhookSecret,
		AdminSecret:   cfg.AdminJWTSecret,
		Provider:      cfg.LLMProvider,
		Safety:        core.NewSafetyClassifier(cfg.SafetyPhrases),
		Generator:     generator,
		Chats:         core.NewChatService(conversations, cfg.HistoryTurns),
		Corpus:        corpus,
		Cache:         backend,
		Delivery:      delivery,
		Telemetry:     sink,
		Analytics:     analytics,
	})
	router := api.NewRouter(apiHandler, api.RouterConfig{RateLimitPerMinute: cfg.RateLimitPerMinute})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second, // model calls can take time
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logging.Info().
			Str("addr", serverAddr).
			Str("model", generator.ModelName()).
			Str("retrieval", generator.RetrievalMode()).
			Str("cache", backend.Name()).
			Bool("offline", llmService.Offline()).
			Bool("admin", apiHandler.AdminEnabled()).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Str("addr", serverAddr).Msg("Could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Pending events are written before the database closes.
	if err := sink.Close(shutdownCtx); err != nil {
		logging.Error().Err(err).Int("pending", sink.Pending()).Msg("Final telemetry flush failed")
	}
	logging.Info().Msg("Server exiting")
}
