package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/herald/internal/anthropic"
	"github.com/MikeSquared-Agency/herald/internal/api"
	"github.com/MikeSquared-Agency/herald/internal/call"
	"github.com/MikeSquared-Agency/herald/internal/config"
	"github.com/MikeSquared-Agency/herald/internal/dialogue"
	"github.com/MikeSquared-Agency/herald/internal/hermes"
	"github.com/MikeSquared-Agency/herald/internal/index"
	"github.com/MikeSquared-Agency/herald/internal/ingest"
	"github.com/MikeSquared-Agency/herald/internal/lang"
	"github.com/MikeSquared-Agency/herald/internal/openai"
	"github.com/MikeSquared-Agency/herald/internal/store"
	"github.com/MikeSquared-Agency/herald/internal/voice"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("herald starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Anthropic client
	if cfg.AnthropicAPIKey == "" {
		slog.Error("ANTHROPIC_API_KEY is required")
		os.Exit(1)
	}
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	slog.Info("anthropic client ready", "model", cfg.AnthropicModel)

	// Database (optional: without it campaigns use defaults and nothing is persisted)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set — transcripts and chunks will not be persisted")
	}

	// NATS/Hermes (optional)
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		var err error
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set — call events will not be published")
	}

	// OpenAI embeddings + transcription (optional)
	var oai *openai.Client
	if cfg.OpenAIAPIKey != "" {
		var err error
		oai, err = openai.NewClient(cfg.OpenAIAPIKey,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
			openai.WithTranscriptionModel(cfg.STTModel),
			openai.WithRecordingAuth(cfg.RecordingUser, cfg.RecordingPass),
		)
		if err != nil {
			slog.Error("failed to create openai client", "error", err)
			os.Exit(1)
		}
		slog.Info("openai client ready", "embedding_model", cfg.EmbeddingModel)
	} else {
		slog.Warn("OPENAI_API_KEY not set — documents use hash vectors and recordings are not transcribed")
	}

	// Ingestion pipeline
	pcfg := ingest.Config{
		Index:  index.New(),
		Logger: slog.Default(),
		Chunking: ingest.Options{
			Size:      cfg.ChunkSize,
			Overlap:   cfg.ChunkOverlap,
			MinLength: cfg.MinChunkLength,
		},
		Dimension:    cfg.EmbeddingDimension,
		EmbedTimeout: cfg.CompletionTimeout,
	}
	if oai != nil {
		pcfg.Embedder = oai
	}
	if db != nil {
		pcfg.Store = db
	}
	if hermesClient != nil {
		pcfg.Events = hermesClient
	}
	pipeline, err := ingest.NewPipeline(pcfg)
	if err != nil {
		slog.Error("failed to create ingestion pipeline", "error", err)
		os.Exit(1)
	}
	if db != nil {
		docs, err := db.LoadDocuments(ctx)
		if err != nil {
			slog.Warn("failed to load persisted documents", "error", err)
		} else if err := pipeline.Restore(docs); err != nil {
			slog.Warn("failed to restore documents", "error", err)
		} else {
			slog.Info("documents restored", "count", len(docs))
		}
	}

	gen, err := dialogue.NewGenerator(dialogue.Config{
		Completer:    llm,
		Retriever:    pipeline,
		Logger:       slog.Default(),
		TopK:         cfg.RetrievalTopK,
		HistoryTurns: cfg.HistoryTurns,
		Timeout:      cfg.CompletionTimeout,
	})
	if err != nil {
		slog.Error("failed to create dialogue generator", "error", err)
		os.Exit(1)
	}

	// Speech synthesis: hosted TTS when configured, cached in Redis when available.
	var synth voice.Synthesizer = voice.SaySynthesizer{Voice: cfg.Voice}
	if cfg.TTSURL != "" {
		synth = voice.NewHTTPSynthesizer(cfg.TTSURL, cfg.Voice)
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "error", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opts)
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				slog.Warn("redis unreachable — audio cache disabled", "error", err)
			} else {
				synth = voice.NewCachedSynthesizer(synth, voice.NewRedisCache(rdb), cfg.AudioCacheTTL, slog.Default())
				slog.Info("audio cache ready")
			}
		}
	} else if cfg.RedisURL != "" {
		slog.Warn("REDIS_URL set without TTS_URL — provider speech is not cached")
	}

	// Call state machine
	mcfg := call.Config{
		Generator:            gen,
		Synthesizer:          synth,
		Logger:               slog.Default(),
		DefaultLanguage:      lang.Parse(cfg.DefaultLanguage),
		Voice:                cfg.Voice,
		ConfirmWords:         cfg.ConfirmWordThreshold,
		MaxFailures:          cfg.MaxFailures,
		HistoryTurns:         cfg.HistoryTurns,
		IdleTimeout:          cfg.IdleTimeout,
		SynthesisTimeout:     cfg.SynthesisTimeout,
		TranscriptionTimeout: cfg.CompletionTimeout,
	}
	if db != nil {
		mcfg.Campaigns = db
		mcfg.Transcripts = db
	}
	if hermesClient != nil {
		mcfg.Events = hermesClient
	}
	if oai != nil {
		mcfg.Transcriber = oai
	}
	machine, err := call.NewMachine(mcfg)
	if err != nil {
		slog.Error("failed to create call machine", "error", err)
		os.Exit(1)
	}
	go machine.RunEviction(ctx, cfg.EvictionInterval)

	// Ingest requests from other services
	if hermesClient != nil {
		if err := hermesClient.Subscribe(hermes.SubjectDocumentIngest, pipeline.HandleIngestRequest); err != nil {
			slog.Error("failed to subscribe to ingest requests", "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	deps := api.Deps{
		Calls:     machine,
		Documents: pipeline,
		Logger:    slog.Default(),
		Voice:     cfg.Voice,
	}
	if db != nil {
		deps.Campaigns = db
		deps.Transcripts = db
	}
	srv := api.NewServer(cfg.Port, cfg.APIToken, deps)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	// Announce registration
	if hermesClient != nil {
		if err := hermesClient.Publish("swarm.agent.herald.registered", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("herald ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	cancel()
	if err := machine.Close(shutdownCtx); err != nil {
		slog.Warn("pending transcript writes abandoned", "error", err)
	}
	if hermesClient != nil {
		if err := hermesClient.Drain(shutdownCtx); err != nil {
			slog.Warn("NATS drain incomplete", "error", err)
		}
	}
	slog.Info("herald stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
