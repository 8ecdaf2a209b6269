// server is the knowledge base engine binary: HTTP API, websocket event
// feed, and the background task workers in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brainvault/internal/api"
	"brainvault/internal/chunking"
	"brainvault/internal/config"
	"brainvault/internal/dedupe"
	"brainvault/internal/facts"
	"brainvault/internal/ingestion"
	"brainvault/internal/llm"
	"brainvault/internal/logging"
	"brainvault/internal/notify"
	"brainvault/internal/ratelimit"
	"brainvault/internal/reconcile"
	"brainvault/internal/retrieval"
	"brainvault/internal/store"
	"brainvault/internal/tasks"
	"brainvault/internal/vector"
)

func main() {
	if err := run(); err != nil {
		logging.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.SetDefaultLogger(logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level)))
	logger := logging.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	vectors, err := vector.NewQdrantStore(&cfg.Qdrant, cfg.LLM.EmbeddingDimension)
	if err != nil {
		return fmt.Errorf("connect qdrant: %w", err)
	}
	defer func() { _ = vectors.Close() }()
	if err := vectors.Init(ctx); err != nil {
		return fmt.Errorf("init qdrant collection: %w", err)
	}

	gateway, err := buildGateway(cfg, st)
	if err != nil {
		return err
	}

	hub := notify.NewHub()
	judge := llm.NewGatewayJudge(gateway)
	factSvc := facts.NewService(st, vectors, gateway, judge)

	chunker := chunking.NewChunker(&cfg.Chunking, func(ctx context.Context, texts []string) ([][]float32, error) {
		return gateway.EmbedBatch(ctx, 0, texts)
	})

	pipeline := ingestion.NewPipeline(st, vectors, gateway, chunker, factSvc, hub, &cfg.Chunking)
	planner := retrieval.NewPlanner(st, vectors, gateway, &cfg.Retrieval)
	monitor := dedupe.NewMonitor(st, vectors, gateway, hub)
	sweeper := reconcile.NewSweeper(st, vectors, gateway, cfg.Chunking.MaxEmbeddingContent)

	runner := tasks.NewRunner(st, &cfg.Tasks)
	handlers := tasks.NewHandlers(st, pipeline, monitor, gateway, sweeper, hub)
	handlers.RegisterAll(runner)

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = limiter.Close() }()

	router := api.NewRouter(cfg, st, runner, pipeline, planner, hub, limiter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		runner.Run(ctx)
	}()
	go scheduleReconcile(ctx, runner, cfg.Tasks.ReconcileMinutes)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		<-workersDone
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	<-workersDone
	logger.Info("stopped")
	return nil
}

// buildGateway assembles the chat providers from the configured keys.
// OpenAI leads, Anthropic is the fallback; embeddings always come from
// OpenAI.
func buildGateway(cfg *config.Config, st *store.Store) (*llm.Gateway, error) {
	var chat []llm.ChatProvider
	var embedder llm.EmbeddingProvider

	if cfg.LLM.OpenAIAPIKey != "" {
		openai, err := llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, cfg.LLM.ChatModel,
			cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDimension)
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		chat = append(chat, openai)
		embedder = openai
	}
	if cfg.LLM.AnthropicAPIKey != "" {
		anthropic, err := llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, cfg.LLM.AnthropicModel,
			time.Duration(cfg.LLM.RequestTimeout)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		chat = append(chat, anthropic)
	}
	if len(chat) == 0 {
		return nil, errors.New("no LLM provider configured: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}

	return llm.NewGateway(&cfg.LLM, chat, embedder, st, st), nil
}

func buildLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	window := time.Duration(cfg.Drop.RateWindowSec) * time.Second
	if cfg.Redis.URL != "" {
		limiter, err := ratelimit.NewRedisLimiter(cfg.Redis.URL, cfg.Drop.RateLimit, window)
		if err != nil {
			return nil, fmt.Errorf("redis limiter: %w", err)
		}
		return limiter, nil
	}
	return ratelimit.NewSlidingWindow(cfg.Drop.RateLimit, window), nil
}

// scheduleReconcile enqueues a periodic vector reconcile task. The queue
// deduplicates nothing here: each tick is one sweep.
func scheduleReconcile(ctx context.Context, runner *tasks.Runner, minutes int) {
	if minutes <= 0 {
		minutes = 15
	}
	ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := runner.Enqueue(ctx, tasks.TypeVectorReconcile, 0, nil); err != nil {
				logging.Warn("failed to enqueue reconcile sweep", "error", err)
			}
		}
	}
}
