package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lead-agent/bot"
	"lead-agent/config"
	"lead-agent/conversation"
	"lead-agent/database"
	"lead-agent/dedup"
	"lead-agent/embedding"
	"lead-agent/exposure"
	"lead-agent/gateway"
	"lead-agent/llmclient"
	"lead-agent/retrieval"
	"lead-agent/web"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Initialize logger with default level to load config
	tempLogger, err := config.InitLogger("info")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Load(tempLogger)

	// Re-initialize logger with configured level
	logger, err := config.InitLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to re-initialize logger with configured level: %v\n", err)
		os.Exit(1)
	}
	defer config.Cleanup()

	var store *database.PostgresStore
	if cfg.DatabaseURL != "" {
		store, err = database.NewPostgresStore(cfg.DatabaseURL, cfg.EmbeddingDimension, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer store.Close()

		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure database schema", zap.Error(err))
		}
	} else {
		logger.Warn("DATABASE_URL not set, running without persistence or knowledge base")
	}

	client := llmclient.New(cfg, logger)

	embedder, err := embedding.NewService(
		embedding.NewHTTPProvider(client, cfg.EmbeddingHost, cfg.EmbeddingModel),
		embedding.NewHTTPProvider(client, cfg.FallbackEmbeddingHost, cfg.FallbackEmbeddingModel),
		cfg.EmbeddingDimension,
		cfg.EmbeddingCacheSize,
		cfg.EmbeddingRequestTimeout,
		cfg.EmbeddingCacheTTL,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize embedding service", zap.Error(err))
	}

	guard := dedup.NewGuard(cfg.FingerprintTTL, cfg.FingerprintSweepInterval, logger)
	defer guard.Stop()

	exposureCache := exposure.NewCache(cfg.ExposureMaxItems, cfg.ExposureTTL, logger)
	defer exposureCache.Stop()

	var snapshotter conversation.Snapshotter
	if store != nil {
		snapshotter = store
	}
	conversations := conversation.NewManager(
		conversation.Thresholds{Qualified: cfg.QualifiedThreshold, Nurture: cfg.NurtureThreshold},
		cfg.ConversationLockIdleAge,
		snapshotter,
		logger,
	)
	defer conversations.Stop()

	var searcher retrieval.VectorSearcher
	if store != nil {
		searcher = store
	} else {
		searcher = emptySearcher{}
	}

	var reranker retrieval.Reranker
	if cfg.RerankHost != "" {
		reranker = llmclient.NewRerankService(client, cfg.RerankHost, cfg.RerankModel)
	}

	engine := retrieval.NewEngine(searcher, embedder, reranker, exposureCache,
		retrieval.Options{
			TopK:          cfg.RetrievalTopK,
			FinalK:        cfg.RetrievalFinalK,
			SearchTimeout: cfg.SearchTimeout,
		}, logger)

	contextBuilder := retrieval.NewContextBuilder(cfg.ContextTokenLimit, logger)

	messenger := gateway.NewWhatsAppClient(cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID, logger)
	if !messenger.Configured() {
		logger.Warn("WhatsApp credentials not set, outbound messages will only be logged")
	}

	completer := llmclient.NewChatService(client, cfg.MainLLMHost, cfg.MainLLMModel)

	leadBot := bot.New(guard, conversations, engine, contextBuilder, completer, messenger,
		bot.NewScorer(logger), cfg.KBFreshnessWindow, logger)

	server := web.NewServer(leadBot, guard, conversations, exposureCache, logger, cfg)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	port := fmt.Sprintf(":%d", cfg.WebPort)
	logger.Info("Starting lead agent", zap.String("port", port))
	if err := server.Start(ctx, port); err != nil {
		logger.Error("Web server error", zap.Error(err))
		os.Exit(1)
	}
}

// emptySearcher stands in when no database is configured; retrieval then
// always degrades to a no-context answer.
type emptySearcher struct{}

func (emptySearcher) SimilaritySearch(ctx context.Context, vector []float32, limit int, filters retrieval.Filters) ([]retrieval.Result, error) {
	return nil, nil
}
