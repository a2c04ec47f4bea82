package web

import (
	"context"
	"net/http"

	"lead-agent/bot"
	"lead-agent/config"
	"lead-agent/conversation"
	"lead-agent/dedup"
	"lead-agent/exposure"
	"lead-agent/web/handlers"
	"lead-agent/web/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router        *gin.Engine
	logger        *zap.Logger
	config        *config.Config
	guard         *dedup.Guard
	conversations *conversation.Manager
	exposure      *exposure.Cache
	limiter       *middleware.SenderRateLimiter
}

func NewServer(
	b *bot.Bot,
	guard *dedup.Guard,
	conversations *conversation.Manager,
	exposureCache *exposure.Cache,
	logger *zap.Logger,
	cfg *config.Config,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Set("logger", logger)
		c.Next()
	})

	limiter := middleware.NewSenderRateLimiter(cfg.RateLimitMessagesPerMin, cfg.RateLimitBurstSize, logger)

	server := &Server{
		router:        router,
		logger:        logger,
		config:        cfg,
		guard:         guard,
		conversations: conversations,
		exposure:      exposureCache,
		limiter:       limiter,
	}

	webhookHandler := handlers.NewWebhookHandler(b, limiter, cfg.WhatsAppVerifyToken, logger)

	router.GET("/webhook", webhookHandler.Verify)
	router.POST("/webhook", webhookHandler.Receive)
	router.GET("/healthz", server.health)
	router.GET("/stats", server.stats)

	return server
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fingerprints":  s.guard.Stats(),
		"conversations": s.conversations.Stats(),
		"exposure":      s.exposure.Stats(),
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("Starting web server", zap.String("address", addr))

	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	s.logger.Info("Shutting down web server")
	s.limiter.Stop()
	return srv.Shutdown(context.Background())
}
