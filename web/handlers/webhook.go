package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"lead-agent/bot"
	apperrors "lead-agent/errors"
	"lead-agent/web/middleware"
	"lead-agent/web/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookHandler terminates the WhatsApp webhook: verification handshake,
// typed payload decode and handoff to the orchestrator.
type WebhookHandler struct {
	bot         *bot.Bot
	limiter     *middleware.SenderRateLimiter
	verifyToken string
	logger      *zap.Logger
}

func NewWebhookHandler(b *bot.Bot, limiter *middleware.SenderRateLimiter, verifyToken string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		bot:         b,
		limiter:     limiter,
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// Verify answers Meta's subscription handshake.
func (h *WebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken && h.verifyToken != "" {
		c.String(http.StatusOK, challenge)
		return
	}

	h.logger.Warn("Webhook verification rejected", zap.String("mode", mode))
	c.String(http.StatusForbidden, "verification failed")
}

// Receive handles an inbound webhook delivery. The delivery is acked with
// 200 as soon as it decodes; processing continues asynchronously so Meta's
// delivery timeout never races the LLM. Rate-limited senders get 429, which
// makes the gateway redeliver later rather than the message being dropped.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "unreadable body"})
		return
	}

	msg, err := types.DecodeWebhook(body)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNoMessage):
			// Status-only deliveries (sent/read receipts) are expected.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		case errors.Is(err, apperrors.ErrInvalidPayload):
			// Ack malformed payloads: a non-2xx would only make Meta
			// resend the same garbage.
			h.logger.Error("Invalid webhook payload", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "invalid"})
		default:
			h.logger.Error("Webhook decode failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "error"})
		}
		return
	}

	if h.limiter != nil && !h.limiter.Allow(msg.From) {
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, gin.H{"status": "rate limited"})
		return
	}

	// Detach from the request context: the 200 ack below must not cancel
	// in-flight processing.
	procCtx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := h.bot.HandleMessage(procCtx, msg); err != nil {
			h.logger.Error("Message processing failed",
				zap.Error(err),
				zap.String("message_id", msg.MessageID))
		}
	}()

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
