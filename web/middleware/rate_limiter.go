package middleware

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket
func NewTokenBucket(maxTokens float64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can proceed and consumes a token if so
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = min(tb.maxTokens, tb.tokens+(elapsed*tb.refillRate))
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// SenderRateLimiter bounds inbound message rate per sender phone number.
// Limited deliveries are rejected with a non-2xx status so the gateway
// redelivers them later instead of the message being lost.
type SenderRateLimiter struct {
	messagesPerMin int
	burstSize      int
	buckets        map[string]*TokenBucket
	mu             sync.Mutex
	logger         *zap.Logger
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewSenderRateLimiter creates a per-sender rate limiter
func NewSenderRateLimiter(messagesPerMin, burstSize int, logger *zap.Logger) *SenderRateLimiter {
	limiter := &SenderRateLimiter{
		messagesPerMin: messagesPerMin,
		burstSize:      burstSize,
		buckets:        make(map[string]*TokenBucket),
		logger:         logger,
		stopCleanup:    make(chan struct{}),
	}

	go limiter.cleanupRoutine()
	return limiter
}

// Allow checks if a message from the given sender can proceed
func (srl *SenderRateLimiter) Allow(sender string) bool {
	srl.mu.Lock()
	bucket, exists := srl.buckets[sender]
	if !exists {
		refillRate := float64(srl.messagesPerMin) / 60.0
		bucket = NewTokenBucket(float64(srl.burstSize), refillRate)
		srl.buckets[sender] = bucket
	}
	srl.mu.Unlock()

	allowed := bucket.Allow()
	if !allowed {
		srl.logger.Warn("Rate limit exceeded for sender",
			zap.String("sender", sender),
			zap.Int("limit_per_min", srl.messagesPerMin))
	}
	return allowed
}

// Stop stops the cleanup routine
func (srl *SenderRateLimiter) Stop() {
	srl.stopOnce.Do(func() { close(srl.stopCleanup) })
}

func (srl *SenderRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			srl.cleanup()
		case <-srl.stopCleanup:
			return
		}
	}
}

// cleanup bounds the bucket map. Buckets refill to full while idle, so
// recreating one later is equivalent to having kept it.
func (srl *SenderRateLimiter) cleanup() {
	srl.mu.Lock()
	defer srl.mu.Unlock()

	if len(srl.buckets) > 1000 {
		srl.logger.Info("Cleaning up rate limiter buckets", zap.Int("buckets", len(srl.buckets)))
		srl.buckets = make(map[string]*TokenBucket)
	}
}
