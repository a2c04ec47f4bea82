package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	apperrors "lead-agent/errors"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Provider produces embedding vectors for text. Implementations wrap the
// remote embedding API and the local fallback model server.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

type cacheEntry struct {
	vector    []float32
	model     string
	createdAt time.Time
}

// Service turns text into fixed-dimension vectors. It tries the primary
// provider first, falls back to the secondary on any failure, reconciles
// dimension mismatches, and caches results by content hash.
type Service struct {
	primary   Provider
	fallback  Provider
	dimension int
	timeout   time.Duration
	cacheTTL  time.Duration
	cache     *lru.Cache
	logger    *zap.Logger
}

// NewService creates the adapter. dimension is the deployment-wide vector
// dimension D; every returned vector has exactly that length.
func NewService(primary, fallback Provider, dimension, cacheSize int, timeout, cacheTTL time.Duration, logger *zap.Logger) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, apperrors.WrapError(err, "create embedding cache")
	}

	return &Service{
		primary:   primary,
		fallback:  fallback,
		dimension: dimension,
		timeout:   timeout,
		cacheTTL:  cacheTTL,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Dimension returns the configured target dimension D.
func (s *Service) Dimension() int { return s.dimension }

// ContentHash is the cache key for a text: sha256 of the
// whitespace-normalized input, truncated hex.
func ContentHash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Embed returns the vector for a single text. Empty input maps to the zero
// vector deterministically and is never cached.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, s.dimension), nil
	}

	key := ContentHash(text)
	if entry, ok := s.cacheGet(key); ok {
		return entry.vector, nil
	}

	vector, model, err := s.embedWithFallback(ctx, text)
	if err != nil {
		return nil, err
	}

	s.cache.Add(key, cacheEntry{vector: vector, model: model, createdAt: time.Now()})
	return vector, nil
}

// EmbedBatch embeds each text, reusing cache hits. The result always has
// one vector of length D per input.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// CacheLen reports the number of live cache entries, for monitoring.
func (s *Service) CacheLen() int { return s.cache.Len() }

func (s *Service) cacheGet(key string) (cacheEntry, bool) {
	value, ok := s.cache.Get(key)
	if !ok {
		return cacheEntry{}, false
	}
	entry := value.(cacheEntry)
	if s.cacheTTL > 0 && time.Since(entry.createdAt) > s.cacheTTL {
		s.cache.Remove(key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (s *Service) embedWithFallback(ctx context.Context, text string) ([]float32, string, error) {
	callCtx, cancel := s.callContext(ctx)
	vector, err := s.primary.Embed(callCtx, text)
	cancel()
	if err == nil {
		return s.reconcile(vector, s.primary.Name()), s.primary.Name(), nil
	}

	s.logger.Warn("Primary embedding provider failed, using fallback",
		zap.Error(err),
		zap.String("provider", s.primary.Name()))

	if s.fallback == nil {
		return nil, "", apperrors.WrapError(apperrors.ErrEmbeddingFailed, err.Error())
	}

	callCtx, cancel = s.callContext(ctx)
	vector, fbErr := s.fallback.Embed(callCtx, text)
	cancel()
	if fbErr != nil {
		s.logger.Error("Fallback embedding provider failed",
			zap.Error(fbErr),
			zap.String("provider", s.fallback.Name()))
		return nil, "", apperrors.WrapError(apperrors.ErrEmbeddingFailed, fbErr.Error())
	}

	return s.reconcile(vector, s.fallback.Name()), s.fallback.Name(), nil
}

// reconcile pads or truncates a vector to the target dimension. The target
// never silently changes; the mismatch is logged because both operations
// degrade similarity quality.
func (s *Service) reconcile(vector []float32, provider string) []float32 {
	if len(vector) == s.dimension {
		return vector
	}

	s.logger.Warn("Embedding dimension mismatch, reconciling to target",
		zap.String("provider", provider),
		zap.Int("native_dimension", len(vector)),
		zap.Int("target_dimension", s.dimension))

	if len(vector) < s.dimension {
		padded := make([]float32, s.dimension)
		copy(padded, vector)
		return padded
	}
	return vector[:s.dimension]
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
