package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is one retrieved knowledge item. Ephemeral: produced per query and
// consumed immediately by the generation layer.
type Result struct {
	ID          string
	Content     string
	Metadata    map[string]string
	Similarity  float64
	RerankScore *float64
}

// Filters are pushed down to the store where possible.
type Filters struct {
	Status       string
	UpdatedAfter time.Time
	Metadata     map[string]string
}

// VectorSearcher is the vector-capable store collaborator.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, vector []float32, limit int, filters Filters) ([]Result, error)
}

// Embedder turns a query into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker assigns pairwise (query, document) relevance scores.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// ExposureSet tracks items already shown per user.
type ExposureSet interface {
	GetShown(userKey string) []string
	AddShown(userKey string, itemIDs []string)
}

// Options bound the candidate pool and result set sizes.
type Options struct {
	TopK          int
	FinalK        int
	SearchTimeout time.Duration
}

// Engine runs the retrieval pipeline: embed, similarity search, exposure
// exclusion, rerank, truncate.
type Engine struct {
	store    VectorSearcher
	embedder Embedder
	reranker Reranker
	exposure ExposureSet
	opts     Options
	logger   *zap.Logger
}

func NewEngine(store VectorSearcher, embedder Embedder, reranker Reranker, exposure ExposureSet, opts Options, logger *zap.Logger) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.FinalK <= 0 {
		opts.FinalK = 5
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		reranker: reranker,
		exposure: exposure,
		opts:     opts,
		logger:   logger,
	}
}

// Retrieve returns up to FinalK items for a query, excluding anything the
// user has already been shown. userKey may be empty to skip exposure
// tracking. Store failures degrade to an empty result set; rerank failures
// degrade to similarity order. The caller never sees an error from either.
func (e *Engine) Retrieve(ctx context.Context, query string, filters Filters, userKey string) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	var shown map[string]struct{}
	if userKey != "" && e.exposure != nil {
		ids := e.exposure.GetShown(userKey)
		if len(ids) > 0 {
			shown = make(map[string]struct{}, len(ids))
			for _, id := range ids {
				shown[id] = struct{}{}
			}
		}
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("Query embedding failed, returning empty retrieval", zap.Error(err))
		return nil
	}

	// Widen the candidate pool when an exposure set exists, so exclusion
	// still leaves enough headroom to fill the final set.
	multiplier := 2
	if len(shown) > 0 {
		multiplier = 3
	}
	limit := e.opts.TopK * multiplier

	searchCtx := ctx
	if e.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, e.opts.SearchTimeout)
		defer cancel()
	}

	candidates, err := e.store.SimilaritySearch(searchCtx, vector, limit, filters)
	if err != nil {
		e.logger.Warn("Similarity search failed, returning empty retrieval",
			zap.Error(err),
			zap.Int("limit", limit))
		return nil
	}

	if len(shown) > 0 {
		filtered := candidates[:0]
		for _, cand := range candidates {
			if _, seen := shown[cand.ID]; seen {
				continue
			}
			filtered = append(filtered, cand)
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		return nil
	}

	if len(candidates) > e.opts.FinalK {
		candidates = e.rerank(ctx, query, candidates)
	}

	if len(candidates) > e.opts.FinalK {
		candidates = candidates[:e.opts.FinalK]
	}

	if userKey != "" && e.exposure != nil {
		surfaced := make([]string, len(candidates))
		for i, cand := range candidates {
			surfaced[i] = cand.ID
		}
		e.exposure.AddShown(userKey, surfaced)
	}

	return candidates
}

// rerank scores candidates with the cross-encoder and sorts descending. On
// any failure the similarity order is kept.
func (e *Engine) rerank(ctx context.Context, query string, candidates []Result) []Result {
	if e.reranker == nil {
		return candidates
	}

	documents := make([]string, len(candidates))
	for i, cand := range candidates {
		documents[i] = cand.Content
	}

	scores, err := e.reranker.Rerank(ctx, query, documents)
	if err != nil || len(scores) != len(candidates) {
		e.logger.Warn("Rerank failed, keeping similarity order", zap.Error(err))
		return candidates
	}

	for i := range candidates {
		score := scores[i]
		candidates[i].RerankScore = &score
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return *candidates[i].RerankScore > *candidates[j].RerankScore
	})
	return candidates
}
