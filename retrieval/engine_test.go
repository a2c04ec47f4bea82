package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

type fakeStore struct {
	candidates []Result
	err        error
	lastLimit  int
	calls      int
}

func (f *fakeStore) SimilaritySearch(ctx context.Context, vector []float32, limit int, filters Filters) ([]Result, error) {
	f.calls++
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, 8), nil
}

type fakeReranker struct {
	scores []float64
	err    error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[:len(documents)], nil
}

type fakeExposure struct {
	shown map[string][]string
	added map[string][]string
}

func newFakeExposure() *fakeExposure {
	return &fakeExposure{shown: make(map[string][]string), added: make(map[string][]string)}
}

func (f *fakeExposure) GetShown(userKey string) []string { return f.shown[userKey] }

func (f *fakeExposure) AddShown(userKey string, itemIDs []string) {
	f.added[userKey] = append(f.added[userKey], itemIDs...)
}

func makeCandidates(n int) []Result {
	out := make([]Result, n)
	for i := range out {
		out[i] = Result{
			ID:         fmt.Sprintf("item-%d", i),
			Content:    fmt.Sprintf("imóvel número %d", i),
			Similarity: 1.0 - float64(i)*0.01,
		}
	}
	return out
}

func newTestEngine(store *fakeStore, embedder *fakeEmbedder, reranker Reranker, exp ExposureSet) *Engine {
	return NewEngine(store, embedder, reranker, exp,
		Options{TopK: 5, FinalK: 5}, zap.NewNop())
}

func TestEmptyQueryCallsNoCollaborator(t *testing.T) {
	store := &fakeStore{}
	embedder := &fakeEmbedder{}
	engine := newTestEngine(store, embedder, nil, nil)

	for _, query := range []string{"", "   ", "\n\t"} {
		if got := engine.Retrieve(context.Background(), query, Filters{}, ""); got != nil {
			t.Errorf("Retrieve(%q) = %v, want nil", query, got)
		}
	}
	if embedder.calls != 0 || store.calls != 0 {
		t.Errorf("collaborators called for empty query: embed=%d search=%d", embedder.calls, store.calls)
	}
}

func TestExposureExclusion(t *testing.T) {
	store := &fakeStore{candidates: makeCandidates(20)}
	exp := newFakeExposure()
	exp.shown["user"] = []string{"item-0", "item-2"}
	engine := newTestEngine(store, &fakeEmbedder{}, nil, exp)

	results := engine.Retrieve(context.Background(), "apartamento centro", Filters{}, "user")

	for _, res := range results {
		if res.ID == "item-0" || res.ID == "item-2" {
			t.Errorf("excluded item %s resurfaced", res.ID)
		}
	}
}

func TestExposureBackfillKeepsFinalSize(t *testing.T) {
	// Four of the top-5 similarity hits were already shown; the wider
	// candidate pool must backfill to a full final set.
	store := &fakeStore{candidates: makeCandidates(15)}
	exp := newFakeExposure()
	exp.shown["user"] = []string{"item-0", "item-1", "item-2", "item-3"}
	engine := newTestEngine(store, &fakeEmbedder{}, nil, exp)

	results := engine.Retrieve(context.Background(), "casa jardim", Filters{}, "user")

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5 despite exclusions", len(results))
	}
	if store.lastLimit != 15 {
		t.Errorf("candidate limit = %d, want 15 (topK x 3 with exposure set)", store.lastLimit)
	}
}

func TestMultiplierWithoutExposure(t *testing.T) {
	store := &fakeStore{candidates: makeCandidates(20)}
	engine := newTestEngine(store, &fakeEmbedder{}, nil, nil)

	engine.Retrieve(context.Background(), "casa", Filters{}, "")
	if store.lastLimit != 10 {
		t.Errorf("candidate limit = %d, want 10 (topK x 2)", store.lastLimit)
	}
}

func TestSurfacedItemsRecorded(t *testing.T) {
	store := &fakeStore{candidates: makeCandidates(10)}
	exp := newFakeExposure()
	engine := newTestEngine(store, &fakeEmbedder{}, nil, exp)

	results := engine.Retrieve(context.Background(), "cobertura", Filters{}, "user")

	added := exp.added["user"]
	if len(added) != len(results) {
		t.Fatalf("recorded %d surfaced items, want %d", len(added), len(results))
	}
	for i, res := range results {
		if added[i] != res.ID {
			t.Errorf("surfaced item %d = %s, recorded %s", i, res.ID, added[i])
		}
	}
}

func TestStoreFailureReturnsEmpty(t *testing.T) {
	store := &fakeStore{err: errors.New("store unavailable")}
	engine := newTestEngine(store, &fakeEmbedder{}, nil, nil)

	if got := engine.Retrieve(context.Background(), "casa", Filters{}, ""); got != nil {
		t.Errorf("store failure should yield empty result, got %v", got)
	}
}

func TestEmbeddingFailureReturnsEmpty(t *testing.T) {
	store := &fakeStore{candidates: makeCandidates(5)}
	embedder := &fakeEmbedder{err: errors.New("both providers down")}
	engine := newTestEngine(store, embedder, nil, nil)

	if got := engine.Retrieve(context.Background(), "casa", Filters{}, ""); got != nil {
		t.Errorf("embedding failure should yield empty result, got %v", got)
	}
	if store.calls != 0 {
		t.Error("store should not be queried without a query vector")
	}
}

func TestRerankOrdersByScore(t *testing.T) {
	store := &fakeStore{candidates: makeCandidates(10)}
	// Reverse the similarity order
	reranker := &fakeReranker{scores: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}}
	engine := newTestEngine(store, &fakeEmbedder{}, reranker, nil)

	results := engine.Retrieve(context.Background(), "sobrado", Filters{}, "")

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	if results[0].ID != "item-9" {
		t.Errorf("top result = %s, want item-9 (highest rerank score)", results[0].ID)
	}
	if results[0].RerankScore == nil || *results[0].RerankScore != 1.0 {
		t.Error("rerank score not attached to result")
	}
}

func TestRerankFailureKeepsSimilarityOrder(t *testing.T) {
	store := &fakeStore{candidates: makeCandidates(10)}
	reranker := &fakeReranker{err: errors.New("rerank server down")}
	engine := newTestEngine(store, &fakeEmbedder{}, reranker, nil)

	results := engine.Retrieve(context.Background(), "sobrado", Filters{}, "")

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for i, res := range results {
		if res.ID != fmt.Sprintf("item-%d", i) {
			t.Errorf("similarity order not preserved at %d: %s", i, res.ID)
		}
	}
}

func TestRerankSkippedWhenUnderFinalSize(t *testing.T) {
	store := &fakeStore{candidates: makeCandidates(3)}
	reranker := &fakeReranker{scores: []float64{0.1, 0.2, 0.3}}
	engine := newTestEngine(store, &fakeEmbedder{}, reranker, nil)

	results := engine.Retrieve(context.Background(), "kitnet", Filters{}, "")

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, res := range results {
		if res.RerankScore != nil {
			t.Error("rerank should be skipped when candidates fit the final size")
		}
	}
}
