package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lead-agent/retrieval"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// KnowledgeItem is one row of the knowledge base.
type KnowledgeItem struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Features  []string
	Status    string
	UpdatedAt time.Time
	Embedding []float32
}

// UpsertItem stores or refreshes a knowledge item and its embedding,
// returning the item ID. A fresh UUID is assigned when the item has none.
func (s *PostgresStore) UpsertItem(ctx context.Context, item KnowledgeItem) (string, error) {
	if len(item.Embedding) != s.dimension {
		return "", fmt.Errorf("embedding dimension %d does not match store dimension %d", len(item.Embedding), s.dimension)
	}

	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal item metadata: %w", err)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = "active"
	}

	query := `
        INSERT INTO kb_items (id, content, metadata, features, status, updated_at, embedding)
        VALUES ($1, $2, $3, $4, $5, NOW(), $6)
        ON CONFLICT (id) DO UPDATE SET
            content = EXCLUDED.content,
            metadata = EXCLUDED.metadata,
            features = EXCLUDED.features,
            status = EXCLUDED.status,
            updated_at = NOW(),
            embedding = EXCLUDED.embedding
    `
	_, err = s.DB.ExecContext(ctx, query,
		item.ID, item.Content, metaJSON, pq.Array(item.Features),
		item.Status, pgvector.NewVector(item.Embedding))
	if err != nil {
		return "", fmt.Errorf("failed to upsert knowledge item: %w", err)
	}
	return item.ID, nil
}

// SimilaritySearch runs a cosine-distance query over kb_items with the
// filters applied server-side. Implements retrieval.VectorSearcher.
func (s *PostgresStore) SimilaritySearch(ctx context.Context, vector []float32, limit int, filters retrieval.Filters) ([]retrieval.Result, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		conds []string
		args  []any
	)
	args = append(args, pgvector.NewVector(vector))

	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filters.UpdatedAfter.IsZero() {
		args = append(args, filters.UpdatedAfter)
		conds = append(conds, fmt.Sprintf("updated_at >= $%d", len(args)))
	}
	if len(filters.Metadata) > 0 {
		metaJSON, err := json.Marshal(filters.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata filters: %w", err)
		}
		args = append(args, metaJSON)
		conds = append(conds, fmt.Sprintf("metadata @> $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
        SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
        FROM kb_items
        %s
        ORDER BY embedding <=> $1
        LIMIT $%d
    `, where, len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []retrieval.Result
	for rows.Next() {
		var (
			res      retrieval.Result
			metaJSON []byte
		)
		if err := rows.Scan(&res.ID, &res.Content, &metaJSON, &res.Similarity); err != nil {
			return nil, err
		}
		res.Metadata = make(map[string]string)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &res.Metadata); err != nil {
				s.logger.Warn("Skipping item with undecodable metadata",
					zap.Error(err),
					zap.String("item_id", res.ID))
				continue
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// GetItem fetches a single knowledge item without its embedding.
func (s *PostgresStore) GetItem(ctx context.Context, id string) (KnowledgeItem, error) {
	query := `SELECT id, content, metadata, features, status, updated_at FROM kb_items WHERE id = $1`

	var (
		item     KnowledgeItem
		metaJSON []byte
	)
	err := s.DB.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.Content, &metaJSON, pq.Array(&item.Features), &item.Status, &item.UpdatedAt)
	if err != nil {
		return KnowledgeItem{}, err
	}
	item.Metadata = make(map[string]string)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &item.Metadata); err != nil {
			return KnowledgeItem{}, fmt.Errorf("failed to decode item metadata: %w", err)
		}
	}
	return item, nil
}
