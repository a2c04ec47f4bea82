package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

type PostgresStore struct {
	DB        *sql.DB
	dimension int
	logger    *zap.Logger
}

// NewPostgresStore opens a pooled connection. dimension is the vector
// dimension of the kb_items embedding column and must match the embedding
// service's target D.
func NewPostgresStore(connStr string, dimension int, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to the database")
	return &PostgresStore{DB: db, dimension: dimension, logger: logger}, nil
}

// EnsureSchema creates the required tables if they do not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kb_items (
            id TEXT PRIMARY KEY,
            content TEXT NOT NULL,
            metadata JSONB DEFAULT '{}'::jsonb,
            features TEXT[] DEFAULT '{}'::TEXT[],
            status TEXT NOT NULL DEFAULT 'active',
            updated_at TIMESTAMPTZ DEFAULT NOW(),
            embedding vector(%d)
        )`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_kb_items_status ON kb_items(status)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_items_updated_at ON kb_items(updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS conversations (
            user_id TEXT PRIMARY KEY,
            state TEXT NOT NULL,
            lead_score INT NOT NULL DEFAULT 0,
            next_action TEXT DEFAULT '',
            scheduled_slot TIMESTAMPTZ,
            metadata JSONB DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            updated_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state)`,
	}

	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}
