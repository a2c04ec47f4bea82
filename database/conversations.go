package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lead-agent/conversation"
)

// UpsertConversation stores a conversation record snapshot. Implements
// conversation.Snapshotter.
func (s *PostgresStore) UpsertConversation(ctx context.Context, rec conversation.Record) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation metadata: %w", err)
	}

	var slot sql.NullTime
	if rec.ScheduledSlot != nil {
		slot = sql.NullTime{Time: *rec.ScheduledSlot, Valid: true}
	}

	query := `
        INSERT INTO conversations (user_id, state, lead_score, next_action, scheduled_slot, metadata, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (user_id) DO UPDATE SET
            state = EXCLUDED.state,
            lead_score = EXCLUDED.lead_score,
            next_action = EXCLUDED.next_action,
            scheduled_slot = EXCLUDED.scheduled_slot,
            metadata = EXCLUDED.metadata,
            updated_at = EXCLUDED.updated_at
    `
	_, err = s.DB.ExecContext(ctx, query,
		rec.UserID, string(rec.State), rec.LeadScore, rec.NextAction,
		slot, metaJSON, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// LoadConversation fetches the persisted record for a user. The second
// return is false when no snapshot exists.
func (s *PostgresStore) LoadConversation(ctx context.Context, userID string) (conversation.Record, bool, error) {
	query := `
        SELECT user_id, state, lead_score, next_action, scheduled_slot, metadata, created_at, updated_at
        FROM conversations WHERE user_id = $1
    `
	var (
		rec      conversation.Record
		state    string
		slot     sql.NullTime
		metaJSON []byte
	)
	err := s.DB.QueryRowContext(ctx, query, userID).Scan(
		&rec.UserID, &state, &rec.LeadScore, &rec.NextAction, &slot, &metaJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Record{}, false, nil
		}
		return conversation.Record{}, false, err
	}

	rec.State = conversation.State(state)
	if slot.Valid {
		t := slot.Time
		rec.ScheduledSlot = &t
	}
	rec.Metadata = make(map[string]string)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return conversation.Record{}, false, fmt.Errorf("failed to decode conversation metadata: %w", err)
		}
	}
	return rec, true, nil
}

// CountConversationsSince returns how many conversations were updated after
// the cutoff, for monitoring.
func (s *PostgresStore) CountConversationsSince(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE updated_at >= $1`, cutoff).Scan(&count)
	return count, err
}
