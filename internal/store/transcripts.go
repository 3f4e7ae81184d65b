package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/herald/internal/call"
)

// AppendTranscript writes one call exchange. Writing the same entry id twice
// is a no-op, so retried writes do not duplicate rows.
func (s *Store) AppendTranscript(ctx context.Context, e call.TranscriptEntry) error {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("parse transcript id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO call_transcripts (id, call_id, campaign_id, turn, user_text, assistant_text, source, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		id, e.CallID, e.CampaignID, e.Turn, e.UserText, e.AssistantText, e.Source, string(e.State), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// Transcript returns every persisted exchange of a call in turn order.
func (s *Store) Transcript(ctx context.Context, callID string) ([]call.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, campaign_id, turn, user_text, assistant_text, source, state, created_at
		FROM call_transcripts
		WHERE call_id = $1
		ORDER BY turn, created_at`, callID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []call.TranscriptEntry
	for rows.Next() {
		var e call.TranscriptEntry
		var id uuid.UUID
		var state string
		if err := rows.Scan(&id, &e.CallID, &e.CampaignID, &e.Turn, &e.UserText, &e.AssistantText, &e.Source, &state, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		e.ID = id.String()
		e.State = call.State(state)
		out = append(out, e)
	}
	return out, rows.Err()
}
