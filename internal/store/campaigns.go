package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/herald/internal/call"
	"github.com/MikeSquared-Agency/herald/internal/dialogue"
	"github.com/MikeSquared-Agency/herald/internal/lang"
)

// Campaign fetches a campaign by id. Missing rows are reported as
// call.ErrUnknownCampaign.
func (s *Store) Campaign(ctx context.Context, id string) (dialogue.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, agent_name, document_id, objective, language, sample_flow
		FROM campaigns WHERE id = $1`, id)

	var c dialogue.Campaign
	var language string
	err := row.Scan(&c.ID, &c.Name, &c.AgentName, &c.DocumentID, &c.Objective, &language, &c.SampleFlow)
	if errors.Is(err, pgx.ErrNoRows) {
		return dialogue.Campaign{}, fmt.Errorf("campaign %q: %w", id, call.ErrUnknownCampaign)
	}
	if err != nil {
		return dialogue.Campaign{}, fmt.Errorf("query campaign: %w", err)
	}
	c.Language = lang.Tag(language)
	return c, nil
}

// UpsertCampaign creates or replaces a campaign.
func (s *Store) UpsertCampaign(ctx context.Context, c dialogue.Campaign) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, name, agent_name, document_id, objective, language, sample_flow)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			agent_name = EXCLUDED.agent_name,
			document_id = EXCLUDED.document_id,
			objective = EXCLUDED.objective,
			language = EXCLUDED.language,
			sample_flow = EXCLUDED.sample_flow,
			updated_at = now()`,
		c.ID, c.Name, c.AgentName, c.DocumentID, c.Objective, string(c.Language), c.SampleFlow,
	)
	if err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}
	return nil
}
