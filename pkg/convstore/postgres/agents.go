package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxgate/voxgate/pkg/convstore"
)

const agentColumns = `id, name, system_prompt, provider, model, temperature, max_tokens, language,
	voice_id, voice_language, voice_speed, voice_temperature, voice_exaggeration, voice_cfg_weight,
	active, created_at, updated_at`

// UpsertAgent implements [convstore.Store]. Agents are keyed by name: a
// second upsert with the same name updates the existing row in place and
// keeps its original ID.
func (s *Store) UpsertAgent(ctx context.Context, agent convstore.Agent) (convstore.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}

	q := `
		INSERT INTO agents
		    (id, name, system_prompt, provider, model, temperature, max_tokens, language,
		     voice_id, voice_language, voice_speed, voice_temperature, voice_exaggeration, voice_cfg_weight,
		     active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (name) DO UPDATE SET
		    system_prompt      = EXCLUDED.system_prompt,
		    provider           = EXCLUDED.provider,
		    model              = EXCLUDED.model,
		    temperature        = EXCLUDED.temperature,
		    max_tokens         = EXCLUDED.max_tokens,
		    language           = EXCLUDED.language,
		    voice_id           = EXCLUDED.voice_id,
		    voice_language     = EXCLUDED.voice_language,
		    voice_speed        = EXCLUDED.voice_speed,
		    voice_temperature  = EXCLUDED.voice_temperature,
		    voice_exaggeration = EXCLUDED.voice_exaggeration,
		    voice_cfg_weight   = EXCLUDED.voice_cfg_weight,
		    active             = EXCLUDED.active,
		    updated_at         = now()
		RETURNING ` + agentColumns

	row := s.pool.QueryRow(ctx, q,
		agent.ID,
		agent.Name,
		agent.SystemPrompt,
		agent.Provider,
		agent.Model,
		agent.Temperature,
		agent.MaxTokens,
		agent.Language,
		agent.Voice.ID,
		agent.Voice.Language,
		agent.Voice.Speed,
		agent.Voice.Temperature,
		agent.Voice.Exaggeration,
		agent.Voice.CFGWeight,
		agent.Active,
	)
	stored, err := scanAgent(row)
	if err != nil {
		return convstore.Agent{}, fmt.Errorf("postgres: upsert agent: %w", err)
	}
	return stored, nil
}

// GetAgent implements [convstore.Store].
func (s *Store) GetAgent(ctx context.Context, agentID uuid.UUID) (convstore.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

	agent, err := scanAgent(s.pool.QueryRow(ctx, q, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return convstore.Agent{}, convstore.ErrAgentNotFound
	}
	if err != nil {
		return convstore.Agent{}, fmt.Errorf("postgres: get agent: %w", err)
	}
	return agent, nil
}

// GetAgentByName implements [convstore.Store].
func (s *Store) GetAgentByName(ctx context.Context, name string) (convstore.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE name = $1`

	agent, err := scanAgent(s.pool.QueryRow(ctx, q, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return convstore.Agent{}, convstore.ErrAgentNotFound
	}
	if err != nil {
		return convstore.Agent{}, fmt.Errorf("postgres: get agent by name: %w", err)
	}
	return agent, nil
}

// scanAgent reads one agents row in agentColumns order.
func scanAgent(row pgx.Row) (convstore.Agent, error) {
	var a convstore.Agent
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.SystemPrompt,
		&a.Provider,
		&a.Model,
		&a.Temperature,
		&a.MaxTokens,
		&a.Language,
		&a.Voice.ID,
		&a.Voice.Language,
		&a.Voice.Speed,
		&a.Voice.Temperature,
		&a.Voice.Exaggeration,
		&a.Voice.CFGWeight,
		&a.Active,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return convstore.Agent{}, err
	}
	return a, nil
}
