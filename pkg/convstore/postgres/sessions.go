package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/types"
)

// GetOrCreateSession implements [convstore.Store]. A single statement
// resolves the race between concurrent connects: the partial unique index on
// (user_id, ingress) WHERE active forces the conflict, and the no-op
// DO UPDATE makes RETURNING yield the already-active row. The existing row
// keeps its original agent binding.
func (s *Store) GetOrCreateSession(ctx context.Context, userID string, agentID uuid.UUID, ingress types.Ingress) (convstore.Session, error) {
	const q = `
		INSERT INTO sessions (id, user_id, agent_id, ingress)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, ingress) WHERE active
		DO UPDATE SET active = TRUE
		RETURNING id, user_id, agent_id, ingress, active, started_at, ended_at`

	var (
		sess convstore.Session
		ing  string
	)
	err := s.pool.QueryRow(ctx, q, uuid.New(), userID, agentID, string(ingress)).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.AgentID,
		&ing,
		&sess.Active,
		&sess.StartedAt,
		&sess.EndedAt,
	)
	if err != nil {
		return convstore.Session{}, fmt.Errorf("postgres: get or create session: %w", err)
	}
	sess.Ingress = types.Ingress(ing)
	return sess, nil
}

// EndSession implements [convstore.Store]. COALESCE keeps the first end
// timestamp when a session is ended twice.
func (s *Store) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	const q = `
		UPDATE sessions
		SET    active = FALSE, ended_at = COALESCE(ended_at, now())
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return convstore.ErrSessionNotFound
	}
	return nil
}
