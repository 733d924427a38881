package postgres

import (
	"context"
	"fmt"
)

// Schema statements. All are idempotent so Migrate can run on every start.

const ddlVectorExtension = `CREATE EXTENSION IF NOT EXISTS vector`

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
	id                 UUID PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	system_prompt      TEXT NOT NULL DEFAULT '',
	provider           TEXT NOT NULL DEFAULT 'hosted',
	model              TEXT NOT NULL DEFAULT '',
	temperature        DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_tokens         INTEGER NOT NULL DEFAULT 0,
	language           TEXT NOT NULL DEFAULT 'en',
	voice_id           TEXT NOT NULL DEFAULT '',
	voice_language     TEXT NOT NULL DEFAULT '',
	voice_speed        DOUBLE PRECISION NOT NULL DEFAULT 0,
	voice_temperature  DOUBLE PRECISION NOT NULL DEFAULT 0,
	voice_exaggeration DOUBLE PRECISION NOT NULL DEFAULT 0,
	voice_cfg_weight   DOUBLE PRECISION NOT NULL DEFAULT 0,
	active             BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id         UUID PRIMARY KEY,
	user_id    TEXT NOT NULL,
	agent_id   UUID NOT NULL REFERENCES agents(id),
	ingress    TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at   TIMESTAMPTZ
)`

// The partial unique index is what makes GetOrCreateSession atomic: two
// concurrent creates for the same (user, ingress) collide here, and the
// loser resolves via ON CONFLICT to the winner's row.
const ddlSessionsActiveIdx = `
CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_user_ingress
	ON sessions (user_id, ingress) WHERE active`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
	id            BIGSERIAL PRIMARY KEY,
	session_id    UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	speaker       TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	user_audio_ms BIGINT NOT NULL DEFAULT 0,
	llm_ms        BIGINT NOT NULL DEFAULT 0,
	tts_ms        BIGINT NOT NULL DEFAULT 0,
	total_ms      BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlMessagesSessionIdx = `
CREATE INDEX IF NOT EXISTS messages_session_id_idx
	ON messages (session_id, id)`

// ddlMessagesEmbedding adds the recall vector column at the configured
// width. ALTER ... IF NOT EXISTS keeps re-runs safe but will not resize an
// existing column; changing dimensions needs a manual migration.
func ddlMessagesEmbedding(dims int) string {
	return fmt.Sprintf(`ALTER TABLE messages ADD COLUMN IF NOT EXISTS embedding vector(%d)`, dims)
}

const ddlMessagesEmbeddingIdx = `
CREATE INDEX IF NOT EXISTS messages_embedding_idx
	ON messages USING hnsw (embedding vector_cosine_ops)`

// migrate applies all schema statements in order.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		ddlVectorExtension,
		ddlAgents,
		ddlSessions,
		ddlSessionsActiveIdx,
		ddlMessages,
		ddlMessagesSessionIdx,
		ddlMessagesEmbedding(s.dims),
		ddlMessagesEmbeddingIdx,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
