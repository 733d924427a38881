package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/types"
)

// defaultSimilarLimit caps SearchSimilar when the caller passes 0.
const defaultSimilarLimit = 5

// AppendMessage implements [convstore.Store]. The returned message carries
// the BIGSERIAL id and server-side timestamp, so it is durable by the time
// the caller sees it.
func (s *Store) AppendMessage(ctx context.Context, msg convstore.Message) (convstore.Message, error) {
	const q = `
		INSERT INTO messages
		    (session_id, role, speaker, content, user_audio_ms, llm_ms, tts_ms, total_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q,
		msg.SessionID,
		msg.Role,
		msg.Speaker,
		msg.Content,
		msg.Latencies.UserAudio.Milliseconds(),
		msg.Latencies.LLM.Milliseconds(),
		msg.Latencies.TTS.Milliseconds(),
		msg.Latencies.Total.Milliseconds(),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return convstore.Message{}, fmt.Errorf("postgres: append message: %w", err)
	}
	return msg, nil
}

// GetContext implements [convstore.Store]. Rows are fetched newest first,
// kept while the estimated token total fits maxTokens, then reversed so the
// caller gets chronological order.
func (s *Store) GetContext(ctx context.Context, sessionID uuid.UUID, maxTokens int) ([]types.Message, error) {
	if maxTokens <= 0 {
		maxTokens = s.contextTokens
	}

	const q = `
		SELECT role, speaker, content
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, contextRowLimit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get context: %w", err)
	}
	recent, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		if err := row.Scan(&m.Role, &m.Name, &m.Content); err != nil {
			return types.Message{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan context rows: %w", err)
	}

	budget := maxTokens
	kept := 0
	for _, m := range recent {
		cost := estimateTokens(m.Content)
		if cost > budget {
			break
		}
		budget -= cost
		kept++
	}

	msgs := make([]types.Message, kept)
	for i := 0; i < kept; i++ {
		msgs[kept-1-i] = recent[i]
	}
	return msgs, nil
}

// SearchSimilar implements [convstore.Store]. Cosine distance over the HNSW
// index; the join scopes recall to this user's history with this agent, so
// one user's conversations never leak into another's prompt.
func (s *Store) SearchSimilar(ctx context.Context, userID string, agentID uuid.UUID, embedding []float32, limit int) ([]convstore.SimilarMessage, error) {
	if limit <= 0 {
		limit = defaultSimilarLimit
	}

	const q = `
		SELECT m.id, m.session_id, m.role, m.speaker, m.content,
		       m.user_audio_ms, m.llm_ms, m.tts_ms, m.total_ms, m.created_at,
		       m.embedding <=> $1 AS distance
		FROM   messages m
		JOIN   sessions s ON s.id = m.session_id
		WHERE  s.user_id = $2
		  AND  s.agent_id = $3
		  AND  m.embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), userID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search similar: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convstore.SimilarMessage, error) {
		var sm convstore.SimilarMessage
		var audioMS, llmMS, ttsMS, totalMS int64
		if err := row.Scan(
			&sm.Message.ID,
			&sm.Message.SessionID,
			&sm.Message.Role,
			&sm.Message.Speaker,
			&sm.Message.Content,
			&audioMS,
			&llmMS,
			&ttsMS,
			&totalMS,
			&sm.Message.CreatedAt,
			&sm.Distance,
		); err != nil {
			return convstore.SimilarMessage{}, err
		}
		sm.Message.Latencies = types.TurnLatencies{
			UserAudio: time.Duration(audioMS) * time.Millisecond,
			LLM:       time.Duration(llmMS) * time.Millisecond,
			TTS:       time.Duration(ttsMS) * time.Millisecond,
			Total:     time.Duration(totalMS) * time.Millisecond,
		}
		return sm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan similar rows: %w", err)
	}
	if hits == nil {
		hits = []convstore.SimilarMessage{}
	}
	return hits, nil
}

// SetMessageEmbedding implements [convstore.Store].
func (s *Store) SetMessageEmbedding(ctx context.Context, messageID int64, embedding []float32) error {
	const q = `UPDATE messages SET embedding = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, messageID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: set message embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: set message embedding: message %d not found", messageID)
	}
	return nil
}

// estimateTokens approximates the token cost of one message: roughly four
// characters per token plus a fixed per-message overhead for role framing.
func estimateTokens(content string) int {
	return (len(content)+3)/4 + 4
}
