// Package convstore defines persistent conversation state: agents, sessions,
// and the per-session message history the gateway replays into model context.
//
// One session binds a user to an agent on one ingress. At most one session
// per (user, ingress) pair is active at a time; reconnecting resumes the
// active session rather than starting a new one. Messages are append-only
// and carry optional turn latency measurements and an optional embedding
// vector for semantic recall across past sessions.
package convstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/types"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrAgentNotFound is returned when no agent matches the lookup.
	ErrAgentNotFound = errors.New("convstore: agent not found")

	// ErrSessionNotFound is returned when no session matches the lookup.
	ErrSessionNotFound = errors.New("convstore: session not found")
)

// Agent is a persisted conversational persona: the system prompt, model
// selection, and voice an assistant speaks with. Agents are seeded from
// configuration at startup and addressed by name.
type Agent struct {
	ID   uuid.UUID
	Name string

	SystemPrompt string

	// Provider selects the LLM slot ("hosted", "local", or "webhook") the
	// agent speaks through. Model may be empty only for "webhook".
	Provider string
	Model    string

	Temperature float64
	MaxTokens   int
	Language    string
	Voice       types.VoiceProfile

	// Active marks the agent as selectable by new sessions. Agents removed
	// from configuration are deactivated rather than deleted so old sessions
	// keep their foreign keys.
	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session binds a user to an agent on one ingress for a span of turns.
type Session struct {
	ID        uuid.UUID
	UserID    string
	AgentID   uuid.UUID
	Ingress   types.Ingress
	Active    bool
	StartedAt time.Time
	// EndedAt is nil while the session is active.
	EndedAt *time.Time
}

// Message is one persisted conversational turn half: a user utterance or an
// assistant response.
type Message struct {
	// ID is assigned by the store on append and is strictly increasing
	// within a database.
	ID        int64
	SessionID uuid.UUID

	// Role is one of the types.Role* constants.
	Role string

	// Speaker is the display name of the user who spoke, when known.
	// Empty for assistant messages.
	Speaker string

	Content string

	// Latencies carries the turn timing breakdown measured by the
	// pipeline. Zero fields mean "not measured".
	Latencies types.TurnLatencies

	CreatedAt time.Time
}

// SimilarMessage is a semantic recall hit: a past message and its cosine
// distance from the query embedding (smaller is closer).
type SimilarMessage struct {
	Message  Message
	Distance float64
}

// Store is the persistence contract the gateway runs against. The canonical
// implementation lives in the postgres subpackage; mock provides a test
// double and Cache layers a read-through context cache over any Store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// GetOrCreateSession returns the active session for (userID, ingress),
	// creating one bound to agentID when none exists. The operation is
	// atomic under concurrent callers: exactly one active session per
	// (userID, ingress) pair can exist. When an active session already
	// exists its original agent binding is kept, even if agentID differs.
	GetOrCreateSession(ctx context.Context, userID string, agentID uuid.UUID, ingress types.Ingress) (Session, error)

	// EndSession marks the session inactive and stamps its end time.
	// Ending an already-ended session is a no-op. Returns
	// ErrSessionNotFound when the id is unknown.
	EndSession(ctx context.Context, sessionID uuid.UUID) error

	// AppendMessage durably persists one message and returns it with the
	// store-assigned ID and timestamp. The returned message is only handed
	// back after the write is committed.
	AppendMessage(ctx context.Context, msg Message) (Message, error)

	// GetContext returns the most recent messages of the session, oldest
	// first, trimmed from the front so the estimated token total stays
	// within maxTokens. A maxTokens of 0 applies the store default.
	GetContext(ctx context.Context, sessionID uuid.UUID, maxTokens int) ([]types.Message, error)

	// GetAgent returns the agent by id. Returns ErrAgentNotFound when the
	// id is unknown.
	GetAgent(ctx context.Context, agentID uuid.UUID) (Agent, error)

	// GetAgentByName returns the agent by its unique name. Returns
	// ErrAgentNotFound when the name is unknown.
	GetAgentByName(ctx context.Context, name string) (Agent, error)

	// UpsertAgent inserts the agent or, when an agent with the same name
	// exists, updates its configuration in place. The stored agent is
	// returned, with the ID of the pre-existing row on update.
	UpsertAgent(ctx context.Context, agent Agent) (Agent, error)

	// SearchSimilar returns up to limit past messages of this user and
	// agent whose embeddings are nearest to the query vector, closest
	// first. Messages without an embedding are skipped.
	SearchSimilar(ctx context.Context, userID string, agentID uuid.UUID, embedding []float32, limit int) ([]SimilarMessage, error)

	// SetMessageEmbedding attaches an embedding vector to a previously
	// appended message. Embeddings are computed asynchronously after the
	// turn completes, so this arrives out of band from AppendMessage.
	SetMessageEmbedding(ctx context.Context, messageID int64, embedding []float32) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error
}
