package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/convstore/postgres"
	"github.com/voxgate/voxgate/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXGATE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXGATE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, postgres.Config{DSN: dsn, EmbeddingDimensions: testEmbeddingDim})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
		"DROP TABLE IF EXISTS agents CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func seedAgent(t *testing.T, ctx context.Context, store *postgres.Store, name string) convstore.Agent {
	t.Helper()
	agent, err := store.UpsertAgent(ctx, convstore.Agent{
		Name:         name,
		SystemPrompt: "You are a helpful assistant.",
		Provider:     "hosted",
		Model:        "gpt-4o-mini",
		Temperature:  0.7,
		MaxTokens:    512,
		Language:     "en",
		Voice: types.VoiceProfile{
			ID:           "narrator",
			Language:     "en",
			Speed:        1.0,
			Temperature:  0.8,
			Exaggeration: 0.5,
			CFGWeight:    0.5,
		},
		Active: true,
	})
	if err != nil {
		t.Fatalf("seedAgent %s: %v", name, err)
	}
	return agent
}

// ---- Agents ----

func TestAgents_UpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := seedAgent(t, ctx, store, "assistant")
	if agent.ID == uuid.Nil {
		t.Fatal("UpsertAgent: expected assigned ID")
	}
	if agent.CreatedAt.IsZero() || agent.UpdatedAt.IsZero() {
		t.Error("UpsertAgent: expected timestamps to be set")
	}

	byID, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if byID.Name != "assistant" || byID.Voice.ID != "narrator" {
		t.Errorf("GetAgent: got %+v", byID)
	}
	if byID.Provider != "hosted" || !byID.Active {
		t.Errorf("GetAgent: provider/active not persisted: %+v", byID)
	}

	byName, err := store.GetAgentByName(ctx, "assistant")
	if err != nil {
		t.Fatalf("GetAgentByName: %v", err)
	}
	if byName.ID != agent.ID {
		t.Errorf("GetAgentByName: ID = %s, want %s", byName.ID, agent.ID)
	}

	// Re-upserting the same name updates in place and keeps the ID.
	updated, err := store.UpsertAgent(ctx, convstore.Agent{
		Name:         "assistant",
		SystemPrompt: "You are terse.",
		Provider:     "local",
		Model:        "gpt-4o",
		Language:     "de",
		Voice:        types.VoiceProfile{ID: "calm", Speed: 0.9},
		Active:       true,
	})
	if err != nil {
		t.Fatalf("UpsertAgent update: %v", err)
	}
	if updated.ID != agent.ID {
		t.Errorf("update changed ID: %s -> %s", agent.ID, updated.ID)
	}
	if updated.SystemPrompt != "You are terse." || updated.Voice.ID != "calm" {
		t.Errorf("update not applied: %+v", updated)
	}
	if updated.Provider != "local" {
		t.Errorf("update provider not applied: %q", updated.Provider)
	}

	if _, err := store.GetAgent(ctx, uuid.New()); !errors.Is(err, convstore.ErrAgentNotFound) {
		t.Errorf("GetAgent unknown: err = %v, want ErrAgentNotFound", err)
	}
	if _, err := store.GetAgentByName(ctx, "nobody"); !errors.Is(err, convstore.ErrAgentNotFound) {
		t.Errorf("GetAgentByName unknown: err = %v, want ErrAgentNotFound", err)
	}
}

// ---- Sessions ----

func TestSessions_GetOrCreateResumes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, ctx, store, "assistant")
	other := seedAgent(t, ctx, store, "other")

	first, err := store.GetOrCreateSession(ctx, "user-1", agent.ID, types.IngressBrowser)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if !first.Active || first.EndedAt != nil {
		t.Errorf("new session not active: %+v", first)
	}
	if first.AgentID != agent.ID {
		t.Errorf("AgentID = %s, want %s", first.AgentID, agent.ID)
	}

	// Reconnecting resumes the same session and keeps the original agent,
	// even when a different agent is requested.
	resumed, err := store.GetOrCreateSession(ctx, "user-1", other.ID, types.IngressBrowser)
	if err != nil {
		t.Fatalf("GetOrCreateSession resume: %v", err)
	}
	if resumed.ID != first.ID {
		t.Errorf("resume created new session: %s != %s", resumed.ID, first.ID)
	}
	if resumed.AgentID != agent.ID {
		t.Errorf("resume changed agent binding: %s", resumed.AgentID)
	}

	// A different ingress gets its own session.
	chat, err := store.GetOrCreateSession(ctx, "user-1", agent.ID, types.IngressChat)
	if err != nil {
		t.Fatalf("GetOrCreateSession chat: %v", err)
	}
	if chat.ID == first.ID {
		t.Error("expected distinct session per ingress")
	}

	// Ending frees the (user, ingress) slot.
	if err := store.EndSession(ctx, first.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	fresh, err := store.GetOrCreateSession(ctx, "user-1", agent.ID, types.IngressBrowser)
	if err != nil {
		t.Fatalf("GetOrCreateSession after end: %v", err)
	}
	if fresh.ID == first.ID {
		t.Error("expected a new session after end")
	}

	// Ending twice is a no-op; ending an unknown session is an error.
	if err := store.EndSession(ctx, first.ID); err != nil {
		t.Errorf("EndSession twice: %v", err)
	}
	if err := store.EndSession(ctx, uuid.New()); !errors.Is(err, convstore.ErrSessionNotFound) {
		t.Errorf("EndSession unknown: err = %v, want ErrSessionNotFound", err)
	}
}

// ---- Messages ----

func TestMessages_AppendAndContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, ctx, store, "assistant")
	sess, err := store.GetOrCreateSession(ctx, "user-1", agent.ID, types.IngressBrowser)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	userMsg, err := store.AppendMessage(ctx, convstore.Message{
		SessionID: sess.ID,
		Role:      types.RoleUser,
		Speaker:   "Alice",
		Content:   "What is the weather like?",
		Latencies: types.TurnLatencies{UserAudio: 1200 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}
	if userMsg.ID == 0 || userMsg.CreatedAt.IsZero() {
		t.Errorf("AppendMessage: missing assigned fields: %+v", userMsg)
	}

	botMsg, err := store.AppendMessage(ctx, convstore.Message{
		SessionID: sess.ID,
		Role:      types.RoleAssistant,
		Content:   "Sunny with a light breeze.",
		Latencies: types.TurnLatencies{LLM: 900 * time.Millisecond, TTS: 400 * time.Millisecond, Total: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}
	if botMsg.ID <= userMsg.ID {
		t.Errorf("message IDs not increasing: %d then %d", userMsg.ID, botMsg.ID)
	}

	msgs, err := store.GetContext(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("GetContext: want 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Name != "Alice" {
		t.Errorf("first message: %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Content != "Sunny with a light breeze." {
		t.Errorf("second message: %+v", msgs[1])
	}
}

func TestMessages_ContextTokenTrim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, ctx, store, "assistant")
	sess, err := store.GetOrCreateSession(ctx, "user-1", agent.ID, types.IngressBrowser)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	// Three messages of 16 characters each cost 8 estimated tokens apiece.
	contents := []string{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb", "cccccccccccccccc"}
	for _, c := range contents {
		if _, err := store.AppendMessage(ctx, convstore.Message{
			SessionID: sess.ID,
			Role:      types.RoleUser,
			Content:   c,
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	// A 20-token budget fits only the two newest, oldest first.
	msgs, err := store.GetContext(ctx, sess.ID, 20)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("GetContext trimmed: want 2, got %d", len(msgs))
	}
	if msgs[0].Content != contents[1] || msgs[1].Content != contents[2] {
		t.Errorf("GetContext trimmed wrong end: %+v", msgs)
	}
}

func TestMessages_SemanticSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, ctx, store, "assistant")

	sessA, err := store.GetOrCreateSession(ctx, "user-a", agent.ID, types.IngressBrowser)
	if err != nil {
		t.Fatalf("GetOrCreateSession A: %v", err)
	}
	sessB, err := store.GetOrCreateSession(ctx, "user-b", agent.ID, types.IngressBrowser)
	if err != nil {
		t.Fatalf("GetOrCreateSession B: %v", err)
	}

	appendWithEmbedding := func(sessID uuid.UUID, content string, vec []float32) int64 {
		t.Helper()
		msg, err := store.AppendMessage(ctx, convstore.Message{SessionID: sessID, Role: types.RoleUser, Content: content})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if vec != nil {
			if err := store.SetMessageEmbedding(ctx, msg.ID, vec); err != nil {
				t.Fatalf("SetMessageEmbedding: %v", err)
			}
		}
		return msg.ID
	}

	closeID := appendWithEmbedding(sessA.ID, "We talked about sailing.", []float32{1, 0, 0, 0})
	appendWithEmbedding(sessA.ID, "We talked about cooking.", []float32{0, 1, 0, 0})
	appendWithEmbedding(sessA.ID, "No embedding on this one.", nil)
	appendWithEmbedding(sessB.ID, "Other user's sailing chat.", []float32{1, 0, 0, 0})

	hits, err := store.SearchSimilar(ctx, "user-a", agent.ID, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("SearchSimilar: want 2 hits, got %d", len(hits))
	}
	if hits[0].Message.ID != closeID {
		t.Errorf("closest hit: got message %d, want %d", hits[0].Message.ID, closeID)
	}
	if hits[0].Distance > 0.0001 {
		t.Errorf("exact match distance = %f, want ~0", hits[0].Distance)
	}
	if hits[1].Distance < hits[0].Distance {
		t.Error("hits not ordered by distance")
	}

	// Unknown messages cannot receive embeddings.
	if err := store.SetMessageEmbedding(ctx, 999999, []float32{0, 0, 0, 1}); err == nil {
		t.Error("SetMessageEmbedding unknown: expected error")
	}
}
