// Package mock provides an in-memory test double for [convstore.Store].
//
// The mock records every method call for assertion and exposes exported
// fields that override what it returns. With no overrides set it behaves as
// a small functional store: sessions are created and resumed per
// (user, ingress), appended messages get incrementing IDs, and GetContext
// replays what was appended. Safe for concurrent use.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [convstore.Store].
// All exported *Err fields default to nil (success); *Result fields default
// to nil/zero, in which case the in-memory fallback behavior applies.
type Store struct {
	mu    sync.Mutex
	calls []Call

	// GetOrCreateSessionErr is returned by GetOrCreateSession when non-nil.
	GetOrCreateSessionErr error

	// EndSessionErr is returned by EndSession when non-nil.
	EndSessionErr error

	// AppendMessageErr is returned by AppendMessage when non-nil.
	AppendMessageErr error

	// GetContextResult overrides GetContext when non-nil. When nil,
	// GetContext replays the messages appended for that session.
	GetContextResult []types.Message

	// GetContextErr is returned by GetContext when non-nil.
	GetContextErr error

	// GetAgentResult overrides GetAgent and GetAgentByName when its Name
	// is non-empty. When unset, lookups go against upserted agents.
	GetAgentResult convstore.Agent

	// GetAgentErr is returned by GetAgent and GetAgentByName when non-nil.
	GetAgentErr error

	// UpsertAgentErr is returned by UpsertAgent when non-nil.
	UpsertAgentErr error

	// SearchSimilarResult is returned by SearchSimilar. When nil, an empty
	// non-nil slice is returned.
	SearchSimilarResult []convstore.SimilarMessage

	// SearchSimilarErr is returned by SearchSimilar when non-nil.
	SearchSimilarErr error

	// SetMessageEmbeddingErr is returned by SetMessageEmbedding when non-nil.
	SetMessageEmbeddingErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	active     map[string]convstore.Session    // "user/ingress" → active session
	byID       map[uuid.UUID]convstore.Session // every session ever created
	agents     map[string]convstore.Agent      // by name
	messages   []convstore.Message
	embeddings map[int64][]float32
	nextID     int64
}

func (m *Store) init() {
	if m.active == nil {
		m.active = make(map[string]convstore.Session)
		m.byID = make(map[uuid.UUID]convstore.Session)
		m.agents = make(map[string]convstore.Agent)
		m.embeddings = make(map[int64][]float32)
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Messages returns a copy of every message appended so far.
func (m *Store) Messages() []convstore.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]convstore.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Embedding returns the vector attached to messageID, or nil.
func (m *Store) Embedding(messageID int64) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embeddings[messageID]
}

// Reset clears recorded calls and in-memory state without altering the
// configured *Err and *Result fields.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.active = nil
	m.byID = nil
	m.agents = nil
	m.messages = nil
	m.embeddings = nil
	m.nextID = 0
}

// GetOrCreateSession implements [convstore.Store]. Repeat calls with the
// same (userID, ingress) return the same session until it is ended.
func (m *Store) GetOrCreateSession(_ context.Context, userID string, agentID uuid.UUID, ingress types.Ingress) (convstore.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls = append(m.calls, Call{Method: "GetOrCreateSession", Args: []any{userID, agentID, ingress}})
	if m.GetOrCreateSessionErr != nil {
		return convstore.Session{}, m.GetOrCreateSessionErr
	}

	key := userID + "/" + string(ingress)
	if sess, ok := m.active[key]; ok {
		return sess, nil
	}
	sess := convstore.Session{
		ID:        uuid.New(),
		UserID:    userID,
		AgentID:   agentID,
		Ingress:   ingress,
		Active:    true,
		StartedAt: time.Now(),
	}
	m.active[key] = sess
	m.byID[sess.ID] = sess
	return sess, nil
}

// EndSession implements [convstore.Store].
func (m *Store) EndSession(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls = append(m.calls, Call{Method: "EndSession", Args: []any{sessionID}})
	if m.EndSessionErr != nil {
		return m.EndSessionErr
	}

	sess, ok := m.byID[sessionID]
	if !ok {
		return convstore.ErrSessionNotFound
	}
	if sess.Active {
		now := time.Now()
		sess.Active = false
		sess.EndedAt = &now
		m.byID[sessionID] = sess
		delete(m.active, sess.UserID+"/"+string(sess.Ingress))
	}
	return nil
}

// AppendMessage implements [convstore.Store].
func (m *Store) AppendMessage(_ context.Context, msg convstore.Message) (convstore.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls = append(m.calls, Call{Method: "AppendMessage", Args: []any{msg}})
	if m.AppendMessageErr != nil {
		return convstore.Message{}, m.AppendMessageErr
	}

	m.nextID++
	msg.ID = m.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

// GetContext implements [convstore.Store].
func (m *Store) GetContext(_ context.Context, sessionID uuid.UUID, maxTokens int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetContext", Args: []any{sessionID, maxTokens}})
	if m.GetContextErr != nil {
		return nil, m.GetContextErr
	}
	if m.GetContextResult != nil {
		out := make([]types.Message, len(m.GetContextResult))
		copy(out, m.GetContextResult)
		return out, nil
	}

	out := []types.Message{}
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, types.Message{Role: msg.Role, Content: msg.Content, Name: msg.Speaker})
		}
	}
	return out, nil
}

// GetAgent implements [convstore.Store].
func (m *Store) GetAgent(_ context.Context, agentID uuid.UUID) (convstore.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls = append(m.calls, Call{Method: "GetAgent", Args: []any{agentID}})
	if m.GetAgentErr != nil {
		return convstore.Agent{}, m.GetAgentErr
	}
	if m.GetAgentResult.Name != "" {
		return m.GetAgentResult, nil
	}
	for _, a := range m.agents {
		if a.ID == agentID {
			return a, nil
		}
	}
	return convstore.Agent{}, convstore.ErrAgentNotFound
}

// GetAgentByName implements [convstore.Store].
func (m *Store) GetAgentByName(_ context.Context, name string) (convstore.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls = append(m.calls, Call{Method: "GetAgentByName", Args: []any{name}})
	if m.GetAgentErr != nil {
		return convstore.Agent{}, m.GetAgentErr
	}
	if m.GetAgentResult.Name != "" {
		return m.GetAgentResult, nil
	}
	if a, ok := m.agents[name]; ok {
		return a, nil
	}
	return convstore.Agent{}, convstore.ErrAgentNotFound
}

// UpsertAgent implements [convstore.Store].
func (m *Store) UpsertAgent(_ context.Context, agent convstore.Agent) (convstore.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls = append(m.calls, Call{Method: "UpsertAgent", Args: []any{agent}})
	if m.UpsertAgentErr != nil {
		return convstore.Agent{}, m.UpsertAgentErr
	}

	if existing, ok := m.agents[agent.Name]; ok {
		agent.ID = existing.ID
		agent.CreatedAt = existing.CreatedAt
	} else {
		if agent.ID == uuid.Nil {
			agent.ID = uuid.New()
		}
		if agent.CreatedAt.IsZero() {
			agent.CreatedAt = time.Now()
		}
	}
	agent.UpdatedAt = time.Now()
	m.agents[agent.Name] = agent
	return agent, nil
}

// SearchSimilar implements [convstore.Store].
func (m *Store) SearchSimilar(_ context.Context, userID string, agentID uuid.UUID, embedding []float32, limit int) ([]convstore.SimilarMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchSimilar", Args: []any{userID, agentID, embedding, limit}})
	if m.SearchSimilarResult == nil {
		return []convstore.SimilarMessage{}, m.SearchSimilarErr
	}
	out := make([]convstore.SimilarMessage, len(m.SearchSimilarResult))
	copy(out, m.SearchSimilarResult)
	return out, m.SearchSimilarErr
}

// SetMessageEmbedding implements [convstore.Store].
func (m *Store) SetMessageEmbedding(_ context.Context, messageID int64, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls = append(m.calls, Call{Method: "SetMessageEmbedding", Args: []any{messageID, embedding}})
	if m.SetMessageEmbeddingErr != nil {
		return m.SetMessageEmbeddingErr
	}
	m.embeddings[messageID] = embedding
	return nil
}

// Ping implements [convstore.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping", Args: nil})
	return m.PingErr
}

// Ensure Store satisfies the interface at compile time.
var _ convstore.Store = (*Store)(nil)
