package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL    = 24 * time.Hour
	maxMessages   = 10
	sessionPrefix = "session:"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the service-side memory of one conversation: the instruction it
// currently runs under and a bounded window of recent turns.
type Session struct {
	Prompt  string    `json:"prompt,omitempty"`
	History []Message `json:"history"`
}

// SetPrompt switches the session to a new instruction and clears the history
// it had accumulated. It reports false when prompt is already active.
func (s *Session) SetPrompt(prompt string) bool {
	if prompt == s.Prompt {
		return false
	}
	s.Prompt = prompt
	s.History = nil
	return true
}

func (s *Session) Append(msgs ...Message) {
	s.History = append(s.History, msgs...)
	s.trim()
}

// trim drops all but the last maxMessages turns.
func (s *Session) trim() {
	if len(s.History) > maxMessages {
		s.History = s.History[len(s.History)-maxMessages:]
	}
}

// Store persists sessions between messages.
type Store interface {
	Load(ctx context.Context, sessionID string) (Session, error)
	Save(ctx context.Context, sessionID string, s Session) error
	Delete(ctx context.Context, sessionID string) error
}

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	s.History = append([]Message(nil), s.History...)
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, sessionID string, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.trim()
	s.History = append([]Message(nil), s.History...)
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// RedisStore keeps each session as one JSON value that expires after a day
// of inactivity.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Load(ctx context.Context, sessionID string) (Session, error) {
	data, err := r.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, sessionID string, s Session) error {
	s.trim()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.rdb.Set(ctx, sessionKey(sessionID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("%s%s", sessionPrefix, sessionID)
}
