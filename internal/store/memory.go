package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
)

// MemoryStore implements Repository in process memory. Data does not survive restarts.
type MemoryStore struct {
	mu            sync.RWMutex
	visitors      map[string]domain.Visitor
	conversations map[string]domain.ConversationRecord
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		visitors:      make(map[string]domain.Visitor),
		conversations: make(map[string]domain.ConversationRecord),
	}
}

func conversationKey(visitorID, sessionID string) string {
	return visitorID + ":" + sessionID
}

// GetVisitor implements Repository.
func (s *MemoryStore) GetVisitor(_ context.Context, visitorID string) (*domain.Visitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visitors[visitorID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// UpsertVisitor implements Repository.
func (s *MemoryStore) UpsertVisitor(_ context.Context, v *domain.Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.visitors[v.VisitorID]; ok {
		existing.Username = v.Username
		existing.LastSeenAt = v.LastSeenAt
		existing.UpdatedAt = v.UpdatedAt
		s.visitors[v.VisitorID] = existing
		return nil
	}
	s.visitors[v.VisitorID] = *v
	return nil
}

// TouchVisitor implements Repository.
func (s *MemoryStore) TouchVisitor(_ context.Context, visitorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visitors[visitorID]
	if !ok {
		return nil
	}
	v.LastSeenAt = at
	v.UpdatedAt = time.Now()
	s.visitors[visitorID] = v
	return nil
}

// GetConversation implements Repository.
func (s *MemoryStore) GetConversation(_ context.Context, visitorID, sessionID string) (*domain.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[conversationKey(visitorID, sessionID)]
	if !ok {
		return nil, nil
	}
	rec.Messages = append([]domain.Message(nil), rec.Messages...)
	return &rec, nil
}

// SaveConversation implements Repository.
func (s *MemoryStore) SaveConversation(_ context.Context, rec *domain.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey(rec.VisitorID, rec.SessionID)
	stored, exists := s.conversations[key]
	switch {
	case rec.Version == 0 && exists:
		return ErrVersionConflict
	case rec.Version != 0 && !exists:
		return ErrNotFound
	case exists && stored.Version != rec.Version:
		return ErrVersionConflict
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.Version++
	rec.UpdatedAt = now

	saved := *rec
	saved.Messages = append([]domain.Message(nil), rec.Messages...)
	s.conversations[key] = saved
	return nil
}

// DeleteConversation implements Repository.
func (s *MemoryStore) DeleteConversation(_ context.Context, visitorID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationKey(visitorID, sessionID))
	return nil
}

// GetExpiredConversations implements Repository.
func (s *MemoryStore) GetExpiredConversations(_ context.Context, ttl time.Duration) ([]*domain.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	threshold := time.Now().Add(-ttl)
	var out []*domain.ConversationRecord
	for _, rec := range s.conversations {
		if rec.UpdatedAt.Before(threshold) {
			r := rec
			r.Messages = nil
			out = append(out, &r)
		}
	}
	return out, nil
}

// CleanupExpiredConversations implements Repository.
func (s *MemoryStore) CleanupExpiredConversations(_ context.Context, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threshold := time.Now().Add(-ttl)
	var n int64
	for key, rec := range s.conversations {
		if rec.UpdatedAt.Before(threshold) {
			delete(s.conversations, key)
			n++
		}
	}
	return n, nil
}

// Ping implements Repository.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Repository.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visitors = make(map[string]domain.Visitor)
	s.conversations = make(map[string]domain.ConversationRecord)
	return nil
}
