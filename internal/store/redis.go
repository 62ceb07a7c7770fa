package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	visitorKeyPrefix       = "guidebot:visitor:"
	conversationKeyPrefix  = "guidebot:conversation:"
	defaultConversationTTL = time.Hour
	visitorTTL             = 30 * 24 * time.Hour
)

// RedisStore implements Repository on Redis. Conversations expire through key TTLs
// refreshed on every read and write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisFromURL parses url, connects and pings.
func NewRedisFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, ttl), nil
}

func (s *RedisStore) visitorKey(id string) string {
	return visitorKeyPrefix + id
}

func (s *RedisStore) conversationKey(visitorID, sessionID string) string {
	return conversationKeyPrefix + visitorID + ":" + sessionID
}

// GetVisitor implements Repository.
func (s *RedisStore) GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error) {
	val, err := s.client.Get(ctx, s.visitorKey(visitorID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get visitor: %w", err)
	}
	var v domain.Visitor
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, fmt.Errorf("decode visitor: %w", err)
	}
	return &v, nil
}

// UpsertVisitor implements Repository.
func (s *RedisStore) UpsertVisitor(ctx context.Context, v *domain.Visitor) error {
	if existing, err := s.GetVisitor(ctx, v.VisitorID); err == nil && existing != nil {
		merged := *v
		merged.CreatedAt = existing.CreatedAt
		v = &merged
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode visitor: %w", err)
	}
	return s.client.Set(ctx, s.visitorKey(v.VisitorID), val, visitorTTL).Err()
}

// TouchVisitor implements Repository.
func (s *RedisStore) TouchVisitor(ctx context.Context, visitorID string, at time.Time) error {
	v, err := s.GetVisitor(ctx, visitorID)
	if err != nil {
		return err
	}
	if v == nil {
		slog.Warn("TouchVisitor on unknown visitor", "visitor_id", visitorID)
		return nil
	}
	v.LastSeenAt = at
	v.UpdatedAt = time.Now()
	return s.UpsertVisitor(ctx, v)
}

// GetConversation implements Repository. Reading refreshes the TTL.
func (s *RedisStore) GetConversation(ctx context.Context, visitorID, sessionID string) (*domain.ConversationRecord, error) {
	key := s.conversationKey(visitorID, sessionID)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var rec domain.ConversationRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		slog.Debug("Failed to refresh conversation TTL", "key", key, "error", err)
	}
	return &rec, nil
}

// SaveConversation implements Repository using WATCH/MULTI/EXEC for optimistic locking.
func (s *RedisStore) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	key := s.conversationKey(rec.VisitorID, rec.SessionID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}

		switch {
		case rec.Version == 0 && exists:
			return ErrVersionConflict
		case rec.Version != 0 && !exists:
			return ErrNotFound
		case exists:
			var stored domain.ConversationRecord
			if err := json.Unmarshal([]byte(val), &stored); err != nil {
				return fmt.Errorf("decode conversation: %w", err)
			}
			if stored.Version != rec.Version {
				return ErrVersionConflict
			}
		}

		next := *rec
		now := time.Now()
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.Version++
		next.UpdatedAt = now

		newVal, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		*rec = next
		return nil
	}, key)
}

// DeleteConversation implements Repository.
func (s *RedisStore) DeleteConversation(ctx context.Context, visitorID, sessionID string) error {
	return s.client.Del(ctx, s.conversationKey(visitorID, sessionID)).Err()
}

// GetExpiredConversations implements Repository. Redis expires keys itself, so nothing is ever listed.
func (s *RedisStore) GetExpiredConversations(context.Context, time.Duration) ([]*domain.ConversationRecord, error) {
	return nil, nil
}

// CleanupExpiredConversations implements Repository. Key TTLs do the work.
func (s *RedisStore) CleanupExpiredConversations(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// Ping implements Repository.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Repository.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
