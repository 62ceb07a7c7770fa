// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
)

var (
	// ErrNotFound is returned when an update targets a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a conversation was saved by someone else first.
	ErrVersionConflict = errors.New("conversation version conflict")
)

// Repository persists visitors and their per-tab conversations.
type Repository interface {
	// GetVisitor retrieves a visitor. Returns nil, nil when absent.
	GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error)

	// UpsertVisitor creates or updates a visitor record.
	UpsertVisitor(ctx context.Context, visitor *domain.Visitor) error

	// TouchVisitor updates last_seen_at for a visitor.
	TouchVisitor(ctx context.Context, visitorID string, at time.Time) error

	// GetConversation retrieves one tab's conversation. Returns nil, nil when absent.
	GetConversation(ctx context.Context, visitorID, sessionID string) (*domain.ConversationRecord, error)

	// SaveConversation writes rec with optimistic locking. A zero Version creates the
	// record; otherwise Version must match the stored one. On success rec.Version is
	// incremented and UpdatedAt set.
	SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error

	// DeleteConversation removes one tab's conversation.
	DeleteConversation(ctx context.Context, visitorID, sessionID string) error

	// GetExpiredConversations lists conversations not updated within ttl.
	GetExpiredConversations(ctx context.Context, ttl time.Duration) ([]*domain.ConversationRecord, error)

	// CleanupExpiredConversations removes conversations not updated within ttl.
	CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Options configures Open.
type Options struct {
	Driver     string
	SQLitePath string
	RedisURL   string
	SessionTTL time.Duration
}

// Open builds the repository selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLite(opts.SQLitePath)
	case DriverRedis:
		return NewRedisFromURL(ctx, opts.RedisURL, opts.SessionTTL)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown store driver: " + opts.Driver)
	}
}
