package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	convMu sync.Mutex // serializes conversation writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS visitors (
		visitor_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_visitors_last_seen ON visitors(last_seen_at);

	CREATE TABLE IF NOT EXISTS conversations (
		visitor_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		route TEXT NOT NULL DEFAULT '',
		last_confidence REAL NOT NULL DEFAULT 0,
		messages_json TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (visitor_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetVisitor retrieves a visitor by ID.
func (s *SQLiteStore) GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error) {
	query := `
		SELECT visitor_id, username, last_seen_at, created_at, updated_at
		FROM visitors WHERE visitor_id = ?`

	var v domain.Visitor
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, visitorID).Scan(
		&v.VisitorID, &v.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan visitor row: %w", err)
	}

	v.LastSeenAt = time.Unix(lastSeen, 0)
	v.CreatedAt = time.Unix(createdAt, 0)
	v.UpdatedAt = time.Unix(updatedAt, 0)
	return &v, nil
}

// UpsertVisitor creates or updates a visitor record.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, v *domain.Visitor) error {
	query := `
	INSERT INTO visitors (visitor_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert visitor", func() error {
		_, err := s.db.ExecContext(ctx, query,
			v.VisitorID, v.Username, v.LastSeenAt.Unix(),
			v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert visitor: %w", err)
		}
		return nil
	})
}

// TouchVisitor updates the last_seen_at timestamp for a visitor.
func (s *SQLiteStore) TouchVisitor(ctx context.Context, visitorID string, at time.Time) error {
	query := `UPDATE visitors SET last_seen_at = ?, updated_at = ? WHERE visitor_id = ?`
	return withRetry(ctx, "touch visitor", func() error {
		result, err := s.db.ExecContext(ctx, query, at.Unix(), time.Now().Unix(), visitorID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("TouchVisitor affected 0 rows", "visitor_id", visitorID)
		}
		return nil
	})
}

// GetConversation retrieves one tab's conversation.
func (s *SQLiteStore) GetConversation(ctx context.Context, visitorID, sessionID string) (*domain.ConversationRecord, error) {
	query := `
		SELECT visitor_id, session_id, route, last_confidence, messages_json,
		       version, created_at, updated_at
		FROM conversations WHERE visitor_id = ? AND session_id = ?`

	rec, err := scanConversation(s.db.QueryRowContext(ctx, query, visitorID, sessionID), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, withMessages bool) (*domain.ConversationRecord, error) {
	var rec domain.ConversationRecord
	var messagesJSON string
	var createdAt, updatedAt int64
	err := row.Scan(
		&rec.VisitorID, &rec.SessionID, &rec.Route, &rec.LastConfidence,
		&messagesJSON, &rec.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	if withMessages {
		if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
			return nil, fmt.Errorf("decode conversation messages: %w", err)
		}
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// SaveConversation writes rec with optimistic locking on version.
func (s *SQLiteStore) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	messagesJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode conversation messages: %w", err)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	err = withRetry(ctx, "save conversation", func() error {
		if rec.Version == 0 {
			return s.insertConversation(ctx, rec, string(messagesJSON), now)
		}
		return s.updateConversation(ctx, rec, string(messagesJSON), now)
	})
	if err != nil {
		return err
	}

	rec.Version++
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) insertConversation(ctx context.Context, rec *domain.ConversationRecord, messagesJSON string, now time.Time) error {
	query := `
		INSERT INTO conversations (
			visitor_id, session_id, route, last_confidence, messages_json,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(visitor_id, session_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		rec.VisitorID, rec.SessionID, rec.Route, rec.LastConfidence, messagesJSON,
		rec.CreatedAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) updateConversation(ctx context.Context, rec *domain.ConversationRecord, messagesJSON string, now time.Time) error {
	query := `
		UPDATE conversations SET
			route = ?, last_confidence = ?, messages_json = ?,
			version = version + 1, updated_at = ?
		WHERE visitor_id = ? AND session_id = ? AND version = ?`

	result, err := s.db.ExecContext(ctx, query,
		rec.Route, rec.LastConfidence, messagesJSON, now.Unix(),
		rec.VisitorID, rec.SessionID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE visitor_id = ? AND session_id = ?`,
		rec.VisitorID, rec.SessionID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	return ErrVersionConflict
}

// DeleteConversation removes one tab's conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, visitorID, sessionID string) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	err := withRetry(ctx, "delete conversation", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM conversations WHERE visitor_id = ? AND session_id = ?`,
			visitorID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete conversation for %s/%s: %w", visitorID, sessionID, err)
	}
	return nil
}

// GetExpiredConversations lists conversations idle longer than ttl, without messages.
func (s *SQLiteStore) GetExpiredConversations(ctx context.Context, ttl time.Duration) ([]*domain.ConversationRecord, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT visitor_id, session_id, route, last_confidence, '',
		       version, created_at, updated_at
		FROM conversations WHERE updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired conversation rows", "error", closeErr)
		}
	}()

	var out []*domain.ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired conversations: %w", err)
	}
	return out, nil
}

// CleanupExpiredConversations removes conversations idle longer than ttl.
func (s *SQLiteStore) CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	threshold := time.Now().Add(-ttl).Unix()
	var deleted int64
	err := withRetry(ctx, "cleanup conversations", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup expired conversations: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
