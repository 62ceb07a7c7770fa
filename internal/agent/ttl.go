package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/guidebot/internal/store"
)

// DefaultTTLWorkerInterval is how often idle conversations are swept.
const DefaultTTLWorkerInterval = 5 * time.Minute

// orphanRetention bounds how long unreachable persisted conversations survive.
const orphanRetention = 7 * 24 * time.Hour

// CleanupCallback is called for every tab dropped by the TTL worker.
type CleanupCallback func(visitorID, sessionID string)

// StartTTLWorker runs a background goroutine that periodically drops idle tabs
// from memory and deletes their persisted conversations.
func StartTTLWorker(ctx context.Context, reg *Registry, repo store.Repository, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultTTLWorkerInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, reg, repo, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, reg *Registry, repo store.Repository, ttl time.Duration, onCleanup CleanupCallback) {
	evicted := reg.EvictIdle(ttl)
	for _, key := range evicted {
		if onCleanup != nil {
			onCleanup(key.VisitorID, key.SessionID)
		}
	}
	if len(evicted) > 0 {
		slog.Info("TTL worker evicted idle conversations", "count", len(evicted))
	}

	if repo == nil {
		return
	}

	expired, err := repo.GetExpiredConversations(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to list expired conversations", "error", err)
		return
	}

	cleaned := 0
	for _, rec := range expired {
		// Still open in a tab that reads but never writes.
		if reg.Active(rec.VisitorID, rec.SessionID, ttl) {
			continue
		}
		reg.Evict(rec.VisitorID, rec.SessionID)
		if onCleanup != nil {
			onCleanup(rec.VisitorID, rec.SessionID)
		}
		if err := repo.DeleteConversation(ctx, rec.VisitorID, rec.SessionID); err != nil {
			slog.Warn("TTL worker failed to delete conversation",
				"error", err,
				"visitor_id", rec.VisitorID,
				"session_id", rec.SessionID)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		slog.Info("TTL worker cleanup completed", "cleaned", cleaned)
	}

	if deleted, err := repo.CleanupExpiredConversations(ctx, orphanRetention); err != nil {
		slog.Error("TTL worker failed to cleanup orphaned conversations", "error", err)
	} else if deleted > 0 {
		slog.Info("TTL worker cleaned up orphaned conversations", "count", deleted)
	}
}
