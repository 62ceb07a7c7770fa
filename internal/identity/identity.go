// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
)

const (
	AnonCookieName        = "guidebot_anon_id"
	SessionHeaderName     = "X-Guidebot-Session-ID"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
)

type contextKey int

const (
	visitorIDKey contextKey = iota
	usernameKey
	sessionIDKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Visitors is the part of the repository the middleware needs.
type Visitors interface {
	GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error)
	UpsertVisitor(ctx context.Context, visitor *domain.Visitor) error
	TouchVisitor(ctx context.Context, visitorID string, at time.Time) error
}

// VisitorIDFromContext extracts the visitor ID from the request context.
func VisitorIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(visitorIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the display name from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithVisitor returns ctx carrying a visitor and tab session. Used by non-HTTP entry points.
func WithVisitor(ctx context.Context, visitorID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, visitorIDKey, visitorID)
	ctx = context.WithValue(ctx, usernameKey, deriveUsername(visitorID))
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func deriveUsername(visitorID string) string {
	if len(visitorID) > 13 {
		return "visitor-" + visitorID[len(visitorID)-8:]
	}
	return "visitor"
}

// ensureVisitor creates the visitor on first sight and refreshes last_seen_at afterwards.
func ensureVisitor(ctx context.Context, repo Visitors, visitorID string) error {
	visitor, err := repo.GetVisitor(ctx, visitorID)
	if err != nil {
		return err
	}
	now := time.Now()
	if visitor != nil {
		return repo.TouchVisitor(ctx, visitorID, now)
	}

	return repo.UpsertVisitor(ctx, &domain.Visitor{
		VisitorID:  visitorID,
		Username:   deriveUsername(visitorID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects anonymous per-device identity and per-request session ID.
func Middleware(repo Visitors, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			visitorID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureVisitor(r.Context(), repo, visitorID); err != nil {
				slog.Error("Failed to initialize visitor", "error", err, "visitor_id", visitorID, "ip", IPFromRequest(r))
				http.Error(w, `{"error":"failed to initialize anonymous visitor"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithVisitor(r.Context(), visitorID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
