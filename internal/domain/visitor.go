package domain

import (
	"time"
)

// Visitor is an anonymous browser identity.
type Visitor struct {
	VisitorID  string    `json:"visitor_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the visitor has been inactive.
func (v *Visitor) IdleFor(now time.Time) time.Duration {
	if d := now.Sub(v.LastSeenAt); d > 0 {
		return d
	}
	return 0
}
