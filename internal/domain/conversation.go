package domain

import (
	"time"
)

// ConversationRecord is the persisted log of one visitor tab.
type ConversationRecord struct {
	VisitorID      string    `json:"visitor_id"`
	SessionID      string    `json:"session_id"`
	Route          string    `json:"route"`
	LastConfidence float64   `json:"last_confidence"`
	Messages       []Message `json:"messages"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
