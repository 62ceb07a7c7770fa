package domain

import "time"

// Author identifies who wrote a message.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// Message is one immutable entry of a conversation.
type Message struct {
	ID        string       `json:"id"`
	Author    Author       `json:"author"`
	Text      string       `json:"text"`
	CreatedAt time.Time    `json:"created_at"`
	Context   *PageContext `json:"context,omitempty"`
}
