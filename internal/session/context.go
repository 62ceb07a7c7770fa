// Package session holds the mutable per-conversation state: route, bounded history and last confidence.
package session

import (
	"slices"

	"github.com/ashureev/guidebot/internal/domain"
)

// Context is owned by exactly one conversation, which serializes access to it.
type Context struct {
	route          string
	history        []domain.Message
	maxHistory     int
	lastConfidence float64
}

// New creates a context seeded with the welcome message.
func New(maxHistory int, route string, welcome domain.Message) *Context {
	if maxHistory < 1 {
		maxHistory = 1
	}
	c := &Context{
		route:      route,
		maxHistory: maxHistory,
		history:    make([]domain.Message, 0, maxHistory),
	}
	c.history = append(c.history, welcome)
	return c
}

// Append records msg, evicting exactly the oldest entry when at capacity.
func (c *Context) Append(msg domain.Message) {
	if len(c.history) >= c.maxHistory {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, msg)
}

// Restore replaces history with msgs, keeping the newest entries that fit.
func (c *Context) Restore(msgs []domain.Message, route string, confidence float64) {
	if n := len(msgs); n > c.maxHistory {
		msgs = msgs[n-c.maxHistory:]
	}
	c.history = append(c.history[:0], msgs...)
	if route != "" {
		c.route = route
	}
	c.SetConfidence(confidence)
}

// Reset leaves only the welcome message and clears the confidence. The route is kept.
func (c *Context) Reset(welcome domain.Message) {
	c.history = append(c.history[:0], welcome)
	c.lastConfidence = 0
}

// SetRoute records the current route.
func (c *Context) SetRoute(route string) {
	c.route = route
}

// SetConfidence stores v clamped to [0,1].
func (c *Context) SetConfidence(v float64) {
	switch {
	case v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	c.lastConfidence = v
}

// Route returns the current route.
func (c *Context) Route() string { return c.route }

// LastConfidence returns the confidence of the latest resolved message.
func (c *Context) LastConfidence() float64 { return c.lastConfidence }

// Len returns the number of messages held.
func (c *Context) Len() int { return len(c.history) }

// MaxHistory returns the capacity.
func (c *Context) MaxHistory() int { return c.maxHistory }

// History returns a copy of the messages, oldest first.
func (c *Context) History() []domain.Message {
	return slices.Clone(c.history)
}
