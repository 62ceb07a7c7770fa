// Package domain contains core domain types for the guided assistant.
package domain

import "fmt"

// ContextTag classifies the current page into the knowledge-base slice that applies to it.
type ContextTag string

const (
	ContextClients    ContextTag = "clients"
	ContextOperations ContextTag = "operations"
	ContextGlobal     ContextTag = "global"
)

// ContextTags lists every tag in lookup order.
var ContextTags = []ContextTag{ContextClients, ContextOperations, ContextGlobal}

// Valid reports whether t is one of the known tags.
func (t ContextTag) Valid() bool {
	switch t {
	case ContextClients, ContextOperations, ContextGlobal:
		return true
	}
	return false
}

// ParseContextTag converts a configuration string into a tag.
func ParseContextTag(s string) (ContextTag, error) {
	t := ContextTag(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown context tag %q", s)
	}
	return t, nil
}

// PageContext describes the page the user is looking at.
type PageContext struct {
	Route            string     `json:"route"`
	Tag              ContextTag `json:"context_tag"`
	AvailableActions []string   `json:"available_actions"`
	RelevantHelp     []string   `json:"relevant_help"`
}

// WithTag returns a copy of the page context classified under another tag.
func (p PageContext) WithTag(tag ContextTag) PageContext {
	p.Tag = tag
	return p
}
