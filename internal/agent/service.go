package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/guidebot/internal/store"
	"github.com/ashureev/guidebot/internal/tour"
)

// Key identifies one visitor tab.
type Key struct {
	VisitorID string
	SessionID string
}

func (k Key) String() string { return k.VisitorID + ":" + k.SessionID }

// entry is one live tab: its conversation, its sequencer and the persisted version.
type entry struct {
	conv *Conversation
	seq  *tour.Sequencer

	saveMu   sync.Mutex
	version  int64
	lastUsed time.Time
}

// Registry owns the conversations of every connected visitor tab. Conversations
// are restored from the repository on first use and written back after each turn.
type Registry struct {
	engine  *Engine
	repo    store.Repository
	tourCfg tour.Config
	sink    EventSink
	opts    []ConversationOption
	now     func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
}

// NewRegistry creates an empty registry. repo may be nil for a purely in-memory registry.
func NewRegistry(engine *Engine, repo store.Repository, tourCfg tour.Config, sink EventSink, opts ...ConversationOption) *Registry {
	return &Registry{
		engine:  engine,
		repo:    repo,
		tourCfg: tourCfg,
		sink:    sink,
		opts:    opts,
		now:     time.Now,
		entries: make(map[Key]*entry),
	}
}

// Engine returns the shared pipeline.
func (r *Registry) Engine() *Engine { return r.engine }

// Conversation returns the conversation of a tab, creating it on first use.
func (r *Registry) Conversation(ctx context.Context, visitorID, sessionID string) (*Conversation, error) {
	e, err := r.get(ctx, Key{VisitorID: visitorID, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return e.conv, nil
}

// Sequencer returns the tour sequencer of a tab. It implements tour.SequencerSource.
func (r *Registry) Sequencer(ctx context.Context, visitorID, sessionID string) (*tour.Sequencer, error) {
	e, err := r.get(ctx, Key{VisitorID: visitorID, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return e.seq, nil
}

var _ tour.SequencerSource = (*Registry)(nil)

func (r *Registry) get(ctx context.Context, key Key) (*entry, error) {
	if key.VisitorID == "" {
		return nil, errors.New("visitor id is required")
	}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.lastUsed = r.now()
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	e := r.build(key)
	if r.repo != nil {
		rec, err := r.repo.GetConversation(ctx, key.VisitorID, key.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if rec != nil {
			e.conv.Restore(rec)
			e.version = rec.Version
			slog.Debug("Conversation restored", "visitor_id", key.VisitorID, "session_id", key.SessionID, "messages", len(rec.Messages))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok {
		existing.lastUsed = r.now()
		return existing, nil
	}
	e.lastUsed = r.now()
	r.entries[key] = e
	return e, nil
}

func (r *Registry) build(key Key) *entry {
	seq := tour.NewSequencer(r.engine.Catalog, r.tourCfg)
	opts := append([]ConversationOption{WithTourLauncher(seq), WithEventSink(r.sink)}, r.opts...)
	conv := r.engine.NewConversation(key.VisitorID, key.SessionID, "/", opts...)
	seq.SetPanel(conv)
	seq.SetNotifier(conv)
	return &entry{conv: conv, seq: seq}
}

// Persist writes the tab's conversation to the repository. A record changed or
// removed behind our back is overwritten: the live conversation is authoritative.
func (r *Registry) Persist(ctx context.Context, visitorID, sessionID string) error {
	if r.repo == nil {
		return nil
	}
	key := Key{VisitorID: visitorID, SessionID: sessionID}
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	rec := e.conv.Snapshot()
	rec.Version = e.version
	err := r.repo.SaveConversation(ctx, &rec)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec.Version = 0
		err = r.repo.SaveConversation(ctx, &rec)
	case errors.Is(err, store.ErrVersionConflict):
		stored, getErr := r.repo.GetConversation(ctx, visitorID, sessionID)
		if getErr != nil {
			return fmt.Errorf("reload conversation: %w", getErr)
		}
		rec.Version = 0
		if stored != nil {
			rec.Version = stored.Version
			rec.CreatedAt = stored.CreatedAt
		}
		err = r.repo.SaveConversation(ctx, &rec)
	}
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	e.version = rec.Version
	return nil
}

// Evict drops a tab from memory and ends its tour.
func (r *Registry) Evict(visitorID, sessionID string) {
	key := Key{VisitorID: visitorID, SessionID: sessionID}
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		e.seq.End()
	}
}

// EvictIdle drops every tab unused for longer than ttl and returns their keys.
func (r *Registry) EvictIdle(ttl time.Duration) []Key {
	cutoff := r.now().Add(-ttl)
	var evicted []Key
	var seqs []*tour.Sequencer

	r.mu.Lock()
	for key, e := range r.entries {
		if e.lastUsed.Before(cutoff) {
			evicted = append(evicted, key)
			seqs = append(seqs, e.seq)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, s := range seqs {
		s.End()
	}
	return evicted
}

// Active reports whether a tab was used within ttl.
func (r *Registry) Active(visitorID, sessionID string, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[Key{VisitorID: visitorID, SessionID: sessionID}]
	return ok && r.now().Sub(e.lastUsed) <= ttl
}

// Len returns the number of live tabs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
