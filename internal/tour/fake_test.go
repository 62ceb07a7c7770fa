package tour

import (
	"context"
	"sync"

	"github.com/ashureev/guidebot/internal/domain"
)

type tourTable map[string]domain.Tour

func (t tourTable) Tour(id string) (domain.Tour, bool) {
	tour, ok := t[id]
	return tour, ok
}

type fakeDriver struct {
	mu           sync.Mutex
	boxes        map[string]Box
	hidden       map[string]bool
	vp           Viewport
	interactions []string
	scrolled     []string
	onInteract   func(locator string)
	interacted   chan string
}

func newFakeDriver(locators ...string) *fakeDriver {
	d := &fakeDriver{
		boxes:      make(map[string]Box),
		hidden:     make(map[string]bool),
		vp:         Viewport{Width: 1280, Height: 800},
		interacted: make(chan string, 16),
	}
	for _, l := range locators {
		d.boxes[l] = Box{Left: 400, Top: 300, Width: 100, Height: 40}
	}
	return d
}

func (d *fakeDriver) show(locator string) {
	d.mu.Lock()
	d.boxes[locator] = Box{Left: 400, Top: 300, Width: 100, Height: 40}
	d.mu.Unlock()
}

func (d *fakeDriver) Locate(_ context.Context, locator string) (Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.boxes[locator]; !ok {
		return nil, ErrElementNotFound
	}
	return &fakeElement{d: d, locator: locator}, nil
}

func (d *fakeDriver) Viewport(context.Context) (Viewport, error) {
	return d.vp, nil
}

func (d *fakeDriver) Interactions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.interactions...)
}

type fakeElement struct {
	d       *fakeDriver
	locator string
}

func (e *fakeElement) Visible(context.Context) (bool, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return !e.d.hidden[e.locator], nil
}

func (e *fakeElement) BoundingBox(context.Context) (Box, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.d.boxes[e.locator], nil
}

func (e *fakeElement) ScrollIntoView(context.Context) error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	e.d.scrolled = append(e.d.scrolled, e.locator)
	return nil
}

func (e *fakeElement) Interact(_ context.Context, kind domain.Interaction) error {
	e.d.mu.Lock()
	e.d.interactions = append(e.d.interactions, string(kind)+":"+e.locator)
	hook := e.d.onInteract
	e.d.mu.Unlock()
	if hook != nil {
		hook(e.locator)
	}
	e.d.interacted <- e.locator
	return nil
}

type panelSpy struct {
	mu     sync.Mutex
	closed int
}

func (p *panelSpy) ClosePanel() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) Types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}
