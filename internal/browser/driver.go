// Package browser drives a real Chrome page over the DevTools protocol so tours
// can be run outside the web client, for smoke checks and the CLI.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Options controls how the browser is reached.
type Options struct {
	// DebuggerURL attaches to a running Chrome. When empty a headless one is launched.
	DebuggerURL string
	Headless    bool
	Width       int
	Height      int
	Timeout     time.Duration
}

// Session owns one browser connection and one page.
type Session struct {
	browser  *rod.Browser
	page     *rod.Page
	launched *launcher.Launcher
	timeout  time.Duration
}

// Open connects to Chrome and opens url in a fresh page.
func Open(ctx context.Context, url string, opts Options) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 800
	}

	s := &Session{timeout: opts.Timeout}
	controlURL := opts.DebuggerURL
	if controlURL == "" {
		s.launched = launcher.New().Headless(opts.Headless)
		u, err := s.launched.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		s.cleanupLauncher()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	s.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.page = page

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		slog.Warn("Failed to set viewport", "error", err)
	}

	if err := page.Timeout(opts.Timeout).WaitLoad(); err != nil {
		slog.Warn("Page did not finish loading", "url", url, "error", err)
	}
	slog.Info("Browser page opened", "url", url, "control_url", controlURL)
	return s, nil
}

// Driver returns a tour.Driver for the session's page.
func (s *Session) Driver() *Driver {
	return NewDriver(s.page, s.timeout)
}

// Close closes the browser and any launched process.
func (s *Session) Close() error {
	var err error
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	s.cleanupLauncher()
	return err
}

func (s *Session) cleanupLauncher() {
	if s.launched != nil {
		s.launched.Kill()
		s.launched = nil
	}
}

// Driver implements tour.Driver on a rod page.
type Driver struct {
	page    *rod.Page
	timeout time.Duration
}

// NewDriver wraps page. Each call is bounded by timeout.
func NewDriver(page *rod.Page, timeout time.Duration) *Driver {
	return &Driver{page: page, timeout: timeout}
}

func (d *Driver) pageFor(ctx context.Context) *rod.Page {
	return d.page.Context(ctx).Timeout(d.timeout)
}

// Locate finds the first element matching a CSS locator without waiting.
func (d *Driver) Locate(ctx context.Context, locator string) (tour.Element, error) {
	has, el, err := d.pageFor(ctx).Has(locator)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", locator, err)
	}
	if !has || el == nil {
		return nil, tour.ErrElementNotFound
	}
	return &element{el: el, timeout: d.timeout}, nil
}

// Viewport reads the window's inner size.
func (d *Driver) Viewport(ctx context.Context) (tour.Viewport, error) {
	res, err := d.pageFor(ctx).Eval(`() => ({ w: window.innerWidth, h: window.innerHeight })`)
	if err != nil {
		return tour.Viewport{}, fmt.Errorf("read viewport: %w", err)
	}
	return tour.Viewport{
		Width:  res.Value.Get("w").Num(),
		Height: res.Value.Get("h").Num(),
	}, nil
}

type element struct {
	el      *rod.Element
	timeout time.Duration
}

func (e *element) with(ctx context.Context) *rod.Element {
	return e.el.Context(ctx).Timeout(e.timeout)
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	return e.with(ctx).Visible()
}

func (e *element) BoundingBox(ctx context.Context) (tour.Box, error) {
	shape, err := e.with(ctx).Shape()
	if err != nil {
		return tour.Box{}, fmt.Errorf("measure element: %w", err)
	}
	box := shape.Box()
	if box == nil {
		return tour.Box{}, errors.New("element has no layout box")
	}
	return tour.Box{Left: box.X, Top: box.Y, Width: box.Width, Height: box.Height}, nil
}

func (e *element) ScrollIntoView(ctx context.Context) error {
	return e.with(ctx).ScrollIntoView()
}

func (e *element) Interact(ctx context.Context, kind domain.Interaction) error {
	el := e.with(ctx)
	switch kind {
	case domain.InteractionClick, domain.InteractionNavigate:
		return el.Click(proto.InputMouseButtonLeft, 1)
	case domain.InteractionInput:
		return el.Focus()
	default:
		return nil
	}
}
