// Package tour runs guided walkthroughs: an ordered step state machine that locates,
// highlights and drives elements of the rendered page through a Driver.
package tour

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
)

// ErrElementNotFound is returned by Driver.Locate when no element matches the locator.
var ErrElementNotFound = errors.New("element not found")

// Box is an on-screen rectangle in CSS pixels.
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the x coordinate of the right edge.
func (b Box) Right() float64 { return b.Left + b.Width }

// Bottom returns the y coordinate of the bottom edge.
func (b Box) Bottom() float64 { return b.Top + b.Height }

// Viewport is the visible area of the page.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is one located target.
type Element interface {
	Visible(ctx context.Context) (bool, error)
	BoundingBox(ctx context.Context) (Box, error)
	ScrollIntoView(ctx context.Context) error
	Interact(ctx context.Context, kind domain.Interaction) error
}

// Driver is supplied by whatever renders the page: a browser bridge, a CDP session or a fake.
type Driver interface {
	Locate(ctx context.Context, locator string) (Element, error)
	Viewport(ctx context.Context) (Viewport, error)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
