package tour

import (
	"testing"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestPlace(t *testing.T) {
	vp := Viewport{Width: 1280, Height: 800}

	tests := []struct {
		name     string
		target   Box
		side     domain.Side
		vp       Viewport
		wantLeft float64
		wantTop  float64
		wantSide domain.Side
		flipped  bool
	}{
		{
			name:     "bottom centered",
			target:   Box{Left: 400, Top: 300, Width: 100, Height: 40},
			side:     domain.SideBottom,
			vp:       vp,
			wantLeft: 290, wantTop: 368, wantSide: domain.SideBottom,
		},
		{
			name:     "top fits",
			target:   Box{Left: 400, Top: 300, Width: 100, Height: 40},
			side:     domain.SideTop,
			vp:       vp,
			wantLeft: 290, wantTop: 22, wantSide: domain.SideTop,
		},
		{
			name:     "top overflow flips below",
			target:   Box{Left: 400, Top: 100, Width: 100, Height: 40},
			side:     domain.SideTop,
			vp:       vp,
			wantLeft: 290, wantTop: 168, wantSide: domain.SideBottom, flipped: true,
		},
		{
			name:     "bottom overflow flips above",
			target:   Box{Left: 400, Top: 600, Width: 100, Height: 40},
			side:     domain.SideBottom,
			vp:       vp,
			wantLeft: 290, wantTop: 322, wantSide: domain.SideTop, flipped: true,
		},
		{
			name:     "right overflow clamps and keeps side",
			target:   Box{Left: 1200, Top: 300, Width: 50, Height: 40},
			side:     domain.SideRight,
			vp:       vp,
			wantLeft: 944, wantTop: 195, wantSide: domain.SideRight,
		},
		{
			name:     "left overflow clamps to margin",
			target:   Box{Left: 10, Top: 300, Width: 50, Height: 40},
			side:     domain.SideLeft,
			vp:       vp,
			wantLeft: 16, wantTop: 195, wantSide: domain.SideLeft,
		},
		{
			name:     "unknown side defaults to bottom",
			target:   Box{Left: 400, Top: 300, Width: 100, Height: 40},
			side:     domain.Side("diagonal"),
			vp:       vp,
			wantLeft: 290, wantTop: 368, wantSide: domain.SideBottom,
		},
		{
			name:     "viewport smaller than panel pins to margin",
			target:   Box{Left: 50, Top: 50, Width: 20, Height: 20},
			side:     domain.SideRight,
			vp:       Viewport{Width: 200, Height: 150},
			wantLeft: 16, wantTop: 16, wantSide: domain.SideRight,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Place(tt.target, tt.side, tt.vp)
			assert.InDelta(t, tt.wantLeft, p.Left, 0.001)
			assert.InDelta(t, tt.wantTop, p.Top, 0.001)
			assert.Equal(t, tt.wantSide, p.Side)
			assert.Equal(t, tt.flipped, p.Flipped)
			assert.Equal(t, PanelWidth, p.Width)
			assert.Equal(t, PanelHeight, p.Height)
		})
	}
}

func TestPlaceStaysInsideViewport(t *testing.T) {
	vp := Viewport{Width: 1024, Height: 768}
	for _, side := range []domain.Side{domain.SideTop, domain.SideBottom, domain.SideLeft, domain.SideRight} {
		for _, target := range []Box{
			{Left: 0, Top: 0, Width: 10, Height: 10},
			{Left: 1000, Top: 740, Width: 24, Height: 28},
			{Left: 500, Top: 380, Width: 10, Height: 10},
		} {
			p := Place(target, side, vp)
			assert.GreaterOrEqual(t, p.Left, PanelMargin)
			assert.GreaterOrEqual(t, p.Top, PanelMargin)
			assert.LessOrEqual(t, p.Left+p.Width, vp.Width-PanelMargin)
			assert.LessOrEqual(t, p.Top+p.Height, vp.Height-PanelMargin)
		}
	}
}
