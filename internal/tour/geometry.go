package tour

import "github.com/ashureev/guidebot/internal/domain"

// Explanatory panel dimensions in CSS pixels.
const (
	PanelWidth  = 320.0
	PanelHeight = 250.0
	PanelMargin = 16.0
	ArrowSize   = 12.0
)

// Placement is where the explanatory panel is drawn.
type Placement struct {
	Left    float64     `json:"left"`
	Top     float64     `json:"top"`
	Width   float64     `json:"width"`
	Height  float64     `json:"height"`
	Side    domain.Side `json:"side"`
	Flipped bool        `json:"flipped"`
}

// Place positions the panel next to target on the preferred side and keeps it inside vp.
// Horizontal overflow is clamped and keeps the side. Vertical overflow flips top and bottom, then clamps.
func Place(target Box, side domain.Side, vp Viewport) Placement {
	if !side.Valid() {
		side = domain.SideBottom
	}
	gap := PanelMargin + ArrowSize
	centerX := target.Left + target.Width/2 - PanelWidth/2
	centerY := target.Top + target.Height/2 - PanelHeight/2
	above := target.Top - PanelHeight - gap
	below := target.Bottom() + gap

	p := Placement{Width: PanelWidth, Height: PanelHeight, Side: side}
	switch side {
	case domain.SideTop:
		p.Left, p.Top = centerX, above
	case domain.SideLeft:
		p.Left, p.Top = target.Left-PanelWidth-gap, centerY
	case domain.SideRight:
		p.Left, p.Top = target.Right()+gap, centerY
	default:
		p.Left, p.Top = centerX, below
	}

	p.Left = clamp(p.Left, PanelMargin, vp.Width-PanelWidth-PanelMargin)

	switch {
	case p.Top < PanelMargin && side == domain.SideTop:
		p.Top, p.Side, p.Flipped = below, domain.SideBottom, true
	case p.Top+PanelHeight > vp.Height-PanelMargin && side == domain.SideBottom:
		p.Top, p.Side, p.Flipped = above, domain.SideTop, true
	}
	p.Top = clamp(p.Top, PanelMargin, vp.Height-PanelHeight-PanelMargin)
	return p
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
