// Package humanize generates human-plausible pointer input and pacing
// for the browser tiers. Movement follows a cubic bezier with
// randomized control points and eased velocity; clicks land slightly
// off-center and are bracketed by hover and dwell pauses.
package humanize

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ErrNotVisible is returned when an element has no content quads to
// aim at.
var ErrNotVisible = errors.New("element not visible")

type point struct {
	x, y float64
}

// Mouse drives a page's pointer along humanized paths.
type Mouse struct {
	page        *rod.Page
	minSteps    int
	maxSteps    int
	stepDelayMs [2]int
	hoverMs     [2]int
	dwellMs     [2]int
	clickOffset float64
}

// NewMouse returns a Mouse with standard pacing for page.
func NewMouse(page *rod.Page) *Mouse {
	return &Mouse{
		page:        page,
		minSteps:    15,
		maxSteps:    30,
		stepDelayMs: [2]int{3, 12},
		hoverMs:     [2]int{50, 200},
		dwellMs:     [2]int{80, 250},
		clickOffset: 5,
	}
}

// MoveTo walks the pointer from its current position to (x, y).
func (m *Mouse) MoveTo(ctx context.Context, x, y float64) error {
	pos := m.page.Mouse.Position()
	steps := m.minSteps + rand.Intn(m.maxSteps-m.minSteps+1)
	for _, p := range bezierPath(point{pos.X, pos.Y}, point{x, y}, steps) {
		if err := m.page.Mouse.MoveTo(proto.NewPoint(p.x, p.y)); err != nil {
			return err
		}
		if !Sleep(ctx, RandomDuration(m.stepDelayMs[0], m.stepDelayMs[1])) {
			return ctx.Err()
		}
	}
	return nil
}

// ClickAt moves near (x, y) and presses the left button. The exact
// target is jittered within the click offset radius.
func (m *Mouse) ClickAt(ctx context.Context, x, y float64) error {
	x += (rand.Float64()*2 - 1) * m.clickOffset
	y += (rand.Float64()*2 - 1) * m.clickOffset

	if err := m.MoveTo(ctx, x, y); err != nil {
		return err
	}
	if !Sleep(ctx, RandomDuration(m.hoverMs[0], m.hoverMs[1])) {
		return ctx.Err()
	}
	if err := m.page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if !Sleep(ctx, RandomDuration(m.dwellMs[0], m.dwellMs[1])) {
		return ctx.Err()
	}
	return nil
}

// ClickElement clicks the center of el's first content quad.
func (m *Mouse) ClickElement(ctx context.Context, el *rod.Element) error {
	shape, err := el.Shape()
	if err != nil {
		return err
	}
	if shape == nil || len(shape.Quads) == 0 {
		return ErrNotVisible
	}
	quad := shape.Quads[0]
	cx := (quad[0] + quad[2] + quad[4] + quad[6]) / 4
	cy := (quad[1] + quad[3] + quad[5] + quad[7]) / 4
	return m.ClickAt(ctx, cx, cy)
}

// bezierPath interpolates a cubic bezier from start to end. The two
// control points sit at thirds of the path, pushed perpendicular by a
// random fraction of the travel distance, so no two traversals share a
// curve. Velocity is eased in and out.
func bezierPath(start, end point, steps int) []point {
	if steps < 2 {
		steps = 2
	}

	dx := end.x - start.x
	dy := end.y - start.y
	dist := math.Sqrt(dx*dx + dy*dy)

	perpX, perpY := 0.0, 0.0
	if dist > 0 {
		perpX = -dy / dist
		perpY = dx / dist
	}
	bend := func() float64 {
		side := 1.0
		if rand.Float64() < 0.5 {
			side = -1.0
		}
		return side * dist * (0.2 + rand.Float64()*0.3)
	}
	b1, b2 := bend(), bend()

	c1 := point{start.x + dx*0.33 + perpX*b1, start.y + dy*0.33 + perpY*b1}
	c2 := point{start.x + dx*0.67 + perpX*b2, start.y + dy*0.67 + perpY*b2}

	path := make([]point, steps)
	for i := range path {
		t := easeInOutCubic(float64(i) / float64(steps-1))
		mt := 1 - t
		path[i] = point{
			x: mt*mt*mt*start.x + 3*mt*mt*t*c1.x + 3*mt*t*t*c2.x + t*t*t*end.x,
			y: mt*mt*mt*start.y + 3*mt*mt*t*c1.y + 3*mt*t*t*c2.y + t*t*t*end.y,
		}
	}
	return path
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}
