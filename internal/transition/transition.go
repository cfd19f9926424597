// Package transition animates the position and opacity of a live source.
package transition

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/logger"
)

// DefaultDuration is used when Duration is not set.
const DefaultDuration = time.Second

// Names lists the supported transitions.
var Names = []string{
	"none",
	"fadein", "fadeout",
	"enterleft", "enterright", "entertop", "enterbottom",
	"exitleft", "exitright", "exittop", "exitbottom",
}

// Target is the mutable state a transition drives. source.Source satisfies it.
type Target interface {
	Bounds() image.Rectangle
	Position() (x, y int)
	SetPosition(x, y int)
	Alpha() float64
	SetAlpha(alpha float64)
}

// Transition moves a target from one state to another over Duration.
// A nil From/To field is resolved to the target's live value when Run starts.
type Transition struct {
	Name     string
	Duration time.Duration
	FPS      int

	FromAlpha, ToAlpha *float64
	FromX, ToX         *int
	FromY, ToY         *int

	target Target
}

func ptr[T any](v T) *T { return &v }

// New builds the named transition for target inside an output of the given
// bounds, ticking at fps. Enter variants start one pixel outside the output
// and end at the live position; exit variants do the reverse.
func New(name string, target Target, output image.Rectangle, fps int) (*Transition, error) {
	if target == nil {
		return nil, fmt.Errorf("transition %q: nil target", name)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("transition %q: invalid frame rate %d", name, fps)
	}

	t := &Transition{
		Name:     normalize(name),
		Duration: DefaultDuration,
		FPS:      fps,
		target:   target,
	}

	b := target.Bounds()
	left := output.Min.X - b.Dx() - 1
	right := output.Max.X + 1
	top := output.Min.Y - b.Dy() - 1
	bottom := output.Max.Y + 1

	switch t.Name {
	case "none":
	case "fadein":
		t.FromAlpha = ptr(0.0)
		if target.Alpha() <= 0 {
			t.ToAlpha = ptr(1.0)
		}
	case "fadeout":
		t.ToAlpha = ptr(0.0)
	case "enterleft":
		t.FromX = ptr(left)
	case "enterright":
		t.FromX = ptr(right)
	case "entertop":
		t.FromY = ptr(top)
	case "enterbottom":
		t.FromY = ptr(bottom)
	case "exitleft":
		t.ToX = ptr(left)
	case "exitright":
		t.ToX = ptr(right)
	case "exittop":
		t.ToY = ptr(top)
	case "exitbottom":
		t.ToY = ptr(bottom)
	default:
		return nil, fmt.Errorf("unknown transition %q", name)
	}
	return t, nil
}

// normalize folds "Fade-In" and "enter_left" style names.
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer("-", "", "_", "", " ", "").Replace(name)
	if name == "" {
		return "none"
	}
	return name
}

type plan struct {
	alpha  bool
	fa, ta float64
	x, y   bool
	fx, tx int
	fy, ty int
}

func (t *Transition) resolve() plan {
	x, y := t.target.Position()
	a := t.target.Alpha()
	var p plan

	if t.FromAlpha != nil || t.ToAlpha != nil {
		p.alpha = true
		p.fa, p.ta = deref(t.FromAlpha, a), deref(t.ToAlpha, a)
	}
	if t.FromX != nil || t.ToX != nil {
		p.x = true
		p.fx, p.tx = deref(t.FromX, x), deref(t.ToX, x)
	}
	if t.FromY != nil || t.ToY != nil {
		p.y = true
		p.fy, p.ty = deref(t.FromY, y), deref(t.ToY, y)
	}
	return p
}

func deref[T any](v *T, live T) T {
	if v == nil {
		return live
	}
	return *v
}

// apply sets the target to fraction f of the way through the plan.
func (t *Transition) apply(p plan, f float64) {
	if p.alpha {
		t.target.SetAlpha(p.fa + (p.ta-p.fa)*f)
	}
	if p.x || p.y {
		x, y := t.target.Position()
		if p.x {
			x = p.fx + int(math.Round(float64(p.tx-p.fx)*f))
		}
		if p.y {
			y = p.fy + int(math.Round(float64(p.ty-p.fy)*f))
		}
		t.target.SetPosition(x, y)
	}
}

// snap sets the exact targets.
func (t *Transition) snap(p plan) {
	if p.alpha {
		t.target.SetAlpha(p.ta)
	}
	if p.x || p.y {
		x, y := t.target.Position()
		if p.x {
			x = p.tx
		}
		if p.y {
			y = p.ty
		}
		t.target.SetPosition(x, y)
	}
}

// Run animates the target and blocks until done. Cancelling ctx ends the
// animation early; the target is still snapped to its final values.
func (t *Transition) Run(ctx context.Context) error {
	log := logger.WithComponent("transition")

	p := t.resolve()
	if !p.alpha && !p.x && !p.y {
		return nil
	}

	d := t.Duration
	if d <= 0 {
		d = DefaultDuration
	}
	interval := time.Second / time.Duration(t.FPS)
	steps := max(1, int(d/interval))

	log.Debug().
		Str("transition", t.Name).
		Dur("duration", d).
		Int("steps", steps).
		Msg("Transition started")

	t.apply(p, 0)
	defer t.snap(p)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	next := time.Now()

	for i := 1; i <= steps; i++ {
		next = next.Add(interval)
		if wait := time.Until(next); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				log.Debug().Str("transition", t.Name).Int("step", i).Msg("Transition cancelled")
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		t.apply(p, float64(i)/float64(steps))
	}

	log.Debug().Str("transition", t.Name).Msg("Transition finished")
	return nil
}

// Start runs the transition on its own goroutine. The returned channel is
// closed when it finishes.
func (t *Transition) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = t.Run(ctx)
	}()
	return done
}
