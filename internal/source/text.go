package source

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Animation selects how a text source changes between redraws.
type Animation string

const (
	AnimationNone       Animation = "none"
	AnimationScroll     Animation = "scroll"
	AnimationTypewriter Animation = "typewriter"
	AnimationRotate     Animation = "rotate"
	AnimationFade       Animation = "fade"
)

const (
	DefaultTextInterval = 100 * time.Millisecond
	DefaultTextPadding  = 5

	scrollStep   = 2 // pixels per redraw
	rotatePeriod = 3 * time.Second
	fadePeriod   = 2 * time.Second
	lineSpacing  = 2
)

// ParseAnimation maps a config name to an Animation. Empty is none.
func ParseAnimation(name string) (Animation, error) {
	switch a := Animation(strings.ToLower(strings.TrimSpace(name))); a {
	case "", AnimationNone:
		return AnimationNone, nil
	case AnimationScroll, AnimationTypewriter, AnimationRotate, AnimationFade:
		return a, nil
	default:
		return AnimationNone, fmt.Errorf("unknown text animation %q", name)
	}
}

// TextConfig configures a text source.
type TextConfig struct {
	Content    string
	Color      color.NRGBA
	Background *color.NRGBA
	Padding    int
	Animation  Animation
	// Interval is the redraw period, independent of the compositor rate.
	Interval time.Duration
	// Vars are substituted as {name} in Content, after the built-in
	// {time}, {date} and {datetime}.
	Vars map[string]string
}

// Text is a source that renders a text label.
type Text struct {
	*Stream
	p *textProducer
}

// NewText creates a text source.
func NewText(opts Options, cfg TextConfig) (*Text, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTextInterval
	}
	if cfg.Padding < 0 {
		cfg.Padding = 0
	}
	if cfg.Color == (color.NRGBA{}) {
		cfg.Color = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	if _, err := ParseAnimation(string(cfg.Animation)); err != nil {
		return nil, err
	}
	opts.Delay = cfg.Interval

	p := newTextProducer(cfg, opts.Bounds.Dx(), opts.Bounds.Dy())
	s, err := newStream(KindText, opts, true, p)
	if err != nil {
		return nil, err
	}
	return &Text{Stream: s, p: p}, nil
}

// SetContent replaces the text; the next redraw picks it up.
func (t *Text) SetContent(content string) { t.p.content.Store(&content) }

// Content returns the unsubstituted text.
func (t *Text) Content() string { return *t.p.content.Load() }

// Substitute expands {time}, {date}, {datetime} and every {name} in vars.
func Substitute(text string, vars map[string]string, now time.Time) string {
	if !strings.Contains(text, "{") {
		return text
	}
	pairs := []string{
		"{time}", now.Format("15:04:05"),
		"{date}", now.Format("2006-01-02"),
		"{datetime}", now.Format("2006-01-02 15:04:05"),
	}
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

type textProducer struct {
	cfg     TextConfig
	content atomic.Pointer[string]
	now     func() time.Time

	face   font.Face
	canvas *image.RGBA
	tick   int
}

func newTextProducer(cfg TextConfig, width, height int) *textProducer {
	p := &textProducer{
		cfg:    cfg,
		now:    time.Now,
		face:   basicfont.Face7x13,
		canvas: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
	content := cfg.Content
	p.content.Store(&content)
	return p
}

func (p *textProducer) open(context.Context) error {
	p.tick = 0
	return nil
}

func (p *textProducer) next(_ context.Context, dst *frame.Frame) error {
	p.render(p.tick)
	p.tick++
	frame.LoadRGBA(dst, p.canvas)
	return nil
}

func (p *textProducer) close() error { return nil }

// render draws redraw number tick into the canvas.
func (p *textProducer) render(tick int) {
	img := p.canvas
	clear(img.Pix)
	if bg := p.cfg.Background; bg != nil {
		draw.Draw(img, img.Bounds(), image.NewUniform(*bg), image.Point{}, draw.Src)
	}

	text := Substitute(*p.content.Load(), p.cfg.Vars, p.now())
	if text == "" {
		return
	}
	col := p.cfg.Color
	lines := strings.Split(text, "\n")

	switch p.cfg.Animation {
	case AnimationScroll:
		line := strings.Join(lines, "   ")
		width := font.MeasureString(p.face, line).Ceil()
		span := img.Bounds().Dx() + width
		x := img.Bounds().Dx() - (tick*scrollStep)%span
		p.drawLine(line, x, 0, col)
	case AnimationTypewriter:
		runes := []rune(text)
		n := min(tick+1, len(runes))
		p.drawLines(strings.Split(string(runes[:n]), "\n"), col)
	case AnimationRotate:
		per := max(1, int(rotatePeriod/p.cfg.Interval))
		p.drawLines(lines[(tick/per)%len(lines):][:1], col)
	case AnimationFade:
		period := max(1, int(fadePeriod/p.cfg.Interval))
		phase := float64(tick%period) / float64(period)
		col.A = uint8(float64(col.A) * (0.5 + 0.5*math.Cos(2*math.Pi*phase)))
		p.drawLines(lines, col)
	default:
		p.drawLines(lines, col)
	}
}

func (p *textProducer) drawLines(lines []string, col color.NRGBA) {
	for i, line := range lines {
		p.drawLine(line, p.cfg.Padding, i, col)
	}
}

func (p *textProducer) drawLine(line string, x, row int, col color.NRGBA) {
	m := p.face.Metrics()
	lineHeight := m.Height.Ceil() + lineSpacing
	y := p.cfg.Padding + row*lineHeight + m.Ascent.Ceil()

	d := &font.Drawer{
		Dst:  p.canvas,
		Src:  image.NewUniform(col),
		Face: p.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(line)
}
