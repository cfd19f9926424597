package source

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
)

// NewX11Desktop creates a desktop source that grabs a region of the X11 root
// window in-process instead of through an external capture process. The
// region starts at the configured offset and has the size of the bounds.
func NewX11Desktop(opts Options, cfg CaptureConfig) (*Stream, error) {
	cfg = cfg.withDefaults(KindDesktop)
	if opts.Delay == 0 {
		opts.Delay = time.Second / time.Duration(cfg.FPS)
	}
	p := &x11Producer{
		display: cfg.Display,
		offsetX: cfg.OffsetX,
		offsetY: cfg.OffsetY,
	}
	return newStream(KindDesktop, opts, false, p)
}

type x11Producer struct {
	display          string
	offsetX, offsetY int

	conn  *xgb.Conn
	root  xproto.Window
	depth byte
}

func (p *x11Producer) open(context.Context) error {
	conn, err := xgb.NewConnDisplay(p.display)
	if err != nil {
		return fmt.Errorf("failed to connect to X server %s: %w", p.display, err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	if screen.RootDepth != 24 && screen.RootDepth != 32 {
		conn.Close()
		return fmt.Errorf("unsupported root depth %d", screen.RootDepth)
	}

	p.conn = conn
	p.root = screen.Root
	p.depth = screen.RootDepth

	logger.WithComponent("x11-desktop").Debug().
		Str("display", p.display).
		Uint8("depth", p.depth).
		Uint16("screen_width", screen.WidthInPixels).
		Uint16("screen_height", screen.HeightInPixels).
		Msg("Connected to X server")
	return nil
}

func (p *x11Producer) next(_ context.Context, dst *frame.Frame) error {
	reply, err := xproto.GetImage(
		p.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(p.root),
		int16(p.offsetX), int16(p.offsetY),
		uint16(dst.Width), uint16(dst.Height),
		0xffffffff,
	).Reply()
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}
	return convertBGRx(reply.Data, dst)
}

func (p *x11Producer) close() error {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

// convertBGRx packs 32-bit ZPixmap data (B, G, R, pad) into dst.
func convertBGRx(data []byte, dst *frame.Frame) error {
	n := dst.Width * dst.Height
	if len(data) < n*4 {
		return fmt.Errorf("short image: %d bytes for %dx%d: %w", len(data), dst.Width, dst.Height, frame.ErrSize)
	}
	for i := 0; i < n; i++ {
		copy(dst.Pix[i*frame.BytesPerPixel:i*frame.BytesPerPixel+3], data[i*4:i*4+3])
	}
	return nil
}
