package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"
)

// NewImage creates a source showing the image file at path, scaled to the
// bounds. The file is decoded once; writing the file triggers a reload.
func NewImage(opts Options, path string) (*Stream, error) {
	if path == "" {
		return nil, errors.New("image source requires a path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve image path: %w", err)
	}
	return newImageStream(opts, &imageProducer{path: abs})
}

// NewImageFromImage creates a source showing img scaled to the bounds.
func NewImageFromImage(opts Options, img image.Image) (*Stream, error) {
	if img == nil {
		return nil, errors.New("image source requires an image")
	}
	return newImageStream(opts, &imageProducer{img: img})
}

func newImageStream(opts Options, p *imageProducer) (*Stream, error) {
	p.width, p.height = opts.Bounds.Dx(), opts.Bounds.Dy()
	p.dirty = make(chan struct{}, 1)
	s, err := newStream(KindImage, opts, true, p)
	if err != nil {
		return nil, err
	}
	p.log = logger.WithSource("image", s.id, string(KindImage))
	return s, nil
}

type imageProducer struct {
	path          string
	img           image.Image
	width, height int
	log           *zerolog.Logger

	cached  *frame.Frame
	shown   bool
	dirty   chan struct{}
	watcher *fsnotify.Watcher
}

func (p *imageProducer) open(ctx context.Context) error {
	p.shown = false
	if err := p.load(); err != nil {
		return err
	}
	if p.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.log.Warn().Err(err).Msg("File watcher unavailable, image will not reload")
		return nil
	}
	// watch the directory so editors that replace the file are seen too
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		p.log.Warn().Err(err).Str("path", p.path).Msg("Failed to watch image directory")
		return nil
	}
	p.watcher = w
	go p.watch(ctx, w)
	return nil
}

// next publishes the cached image once, then blocks until the backing file
// changes and reloads it.
func (p *imageProducer) next(ctx context.Context, dst *frame.Frame) error {
	if p.shown {
		if err := p.waitReload(ctx); err != nil {
			return err
		}
	}
	p.shown = true
	return dst.CopyFrom(p.cached)
}

func (p *imageProducer) close() error {
	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}

func (p *imageProducer) waitReload(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.dirty:
		}
		if err := p.load(); err != nil {
			// a writer may still be mid-file; the next event retries
			p.log.Warn().Err(err).Str("path", p.path).Msg("Failed to reload image")
			continue
		}
		p.log.Info().Str("path", p.path).Msg("Image reloaded")
		return nil
	}
}

func (p *imageProducer) load() error {
	img := p.img
	if p.path != "" {
		f, err := os.Open(p.path)
		if err != nil {
			return fmt.Errorf("open image: %w", err)
		}
		defer f.Close()
		img, _, err = image.Decode(f)
		if err != nil {
			return fmt.Errorf("decode image %s: %w", p.path, err)
		}
	}
	p.cached = frame.FromRGBA(scaleImage(img, p.width, p.height))
	return nil
}

func (p *imageProducer) watch(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				select {
				case p.dirty <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

// scaleImage returns img as RGBA at width x height. Images already at that
// size are copied without resampling.
func scaleImage(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	sb := img.Bounds()
	if sb.Dx() == width && sb.Dy() == height {
		xdraw.Copy(dst, image.Point{}, img, sb, xdraw.Src, nil)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, sb, xdraw.Src, nil)
	return dst
}
