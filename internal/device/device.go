// Package device enumerates capture devices: X11 screens and top-level
// windows for desktop sources, V4L2 nodes for webcam sources.
package device

import (
	"fmt"

	"github.com/bryanchriswhite/LayerCast/internal/logger"
)

// Kind classifies a device.
type Kind string

const (
	KindScreen Kind = "screen"
	KindWindow Kind = "window"
	KindWebcam Kind = "webcam"
)

// Descriptor describes one capturable device. Screens and windows carry
// their root-window geometry, usable as a desktop source's grab offset and
// size. Webcams carry the device node path.
type Descriptor struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindWebcam:
		return fmt.Sprintf("%s %s (%s)", d.Kind, d.Name, d.Path)
	default:
		return fmt.Sprintf("%s %s %dx%d+%d+%d", d.Kind, d.Name, d.Width, d.Height, d.X, d.Y)
	}
}

// List returns every device that could be found. Enumeration failures of
// one class (no X server, no /dev/video nodes) are logged and skipped.
func List(display string) []Descriptor {
	log := logger.WithComponent("device")
	var out []Descriptor

	screens, err := Screens(display)
	if err != nil {
		log.Debug().Err(err).Msg("Screen enumeration unavailable")
	}
	out = append(out, screens...)

	windows, err := Windows(display)
	if err != nil {
		log.Debug().Err(err).Msg("Window enumeration unavailable")
	}
	out = append(out, windows...)

	cams, err := Webcams()
	if err != nil {
		log.Debug().Err(err).Msg("Webcam enumeration unavailable")
	}
	out = append(out, cams...)

	log.Debug().
		Int("screens", len(screens)).
		Int("windows", len(windows)).
		Int("webcams", len(cams)).
		Msg("Devices enumerated")
	return out
}
