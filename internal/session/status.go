package session

import (
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/compositor"
	"github.com/bryanchriswhite/LayerCast/internal/encoder"
	"github.com/bryanchriswhite/LayerCast/internal/notify"
	"github.com/bryanchriswhite/LayerCast/internal/output"
	"github.com/bryanchriswhite/LayerCast/internal/source"
)

// Status is the snapshot served by the API, pushed over websockets and
// published to MQTT.
type Status struct {
	ID         string           `json:"id,omitempty"`
	Running    bool             `json:"running"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	StoppedAt  *time.Time       `json:"stopped_at,omitempty"`
	Output     OutputStatus     `json:"output"`
	Encoder    EncoderStatus    `json:"encoder"`
	Compositor compositor.Stats `json:"compositor"`
	Preview    output.Stats     `json:"preview"`
	MQTT       *notify.Stats    `json:"mqtt,omitempty"`
	Sources    []SourceStatus   `json:"sources"`
}

// OutputStatus is the fixed output geometry.
type OutputStatus struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// EncoderStatus reports the encoder feed of the latest session.
type EncoderStatus struct {
	State  encoder.State `json:"state"`
	Error  string        `json:"error,omitempty"`
	Output string        `json:"output"`
	encoder.Stats
}

// SourceStatus describes one live source.
type SourceStatus struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Kind    source.Kind `json:"kind"`
	Running bool        `json:"running"`
	X       int         `json:"x"`
	Y       int         `json:"y"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	ZOrder  int         `json:"z_order"`
	Alpha   float64     `json:"alpha"`
	Effect  string      `json:"effect"`
	Frames  uint64      `json:"frames,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func sourceStatus(src source.Source) SourceStatus {
	b := src.Bounds()
	st := SourceStatus{
		ID:      src.ID(),
		Name:    src.Name(),
		Kind:    src.Kind(),
		Running: src.Running(),
		X:       b.Min.X,
		Y:       b.Min.Y,
		Width:   b.Dx(),
		Height:  b.Dy(),
		ZOrder:  src.ZOrder(),
		Alpha:   src.Alpha(),
		Effect:  string(src.Effect()),
	}
	// Stream and the variants embedding it expose counters
	if s, ok := src.(interface {
		Frames() uint64
		LastError() error
	}); ok {
		st.Frames = s.Frames()
		if err := s.LastError(); err != nil {
			st.Error = err.Error()
		}
	}
	return st
}

// Status returns a snapshot of the pipeline.
func (s *Session) Status() Status {
	w, h := s.comp.Size()
	st := Status{
		Running:    s.Running(),
		Output:     OutputStatus{Width: w, Height: h, FPS: s.comp.FPS()},
		Encoder:    EncoderStatus{State: encoder.Stopped, Output: s.cfg.Encoder.Output},
		Compositor: s.comp.Stats(),
		Preview:    s.preview.Stats(),
		Sources:    s.Sources(),
	}

	if r := s.last.Load(); r != nil {
		st.ID = r.id
		started := r.startedAt
		st.StartedAt = &started
		if ns := r.stoppedAt.Load(); ns != 0 {
			stopped := time.Unix(0, ns)
			st.StoppedAt = &stopped
		}
		if r.feed != nil {
			st.Encoder.State = r.feed.State()
			st.Encoder.Stats = r.feed.Stats()
			if err := r.feed.LastError(); err != nil {
				st.Encoder.Error = err.Error()
			}
		}
	}

	if s.pub != nil {
		ms := s.pub.Stats()
		st.MQTT = &ms
	}
	return st
}
