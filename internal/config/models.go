package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/LayerCast/internal/effect"
	"github.com/bryanchriswhite/LayerCast/internal/encoder"
	"github.com/bryanchriswhite/LayerCast/internal/source"
	"github.com/bryanchriswhite/LayerCast/internal/transition"
)

// Config is the on-disk configuration.
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	// LogPretty selects console output instead of JSON lines
	LogPretty bool `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	// Display is the X11 display for desktop capture and device listing.
	// Empty means $DISPLAY.
	Display string `json:"display" yaml:"display" mapstructure:"display"`

	Output  OutputConfig   `json:"output" yaml:"output" mapstructure:"output"`
	Encoder EncoderConfig  `json:"encoder" yaml:"encoder" mapstructure:"encoder"`
	Preview PreviewConfig  `json:"preview" yaml:"preview" mapstructure:"preview"`
	MQTT    MQTTConfig     `json:"mqtt" yaml:"mqtt" mapstructure:"mqtt"`
	Sources []SourceConfig `json:"sources" yaml:"sources" mapstructure:"sources"`
}

// OutputConfig is the composited frame size and rate.
type OutputConfig struct {
	Width  int `json:"width" yaml:"width" mapstructure:"width"`
	Height int `json:"height" yaml:"height" mapstructure:"height"`
	FPS    int `json:"fps" yaml:"fps" mapstructure:"fps"`
}

// EncoderConfig configures the external encoder process.
type EncoderConfig struct {
	// Command is a template; {input}, {width}, {height}, {fps} and {output}
	// are substituted per word.
	Command           string `json:"command" yaml:"command" mapstructure:"command"`
	Output            string `json:"output" yaml:"output" mapstructure:"output"`
	ConnectTimeoutMs  int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	ShutdownTimeoutMs int    `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" mapstructure:"shutdown_timeout_ms"`
	QuitToken         string `json:"quit_token" yaml:"quit_token" mapstructure:"quit_token"`
	// AutoStart starts a session when the server starts
	AutoStart bool `json:"auto_start" yaml:"auto_start" mapstructure:"auto_start"`
}

// PreviewConfig configures the MJPEG preview.
type PreviewConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	FPS     int  `json:"fps" yaml:"fps" mapstructure:"fps"`
	Quality int  `json:"quality" yaml:"quality" mapstructure:"quality"`
}

// MQTTConfig configures status publishing. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker" mapstructure:"broker"`
	Topic    string `json:"topic" yaml:"topic" mapstructure:"topic"`
	ClientID string `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password string `json:"-" yaml:"password,omitempty" mapstructure:"password"`
	QoS      byte   `json:"qos" yaml:"qos" mapstructure:"qos"`
}

// SourceConfig describes one source. Fields that do not apply to Kind are
// ignored.
type SourceConfig struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty" mapstructure:"id"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Kind   string `json:"kind" yaml:"kind" mapstructure:"kind"`
	X      int    `json:"x" yaml:"x" mapstructure:"x"`
	Y      int    `json:"y" yaml:"y" mapstructure:"y"`
	Width  int    `json:"width" yaml:"width" mapstructure:"width"`
	Height int    `json:"height" yaml:"height" mapstructure:"height"`
	ZOrder int    `json:"z_order" yaml:"z_order" mapstructure:"z_order"`
	// Alpha defaults to 1 when unset
	Alpha  *float64 `json:"alpha,omitempty" yaml:"alpha,omitempty" mapstructure:"alpha"`
	Effect string   `json:"effect,omitempty" yaml:"effect,omitempty" mapstructure:"effect"`
	FPS    int      `json:"fps,omitempty" yaml:"fps,omitempty" mapstructure:"fps"`

	// Backend selects how desktop sources capture: "ffmpeg" (default), "x11"
	// or "pipewire" for Wayland sessions
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty" mapstructure:"backend"`
	Command string `json:"command,omitempty" yaml:"command,omitempty" mapstructure:"command"`
	Device  string `json:"device,omitempty" yaml:"device,omitempty" mapstructure:"device"`
	OffsetX int    `json:"offset_x,omitempty" yaml:"offset_x,omitempty" mapstructure:"offset_x"`
	OffsetY int    `json:"offset_y,omitempty" yaml:"offset_y,omitempty" mapstructure:"offset_y"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`

	Text *TextConfig `json:"text,omitempty" yaml:"text,omitempty" mapstructure:"text"`

	// Transition runs when the session starts, e.g. "fadein"
	Transition   string `json:"transition,omitempty" yaml:"transition,omitempty" mapstructure:"transition"`
	TransitionMs int    `json:"transition_ms,omitempty" yaml:"transition_ms,omitempty" mapstructure:"transition_ms"`
}

// TextConfig holds the text source settings.
type TextConfig struct {
	Content string `json:"content" yaml:"content" mapstructure:"content"`
	// Colors are "#rrggbb" or "#rrggbbaa"
	Color      string            `json:"color,omitempty" yaml:"color,omitempty" mapstructure:"color"`
	Background string            `json:"background,omitempty" yaml:"background,omitempty" mapstructure:"background"`
	Padding    int               `json:"padding,omitempty" yaml:"padding,omitempty" mapstructure:"padding"`
	Animation  string            `json:"animation,omitempty" yaml:"animation,omitempty" mapstructure:"animation"`
	IntervalMs int               `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty" mapstructure:"interval_ms"`
	Vars       map[string]string `json:"vars,omitempty" yaml:"vars,omitempty" mapstructure:"vars"`
}

// AlphaOrDefault returns the configured alpha, or 1.
func (s SourceConfig) AlphaOrDefault() float64 {
	if s.Alpha == nil {
		return 1
	}
	return *s.Alpha
}

// Defaults returns the configuration written on first run: a full-frame
// desktop capture with a clock in the top-left corner.
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Output: OutputConfig{
			Width:  1280,
			Height: 720,
			FPS:    30,
		},
		Encoder: EncoderConfig{
			Command:           encoder.DefaultCommand,
			Output:            "layercast.flv",
			ConnectTimeoutMs:  int(encoder.DefaultConnectTimeout.Milliseconds()),
			ShutdownTimeoutMs: int(encoder.DefaultShutdownTimeout.Milliseconds()),
			QuitToken:         encoder.DefaultQuitToken,
		},
		Preview: PreviewConfig{
			Enabled: true,
			FPS:     10,
			Quality: 80,
		},
		MQTT: MQTTConfig{
			Topic:    "layercast/status",
			ClientID: "layercast",
		},
		Sources: []SourceConfig{
			{
				Name:   "desktop",
				Kind:   string(source.KindDesktop),
				Width:  1280,
				Height: 720,
			},
			{
				Name:   "clock",
				Kind:   string(source.KindText),
				X:      16,
				Y:      16,
				Width:  160,
				Height: 24,
				ZOrder: 1,
				Text: &TextConfig{
					Content:    "{time}",
					Background: "#00000080",
					Padding:    5,
				},
			},
		},
	}
}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d out of range", c.ServerPort))
	}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("invalid log_level %q (use: debug, info, warn, error)", c.LogLevel))
	}
	if c.Output.Width <= 0 || c.Output.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid output size %dx%d", c.Output.Width, c.Output.Height))
	}
	if c.Output.FPS <= 0 {
		errs = append(errs, fmt.Errorf("invalid output fps %d", c.Output.FPS))
	}
	if strings.Contains(c.Encoder.Command, "{output}") && c.Encoder.Output == "" {
		errs = append(errs, errors.New("encoder.output is required by encoder.command"))
	}
	if c.Encoder.Command != "" && !strings.Contains(c.Encoder.Command, "{input}") {
		errs = append(errs, errors.New("encoder.command must reference {input}"))
	}
	if c.Preview.Enabled && (c.Preview.Quality < 1 || c.Preview.Quality > 100) {
		errs = append(errs, fmt.Errorf("preview.quality %d out of range 1-100", c.Preview.Quality))
	}

	ids := map[string]bool{}
	for i, s := range c.Sources {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
		}
		if s.ID != "" {
			if ids[s.ID] {
				errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
			}
			ids[s.ID] = true
		}
	}
	return errors.Join(errs...)
}

// Validate checks one source entry.
func (s SourceConfig) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", s.Width, s.Height)
	}
	if a := s.AlphaOrDefault(); a < 0 || a > 1 {
		return fmt.Errorf("alpha %v out of range 0-1", a)
	}
	if _, err := effect.Parse(s.Effect); err != nil {
		return err
	}
	if s.Transition != "" && !isTransition(s.Transition) {
		return fmt.Errorf("unknown transition %q", s.Transition)
	}

	switch source.Kind(s.Kind) {
	case source.KindDesktop:
		switch s.Backend {
		case "", "ffmpeg", "x11", "pipewire":
		default:
			return fmt.Errorf("unknown desktop backend %q", s.Backend)
		}
	case source.KindWebcam:
	case source.KindGeneric:
		if s.Command == "" {
			return errors.New("generic source requires a command")
		}
	case source.KindImage:
		if s.Path == "" {
			return errors.New("image source requires a path")
		}
	case source.KindText:
		if s.Text == nil {
			return errors.New("text source requires a text section")
		}
		if _, err := source.ParseAnimation(s.Text.Animation); err != nil {
			return err
		}
		if _, err := ParseColor(s.Text.Color); s.Text.Color != "" && err != nil {
			return err
		}
		if _, err := ParseColor(s.Text.Background); s.Text.Background != "" && err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

func isTransition(name string) bool {
	n := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(name))
	for _, t := range transition.Names {
		if t == n {
			return true
		}
	}
	return false
}
