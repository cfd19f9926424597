package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/device"
	"github.com/bryanchriswhite/LayerCast/internal/encoder"
	"github.com/bryanchriswhite/LayerCast/internal/session"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		forceFlag = false
		formatFlag = "yaml"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if _, err := run(t, "config", "init", "--config", path); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "config", "init", "--config", path); err == nil {
		t.Fatal("init over an existing file should need --force")
	}
	if _, err := run(t, "config", "init", "--force", "--config", path); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "config", "set", "output.fps", "60", "--config", path); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "config", "get", "output.fps", "--config", path)
	if err != nil || strings.TrimSpace(out) != "60" {
		t.Fatalf("get = %q, %v", out, err)
	}
	if _, err := run(t, "config", "set", "output.fps", "fast", "--config", path); err == nil {
		t.Fatal("non-numeric fps accepted")
	}
	if _, err := run(t, "config", "get", "nope", "--config", path); err == nil {
		t.Fatal("unknown key accepted")
	}

	out, err = run(t, "config", "show", "--format", "json", "--config", path)
	if err != nil || !strings.Contains(out, `"fps": 60`) {
		t.Fatalf("show = %q, %v", out, err)
	}
	if _, err := run(t, "config", "show", "--format", "toml", "--config", path); err == nil {
		t.Fatal("unsupported format accepted")
	}

	out, err = run(t, "config", "path", "--config", path)
	if err != nil || strings.TrimSpace(out) != path {
		t.Fatalf("path = %q, %v", out, err)
	}
}

func TestRenderStatus(t *testing.T) {
	started := time.Now().Add(-2 * time.Second)
	stopped := started.Add(1500 * time.Millisecond)
	st := session.Status{
		ID:        "abc",
		StartedAt: &started,
		StoppedAt: &stopped,
		Output:    session.OutputStatus{Width: 320, Height: 240, FPS: 25},
		Encoder: session.EncoderStatus{
			State:  encoder.Error,
			Error:  "encoder write: broken pipe",
			Output: "out.flv",
			Stats:  encoder.Stats{FramesWritten: 10, BytesWritten: 2304000},
		},
		Sources: []session.SourceStatus{
			{ID: "cam", Name: "webcam", Kind: "webcam", Width: 160, Height: 120, Alpha: 1, Effect: "none"},
		},
	}

	out := renderStatus(st)
	for _, want := range []string{"abc", "320x240@25 -> out.flv", "broken pipe", "2.2 MiB", "1.5s", "cam", "160x120+0+0"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderDevices(t *testing.T) {
	out := renderDevices([]device.Descriptor{
		{Kind: device.KindScreen, ID: "0", Name: "screen 0", Width: 1920, Height: 1080},
		{Kind: device.KindWebcam, ID: "video0", Name: "cam", Path: "/dev/video0"},
	})
	if !strings.Contains(out, "1920x1080+0+0") || !strings.Contains(out, "/dev/video0") {
		t.Fatalf("devices output:\n%s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
