package api

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/config"
	"github.com/bryanchriswhite/LayerCast/internal/device"
	"github.com/bryanchriswhite/LayerCast/internal/encoder"
	"github.com/bryanchriswhite/LayerCast/internal/session"
	"github.com/gorilla/websocket"
)

// TestMain doubles as a fake encoder when LAYERCAST_FAKE_ENCODER is set:
// "normal" drains the connection until the quit token, "die" exits before
// connecting.
func TestMain(m *testing.M) {
	if mode := os.Getenv("LAYERCAST_FAKE_ENCODER"); mode != "" {
		fakeEncoder(mode)
		return
	}
	os.Exit(m.Run())
}

func fakeEncoder(mode string) {
	fs := flag.NewFlagSet("fake-encoder", flag.ExitOnError)
	input := fs.String("i", "", "input url")
	fs.Parse(os.Args[1:])

	if mode == "die" {
		os.Exit(3)
	}
	conn, err := net.Dial("tcp", strings.TrimPrefix(*input, "tcp://"))
	if err != nil {
		os.Exit(2)
	}
	go io.Copy(io.Discard, conn)
	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil || buf[0] == 'q' {
			os.Exit(0)
		}
	}
}

func newTestServer(t *testing.T, mode string) (*Server, *session.Session, *httptest.Server) {
	t.Helper()
	t.Setenv("LAYERCAST_FAKE_ENCODER", mode)

	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	path := filepath.Join(dir, "bg.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	png.Encode(f, img)
	f.Close()

	mgr, err := config.NewManager(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := mgr.Get()
	cfg.Output = config.OutputConfig{Width: 16, Height: 16, FPS: 20}
	cfg.Encoder.Command = fmt.Sprintf("%q -i {input}", os.Args[0])
	cfg.Encoder.Output = ""
	cfg.Encoder.ConnectTimeoutMs = 2000
	cfg.Encoder.ShutdownTimeoutMs = 2000
	cfg.MQTT.Password = "hunter2"
	cfg.Sources = []config.SourceConfig{
		{ID: "bg", Name: "background", Kind: "image", Path: path, Width: 16, Height: 16},
		{
			ID:     "label",
			Name:   "label",
			Kind:   "text",
			Width:  16,
			Height: 8,
			ZOrder: 1,
			Text:   &config.TextConfig{Content: "hi", Color: "#00ff00"},
		},
	}
	if err := mgr.Update(cfg); err != nil {
		t.Fatal(err)
	}

	sess, err := session.New(mgr.Get())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Stop() })

	s := NewServer(sess, mgr)
	s.devices = func(string) []device.Descriptor {
		return []device.Descriptor{{Kind: device.KindWebcam, ID: "video0", Name: "cam", Path: "/dev/video0"}}
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, sess, srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	_, _, srv := newTestServer(t, "normal")

	resp := do(t, "GET", srv.URL+"/api/health", "")
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" || body["version"] != Version {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}

	if resp := do(t, "OPTIONS", srv.URL+"/api/sources/bg", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight = %d", resp.StatusCode)
	}
}

func TestStatusAndSources(t *testing.T) {
	_, _, srv := newTestServer(t, "normal")

	var st session.Status
	decode(t, do(t, "GET", srv.URL+"/api/status", ""), &st)
	if st.Running || st.Output.Width != 16 || st.Encoder.State != encoder.Stopped {
		t.Fatalf("status = %+v", st)
	}

	var sources []session.SourceStatus
	decode(t, do(t, "GET", srv.URL+"/api/sources", ""), &sources)
	if len(sources) != 2 || sources[0].ID != "bg" || sources[1].ID != "label" {
		t.Fatalf("sources = %+v", sources)
	}
}

func TestUpdateSource(t *testing.T) {
	_, sess, srv := newTestServer(t, "normal")

	tests := []struct {
		name string
		id   string
		body string
		code int
	}{
		{"patch", "label", `{"alpha":0.5,"x":3,"effect":"grayscale"}`, http.StatusOK},
		{"bad json", "label", `{`, http.StatusBadRequest},
		{"alpha out of range", "label", `{"alpha":1.5}`, http.StatusBadRequest},
		{"unknown effect", "label", `{"effect":"sepia"}`, http.StatusBadRequest},
		{"unknown source", "nope", `{"alpha":0.5}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, "PATCH", srv.URL+"/api/sources/"+tt.id, tt.body)
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
		})
	}

	src := sess.Sources()[1]
	if src.Alpha != 0.5 || src.X != 3 || src.Effect != "grayscale" {
		t.Fatalf("source after patches = %+v", src)
	}
}

func TestTransition(t *testing.T) {
	_, sess, srv := newTestServer(t, "normal")

	resp := do(t, "POST", srv.URL+"/api/sources/label/transition", `{"name":"exitleft","duration_ms":40}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sess.Sources()[1].X != -17 {
		if time.Now().After(deadline) {
			t.Fatalf("x = %d, want -17", sess.Sources()[1].X)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp := do(t, "POST", srv.URL+"/api/sources/label/transition", `{"name":"spin"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown transition = %d", resp.StatusCode)
	}
	if resp := do(t, "POST", srv.URL+"/api/sources/nope/transition", `{"name":"fadein"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown source = %d", resp.StatusCode)
	}
}

func TestSessionStartStop(t *testing.T) {
	_, _, srv := newTestServer(t, "normal")

	resp := do(t, "POST", srv.URL+"/api/session/start", "")
	var st session.Status
	decode(t, resp, &st)
	if resp.StatusCode != http.StatusOK || !st.Running || st.Encoder.State != encoder.Running {
		t.Fatalf("start = %d %+v", resp.StatusCode, st)
	}

	if resp := do(t, "POST", srv.URL+"/api/session/start", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start = %d, want 409", resp.StatusCode)
	}

	resp = do(t, "POST", srv.URL+"/api/session/stop", "")
	decode(t, resp, &st)
	if resp.StatusCode != http.StatusOK || st.Running || st.Encoder.State != encoder.Stopped {
		t.Fatalf("stop = %d %+v", resp.StatusCode, st)
	}
}

func TestSessionStartFailure(t *testing.T) {
	_, _, srv := newTestServer(t, "die")

	resp := do(t, "POST", srv.URL+"/api/session/start", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("start = %d, want 502", resp.StatusCode)
	}
	var st session.Status
	decode(t, do(t, "GET", srv.URL+"/api/status", ""), &st)
	if st.Running || st.Encoder.State != encoder.Error {
		t.Fatalf("status = %+v", st)
	}
}

func TestDevicesAndConfig(t *testing.T) {
	_, _, srv := newTestServer(t, "normal")

	var devices []device.Descriptor
	decode(t, do(t, "GET", srv.URL+"/api/devices", ""), &devices)
	if len(devices) != 1 || devices[0].Path != "/dev/video0" {
		t.Fatalf("devices = %+v", devices)
	}

	var cfg config.Config
	decode(t, do(t, "GET", srv.URL+"/api/config", ""), &cfg)
	if cfg.Output.Width != 16 || len(cfg.Sources) != 2 {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.MQTT.Password != "" {
		t.Fatal("password leaked")
	}
}

func TestEventsStream(t *testing.T) {
	_, _, srv := newTestServer(t, "normal")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var st session.Status
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatal(err)
	}
	if len(st.Sources) != 2 {
		t.Fatalf("initial status = %+v", st)
	}

	do(t, "PATCH", srv.URL+"/api/sources/bg", `{"alpha":0.25}`)
	for {
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatal(err)
		}
		if st.Sources[0].Alpha == 0.25 {
			break
		}
	}
}

func TestPreviewMounted(t *testing.T) {
	_, _, srv := newTestServer(t, "normal")

	resp := do(t, "GET", srv.URL+"/", "")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("viewer = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if resp := do(t, "GET", srv.URL+"/stream", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("stream while idle = %d, want 503", resp.StatusCode)
	}
}
