package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// SelectSources options
const (
	portalSourceMonitor  = 1 << 0
	portalCursorEmbedded = 1 << 1
	portalPersistSession = 2
)

var handleSeq atomic.Uint64

// ErrPortalCancelled is returned when the user dismisses the screen cast
// dialog.
var ErrPortalCancelled = errors.New("screen cast cancelled by user")

// portal negotiates a screen cast session with xdg-desktop-portal. The
// permission is persisted with a restore token so later sessions skip the
// dialog.
type portal struct {
	conn      *dbus.Conn
	session   dbus.ObjectPath
	token     string
	tokenPath string
	log       *zerolog.Logger
}

// PortalTokenPath is where the restore token is kept by default.
func PortalTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.Getenv("HOME")
	}
	return filepath.Join(dir, "layercast", "portal_token")
}

func openPortal(tokenPath string) (*portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	p := &portal{
		conn:      conn,
		tokenPath: tokenPath,
		log:       logger.WithComponent("portal"),
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to add match rule: %w", err)
	}
	p.token = loadRestoreToken(tokenPath)
	return p, nil
}

// screenCast runs CreateSession, SelectSources and Start and returns the
// PipeWire node of the selected monitor. The user may be shown a dialog.
func (p *portal) screenCast(ctx context.Context) (uint32, error) {
	results, err := p.request(ctx, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(nextHandle("session")),
	})
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	if p.session, err = sessionHandle(results); err != nil {
		return 0, err
	}
	p.log.Debug().Str("session", string(p.session)).Msg("Created portal session")

	opts := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(uint32(portalSourceMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(portalCursorEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(portalPersistSession)),
	}
	if p.token != "" {
		opts["restore_token"] = dbus.MakeVariant(p.token)
	}
	if _, err := p.request(ctx, "SelectSources", opts, p.session); err != nil {
		return 0, fmt.Errorf("select sources: %w", err)
	}

	results, err = p.request(ctx, "Start", map[string]dbus.Variant{}, p.session, "")
	if err != nil {
		return 0, fmt.Errorf("start: %w", err)
	}
	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != p.token {
			p.token = token
			if err := saveRestoreToken(p.tokenPath, token); err != nil {
				p.log.Warn().Err(err).Msg("Restore token not saved")
			}
		}
	}

	node, err := streamNode(results)
	if err != nil {
		return 0, err
	}
	p.log.Info().Uint32("node_id", node).Msg("Screen cast started")
	return node, nil
}

// openRemote returns a PipeWire connection that can see the granted node.
func (p *portal) openRemote() (*os.File, error) {
	var fd dbus.UnixFD
	err := p.conn.Object(portalService, portalPath).
		Call(screenCastIface+".OpenPipeWireRemote", 0, p.session, map[string]dbus.Variant{}).
		Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("open pipewire remote: %w", err)
	}
	return os.NewFile(uintptr(fd), "pipewire-remote"), nil
}

// request calls a ScreenCast method that answers through a Request object
// and waits for its Response signal. args precede the options map.
func (p *portal) request(ctx context.Context, method string, opts map[string]dbus.Variant, args ...any) (map[string]dbus.Variant, error) {
	opts["handle_token"] = dbus.MakeVariant(nextHandle(method))

	// subscribe before calling so a fast response is not missed
	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	call := p.conn.Object(portalService, portalPath).
		CallWithContext(ctx, screenCastIface+"."+method, 0, append(args, opts)...)
	if err := call.Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	p.log.Debug().Str("method", method).Str("request_path", string(requestPath)).Msg("Waiting for portal response")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sig := <-signals:
			if sig.Path == requestPath && sig.Name == requestIface+".Response" {
				return parseResponse(sig)
			}
		}
	}
}

func (p *portal) close() error {
	if p.session != "" {
		p.conn.Object(portalService, p.session).Call(sessionIface+".Close", 0)
		p.session = ""
	}
	return p.conn.Close()
}

func nextHandle(prefix string) string {
	return fmt.Sprintf("layercast_%s_%d_%d", prefix, os.Getpid(), handleSeq.Add(1))
}

// parseResponse decodes a Request.Response signal body (u, a{sv}).
func parseResponse(sig *dbus.Signal) (map[string]dbus.Variant, error) {
	if len(sig.Body) < 2 {
		return nil, errors.New("invalid portal response")
	}
	code, ok := sig.Body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid portal response code %T", sig.Body[0])
	}
	results, _ := sig.Body[1].(map[string]dbus.Variant)
	switch code {
	case 0:
		return results, nil
	case 1:
		return nil, ErrPortalCancelled
	default:
		return nil, fmt.Errorf("portal request failed (code %d)", code)
	}
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", errors.New("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type %T", h)
	}
}

// streamNode returns the node id of the first stream in a Start response.
// streams is a(ua{sv}).
func streamNode(results map[string]dbus.Variant) (uint32, error) {
	v, ok := results["streams"]
	if !ok {
		return 0, errors.New("no streams in response")
	}
	switch streams := v.Value().(type) {
	case [][]any:
		if len(streams) > 0 && len(streams[0]) > 0 {
			if node, ok := streams[0][0].(uint32); ok {
				return node, nil
			}
		}
	case []any:
		if len(streams) > 0 {
			if stream, ok := streams[0].([]any); ok && len(stream) > 0 {
				if node, ok := stream[0].(uint32); ok {
					return node, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("unexpected streams value %v", v)
}

type restoreToken struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t restoreToken
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveRestoreToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(restoreToken{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
