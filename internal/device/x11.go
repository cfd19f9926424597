package device

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xinerama"
	"github.com/BurntSushi/xgb/xproto"
)

// Screens lists the physical monitors through Xinerama, falling back to the
// default screen when the extension is missing or inactive.
func Screens(display string) ([]Descriptor, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	screen := xproto.Setup(conn).DefaultScreen(conn)
	fallback := []Descriptor{{
		Kind:   KindScreen,
		ID:     "screen-0",
		Name:   "default",
		Width:  int(screen.WidthInPixels),
		Height: int(screen.HeightInPixels),
	}}

	if err := xinerama.Init(conn); err != nil {
		return fallback, nil
	}
	active, err := xinerama.IsActive(conn).Reply()
	if err != nil || active.State == 0 {
		return fallback, nil
	}
	reply, err := xinerama.QueryScreens(conn).Reply()
	if err != nil || len(reply.ScreenInfo) == 0 {
		return fallback, nil
	}

	out := make([]Descriptor, 0, len(reply.ScreenInfo))
	for i, s := range reply.ScreenInfo {
		out = append(out, Descriptor{
			Kind:   KindScreen,
			ID:     fmt.Sprintf("screen-%d", i),
			Name:   fmt.Sprintf("monitor %d", i),
			X:      int(s.XOrg),
			Y:      int(s.YOrg),
			Width:  int(s.Width),
			Height: int(s.Height),
		})
	}
	return out, nil
}

// Windows lists managed top-level windows from _NET_CLIENT_LIST with their
// position in root coordinates.
func Windows(display string) ([]Descriptor, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	root := xproto.Setup(conn).DefaultScreen(conn).Root
	x := &x11Conn{conn: conn, root: root}

	clientList, err := x.atom("_NET_CLIENT_LIST")
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST atom: %w", err)
	}
	reply, err := xproto.GetProperty(conn, false, root, clientList,
		xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST property: %w", err)
	}

	var out []Descriptor
	for _, id := range decodeWindowList(reply.Value) {
		d, ok := x.describe(xproto.Window(id))
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

type x11Conn struct {
	conn *xgb.Conn
	root xproto.Window
}

func (x *x11Conn) describe(win xproto.Window) (Descriptor, bool) {
	geom, err := xproto.GetGeometry(x.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return Descriptor{}, false
	}
	pos, err := xproto.TranslateCoordinates(x.conn, win, x.root, 0, 0).Reply()
	if err != nil {
		return Descriptor{}, false
	}

	title := x.property(win, "_NET_WM_NAME")
	if title == "" {
		title = x.property(win, "WM_NAME")
	}
	class := parseWMClass(x.property(win, "WM_CLASS"))
	if title == "" && class == "" {
		return Descriptor{}, false
	}

	name := title
	if class != "" {
		name = fmt.Sprintf("%s [%s]", title, class)
	}
	return Descriptor{
		Kind:   KindWindow,
		ID:     fmt.Sprintf("0x%x", uint32(win)),
		Name:   strings.TrimSpace(name),
		X:      int(pos.DstX),
		Y:      int(pos.DstY),
		Width:  int(geom.Width),
		Height: int(geom.Height),
	}, true
}

func (x *x11Conn) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(x.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

func (x *x11Conn) property(win xproto.Window, name string) string {
	a, err := x.atom(name)
	if err != nil {
		return ""
	}
	reply, err := xproto.GetProperty(x.conn, false, win, a,
		xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil || reply.ValueLen == 0 {
		return ""
	}
	return string(reply.Value)
}

// decodeWindowList parses a CARDINAL[] of little-endian 32-bit window ids.
func decodeWindowList(b []byte) []uint32 {
	ids := make([]uint32, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		ids = append(ids, binary.LittleEndian.Uint32(b[i:]))
	}
	return ids
}

// parseWMClass returns the class half of "instance\x00class\x00", falling
// back to the instance.
func parseWMClass(raw string) string {
	parts := strings.Split(raw, "\x00")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return parts[0]
}
