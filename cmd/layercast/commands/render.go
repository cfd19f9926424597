package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/device"
	"github.com/bryanchriswhite/LayerCast/internal/encoder"
	"github.com/bryanchriswhite/LayerCast/internal/session"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(12)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

func stateText(st session.Status) string {
	s := st.Encoder.State.String()
	switch st.Encoder.State {
	case encoder.Running:
		return okStyle.Render(s)
	case encoder.Error:
		return errStyle.Render(s + ": " + st.Encoder.Error)
	default:
		return s
	}
}

// renderStatus formats a session status for the terminal.
func renderStatus(st session.Status) string {
	lines := []string{
		titleStyle.Render("LayerCast session " + st.ID),
		field("encoder", stateText(st)),
		field("output", fmt.Sprintf("%dx%d@%d -> %s", st.Output.Width, st.Output.Height, st.Output.FPS, st.Encoder.Output)),
		field("frames", fmt.Sprintf("%d (%s)", st.Encoder.FramesWritten, formatBytes(st.Encoder.BytesWritten))),
		field("composite", fmt.Sprintf("%d ticks, %d skipped, %d overruns", st.Compositor.Ticks, st.Compositor.Skipped, st.Compositor.Overruns)),
	}
	if st.StartedAt != nil {
		end := time.Now()
		if st.StoppedAt != nil {
			end = *st.StoppedAt
		}
		lines = append(lines, field("duration", end.Sub(*st.StartedAt).Round(time.Millisecond).String()))
	}
	if st.MQTT != nil {
		lines = append(lines, field("mqtt", fmt.Sprintf("connected=%t published=%d errors=%d", st.MQTT.Connected, st.MQTT.Published, st.MQTT.Errors)))
	}

	t := newTable("ID", "NAME", "KIND", "BOUNDS", "Z", "ALPHA", "EFFECT", "STATE")
	for _, src := range st.Sources {
		state := "idle"
		if src.Running {
			state = "running"
		}
		if src.Error != "" {
			state = errStyle.Render(src.Error)
		}
		t.Row(
			src.ID,
			src.Name,
			string(src.Kind),
			fmt.Sprintf("%dx%d+%d+%d", src.Width, src.Height, src.X, src.Y),
			strconv.Itoa(src.ZOrder),
			strconv.FormatFloat(src.Alpha, 'f', 2, 64),
			src.Effect,
			state,
		)
	}
	return strings.Join(lines, "\n") + "\n" + t.Render()
}

// renderDevices formats the device list as a table.
func renderDevices(devices []device.Descriptor) string {
	t := newTable("KIND", "ID", "NAME", "GEOMETRY / PATH")
	for _, d := range devices {
		where := d.Path
		if d.Kind != device.KindWebcam {
			where = fmt.Sprintf("%dx%d+%d+%d", d.Width, d.Height, d.X, d.Y)
		}
		t.Row(string(d.Kind), d.ID, d.Name, where)
	}
	return t.Render()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
