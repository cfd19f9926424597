package source

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/bryanchriswhite/LayerCast/internal/cmdline"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
)

// DefaultPipeWireCommand reads the portal-granted node through the remote
// passed as fd 3 and writes scaled BGR24 frames to stdout.
const DefaultPipeWireCommand = "gst-launch-1.0 -q pipewiresrc fd={fd} path={node} do-timestamp=true ! " +
	"videoconvert ! videoscale ! videorate ! " +
	"video/x-raw,format=BGR,width={width},height={height},framerate={fps}/1 ! " +
	"fdsink fd=1 sync=false"

// NewPipeWireDesktop creates a desktop source for Wayland sessions. On
// start the screen is requested through xdg-desktop-portal and captured
// with a GStreamer subprocess. cfg.Command overrides the pipeline template;
// it may use {node} and {fd} besides the usual placeholders.
func NewPipeWireDesktop(opts Options, cfg CaptureConfig) (*Stream, error) {
	command := cfg.Command
	if command == "" {
		command = DefaultPipeWireCommand
	}
	cfg = cfg.withDefaults(KindDesktop)

	w, h := opts.Bounds.Dx(), opts.Bounds.Dy()
	p := &pipewireProducer{
		template:  command,
		tokenPath: PortalTokenPath(),
		vars: map[string]string{
			"width":  strconv.Itoa(w),
			"height": strconv.Itoa(h),
			"fps":    strconv.Itoa(cfg.FPS),
		},
	}
	s, err := newStream(KindDesktop, opts, false, p)
	if err != nil {
		return nil, err
	}
	p.log = logger.WithSource("pipewire", s.id, string(KindDesktop))
	return s, nil
}

// pipewireProducer negotiates the portal session, then runs the capture
// process like any other external capture.
type pipewireProducer struct {
	captureProducer

	template  string
	vars      map[string]string
	tokenPath string

	portal *portal
	remote *os.File
}

func (p *pipewireProducer) open(ctx context.Context) error {
	portal, err := openPortal(p.tokenPath)
	if err != nil {
		return err
	}
	node, err := portal.screenCast(ctx)
	if err != nil {
		portal.close()
		return err
	}
	remote, err := portal.openRemote()
	if err != nil {
		portal.close()
		return err
	}
	p.portal, p.remote = portal, remote

	argv, err := pipewireArgv(p.template, p.vars, node)
	if err != nil {
		p.close()
		return err
	}
	p.argv = argv
	p.extraFiles = []*os.File{remote}
	if err := p.captureProducer.open(ctx); err != nil {
		p.close()
		return err
	}
	return nil
}

func (p *pipewireProducer) close() error {
	err := p.captureProducer.close()
	if p.remote != nil {
		p.remote.Close()
		p.remote = nil
	}
	if p.portal != nil {
		err = errors.Join(err, p.portal.close())
		p.portal = nil
	}
	return err
}

// pipewireArgv expands the capture template for a granted node. The remote
// is always the first inherited file.
func pipewireArgv(template string, vars map[string]string, node uint32) ([]string, error) {
	all := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		all[k] = v
	}
	all["node"] = strconv.FormatUint(uint64(node), 10)
	all["fd"] = "3"
	return cmdline.Expand(template, all)
}
