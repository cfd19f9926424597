package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	devDir   = "/dev"
	sysV4L2  = "/sys/class/video4linux"
	v4l2Glob = "video*"
)

// Webcams lists V4L2 video nodes. The human-readable name comes from sysfs
// when available.
func Webcams() ([]Descriptor, error) {
	return webcams(devDir, sysV4L2)
}

func webcams(dev, sys string) ([]Descriptor, error) {
	nodes, err := filepath.Glob(filepath.Join(dev, v4l2Glob))
	if err != nil {
		return nil, fmt.Errorf("glob video devices: %w", err)
	}
	sort.Strings(nodes)

	out := make([]Descriptor, 0, len(nodes))
	for _, node := range nodes {
		base := filepath.Base(node)
		name := base
		if raw, err := os.ReadFile(filepath.Join(sys, base, "name")); err == nil {
			if n := strings.TrimSpace(string(raw)); n != "" {
				name = n
			}
		}
		out = append(out, Descriptor{
			Kind: KindWebcam,
			ID:   base,
			Name: name,
			Path: node,
		})
	}
	return out, nil
}
