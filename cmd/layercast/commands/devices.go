package commands

import (
	"encoding/json"
	"fmt"

	"github.com/bryanchriswhite/LayerCast/internal/device"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices",
	Long: `List the X11 screens, top-level windows and V4L2 webcams that can be
used as sources.

Screen and window geometry can be copied into a desktop source's
width/height/offset_x/offset_y; webcam paths go into a webcam source's device.`,
	Example: `  # List devices in table format (default)
  layercast devices

  # List devices in JSON format
  layercast devices --format json`,
	RunE: runDevices,
}

var devicesFormat string

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
}

func runDevices(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	devices := device.List(cfg.Display)
	out := cmd.OutOrStdout()

	switch devicesFormat {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	case "table":
		if len(devices) == 0 {
			fmt.Fprintln(out, "No capture devices found")
			return nil
		}
		fmt.Fprintln(out, renderDevices(devices))
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", devicesFormat)
	}
}
