package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session without the HTTP server",
	Long: `Run one recording session in the foreground.

The session stops on Ctrl+C, when --duration elapses, or when the encoder
fails. A summary is printed at the end.`,
	Example: `  # Record to the configured output until Ctrl+C
  layercast record

  # Record 30 seconds to a file
  layercast record --output demo.flv --duration 30s

  # Stream to an RTMP server
  layercast record --output rtmp://live.example.com/app/key`,
	RunE: runRecord,
}

var (
	recordOutput   string
	recordDuration time.Duration
)

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "encoder output, overrides encoder.output")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if recordOutput != "" {
		cfg.Encoder.Output = recordOutput
	}
	log := logger.WithComponent("record")

	pub := connectPublisher(cfg)
	if pub != nil {
		defer pub.Disconnect()
	}
	sess, err := newSession(cfg, pub)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("output", cfg.Encoder.Output).Dur("duration", recordDuration).Msg("Recording")

	var timeout <-chan time.Time
	if recordDuration > 0 {
		t := time.NewTimer(recordDuration)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Interrupted")
	case <-timeout:
	case <-sess.Done():
	}

	if err := sess.Stop(); err != nil {
		log.Warn().Err(err).Msg("Session stopped with errors")
	}

	st := sess.Status()
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
	if st.Encoder.Error != "" {
		return fmt.Errorf("recording failed: %s", st.Encoder.Error)
	}
	return nil
}
