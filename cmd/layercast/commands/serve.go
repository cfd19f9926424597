package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/api"
	"github.com/bryanchriswhite/LayerCast/internal/config"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/bryanchriswhite/LayerCast/internal/notify"
	"github.com/bryanchriswhite/LayerCast/internal/session"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the LayerCast server",
	Long: `Start the LayerCast HTTP server.

The server builds the configured sources and exposes a REST API, a websocket
status stream and an MJPEG preview. Recording sessions are started and
stopped through the API, or immediately when encoder.auto_start is set.`,
	Example: `  # Start server on default port (8080)
  layercast serve

  # Start server on custom port
  layercast serve --port 9090

  # Start with specific config file
  layercast serve --config /path/to/config.yaml

  # Start with debug logging
  layercast serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	pub := connectPublisher(cfg)
	if pub != nil {
		defer pub.Disconnect()
	}

	sess, err := newSession(cfg, pub)
	if err != nil {
		return err
	}
	defer sess.Stop()

	server := api.NewServer(sess, configMgr)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ServerPort)
	}()

	if cfg.Encoder.AutoStart {
		if err := sess.Start(context.Background()); err != nil {
			log.Error().Err(err).Msg("Auto-start failed")
		}
	}

	log.Info().
		Str("ui", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("LayerCast is running, press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("Shutting down gracefully")
	if err := sess.Stop(); err != nil {
		log.Warn().Err(err).Msg("Session stopped with errors")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// newSession builds the session, publishing status through pub when set.
func newSession(cfg *config.Config, pub *notify.Publisher) (*session.Session, error) {
	var opts []session.Option
	if pub != nil {
		opts = append(opts, session.WithPublisher(pub))
	}
	sess, err := session.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build session: %w", err)
	}
	return sess, nil
}

// connectPublisher dials the configured MQTT broker. It returns nil when
// MQTT is disabled. A failed connect is logged; the client keeps retrying.
func connectPublisher(cfg *config.Config) *notify.Publisher {
	if cfg.MQTT.Broker == "" {
		return nil
	}
	pub := notify.New(notify.Config{
		Broker:   cfg.MQTT.Broker,
		Topic:    cfg.MQTT.Topic,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pub.Connect(ctx); err != nil {
		logger.WithComponent("mqtt").Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT connect failed")
	}
	return pub
}
