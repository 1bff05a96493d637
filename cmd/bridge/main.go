// Command bridge forwards a WebSocket (or MQTT) push feed onto a Kafka (or Pub/Sub) topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/illmade-knight/go-wsbridge/pkg/bridge"
	"github.com/illmade-knight/go-wsbridge/pkg/config"
	"github.com/illmade-knight/go-wsbridge/pkg/microservice"
	"github.com/illmade-knight/go-wsbridge/pkg/record"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run is the whole process: 0 on clean shutdown, 1 on configuration or
// non-retryable failure.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "config.toml", "path to the TOML configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger := zerolog.New(stdout).With().Timestamp().Logger()
		logger.Error().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
		return 1
	}

	logger := newLogger(cfg.Log, stdout)
	logger.Info().
		Str("source", cfg.Source.Driver).
		Str("destination", cfg.Destination.Driver).
		Str("topic", cfg.DestinationTopic()).
		Str("key_field", cfg.Destination.KeyField).
		Msg("Starting bridge")

	if err := runBridge(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Str("error_kind", types.Kind(err)).Msg("Bridge stopped with an error")
		return 1
	}
	logger.Info().Msg("Bridge stopped")
	return 0
}

func runBridge(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	openSub, err := subscriberOpener(cfg, logger)
	if err != nil {
		return err
	}
	openPub, err := publisherOpener(cfg, logger)
	if err != nil {
		return err
	}
	enc, err := record.NewEncoder(cfg.DestinationTopic(), cfg.Destination.KeyField)
	if err != nil {
		return errors.Join(types.ErrConfig, err)
	}

	sup, err := bridge.NewSupervisor(cfg.SupervisorConfig(), openSub, openPub, enc, logger)
	if err != nil {
		return err
	}

	if cfg.HTTP.Addr != "" {
		server := microservice.NewBaseServer(logger, cfg.HTTP.Addr, sup)
		if err := server.Start(); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	return sup.Run(ctx)
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "wsbridge").Logger()
}
