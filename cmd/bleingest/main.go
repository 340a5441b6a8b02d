package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitalbeacon/bleingest/internal/config"
	"github.com/vitalbeacon/bleingest/internal/engine"
	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bleingest/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	printBanner(cfg)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	tr := transport.NewTinygoTransport()
	sink := &consoleSink{log: logger}
	eng := engine.New(tr, cfg, sink, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("starting engine: %v", err)
	}
	logger.Info("engine running, press Ctrl+C to stop")

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout())
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Fatalf("stopping engine: %v", err)
	}
	logger.Info("goodbye")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("no config file found, using defaults")
	return config.Default(), nil
}

func printBanner(cfg *config.Config) {
	fmt.Println("=== bleingest ===")
	fmt.Printf("  Scan restart max:   %d\n", cfg.ScanRestartMax)
	fmt.Printf("  Connect timeout:    %v\n", cfg.ConnectTimeout())
	fmt.Printf("  Reconnect backoff:  %v\n", cfg.ReconnectBackoff())
	fmt.Printf("  Smart disconnect:   %v\n", cfg.SmartDisconnect)
	fmt.Printf("  Concurrent connects: %d\n", cfg.ConcurrentConnects)
	fmt.Printf("  Log level:          %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleSink writes every engine event to structured logs. It is the
// built-in EventSink used when no embedding application supplies its own.
type consoleSink struct {
	log *slog.Logger
}

var _ model.EventSink = (*consoleSink)(nil)

func (s *consoleSink) OnMeasurement(ev model.MeasurementEvent) {
	switch ev.Kind {
	case model.MeasurementBloodPressure:
		m := ev.BloodPressure
		hr := "n/a"
		if m.HeartRate != nil {
			hr = fmt.Sprintf("%.0f", *m.HeartRate)
		}
		s.log.Info("blood pressure measurement",
			"handle", ev.Handle, "systolic", m.Systolic, "diastolic", m.Diastolic,
			"heart_rate", hr, "valid", ev.Valid, "normal", m.InNormalRange)
	case model.MeasurementTemperature:
		m := ev.Temperature
		s.log.Info("temperature measurement",
			"handle", ev.Handle, "temperature", m.Temperature, "unit", m.Unit,
			"valid", ev.Valid, "normal", m.InNormalRange)
	}
}

func (s *consoleSink) OnStatus(ev model.StatusEvent) {
	s.log.Info("connection status", "handle", ev.Handle, "status", ev.Status, "error", ev.Err)
}

func (s *consoleSink) OnDiscovery(ev model.DiscoveryEvent) {
	s.log.Info("device discovered", "handle", ev.Handle, "kind", ev.Kind, "rssi", ev.RSSI)
}

func (s *consoleSink) OnEngineStatus(ev model.EngineStatusEvent) {
	s.log.Warn("engine status", "kind", ev.Kind, "handle", ev.Handle, "error", ev.Err)
}
