// Command testimonyd runs the packet-capture multiplexer daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/testimony-project/testimony/internal/config"
	testimonyd "github.com/testimony-project/testimony/internal/daemon"
	appversion "github.com/testimony-project/testimony/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("testimonyd starting",
		slog.String("version", appversion.Version),
		slog.Int("listeners", len(cfg.Listeners)),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	d, err := testimonyd.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize daemon", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runWatchdog(ctx, logger)
	notifyReady(logger)

	if err := d.Run(ctx); err != nil {
		logger.Error("testimonyd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("testimonyd stopped")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.DefaultConfig(), nil
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return
	}
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}
