// Package systemd reports companion readiness and liveness to a service
// manager speaking the sd_notify protocol. Every call is a no-op when
// NOTIFY_SOCKET is unset, which is the case under Android init.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends READY=1 once the companion socket is listening.
// It reports whether a notification was delivered.
func NotifyReady(logger *slog.Logger) bool {
	return notify(logger, daemon.SdNotifyReady, "ready")
}

// NotifyStopping sends STOPPING=1 at the start of shutdown.
func NotifyStopping(logger *slog.Logger) bool {
	return notify(logger, daemon.SdNotifyStopping, "stopping")
}

func notify(logger *slog.Logger, state, name string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("failed to send service manager notification",
			slog.String("state", name),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		logger.Debug("sent service manager notification", slog.String("state", name))
	}
	return sent
}

// HealthCheckFunc reports whether the companion is healthy.
type HealthCheckFunc func() bool

// StartWatchdog pings the watchdog every half interval while healthy
// returns true, until ctx ends. It returns immediately when no watchdog is
// configured.
func StartWatchdog(ctx context.Context, logger *slog.Logger, healthy HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		logger.Debug("watchdog not enabled")
		return
	}

	ping := interval / 2
	logger.Info("starting watchdog", slog.Duration("interval", interval))
	go watchdogLoop(ctx, logger, ping, healthy)
}

func watchdogLoop(ctx context.Context, logger *slog.Logger, interval time.Duration, healthy HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthy() {
				logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog ping", slog.String("error", err.Error()))
			}
		}
	}
}

// IsRunningUnderSystemd reports whether NOTIFY_SOCKET is set.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
