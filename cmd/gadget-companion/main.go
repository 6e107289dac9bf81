// gadget-companion is the privileged half of gadgetd.
//
// It runs as root for the lifetime of the device session and listens on a
// unix socket. Each connection is one specializing app process asking
// whether it is the injection target; for the target, the companion copies
// the agent (and optional override) into the app's private directory.
//
// Lifecycle:
//  1. Load settings (-settings, default /data/adb/gadgetd/companion.yaml)
//  2. Resolve the agent architecture and probe the host
//  3. Open the delivery ledger, connect the event feed, start the sweeper
//  4. Listen, notify the service manager, serve until SIGTERM/SIGINT
//  5. Coordinated shutdown with timeout
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/doughall/gadgetd/internal/arch"
	"github.com/doughall/gadgetd/internal/artifact"
	"github.com/doughall/gadgetd/internal/companion"
	"github.com/doughall/gadgetd/internal/config"
	"github.com/doughall/gadgetd/internal/events"
	"github.com/doughall/gadgetd/internal/ledger"
	"github.com/doughall/gadgetd/internal/logging"
	"github.com/doughall/gadgetd/internal/shutdown"
	"github.com/doughall/gadgetd/internal/sweeper"
	"github.com/doughall/gadgetd/internal/systemd"
	"github.com/doughall/gadgetd/internal/version"
)

const (
	shutdownTimeout = 10 * time.Second
	connectTimeout  = 5 * time.Second
)

func main() {
	settingsPath := flag.String("settings", config.DefaultSettingsPath, "path to companion settings")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info("gadget-companion"))
		os.Exit(0)
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load settings from %s: %v\n", *settingsPath, err)
		os.Exit(1)
	}

	logger := logging.SetupLogger(settings.LogLevel)
	if err := run(settings, logger); err != nil {
		logger.Error("companion failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(settings *config.Settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	target, err := arch.Resolve(settings.Arch)
	if err != nil {
		return err
	}
	host := arch.Probe(ctx)
	logger.Info("companion starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("arch", target.String()),
		slog.String("kernel_arch", host.KernelArch),
		slog.String("platform", host.Platform),
		slog.String("platform_version", host.PlatformVersion),
		slog.String("kernel", host.KernelVersion),
		slog.String("module_dir", settings.ModuleDir),
		slog.String("socket", settings.SocketPath),
	)
	if host.Mismatch(target) {
		logger.Warn("agent architecture does not match the kernel",
			slog.String("arch", target.String()),
			slog.String("kernel_arch", host.KernelArch),
		)
	}

	coordinator := shutdown.NewCoordinator(logger)

	if err := os.MkdirAll(filepath.Dir(settings.LedgerPath), 0700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	deliveries, err := ledger.Open(settings.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	coordinator.Register("ledger", shutdown.Closer(deliveries.Close))
	if n, err := deliveries.Count(); err == nil && n > 0 {
		logger.Info("ledger has pending deliveries", slog.Int("count", n))
	}

	opts := companion.Options{
		ModuleDir: settings.ModuleDir,
		Resolver:  artifact.NewResolver(settings.Family, target),
		Copier:    companion.NewCopier(settings.DataRoot),
		Ledger:    deliveries,
	}

	if settings.EventsEnabled() {
		feed := events.NewClient(events.Config{
			URL:      settings.NATSURL,
			NKeySeed: settings.NATSNKeySeed,
			Subject:  settings.NATSSubject,
		}, logging.WithComponent(logger, "events"))
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := feed.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("event feed unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			opts.Events = feed
			coordinator.Register("events", feed)
		}
	}

	if settings.SweepEnabled() {
		maxAge, err := settings.MaxAge()
		if err != nil {
			return err
		}
		sw, err := sweeper.New(deliveries, settings.SweepSchedule, maxAge, logger)
		if err != nil {
			return fmt.Errorf("invalid sweep_schedule: %w", err)
		}
		sw.Start()
		coordinator.Register("sweeper", sw)
	}

	exec := companion.New(opts, logger)
	server := companion.NewServer(exec, logger)

	ln, err := companion.Listen(settings.SocketPath)
	if err != nil {
		return err
	}
	coordinator.Register("server", server)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	systemd.NotifyReady(logger)
	systemd.StartWatchdog(ctx, logger, func() bool { return ctx.Err() == nil })

	var result error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			result = fmt.Errorf("listener failed: %w", err)
		}
	}

	systemd.NotifyStopping(logger)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown completed with errors", slog.String("error", err.Error()))
	}

	served, aborted := server.Stats()
	logger.Info("companion stopped", slog.Int64("served", served), slog.Int64("aborted", aborted))
	return result
}
