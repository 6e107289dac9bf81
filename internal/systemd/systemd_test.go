package systemd

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNoOpWithoutNotifySocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if IsRunningUnderSystemd() {
		t.Error("IsRunningUnderSystemd with empty NOTIFY_SOCKET")
	}
	if NotifyReady(nopLogger()) {
		t.Error("NotifyReady reported delivery")
	}
	if NotifyStopping(nopLogger()) {
		t.Error("NotifyStopping reported delivery")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartWatchdog(ctx, nopLogger(), func() bool { return true })
}
