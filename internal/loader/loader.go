// Package loader implements the deferred load of the agent into the
// current process.
//
// After the process has specialized into the target app, the loader waits
// for the configured delay so the app's own startup can progress, maps the
// delivered agent into the process, and then removes the delivered files
// whether or not the load succeeded. Every failure is logged and swallowed:
// injection is best-effort and must never surface to the host app.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/doughall/gadgetd/internal/artifact"
)

// Opener maps a shared library into the current process.
type Opener interface {
	Open(path string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) error

// Open calls f(path).
func (f OpenerFunc) Open(path string) error { return f(path) }

// Job carries everything one load needs. It is passed by value into the
// background task, which then owns it.
type Job struct {
	Package       string
	AgentFilename string
	Delay         time.Duration
}

// Loader runs jobs against agents delivered under dataRoot.
type Loader struct {
	dataRoot string
	opener   Opener
	sleep    func(ctx context.Context, d time.Duration) bool
	logger   *slog.Logger
}

// New creates a Loader. dataRoot is normally /data/data. A nil logger
// discards output.
func New(dataRoot string, opener Opener, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{
		dataRoot: dataRoot,
		opener:   opener,
		sleep:    sleepContext,
		logger:   logger.With(slog.String("component", "loader")),
	}
}

// AgentPath returns where the companion delivered the agent for job.
func (l *Loader) AgentPath(job Job) string {
	return filepath.Join(l.dataRoot, job.Package, job.AgentFilename)
}

// Run executes job: sleep, load, remove. It never panics and returns
// nothing; outcomes are logged.
func (l *Loader) Run(ctx context.Context, job Job) {
	log := l.logger.With(
		slog.String("package", job.Package),
		slog.String("agent", job.AgentFilename),
	)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("loader panicked", slog.String("panic", fmt.Sprint(rec)))
		}
	}()

	if !l.sleep(ctx, job.Delay) {
		log.Debug("load cancelled before delay elapsed")
		return
	}

	path := l.AgentPath(job)
	if _, err := os.Stat(path); err != nil {
		log.Debug("agent not found", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	log.Debug("agent ready to load", slog.String("path", path))

	if err := l.open(path); err != nil {
		log.Debug("agent failed to load", slog.String("error", err.Error()))
	} else {
		log.Debug("agent loaded")
	}

	if err := Cleanup(filepath.Dir(path), job.AgentFilename); err != nil {
		log.Debug("cleanup incomplete", slog.String("error", err.Error()))
	}
}

// open isolates panics from the opener so cleanup still runs.
func (l *Loader) open(path string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("opener panicked: %v", rec)
		}
	}()
	return l.opener.Open(path)
}

// Cleanup removes the delivered agent and its override from dir. Files
// that are already gone are not an error, so Cleanup may run any number of
// times.
func Cleanup(dir, agentFilename string) error {
	var errs []error
	for _, name := range []string{agentFilename, artifact.OverrideName(agentFilename)} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sleepContext waits for d and reports whether it elapsed before ctx ended.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
