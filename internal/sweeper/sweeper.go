// Package sweeper removes delivered files that were never consumed.
//
// A file copied into an app directory is normally deleted by the loader
// once the app starts. If the app never starts, the file stays behind. The
// sweeper runs on a cron schedule, removes files whose load has been due
// for longer than the configured age and forgets them.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doughall/gadgetd/internal/ledger"
)

// Store is the part of the ledger the sweeper needs.
type Store interface {
	DueBefore(cutoff time.Time) ([]ledger.Delivery, error)
	Forget(path string) error
}

// Sweeper periodically removes residue.
type Sweeper struct {
	store  Store
	maxAge time.Duration
	cron   *cron.Cron
	now    func() time.Time
	logger *slog.Logger
}

// Parser accepts standard 5-field expressions and descriptors such as
// "@every 10m".
var Parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a sweeper running on schedule.
func New(store Store, schedule string, maxAge time.Duration, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:  store,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With(slog.String("component", "sweeper")),
	}
	s.cron = cron.New(cron.WithParser(Parser))
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.logger.Info("sweeper started", slog.Duration("max_age", s.maxAge))
	s.cron.Start()
}

// Sweep removes every delivery whose load has been due for longer than the
// max age and returns how many entries were cleared. Files still waiting
// out their load delay are never touched.
func (s *Sweeper) Sweep() int {
	cutoff := s.now().Add(-s.maxAge)
	stale, err := s.store.DueBefore(cutoff)
	if err != nil {
		s.logger.Error("failed to query ledger", slog.String("error", err.Error()))
		return 0
	}
	if len(stale) == 0 {
		s.logger.Debug("no residue")
		return 0
	}

	cleared := 0
	for _, d := range stale {
		log := s.logger.With(
			slog.String("path", d.Path),
			slog.String("package", d.Package),
		)
		if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove residue", slog.String("error", err.Error()))
			continue
		}
		if err := s.store.Forget(d.Path); err != nil {
			log.Warn("failed to forget delivery", slog.String("error", err.Error()))
			continue
		}
		cleared++
	}

	s.logger.Info("residue swept", slog.Int("cleared", cleared), slog.Int("stale", len(stale)))
	return cleared
}

// Shutdown stops the schedule and waits for a running sweep.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
