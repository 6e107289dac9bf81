// Package specializer is the in-process half of the injection protocol.
//
// The framework calls PreSpecialize while the process still has the
// privileges needed to reach the companion, and PostSpecialize once the
// process has become the target app. The agent asks the companion which
// package is targeted, compares it with its own identity and, on a match,
// remembers where the agent will be delivered. PostSpecialize hands that
// Session to the deferred loader in the background.
//
// Nothing here returns errors or panics into the host: failures are logged
// at debug level and end in no injection.
package specializer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/doughall/gadgetd/internal/loader"
	"github.com/doughall/gadgetd/internal/tasks"
	"github.com/doughall/gadgetd/internal/wire"
)

// DefaultConfigPath is where the module keeps its injection config.
const DefaultConfigPath = "/data/adb/modules/zygisk-gadget/config"

// Session is what PreSpecialize learned for this process.
type Session struct {
	ShouldInject  bool
	Package       string
	Delay         time.Duration
	AgentFilename string
}

// Options configures an Agent.
type Options struct {
	// ConfigPath is sent to the companion. Defaults to DefaultConfigPath.
	ConfigPath string
	// UnloadOnMismatch asks the host to unload the module from processes
	// that are not the target.
	UnloadOnMismatch bool
	Loader           *loader.Loader
	Tasks            *tasks.Registry
}

// Agent runs once per process.
type Agent struct {
	host             Host
	configPath       string
	unloadOnMismatch bool
	loader           *loader.Loader
	tasks            *tasks.Registry
	logger           *slog.Logger

	mu      sync.Mutex
	session *Session
}

// New creates an Agent. A nil logger discards output; only the companion
// logs operator-visible diagnostics.
func New(host Host, opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return &Agent{
		host:             host,
		configPath:       configPath,
		unloadOnMismatch: opts.UnloadOnMismatch,
		loader:           opts.Loader,
		tasks:            opts.Tasks,
		logger:           logger.With(slog.String("component", "specializer")),
	}
}

// PreSpecialize runs the exchange with the companion for a process about
// to become niceName.
func (a *Agent) PreSpecialize(niceName string) {
	log := a.logger.With(slog.String("identity", niceName))

	session, matched, err := a.exchange(niceName)
	if err != nil {
		log.Debug("companion exchange failed", slog.String("error", err.Error()))
		a.setSession(nil)
		a.host.RequestUnload()
		return
	}
	if !matched {
		a.setSession(nil)
		if a.unloadOnMismatch {
			a.host.RequestUnload()
		}
		return
	}
	if session.AgentFilename == "" {
		log.Debug("companion found no agent to deliver")
		a.setSession(nil)
		return
	}

	log.Debug("injection scheduled",
		slog.String("agent", session.AgentFilename),
		slog.Duration("delay", session.Delay),
	)
	a.setSession(session)
}

// exchange performs one lockstep conversation and always closes the
// channel.
func (a *Agent) exchange(niceName string) (s *Session, matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s, matched, err = nil, false, fmt.Errorf("exchange panicked: %v", rec)
		}
	}()

	conn, err := a.host.ConnectCompanion()
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	if err := wire.WriteString(conn, a.configPath); err != nil {
		return nil, false, fmt.Errorf("send config path: %w", err)
	}
	pkg, err := wire.ReadString(conn)
	if err != nil {
		return nil, false, fmt.Errorf("receive package: %w", err)
	}

	matched = pkg != "" && pkg == niceName
	if err := wire.WriteBool(conn, matched); err != nil {
		return nil, false, fmt.Errorf("send identity gate: %w", err)
	}
	if !matched {
		return nil, false, nil
	}

	delay, err := wire.ReadUint32(conn)
	if err != nil {
		return nil, false, fmt.Errorf("receive delay: %w", err)
	}
	agent, err := wire.ReadString(conn)
	if err != nil {
		return nil, false, fmt.Errorf("receive agent filename: %w", err)
	}

	return &Session{
		ShouldInject:  true,
		Package:       pkg,
		Delay:         time.Duration(delay) * time.Microsecond,
		AgentFilename: agent,
	}, true, nil
}

// PostSpecialize schedules the deferred load if PreSpecialize matched.
// It never blocks on the load and returns the scheduled task, or nil.
func (a *Agent) PostSpecialize() *tasks.Task {
	s := a.takeSession()
	if s == nil || !s.ShouldInject {
		return nil
	}
	if a.loader == nil || a.tasks == nil {
		a.logger.Debug("no loader configured, skipping injection")
		return nil
	}

	job := loader.Job{
		Package:       s.Package,
		AgentFilename: s.AgentFilename,
		Delay:         s.Delay,
	}
	l := a.loader
	return a.tasks.Go("load:"+job.Package, func(ctx context.Context) {
		l.Run(ctx, job)
	})
}

// Session returns a copy of the pending session without consuming it.
func (a *Agent) Session() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return Session{}, false
	}
	return *a.session, true
}

func (a *Agent) setSession(s *Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

func (a *Agent) takeSession() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.session
	a.session = nil
	return s
}
