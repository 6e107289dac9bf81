// Package companion implements the privileged side of the injection protocol.
//
// The companion runs as root in a long-lived process. For each connection it
// reads the injection config named by the client, tells the client which
// package is targeted, and, only if the client reports that it is that
// package, resolves the agent for the configured architecture and copies it
// (plus the optional override) into the app's private directory. It is the
// only component that writes into another app's data directory.
//
// Configuration problems and copy failures end the request quietly; the
// client then finds nothing to load. Wire errors abort the connection.
package companion

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doughall/gadgetd/internal/artifact"
	"github.com/doughall/gadgetd/internal/config"
	"github.com/doughall/gadgetd/internal/events"
	"github.com/doughall/gadgetd/internal/ledger"
	"github.com/doughall/gadgetd/internal/wire"
)

// ErrOutsideModuleDir is returned for config paths the companion refuses
// to read.
var ErrOutsideModuleDir = errors.New("config path outside module directory")

// Recorder persists deliveries for the residue sweeper.
type Recorder interface {
	Record(d ledger.Delivery) error
}

// Notifier receives delivery events for the operator feed.
type Notifier interface {
	PublishDelivery(d events.Delivery)
}

// Options configures an Executor.
type Options struct {
	// ModuleDir bounds the config paths clients may name.
	ModuleDir string
	// Resolver finds artifacts for the startup-resolved architecture.
	Resolver *artifact.Resolver
	// Copier performs the privileged copy.
	Copier *Copier
	// Ledger and Events are optional.
	Ledger Recorder
	Events Notifier
	// Now defaults to time.Now.
	Now func() time.Time
}

// Executor serves one protocol exchange per connection. It holds no
// per-connection state, so ServeConn may run concurrently.
type Executor struct {
	moduleDir string
	resolver  *artifact.Resolver
	copier    *Copier
	ledger    Recorder
	events    Notifier
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an Executor.
func New(opts Options, logger *slog.Logger) *Executor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		moduleDir: opts.ModuleDir,
		resolver:  opts.Resolver,
		copier:    opts.Copier,
		ledger:    opts.Ledger,
		events:    opts.Events,
		now:       now,
		logger:    logger.With(slog.String("component", "companion")),
	}
}

// ServeConn runs the protocol on conn. It returns nil when the exchange
// ended on any expected path (including config errors, identity mismatch
// and copy failures) and an error only when the channel itself failed.
// The caller closes conn.
func (e *Executor) ServeConn(conn io.ReadWriter) error {
	state := StateAwaitConfigPath
	fail := func(err error) error {
		return fmt.Errorf("%s: %w", state, err)
	}

	configPath, err := wire.ReadString(conn)
	if err != nil {
		return fail(err)
	}
	log := e.logger.With(slog.String("config_path", configPath))

	state = StateResolve
	inj, err := e.loadConfig(configPath)
	if err != nil {
		log.Warn("injection config unavailable",
			slog.String("error", err.Error()),
		)
		state = StateSendPackage
		if err := wire.WriteString(conn, ""); err != nil {
			return fail(err)
		}
		return nil
	}
	log = log.With(slog.String("package", inj.Package))

	state = StateSendPackage
	if err := wire.WriteString(conn, inj.Package); err != nil {
		return fail(err)
	}

	state = StateAwaitGate
	matches, err := wire.ReadBool(conn)
	if err != nil {
		return fail(err)
	}
	if !matches {
		log.Debug("process is not the target")
		return nil
	}

	state = StateSendDelay
	if err := wire.WriteUint32(conn, inj.DelayMicros); err != nil {
		return fail(err)
	}

	state = StateResolveArtifact
	dir := filepath.Dir(configPath)
	agent, err := e.resolver.Find(dir, artifact.RoleAgent)
	if err != nil {
		log.Error("agent resolution failed",
			slog.String("arch", e.resolver.Arch().String()),
			slog.String("error", err.Error()),
		)
		agent = ""
	} else if agent == "" {
		log.Warn("no agent for architecture",
			slog.String("arch", e.resolver.Arch().String()),
			slog.String("dir", dir),
		)
	}
	if err := wire.WriteString(conn, agent); err != nil {
		return fail(err)
	}
	if agent == "" {
		return nil
	}

	if inj.ConfigMode {
		state = StateCopyOverride
		e.copyOverride(log, dir, inj, agent)
	}

	state = StateCopyAgent
	e.deliver(log, inj, filepath.Join(dir, agent), agent, artifact.RoleAgent, agentMode)

	state = StateClose
	log.Info("injection prepared",
		slog.String("agent", agent),
		slog.Uint64("delay_us", uint64(inj.DelayMicros)),
		slog.Bool("config_mode", inj.ConfigMode),
	)
	return nil
}

// loadConfig refuses paths outside the module directory before reading.
func (e *Executor) loadConfig(path string) (*config.Injection, error) {
	if !e.allowed(path) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideModuleDir, path)
	}
	inj, err := config.LoadInjection(path)
	if err != nil {
		return nil, err
	}
	if !ValidPackage(inj.Package) {
		return nil, fmt.Errorf("%w: invalid package name %q", config.ErrParse, inj.Package)
	}
	return inj, nil
}

func (e *Executor) allowed(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(e.moduleDir), filepath.Clean(path))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *Executor) copyOverride(log *slog.Logger, dir string, inj *config.Injection, agent string) {
	override, err := e.resolver.Find(dir, artifact.RoleOverride)
	if err != nil {
		log.Error("override resolution failed", slog.String("error", err.Error()))
		return
	}
	if override == "" {
		log.Warn("config mode enabled but no override file found", slog.String("dir", dir))
		return
	}
	e.deliver(log, inj, filepath.Join(dir, override), artifact.OverrideName(agent), artifact.RoleOverride, overrideMode)
}

// deliver copies one file and reports it. Failures are logged only. The
// ledger entry carries the load delay so the sweeper leaves the file alone
// until the loader has had its chance.
func (e *Executor) deliver(log *slog.Logger, inj *config.Injection, src, name string, role artifact.Role, mode os.FileMode) {
	pkg := inj.Package
	dst, digest, err := e.copier.Deliver(src, pkg, name, mode)

	ev := events.Delivery{
		Package: pkg,
		Path:    dst,
		Role:    role.String(),
		Arch:    e.resolver.Arch().String(),
		Digest:  digest,
		OK:      err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
		log.Error("privileged copy failed",
			slog.String("role", role.String()),
			slog.String("source", src),
			slog.String("destination", dst),
			slog.String("error", err.Error()),
		)
	} else {
		log.Info("file delivered",
			slog.String("role", role.String()),
			slog.String("destination", dst),
			slog.String("digest", digest),
		)
		if e.ledger != nil {
			if err := e.ledger.Record(ledger.Delivery{
				Path:        dst,
				Package:     pkg,
				Role:        role.String(),
				Digest:      digest,
				DeliveredAt: e.now(),
				LoadDelay:   time.Duration(inj.DelayMicros) * time.Microsecond,
			}); err != nil {
				log.Warn("failed to record delivery", slog.String("error", err.Error()))
			}
		}
	}

	if e.events != nil {
		e.events.PublishDelivery(ev)
	}
}
