// Package config provides configuration management for gadgetd.
//
// Two documents live here:
//   - Settings: the companion daemon's own YAML settings, loaded with koanf v2
//     and saved with yaml.v3 (see DefaultSettingsPath).
//   - Injection: the JSON injection config that the config tool writes next
//     to the agent artifacts and the companion reads once per connection
//     (see injection.go).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/gadgetd/internal/arch"
)

// DefaultSettingsPath is the default location for the companion settings file.
const DefaultSettingsPath = "/data/adb/gadgetd/companion.yaml"

// Defaults for optional settings.
const (
	DefaultSocketPath    = "/dev/socket/gadgetd.sock"
	DefaultModuleDir     = "/data/adb/modules/zygisk-gadget"
	DefaultDataRoot      = "/data/data"
	DefaultFamily        = "frida-gadget"
	DefaultSweepSchedule = "@every 10m"
	SweepOff             = "off"
	DefaultSweepMaxAge   = "30m"
	DefaultNATSSubject   = "gadgetd.delivery"
)

// Settings holds the companion daemon configuration.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Settings struct {
	// SocketPath is the unix socket the companion listens on.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// ModuleDir is the directory holding the injection config and the agent
	// artifacts. Config paths sent by clients must resolve inside it.
	ModuleDir string `koanf:"module_dir" yaml:"module_dir"`

	// DataRoot is the parent of every app's private directory.
	DataRoot string `koanf:"data_root" yaml:"data_root"`

	// Family is the agent filename prefix (e.g. "frida-gadget").
	Family string `koanf:"family" yaml:"family"`

	// Arch overrides the architecture of the delivered agent.
	// Empty means the architecture this binary was built for.
	Arch string `koanf:"arch" yaml:"arch"`

	// LogLevel: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// LedgerPath is the bbolt database recording delivered files.
	// Default: ledger.db next to the settings file.
	LedgerPath string `koanf:"ledger_path" yaml:"ledger_path"`

	// SweepSchedule is a cron expression for the residue sweeper.
	// "off" disables sweeping.
	SweepSchedule string `koanf:"sweep_schedule" yaml:"sweep_schedule"`

	// SweepMaxAge is how long a delivered file may stay unconsumed.
	SweepMaxAge string `koanf:"sweep_max_age" yaml:"sweep_max_age"`

	// NATSURL enables the delivery event feed when set.
	NATSURL string `koanf:"nats_url" yaml:"nats_url"`

	// NATSNKeySeed authenticates to NATS (seed starting with SU).
	NATSNKeySeed string `koanf:"nats_nkey_seed" yaml:"nats_nkey_seed"`

	// NATSSubject is the subject prefix; the package name is appended.
	NATSSubject string `koanf:"nats_subject" yaml:"nats_subject"`
}

// Validation errors returned by LoadSettings.
var (
	ErrRelativePath   = errors.New("socket_path, module_dir, data_root and ledger_path must be absolute")
	ErrInvalidFamily  = errors.New("family must not contain path separators")
	ErrNKeyWithoutURL = errors.New("nats_nkey_seed requires nats_url")
)

// DefaultSettings returns settings with every default applied. The ledger
// is placed next to DefaultSettingsPath.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.applyDefaults(DefaultSettingsPath)
	return s
}

// LoadSettings reads settings from the YAML file at path.
// A missing file is not an error: the companion must start on a fresh
// install, so defaults are used.
func LoadSettings(path string) (*Settings, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load settings from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat settings %s: %w", path, err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	s.applyDefaults(path)

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// applyDefaults sets default values for optional fields.
func (s *Settings) applyDefaults(path string) {
	if s.SocketPath == "" {
		s.SocketPath = DefaultSocketPath
	}
	if s.ModuleDir == "" {
		s.ModuleDir = DefaultModuleDir
	}
	if s.DataRoot == "" {
		s.DataRoot = DefaultDataRoot
	}
	if s.Family == "" {
		s.Family = DefaultFamily
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LedgerPath == "" {
		s.LedgerPath = filepath.Join(filepath.Dir(path), "ledger.db")
	}
	if s.SweepMaxAge == "" {
		s.SweepMaxAge = DefaultSweepMaxAge
	}
	if s.NATSSubject == "" {
		s.NATSSubject = DefaultNATSSubject
	}
	if s.SweepSchedule == "" {
		s.SweepSchedule = DefaultSweepSchedule
	}
}

// validate checks required fields and parses the ones with syntax.
func (s *Settings) validate() error {
	for _, p := range []string{s.SocketPath, s.ModuleDir, s.DataRoot, s.LedgerPath} {
		if !filepath.IsAbs(p) {
			return ErrRelativePath
		}
	}
	if strings.ContainsRune(s.Family, '/') {
		return ErrInvalidFamily
	}
	if _, err := arch.Resolve(s.Arch); err != nil {
		return fmt.Errorf("invalid arch: %w", err)
	}
	if s.SweepEnabled() {
		if _, err := cron.ParseStandard(s.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep_schedule %q: %w", s.SweepSchedule, err)
		}
	}
	if _, err := s.MaxAge(); err != nil {
		return err
	}
	if s.NATSNKeySeed != "" && s.NATSURL == "" {
		return ErrNKeyWithoutURL
	}
	return nil
}

// MaxAge parses SweepMaxAge.
func (s *Settings) MaxAge() (time.Duration, error) {
	d, err := time.ParseDuration(s.SweepMaxAge)
	if err != nil {
		return 0, fmt.Errorf("invalid sweep_max_age %q: %w", s.SweepMaxAge, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sweep_max_age must be positive, got %s", s.SweepMaxAge)
	}
	return d, nil
}

// SaveSettings writes the settings to the YAML file at path.
// The file is created with 0600 permissions as it may hold the NKey seed.
func SaveSettings(path string, s *Settings) error {
	data, err := goyaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings to %s: %w", path, err)
	}
	return nil
}

// SweepEnabled returns true unless the sweeper is switched off.
func (s *Settings) SweepEnabled() bool {
	return s.SweepSchedule != SweepOff
}

// EventsEnabled returns true if the NATS event feed is configured.
func (s *Settings) EventsEnabled() bool {
	return s.NATSURL != ""
}
