package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// InjectionFileName is the name of the injection config inside the module
// directory.
const InjectionFileName = "config"

// DisabledPackage is written by the config tool to switch injection off.
// It is a valid, non-empty name that no installed app carries.
const DisabledPackage = "gadgetd.disabled"

// Injection is the JSON injection config:
//
//	{ "package": { "name": "<string>", "delay": <uint>, "mode": { "config": <bool> } } }
type Injection struct {
	// Package is the application identity to inject into.
	Package string
	// DelayMicros is the injection latency after specialization.
	DelayMicros uint32
	// ConfigMode delivers the override file alongside the agent.
	ConfigMode bool
}

// Load errors. Both end only the current request, never the companion.
var (
	ErrNotFound = errors.New("injection config not found")
	ErrParse    = errors.New("injection config invalid")
)

const (
	keyName   = "package.name"
	keyDelay  = "package.delay"
	keyConfig = "package.mode.config"
)

// LoadInjection reads and type-checks the injection config at path.
// Values are checked as decoded from JSON rather than coerced, so
// "delay": "500" is rejected instead of silently accepted.
func LoadInjection(path string) (*Injection, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat injection config %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	name, ok := k.Get(keyName).(string)
	if !ok {
		return nil, fieldError(k, keyName, "string")
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrParse, keyName)
	}

	delay, ok := k.Get(keyDelay).(float64)
	if !ok || delay < 0 || delay > math.MaxUint32 || delay != math.Trunc(delay) {
		return nil, fieldError(k, keyDelay, "unsigned 32-bit integer")
	}

	configMode, ok := k.Get(keyConfig).(bool)
	if !ok {
		return nil, fieldError(k, keyConfig, "boolean")
	}

	return &Injection{
		Package:     name,
		DelayMicros: uint32(delay),
		ConfigMode:  configMode,
	}, nil
}

func fieldError(k *koanf.Koanf, key, want string) error {
	if !k.Exists(key) {
		return fmt.Errorf("%w: missing %s", ErrParse, key)
	}
	return fmt.Errorf("%w: %s must be a %s, got %T", ErrParse, key, want, k.Get(key))
}

// injectionDoc mirrors the on-disk layout for writing.
type injectionDoc struct {
	Package struct {
		Name  string `json:"name"`
		Delay uint32 `json:"delay"`
		Mode  struct {
			Config bool `json:"config"`
		} `json:"mode"`
	} `json:"package"`
}

// SaveInjection writes inj to path with 4-space indentation. The file is
// replaced atomically so the companion never reads a partial document.
func SaveInjection(path string, inj *Injection) error {
	var doc injectionDoc
	doc.Package.Name = inj.Package
	doc.Package.Delay = inj.DelayMicros
	doc.Package.Mode.Config = inj.ConfigMode

	data, err := json.MarshalIndent(&doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal injection config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write injection config to %s: %w", path, err)
	}
	return nil
}
