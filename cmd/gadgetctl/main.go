// gadgetctl edits the injection config and exercises the companion.
//
//	gadgetctl set -p <package> [-d <microseconds>] [-c] [-wait]
//	gadgetctl disable
//	gadgetctl show [-yaml]
//	gadgetctl init [-settings path] [-force]
//	gadgetctl probe -name <identity> [-no-load]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/gadgetd/internal/arch"
	"github.com/doughall/gadgetd/internal/artifact"
	"github.com/doughall/gadgetd/internal/config"
	"github.com/doughall/gadgetd/internal/loader"
	"github.com/doughall/gadgetd/internal/logging"
	"github.com/doughall/gadgetd/internal/specializer"
	"github.com/doughall/gadgetd/internal/tasks"
	"github.com/doughall/gadgetd/internal/version"
)

// geteuid is replaced in tests.
var geteuid = os.Geteuid

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "set":
		err = cmdSet(args[1:], stdout)
	case "disable":
		err = cmdDisable(args[1:], stdout)
	case "show":
		err = cmdShow(args[1:], stdout)
	case "init":
		err = cmdInit(args[1:], stdout)
	case "probe":
		err = cmdProbe(args[1:], stdout)
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, version.Info("gadgetctl"))
	case "help", "-h", "--help":
		usage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}

	if err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: gadgetctl <command> [options]

Commands:
  set      -p <package> [-d <microseconds>] [-c] [-wait]   select the injection target
  disable                                                  switch injection off
  show     [-yaml]                                         print the injection config
  init     [-settings path] [-force]                       write default companion settings
  probe    -name <identity> [-no-load]                     run one exchange against the companion
  version                                                  print version information
`)
}

func defaultConfigPath() string {
	return filepath.Join(config.DefaultModuleDir, config.InjectionFileName)
}

func requireRoot() error {
	if geteuid() != 0 {
		return errors.New("need root to run this command")
	}
	return nil
}

// parseDelay accepts a plain decimal number of microseconds that fits in
// 32 bits.
func parseDelay(s string) (uint32, error) {
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative value is not allowed: %s", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid characters found in the input: %s", s)
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v > math.MaxUint32 {
		return 0, fmt.Errorf("value out of range for a 32-bit delay: %s", s)
	}
	return uint32(v), nil
}

func cmdSet(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	pkg := fs.String("p", "", "package name of the target app")
	delay := fs.String("d", "0", "delay in microseconds before loading the agent")
	configMode := fs.Bool("c", false, "deliver the override file alongside the agent")
	family := fs.String("family", config.DefaultFamily, "agent family")
	path := fs.String("config", defaultConfigPath(), "injection config path")
	wait := fs.Bool("wait", false, "keep the target selected until interrupted, then disable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pkg == "" {
		fs.Usage()
		return errUsage
	}
	if err := requireRoot(); err != nil {
		return err
	}
	micros, err := parseDelay(*delay)
	if err != nil {
		return err
	}

	if *configMode {
		if err := showOverride(filepath.Dir(*path), *family, stdout); err != nil {
			return err
		}
	}

	inj := &config.Injection{Package: *pkg, DelayMicros: micros, ConfigMode: *configMode}
	if err := config.SaveInjection(*path, inj); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "[*] target set to %s (delay %dus, config mode %t)\n", inj.Package, inj.DelayMicros, inj.ConfigMode)

	if !*wait {
		return nil
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Fprintln(stdout, "[*] waiting; interrupt to disable injection")
	<-ctx.Done()
	return disable(*path, stdout)
}

// showOverride prints the override file config mode will deliver.
func showOverride(dir, family string, stdout io.Writer) error {
	// The override pattern is the same for every architecture.
	a, err := arch.Resolve("")
	if err != nil {
		a = arch.ARM64
	}
	name, err := artifact.NewResolver(family, a).Find(dir, artifact.RoleOverride)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("cannot find %s.config; create or push it into %s/", family, dir)
	}
	fmt.Fprintf(stdout, "[*] Found %s\n", name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "    "); err != nil {
		stdout.Write(data)
		return nil
	}
	fmt.Fprintln(stdout, pretty.String())
	return nil
}

func cmdDisable(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("disable", flag.ContinueOnError)
	path := fs.String("config", defaultConfigPath(), "injection config path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}
	return disable(*path, stdout)
}

// disable keeps delay and mode but points the config at a package no app
// carries.
func disable(path string, stdout io.Writer) error {
	inj, err := config.LoadInjection(path)
	if err != nil {
		if !errors.Is(err, config.ErrNotFound) && !errors.Is(err, config.ErrParse) {
			return err
		}
		inj = &config.Injection{}
	}
	inj.Package = config.DisabledPackage
	if err := config.SaveInjection(path, inj); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "[*] injection disabled")
	return nil
}

type injectionView struct {
	Package    string `yaml:"package"`
	Delay      uint32 `yaml:"delay_us"`
	ConfigMode bool   `yaml:"config_mode"`
	Disabled   bool   `yaml:"disabled"`
}

func cmdShow(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	path := fs.String("config", defaultConfigPath(), "injection config path")
	asYAML := fs.Bool("yaml", false, "print as YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}

	inj, err := config.LoadInjection(*path)
	if err != nil {
		return err
	}
	view := injectionView{
		Package:    inj.Package,
		Delay:      inj.DelayMicros,
		ConfigMode: inj.ConfigMode,
		Disabled:   inj.Package == config.DisabledPackage,
	}

	if *asYAML {
		data, err := goyaml.Marshal(&view)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}
	fmt.Fprintf(stdout, "package:     %s\n", view.Package)
	fmt.Fprintf(stdout, "delay:       %dus\n", view.Delay)
	fmt.Fprintf(stdout, "config mode: %t\n", view.ConfigMode)
	if view.Disabled {
		fmt.Fprintln(stdout, "injection is disabled")
	}
	return nil
}

func cmdInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	path := fs.String("settings", config.DefaultSettingsPath, "companion settings path")
	force := fs.Bool("force", false, "overwrite existing settings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *path)
	}

	settings := config.DefaultSettings()
	settings.LedgerPath = filepath.Join(filepath.Dir(*path), "ledger.db")
	if err := config.SaveSettings(*path, settings); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "[*] wrote %s\n", *path)
	return nil
}

func cmdProbe(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	name := fs.String("name", "", "process identity to present")
	socket := fs.String("socket", config.DefaultSocketPath, "companion socket")
	path := fs.String("config", defaultConfigPath(), "injection config path")
	dataRoot := fs.String("data-root", config.DefaultDataRoot, "app data root")
	noLoad := fs.Bool("no-load", false, "report the agent path instead of loading it")
	verbose := fs.Bool("v", false, "log specializer and loader diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		fs.Usage()
		return errUsage
	}

	logger := logging.Discard()
	if *verbose {
		logger = logging.New(os.Stderr, "debug")
	}

	var opener loader.Opener = loader.Dlopen{}
	if *noLoad {
		opener = loader.OpenerFunc(func(p string) error {
			fmt.Fprintf(stdout, "[*] would load %s\n", p)
			return nil
		})
	}

	host := specializer.NewSocketHost(*socket)
	registry := tasks.NewRegistry(logger)
	agent := specializer.New(host, specializer.Options{
		ConfigPath: *path,
		Loader:     loader.New(*dataRoot, opener, logger),
		Tasks:      registry,
	}, logger)

	agent.PreSpecialize(*name)
	session, ok := agent.Session()
	if !ok {
		if host.UnloadRequested() {
			return errors.New("companion exchange failed")
		}
		fmt.Fprintf(stdout, "[*] %s is not the injection target\n", *name)
		return nil
	}
	fmt.Fprintf(stdout, "[*] %s matched: agent %s, delay %s\n", session.Package, session.AgentFilename, session.Delay)

	agent.PostSpecialize()
	registry.Wait()
	fmt.Fprintln(stdout, "[*] loader finished")
	return nil
}
