package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/doughall/gadgetd/internal/config"
)

func asRoot(t *testing.T) {
	t.Helper()
	prev := geteuid
	geteuid = func() int { return 0 }
	t.Cleanup(func() { geteuid = prev })
}

func runCmd(args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0", 0, false},
		{"500000", 500000, false},
		{"4294967295", 4294967295, false},
		{"4294967296", 0, true},
		{"-1", 0, true},
		{"12ms", 0, true},
		{"", 0, true},
		{"+5", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDelay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDelay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDelay(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSetShowDisable(t *testing.T) {
	asRoot(t)
	path := filepath.Join(t.TempDir(), "config")

	if code, _, stderr := runCmd("set", "-config", path, "-p", "com.example.app", "-d", "250000"); code != 0 {
		t.Fatalf("set exited %d: %s", code, stderr)
	}
	inj, err := config.LoadInjection(path)
	if err != nil {
		t.Fatalf("LoadInjection: %v", err)
	}
	if inj.Package != "com.example.app" || inj.DelayMicros != 250000 || inj.ConfigMode {
		t.Errorf("saved %+v", inj)
	}

	code, out, _ := runCmd("show", "-config", path, "-yaml")
	if code != 0 || !strings.Contains(out, "package: com.example.app") || !strings.Contains(out, "delay_us: 250000") {
		t.Errorf("show -yaml exited %d: %q", code, out)
	}

	if code, _, stderr := runCmd("disable", "-config", path); code != 0 {
		t.Fatalf("disable exited %d: %s", code, stderr)
	}
	inj, err = config.LoadInjection(path)
	if err != nil {
		t.Fatal(err)
	}
	if inj.Package != config.DisabledPackage || inj.DelayMicros != 250000 {
		t.Errorf("after disable: %+v", inj)
	}
	if _, out, _ := runCmd("show", "-config", path); !strings.Contains(out, "disabled") {
		t.Errorf("show after disable: %q", out)
	}
}

func TestSetRequiresRoot(t *testing.T) {
	prev := geteuid
	geteuid = func() int { return 1000 }
	t.Cleanup(func() { geteuid = prev })

	path := filepath.Join(t.TempDir(), "config")
	code, _, stderr := runCmd("set", "-config", path, "-p", "com.example.app")
	if code != 1 || !strings.Contains(stderr, "root") {
		t.Errorf("exit %d, stderr %q", code, stderr)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("config written without root")
	}
}

func TestSetConfigModeNeedsOverride(t *testing.T) {
	asRoot(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config")

	if code, _, _ := runCmd("set", "-config", path, "-p", "com.example.app", "-c"); code != 1 {
		t.Errorf("exit %d without override, want 1", code)
	}

	if err := os.WriteFile(filepath.Join(dir, "frida-gadget.config"), []byte(`{"interaction":{"type":"listen"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	code, out, stderr := runCmd("set", "-config", path, "-p", "com.example.app", "-c")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "Found frida-gadget.config") || !strings.Contains(out, `"type": "listen"`) {
		t.Errorf("override not printed: %q", out)
	}
	inj, err := config.LoadInjection(path)
	if err != nil || !inj.ConfigMode {
		t.Errorf("config mode not saved: %+v, %v", inj, err)
	}
}

func TestSetUsage(t *testing.T) {
	asRoot(t)
	if code, _, _ := runCmd("set"); code != 2 {
		t.Errorf("set without -p exited %d, want 2", code)
	}
	if code, _, _ := runCmd("set", "-p", "x", "-d", "-5", "-config", filepath.Join(t.TempDir(), "c")); code != 1 {
		t.Errorf("negative delay exited %d, want 1", code)
	}
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gadgetd", "companion.yaml")

	if code, _, stderr := runCmd("init", "-settings", path); code != 0 {
		t.Fatalf("init exited %d: %s", code, stderr)
	}
	s, err := config.LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.LedgerPath != filepath.Join(filepath.Dir(path), "ledger.db") {
		t.Errorf("LedgerPath = %q", s.LedgerPath)
	}

	if code, _, _ := runCmd("init", "-settings", path); code != 1 {
		t.Errorf("second init exited %d, want 1", code)
	}
	if code, _, _ := runCmd("init", "-settings", path, "-force"); code != 0 {
		t.Errorf("init -force exited %d", code)
	}
}

func TestProbeWithoutCompanion(t *testing.T) {
	code, _, stderr := runCmd("probe", "-name", "com.example.app", "-socket", filepath.Join(t.TempDir(), "none.sock"))
	if code != 1 || !strings.Contains(stderr, "exchange failed") {
		t.Errorf("exit %d, stderr %q", code, stderr)
	}
}

func TestUnknownCommand(t *testing.T) {
	if code, _, _ := runCmd("frobnicate"); code != 2 {
		t.Errorf("exit %d, want 2", code)
	}
	if code, _, _ := runCmd(); code != 2 {
		t.Errorf("exit %d, want 2", code)
	}
}
