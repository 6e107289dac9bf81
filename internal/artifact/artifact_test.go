package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/doughall/gadgetd/internal/arch"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFind_AgentPerArch(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"config",
		"agent-9.9.9-android-arm64.so",
		"agent-9.9.9-android-arm.so",
		"agent-9.9.9-android-x86_64.so",
		"agent-9.9.9-android-x86.so",
		"agent.config",
	)

	for _, a := range arch.All {
		t.Run(a.String(), func(t *testing.T) {
			got, err := NewResolver("agent", a).Find(dir, RoleAgent)
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			want := "agent-9.9.9-android-" + a.String() + ".so"
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestFind_NoMatch(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "config", "agent-9.9.9-android-arm.so", "other-1.0-android-arm64.so")

	got, err := NewResolver("agent", arch.ARM64).Find(dir, RoleAgent)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != "" {
		t.Errorf("got %q, want no match", got)
	}
}

func TestFind_Ambiguous(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "agent-1.0-android-arm64.so", "agent-2.0-android-arm64.so")

	_, err := NewResolver("agent", arch.ARM64).Find(dir, RoleAgent)
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestFind_IgnoresDirectoriesAndSubdirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "agent-1.0-android-arm64.so"), 0755); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	touch(t, sub, "agent-2.0-android-arm64.so")

	got, err := NewResolver("agent", arch.ARM64).Find(dir, RoleAgent)
	if err != nil || got != "" {
		t.Errorf("Find = %q, %v; want no match", got, err)
	}
}

func TestFind_Override(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "frida-gadget-16.1.7-android-arm64.so", "frida-gadget.config")

	r := NewResolver("frida-gadget", arch.ARM64)
	got, err := r.Find(dir, RoleOverride)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != "frida-gadget.config" {
		t.Errorf("got %q", got)
	}

	// The delivered override must not be mistaken for the template.
	touch(t, dir, OverrideName("frida-gadget-16.1.7-android-arm64.so"))
	got, err = r.Find(dir, RoleOverride)
	if err != nil || got != "frida-gadget.config" {
		t.Errorf("after copy: Find = %q, %v", got, err)
	}
	agent, err := r.Find(dir, RoleAgent)
	if err != nil || agent != "frida-gadget-16.1.7-android-arm64.so" {
		t.Errorf("agent after copy: Find = %q, %v", agent, err)
	}
}

func TestFind_Idempotent(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "agent-9.9.9-android-arm64.so", "agent.config")
	r := NewResolver("agent", arch.ARM64)

	first, err := r.Find(dir, RoleAgent)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Find(dir, RoleAgent)
		if err != nil || again != first {
			t.Fatalf("call %d: got %q, %v; want %q", i, again, err, first)
		}
	}
}

func TestFind_MissingDir(t *testing.T) {
	_, err := NewResolver("agent", arch.ARM64).Find(filepath.Join(t.TempDir(), "nope"), RoleAgent)
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestMatcher(t *testing.T) {
	r := NewResolver("agent", arch.ARM)
	m, ok := r.Matcher(RoleAgent)
	if !ok {
		t.Fatal("no agent matcher")
	}
	tests := []struct {
		name string
		want bool
	}{
		{"agent-1.0-android-arm.so", true},
		{"agent-1.0-android-arm64.so", false},
		{"agent-android-arm.so", false},
		{"xagent-1.0-android-arm.so", false},
		{"agent-1.0-android-arm.so.bak", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.name); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOverrideName(t *testing.T) {
	tests := map[string]string{
		"agent-9.9.9-android-arm64.so":          "agent-9.9.9-android-arm64.config.so",
		"frida-gadget-16.1.7-android-arm.so":    "frida-gadget-16.1.7-android-arm.config.so",
		"frida-gadget-16.1.7-android-x86_64.so": "frida-gadget-16.1.7-android-x86_64.config.so",
	}
	for in, want := range tests {
		if got := OverrideName(in); got != want {
			t.Errorf("OverrideName(%q) = %q, want %q", in, got, want)
		}
	}
}
