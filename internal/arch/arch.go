// Package arch defines the target architecture used to pick the agent build.
//
// The architecture is resolved once at startup (from settings, or from the
// architecture the running binary was built for) and passed explicitly to the
// artifact resolver. Nothing else in the tree branches on GOARCH.
package arch

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// Arch is one of the hardware variants the agent is built for.
type Arch int

const (
	Unknown Arch = iota
	ARM64
	ARM
	X86_64
	X86
)

// All lists the supported architectures.
var All = []Arch{ARM64, ARM, X86_64, X86}

// String returns the name used in agent filenames
// (e.g. frida-gadget-16.1.7-android-arm64.so).
func (a Arch) String() string {
	switch a {
	case ARM64:
		return "arm64"
	case ARM:
		return "arm"
	case X86_64:
		return "x86_64"
	case X86:
		return "x86"
	default:
		return "unknown"
	}
}

// Parse accepts filename names, GOARCH names and uname machine names.
func Parse(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm64", "aarch64", "armv8", "arm64-v8a":
		return ARM64, nil
	case "arm", "armv7l", "armv7", "armv8l", "armeabi-v7a":
		return ARM, nil
	case "x86_64", "amd64", "x64":
		return X86_64, nil
	case "x86", "386", "i386", "i686":
		return X86, nil
	default:
		return Unknown, fmt.Errorf("unsupported architecture %q", s)
	}
}

// Resolve returns the configured architecture, or the one this binary was
// built for when override is empty. A 32-bit companion serving a 32-bit
// zygote on a 64-bit kernel must deliver the 32-bit build, so the kernel
// architecture is never used here.
func Resolve(override string) (Arch, error) {
	if override != "" {
		return Parse(override)
	}
	return Parse(runtime.GOARCH)
}

// HostInfo describes the machine for the startup log.
type HostInfo struct {
	KernelArch      string
	Platform        string
	PlatformVersion string
	KernelVersion   string
}

// Probe collects host details through gopsutil. Fields that cannot be read
// are left empty.
func Probe(ctx context.Context) HostInfo {
	var info HostInfo
	if ka, err := host.KernelArch(); err == nil {
		info.KernelArch = ka
	}
	if platform, _, version, err := host.PlatformInformationWithContext(ctx); err == nil {
		info.Platform = platform
		info.PlatformVersion = version
	}
	if kv, err := host.KernelVersionWithContext(ctx); err == nil {
		info.KernelVersion = kv
	}
	return info
}

// Mismatch reports whether the kernel cannot run a binary of arch a.
// 32-bit builds on a 64-bit kernel of the same family are fine.
func (h HostInfo) Mismatch(a Arch) bool {
	if h.KernelArch == "" {
		return false
	}
	k, err := Parse(h.KernelArch)
	if err != nil {
		return false
	}
	switch k {
	case ARM64:
		return a != ARM64 && a != ARM
	case X86_64:
		return a != X86_64 && a != X86
	default:
		return k != a
	}
}
