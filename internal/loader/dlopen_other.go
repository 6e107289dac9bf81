//go:build !(linux || darwin || freebsd)

package loader

import (
	"errors"
	"runtime"
)

// Dlopen is unavailable on this platform.
type Dlopen struct{}

// Open always fails.
func (Dlopen) Open(path string) error {
	return errors.New("dynamic loading not supported on " + runtime.GOOS)
}
