//go:build linux || darwin || freebsd

package loader

import "github.com/ebitengine/purego"

// Dlopen maps libraries with the system dynamic loader. Handles are never
// closed: the agent stays resident for the life of the process.
type Dlopen struct{}

// Open loads path with RTLD_NOW|RTLD_GLOBAL.
func (Dlopen) Open(path string) error {
	_, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	return err
}
