// Package buildinfo provides the version of the broker binary as embedded by
// the Go toolchain.
package buildinfo

import (
	"runtime/debug"
	"sync"
)

var (
	readOnce sync.Once
	version  string
)

// Version returns the module version of the running binary, or "(devel)" when
// built outside of a module-aware build.
func Version() string {
	readOnce.Do(func() {
		version = "(devel)"
		info, ok := debug.ReadBuildInfo()
		if ok && info.Main.Version != "" {
			version = info.Main.Version
		}
	})
	return version
}
