// Package backend is a registry of device backends for gbatch screens.
//
// Backends register an opener from an init function and are selected at
// runtime by name. Importing a backend package is enough to make it
// available:
//
//	import _ "github.com/gogpu/gbatch/backend/halgpu"
//
// # Backend Selection
//
// Use Open to open a backend by name, or OpenDefault to open the best
// available one:
//
//	dev, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	screen, err := gbatch.OpenScreen(dev)
//
// # Available Backends
//
//   - "noop": HAL noop device from gogpu/wgpu (always available with halgpu)
package backend
