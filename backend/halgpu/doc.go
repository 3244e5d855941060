// Package halgpu drives gbatch screens with the gogpu/wgpu hardware
// abstraction layer.
//
// A Device wraps a HAL device and queue. It maps batch timeline values onto
// queue submission indices and polls the queue for completion. Command
// streams record into HAL command encoders. Render passes open as dynamic
// rendering passes, or, in explicit mode, through framebuffers that own one
// view per attachment.
//
// Resources are created through the device so their backings carry
// allocation IDs and memory sizes:
//
//	dev, err := halgpu.OpenNoop()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	screen, err := gbatch.OpenScreen(dev)
//	buf, err := dev.NewBuffer(halgpu.BufferDesc{Label: "vertices", Size: 4096,
//		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst})
//
// Programs are compiled from WGSL with naga. Render pipelines are built on
// first use per program and pass layout and cached until the program's last
// reference is released.
//
// Importing the package registers the "noop" backend with package backend.
package halgpu
