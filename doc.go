// Package gbatch is the batch and submission core of a GPU driver translation
// layer. It sits between a frontend that records rendering work and an
// explicit GPU API, and decides when work is recorded, submitted and known to
// be finished.
//
// # Overview
//
// A Screen wraps one Device and owns everything shared between contexts: the
// batch-id counter, the completion cache, the queue lock, pooled semaphores and
// the optional background submit worker. A Context records into its active
// Batch, which always wraps exactly one BatchState. Flushing submits the state
// and starts a new one right away; submitted states are recycled once the
// device timeline shows they completed.
//
// # Quick Start
//
//	screen, err := gbatch.OpenScreen(dev)
//	if err != nil {
//		return err
//	}
//	defer screen.Close()
//
//	ctx, err := screen.NewContext()
//	if err != nil {
//		return err
//	}
//	defer ctx.Destroy()
//
//	ctx.SetFramebuffer(gbatch.Framebuffer{Colors: []*gbatch.Resource{target}})
//	ctx.Clear(gbatch.ClearColor0, gputypes.Color{A: 1}, 0, 0, nil)
//	ctx.Draw(gbatch.DrawCall{Program: prog, VertexCount: 3, InstanceCount: 1})
//
//	fence, err := ctx.Flush(0)
//	if err != nil {
//		return err
//	}
//	fence.Wait(gbatch.Infinite)
//
// # Lifetimes
//
// Resources are split into a logical Resource and a refcounted
// ResourceObject holding the device memory. Every batch state that uses an
// object takes a reference, so releasing or invalidating a Resource while a
// batch is in flight only frees the memory after that batch completed.
// Programs, samplers, query pools and render-pass objects follow the same
// rule through per-state deferred lists.
//
// # Render Passes
//
// Draws open a render pass over the bound Framebuffer. Clears are queued and
// folded into the next pass begin as load-op clears where possible. Viewport
// and blend changes keep the pass open; dispatches, ordered copies,
// framebuffer changes and attachment layout changes close it. Copies whose
// buffers the main stream has not touched are hoisted into a separate
// reordered stream without closing the pass.
//
// # Device Loss
//
// A failed submission marks the Screen lost. Contexts find out on their next
// call and report it once through the reset callback. Without a callback,
// and with AbortOnHang set, the process exits.
//
// # Backends
//
// The backend/halgpu package implements Device on top of gogpu/wgpu's HAL.
package gbatch
