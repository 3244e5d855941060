// Command batchsim drives a gbatch screen with a synthetic frame workload and
// reports the batch and device counters.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gbatch"
	"github.com/gogpu/gbatch/backend"
	"github.com/gogpu/gbatch/backend/halgpu"
)

const shaderWGSL = `
@vertex
fn vs_main(@builtin(vertex_index) idx: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(idx) - 1);
    let y = f32(i32(idx & 1u) * 2 - 1);
    return vec4<f32>(x, y, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(0.2, 0.6, 1.0, 1.0);
}

@compute @workgroup_size(64)
fn cs_main(@builtin(global_invocation_id) id: vec3<u32>) {
}
`

func main() {
	var (
		configPath = flag.String("config", "", "TOML config file (defaults when empty)")
		name       = flag.String("backend", backend.BackendNoop, "device backend")
		frames     = flag.Int("frames", 120, "frames to record")
		draws      = flag.Int("draws", 16, "draws per frame")
		inFlight   = flag.Int("inflight", 2, "frames in flight before waiting")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	gbatch.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := gbatch.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = gbatch.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	dev, err := backend.Open(*name)
	if err != nil {
		log.Fatalf("Failed to open backend: %v", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Printf("Close: %v", err)
		}
	}()
	hd, ok := dev.(*halgpu.Device)
	if !ok {
		log.Fatalf("Backend %q does not allocate resources", *name)
	}

	screen, err := gbatch.OpenScreen(dev, gbatch.WithConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to open screen: %v", err)
	}
	defer screen.Close()

	ctx, err := screen.NewContext()
	if err != nil {
		log.Fatalf("Failed to create context: %v", err)
	}
	defer ctx.Destroy()

	sim, err := newSimulation(hd)
	if err != nil {
		log.Fatalf("Failed to set up workload: %v", err)
	}
	defer sim.release()

	if err := sim.run(ctx, *frames, *draws, *inFlight); err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}

	ss, cs, ds := screen.Stats(), ctx.Stats(), hd.Stats()
	log.Printf("Recorded %d frames: %d batches, %d submits, %d states",
		*frames, ss.LastBatchID, ss.Submits, ss.StatesCreated)
	log.Printf("Render passes: %d (%d splits), pass cache %d",
		cs.RenderPasses, cs.RenderPassSplits, cs.PassCacheLen)
	log.Printf("Device: %d queue submits, %d command buffers, %d pipelines, %d live allocations",
		ds.Submits, ds.CommandBuffers, ds.Pipelines, ds.LiveAllocations)
}
