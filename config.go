package gbatch

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/gogpu/gbatch/internal/retry"
	"github.com/pelletier/go-toml/v2"
)

// RenderingMode selects how render-pass scopes are encoded.
type RenderingMode string

const (
	// RenderingAuto uses dynamic rendering when the device supports it.
	RenderingAuto RenderingMode = "auto"
	// RenderingDynamic begins passes from attachment info with no pass objects.
	RenderingDynamic RenderingMode = "dynamic"
	// RenderingExplicit uses cached render-pass and framebuffer objects.
	RenderingExplicit RenderingMode = "explicit"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("10ms") in config files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the tuning knobs of a Screen. The zero value is not useful;
// start from DefaultConfig.
type Config struct {
	// ThreadedSubmit moves submit and post-submit onto a background worker.
	ThreadedSubmit bool `toml:"threaded_submit"`

	// AbortOnHang terminates the process on device loss when no context has
	// registered a reset callback.
	AbortOnHang bool `toml:"abort_on_hang"`

	// Rendering selects the render-pass encoding.
	Rendering RenderingMode `toml:"rendering"`

	// PoolPrime is the number of extra batch states created on a context's
	// first acquire.
	PoolPrime int `toml:"pool_prime"`

	// ReclaimThreshold is the in-flight count above which ending a batch
	// reclaims completed states.
	ReclaimThreshold int `toml:"reclaim_threshold"`

	// OOMFlushThreshold is the in-flight count above which a forced flush is
	// requested.
	OOMFlushThreshold int `toml:"oom_flush_threshold"`

	// EmergencyInFlight is the in-flight count above which post-submit blocks
	// on older work.
	EmergencyInFlight int `toml:"emergency_in_flight"`

	// EmergencyLag is how far behind the newest batch the emergency wait targets.
	EmergencyLag uint64 `toml:"emergency_lag"`

	// MaxViews is the cached view count above which views of a busy object
	// are scheduled for pruning.
	MaxViews int `toml:"max_views"`

	// VideoMemory overrides the device-reported memory size in bytes.
	// Zero uses the device value.
	VideoMemory uint64 `toml:"video_memory"`

	// VideoMemoryClamp is the fraction of video memory one batch may
	// reference before a flush and stall are forced.
	VideoMemoryClamp float64 `toml:"video_memory_clamp"`

	// RetrySchedule is the backoff applied to out-of-device-memory failures.
	RetrySchedule []Duration `toml:"retry_schedule"`

	// RenderPassCacheSize bounds the explicit render-pass and framebuffer caches.
	RenderPassCacheSize int `toml:"render_pass_cache_size"`

	// SubmitQueueSize is the buffer of the background submit queue.
	SubmitQueueSize int `toml:"submit_queue_size"`
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	schedule := make([]Duration, len(retry.DefaultSchedule))
	for i, d := range retry.DefaultSchedule {
		schedule[i] = Duration(d)
	}
	return Config{
		ThreadedSubmit:      true,
		Rendering:           RenderingAuto,
		PoolPrime:           3,
		ReclaimThreshold:    25,
		OOMFlushThreshold:   50,
		EmergencyInFlight:   5000,
		EmergencyLag:        2500,
		MaxViews:            50,
		VideoMemoryClamp:    0.8,
		RetrySchedule:       schedule,
		RenderPassCacheSize: 128,
		SubmitQueueSize:     64,
	}
}

// ParseConfig decodes TOML on top of DefaultConfig. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return ParseConfig(data)
}

// Encode writes the config as TOML.
func (c Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch c.Rendering {
	case RenderingAuto, RenderingDynamic, RenderingExplicit:
	default:
		return fmt.Errorf("%w: rendering %q", ErrInvalidConfig, c.Rendering)
	}
	switch {
	case c.PoolPrime < 0:
		return fmt.Errorf("%w: pool_prime %d", ErrInvalidConfig, c.PoolPrime)
	case c.ReclaimThreshold < 0 || c.OOMFlushThreshold < 0 || c.EmergencyInFlight < 0:
		return fmt.Errorf("%w: negative in-flight threshold", ErrInvalidConfig)
	case c.EmergencyInFlight > 0 && c.EmergencyLag == 0:
		return fmt.Errorf("%w: emergency_lag must be positive", ErrInvalidConfig)
	case c.MaxViews < 0:
		return fmt.Errorf("%w: max_views %d", ErrInvalidConfig, c.MaxViews)
	case c.VideoMemoryClamp <= 0 || c.VideoMemoryClamp > 1:
		return fmt.Errorf("%w: video_memory_clamp %v", ErrInvalidConfig, c.VideoMemoryClamp)
	case c.RenderPassCacheSize < 0 || c.SubmitQueueSize < 0:
		return fmt.Errorf("%w: negative size", ErrInvalidConfig)
	}
	for _, d := range c.RetrySchedule {
		if d < 0 {
			return fmt.Errorf("%w: negative retry delay", ErrInvalidConfig)
		}
	}
	return nil
}

func (c Config) retrySchedule() []time.Duration {
	out := make([]time.Duration, len(c.RetrySchedule))
	for i, d := range c.RetrySchedule {
		out[i] = time.Duration(d)
	}
	return out
}
