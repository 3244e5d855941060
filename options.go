package gbatch

import (
	"log/slog"
	"os"
	"time"
)

// ScreenOption configures a Screen during OpenScreen.
//
// Example:
//
//	cfg, err := gbatch.LoadConfig("gbatch.toml")
//	if err != nil {
//		return err
//	}
//	screen, err := gbatch.OpenScreen(dev, gbatch.WithConfig(cfg))
type ScreenOption func(*screenOptions)

type screenOptions struct {
	cfg         Config
	abort       func()
	retrySleep  func(time.Duration)
	descriptors Descriptors
}

func defaultScreenOptions() screenOptions {
	return screenOptions{
		cfg:         DefaultConfig(),
		abort:       defaultAbort,
		descriptors: nopDescriptors{},
	}
}

func defaultAbort() {
	Logger().Error("gbatch: device lost with no reset callback, aborting")
	os.Exit(1)
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) ScreenOption {
	return func(o *screenOptions) {
		o.cfg = cfg
	}
}

// WithThreadedSubmit toggles the background submit worker.
func WithThreadedSubmit(enabled bool) ScreenOption {
	return func(o *screenOptions) {
		o.cfg.ThreadedSubmit = enabled
	}
}

// WithAbortOnHang toggles process termination on unhandled device loss.
func WithAbortOnHang(enabled bool) ScreenOption {
	return func(o *screenOptions) {
		o.cfg.AbortOnHang = enabled
	}
}

// WithAbortHandler replaces the function called instead of exiting when the
// device is lost with AbortOnHang set and no reset callback registered.
func WithAbortHandler(fn func()) ScreenOption {
	return func(o *screenOptions) {
		if fn != nil {
			o.abort = fn
		}
	}
}

// WithRetrySleep replaces time.Sleep in the retry policy.
func WithRetrySleep(fn func(time.Duration)) ScreenOption {
	return func(o *screenOptions) {
		o.retrySleep = fn
	}
}

// WithDescriptors installs the descriptor-table collaborator. Batch states
// move between contexts of one Screen, so it is shared by all of them.
func WithDescriptors(d Descriptors) ScreenOption {
	return func(o *screenOptions) {
		if d != nil {
			o.descriptors = d
		}
	}
}

// ContextOption configures a Context during Screen.NewContext.
type ContextOption func(*contextOptions)

type contextOptions struct {
	queries   QueryTracker
	cond      ConditionalRenderer
	resetCb   func(ResetStatus)
	logAttrs  []any
	rendering RenderingMode
}

// WithQueryTracker installs the query collaborator.
func WithQueryTracker(q QueryTracker) ContextOption {
	return func(o *contextOptions) {
		if q != nil {
			o.queries = q
		}
	}
}

// WithConditionalRenderer installs the conditional-rendering collaborator.
// Render passes are bracketed with Start and Stop while it is set.
func WithConditionalRenderer(c ConditionalRenderer) ContextOption {
	return func(o *contextOptions) {
		o.cond = c
	}
}

// WithResetCallback registers fn as the context's device reset callback.
func WithResetCallback(fn func(ResetStatus)) ContextOption {
	return func(o *contextOptions) {
		o.resetCb = fn
	}
}

// WithRendering overrides the screen's render-pass encoding for one context.
func WithRendering(mode RenderingMode) ContextOption {
	return func(o *contextOptions) {
		o.rendering = mode
	}
}

// WithLogAttrs adds attributes to every log record the context emits.
func WithLogAttrs(attrs ...slog.Attr) ContextOption {
	return func(o *contextOptions) {
		for _, a := range attrs {
			o.logAttrs = append(o.logAttrs, a)
		}
	}
}
