package gbatch

import (
	"bytes"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDescriptors struct {
	inits, resets, deinits, binds atomic.Int32
}

func (d *countingDescriptors) Init(*BatchState) error  { d.inits.Add(1); return nil }
func (d *countingDescriptors) Reset(*BatchState)       { d.resets.Add(1) }
func (d *countingDescriptors) Deinit(*BatchState)      { d.deinits.Add(1) }
func (d *countingDescriptors) BindAtStart(*BatchState) { d.binds.Add(1) }

func TestScreenOptionsApplyInOrder(t *testing.T) {
	s, err := OpenScreen(newFakeDevice(), WithConfig(DefaultConfig()), WithThreadedSubmit(false), WithAbortOnHang(true))
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.submitQ)
	assert.True(t, s.Config().AbortOnHang)
	assert.False(t, s.Config().ThreadedSubmit)
}

func TestWithDescriptors(t *testing.T) {
	d := &countingDescriptors{}
	s, err := OpenScreen(newFakeDevice(), WithConfig(testConfig()), WithDescriptors(d))
	require.NoError(t, err)

	c, err := s.NewContext()
	require.NoError(t, err)
	assert.Equal(t, int32(4), d.inits.Load())
	assert.Equal(t, int32(1), d.binds.Load())

	res, _ := newBuffer(64)
	touch(t, c, res)
	assert.Equal(t, int32(2), d.binds.Load())

	c.Destroy()
	require.NoError(t, s.Close())
	assert.Equal(t, int32(4), d.deinits.Load())
	assert.Positive(t, d.resets.Load())
}

func TestWithRetrySleep(t *testing.T) {
	dev := newFakeDevice()
	dev.failPools = 3
	dev.poolErr = ErrOutOfDeviceMemory

	var slept []time.Duration
	cfg := testConfig()
	cfg.RetrySchedule = []Duration{Duration(time.Millisecond), Duration(2 * time.Millisecond), Duration(3 * time.Millisecond), 0}
	s, err := OpenScreen(dev, WithConfig(cfg), WithRetrySleep(func(d time.Duration) { slept = append(slept, d) }))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.NewContext()
	require.NoError(t, err)
	defer c.Destroy()
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, slept)
}

func TestWithLogAttrs(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s, WithLogAttrs(slog.String("ctx", "main")))
	c.Destroy()

	out := buf.String()
	assert.Contains(t, out, "gbatch: screen opened")
	assert.Contains(t, out, `msg="gbatch: context created" ctx=main rendering=dynamic`)
	assert.Contains(t, out, "gbatch: batch state created")
}

func TestWithResetCallbackCountsRobust(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())
	c := newTestContext(t, s, WithResetCallback(func(ResetStatus) {}))
	assert.Equal(t, int32(1), s.robustCount.Load())

	c.SetResetCallback(func(ResetStatus) {})
	assert.Equal(t, int32(1), s.robustCount.Load())
	c.SetResetCallback(nil)
	assert.Zero(t, s.robustCount.Load())
	assert.Equal(t, NoReset, c.ResetStatus())
	assert.Equal(t, "no-reset", c.ResetStatus().String())
}
