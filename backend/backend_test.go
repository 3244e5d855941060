package backend

import (
	"errors"
	"testing"

	"github.com/gogpu/gbatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDevice struct {
	gbatch.Device
	name   string
	closed bool
}

func (d *stubDevice) Close() error {
	d.closed = true
	return nil
}

// withRegistry swaps in an empty registry for the duration of the test.
func withRegistry(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]Opener)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
}

func stubOpener(name string) Opener {
	return func() (Device, error) { return &stubDevice{name: name}, nil }
}

func TestRegisterAndOpen(t *testing.T) {
	withRegistry(t)

	Register("b", stubOpener("b"))
	Register("a", stubOpener("a"))
	assert.Equal(t, []string{"a", "b"}, Available())
	assert.True(t, IsRegistered("a"))

	dev, err := Open("b")
	require.NoError(t, err)
	assert.Equal(t, "b", dev.(*stubDevice).name)
	require.NoError(t, dev.Close())

	Unregister("b")
	assert.False(t, IsRegistered("b"))
	_, err = Open("b")
	assert.ErrorIs(t, err, ErrBackendNotAvailable)
}

func TestOpenWrapsOpenerError(t *testing.T) {
	withRegistry(t)
	boom := errors.New("boom")
	Register("bad", func() (Device, error) { return nil, boom })

	_, err := Open("bad")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestOpenDefaultPriority(t *testing.T) {
	withRegistry(t)

	_, err := OpenDefault()
	assert.ErrorIs(t, err, ErrBackendNotAvailable)

	Register("aaa", stubOpener("aaa"))
	Register(BackendNoop, stubOpener(BackendNoop))
	dev, err := OpenDefault()
	require.NoError(t, err)
	assert.Equal(t, BackendNoop, dev.(*stubDevice).name, "priority beats name order")
}

func TestOpenDefaultFallsBack(t *testing.T) {
	withRegistry(t)
	boom := errors.New("no adapter")
	Register(BackendNoop, func() (Device, error) { return nil, boom })

	_, err := OpenDefault()
	assert.ErrorIs(t, err, boom)

	Register("zzz", stubOpener("zzz"))
	dev, err := OpenDefault()
	require.NoError(t, err)
	assert.Equal(t, "zzz", dev.(*stubDevice).name)
}
