package gbatch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceObjectRefcount(t *testing.T) {
	res, backing := newBuffer(32)
	obj := res.Object()
	alias := res.Alias()
	assert.Equal(t, int32(2), obj.Refs())
	assert.Same(t, obj, alias.Object())

	res.Release()
	assert.Nil(t, res.Object())
	assert.False(t, obj.Destroyed())
	alias.Release()
	assert.True(t, obj.Destroyed())
	assert.Equal(t, int32(1), backing.destroyed.Load())

	assert.Panics(t, obj.Unref)
}

func TestViewPruneKeepsLaterViews(t *testing.T) {
	res, _ := newBuffer(32)
	obj := res.Object()
	first, late := &fakeView{}, &fakeView{}
	obj.AddView(first)

	var bs BatchState
	bs.usage.init()
	bs.usage.id.Store(3)
	obj.setUsage(&bs, false)
	obj.scheduleViewPrune()
	obj.AddView(late)

	obj.pruneViews(2)
	assert.Equal(t, 2, obj.ViewCount(), "stale timeline value is ignored")
	obj.pruneViews(3)
	assert.Equal(t, 1, obj.ViewCount())
	assert.Equal(t, int32(1), first.destroyed.Load())
	assert.Zero(t, late.destroyed.Load())
	assert.Zero(t, obj.pendingViewPrune())
}

func TestRefTableClearHashRange(t *testing.T) {
	var tab refTable
	tab.init()

	a := NewBufferObject(&fakeBacking{id: 10, size: 1})
	b := NewBufferObject(&fakeBacking{id: 500, size: 2})
	require.True(t, tab.add(a))
	require.True(t, tab.add(b))
	assert.False(t, tab.add(b))
	assert.Equal(t, 10, tab.hashMin)
	assert.Equal(t, 500, tab.hashMax)
	assert.Equal(t, uint64(3), tab.size)

	tab.clearHash()
	assert.Equal(t, int32(-1), tab.hash[10])
	assert.Equal(t, int32(-1), tab.hash[500])
	assert.Equal(t, 0, tab.find(a), "lists survive a hash clear")
	assert.Equal(t, int32(0), tab.hash[10], "scan re-seats the slot")

	tab.reset()
	assert.Equal(t, 0, tab.len())
	assert.Equal(t, -1, tab.find(a))
}

func TestRefTableSwapchainList(t *testing.T) {
	var tab refTable
	tab.init()
	sc := NewSwapchainObject(newFakeBacking(64), 0, &fakeSwapchain{})

	assert.True(t, tab.add(sc))
	assert.False(t, tab.add(sc))
	assert.Equal(t, 1, tab.len())
	assert.Zero(t, tab.size, "swapchain images do not count toward the ceiling")
}

func TestTimelineCache(t *testing.T) {
	dev := newFakeDevice()
	dev.autoComplete = false
	s := newTestScreen(t, dev, testConfig())

	assert.False(t, s.CheckCompletion(5))
	dev.complete(5)
	assert.True(t, s.CheckCompletion(5))
	assert.Equal(t, uint32(5), s.Stats().LastFinished)

	n := len(dev.waits)
	assert.True(t, s.TimelineWait(4, Infinite), "answered from the cache")
	assert.Len(t, dev.waits, n)
}

func TestTimelineCacheWraparound(t *testing.T) {
	s := newTestScreen(t, newFakeDevice(), testConfig())

	high := uint64(math.MaxUint32 - 10)
	s.lastFinished.Store(uint32(high))
	assert.True(t, s.checkLastFinished(high-1))
	assert.False(t, s.checkLastFinished(high+20), "wrapped id is newer")

	s.updateLastFinished(high + 20)
	assert.Equal(t, uint32(high+20), s.lastFinished.Load())
	assert.True(t, s.checkLastFinished(high))
	s.updateLastFinished(high)
	assert.Equal(t, uint32(high+20), s.lastFinished.Load(), "cache never moves backwards")
}
