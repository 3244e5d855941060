package seqno

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReached(t *testing.T) {
	tests := []struct {
		name string
		last uint32
		id   uint32
		want bool
	}{
		{"equal", 10, 10, true},
		{"behind", 10, 9, true},
		{"ahead", 10, 11, false},
		{"zero id", 0, 0, true},
		{"last wrapped id old", 5, math.MaxUint32 - 5, true},
		{"id wrapped last old", math.MaxUint32 - 5, 5, false},
		{"both high", math.MaxUint32 - 5, math.MaxUint32 - 6, true},
		{"both high ahead", math.MaxUint32 - 6, math.MaxUint32 - 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reached(tt.last, tt.id))
		})
	}
}

func TestAdvance(t *testing.T) {
	assert.Equal(t, uint32(12), Advance(10, 12))
	assert.Equal(t, uint32(10), Advance(10, 8), "never moves backwards")
	assert.Equal(t, uint32(3), Advance(math.MaxUint32-2, 3), "follows the id across the wrap")
	assert.Equal(t, uint32(3), Advance(3, math.MaxUint32-2), "ignores stale pre-wrap ids")
}

func TestAdvanceThenReached(t *testing.T) {
	var last uint32
	for id := uint32(1); id < 100; id++ {
		last = Advance(last, id)
		assert.True(t, Reached(last, id))
		assert.False(t, Reached(last, id+1))
	}
}
