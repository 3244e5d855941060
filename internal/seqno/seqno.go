// Package seqno compares truncated 32-bit submission ids.
//
// Batch ids are 64-bit, but the completion cache only keeps the low 32 bits so it
// can be read and updated with a single atomic word. Both helpers treat the space
// as two halves: a value in the low half while the other is in the high half is
// assumed to have wrapped past it.
package seqno

import "math"

const half = math.MaxUint32 / 2

// Reached reports whether id is at or before last, accounting for wraparound.
func Reached(last, id uint32) bool {
	if last < half {
		// last has wrapped, id has not
		if id > half {
			return true
		}
	} else if id < half {
		// id has wrapped, last has not
		return false
	}
	return last >= id
}

// Advance returns the new cached value after id is known to be finished.
func Advance(last, id uint32) uint32 {
	if last < half {
		if id > half {
			return last
		}
	} else if id < half {
		return id
	}
	return max(last, id)
}
