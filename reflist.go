package gbatch

const (
	refHashSize = 1 << 15
	refHashMask = refHashSize - 1
)

// refTable is the set of resource objects a batch state holds references on.
// Lookups go through a fixed-size hash of allocation ids into per-class lists.
// A collision falls back to a reverse scan of the list, which finds recently
// added objects first, and then re-seats the hash slot. The hash is shared by
// every class list, so a hit is only trusted after an identity check.
type refTable struct {
	lists     [numAllocationClasses][]*ResourceObject
	swapchain []*ResourceObject
	lastAdded *ResourceObject
	size      uint64

	hash    [refHashSize]int32
	hashMin int
	hashMax int
}

func (t *refTable) init() {
	for i := range t.hash {
		t.hash[i] = -1
	}
	t.hashMin, t.hashMax = -1, -1
}

func (t *refTable) seat(slot int, idx int) {
	t.hash[slot] = int32(idx)
	if t.hashMin < 0 || slot < t.hashMin {
		t.hashMin = slot
	}
	if slot > t.hashMax {
		t.hashMax = slot
	}
}

// find returns the index of obj in its class list, or -1.
func (t *refTable) find(obj *ResourceObject) int {
	list := t.lists[obj.Class()]
	slot := int(obj.backing.AllocationID() & refHashMask)
	if idx := int(t.hash[slot]); idx >= 0 && idx < len(list) && list[idx] == obj {
		return idx
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == obj {
			t.seat(slot, i)
			return i
		}
	}
	return -1
}

// add inserts obj and reports whether it was not already present.
func (t *refTable) add(obj *ResourceObject) bool {
	if obj.swapchain != nil {
		for _, o := range t.swapchain {
			if o == obj {
				return false
			}
		}
		t.swapchain = append(t.swapchain, obj)
		return true
	}
	if obj == t.lastAdded {
		return false
	}
	if t.find(obj) >= 0 {
		t.lastAdded = obj
		return false
	}

	class := obj.Class()
	t.lists[class] = append(t.lists[class], obj)
	t.seat(int(obj.backing.AllocationID()&refHashMask), len(t.lists[class])-1)
	t.lastAdded = obj
	if class != ClassSparse {
		t.size += obj.Size()
	}
	return true
}

// len returns the number of referenced objects.
func (t *refTable) len() int {
	n := len(t.swapchain)
	for _, l := range t.lists {
		n += len(l)
	}
	return n
}

// each calls fn for every referenced object.
func (t *refTable) each(fn func(*ResourceObject)) {
	for _, l := range t.lists {
		for _, obj := range l {
			fn(obj)
		}
	}
	for _, obj := range t.swapchain {
		fn(obj)
	}
}

// clearHash resets only the slots touched since the last clear.
func (t *refTable) clearHash() {
	if t.hashMin < 0 {
		return
	}
	for i := t.hashMin; i <= t.hashMax; i++ {
		t.hash[i] = -1
	}
	t.hashMin, t.hashMax = -1, -1
}

// reset empties the lists, keeping their capacity.
func (t *refTable) reset() {
	for i := range t.lists {
		clear(t.lists[i])
		t.lists[i] = t.lists[i][:0]
	}
	clear(t.swapchain)
	t.swapchain = t.swapchain[:0]
	t.lastAdded = nil
	t.size = 0
	t.clearHash()
}
