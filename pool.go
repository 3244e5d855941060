package gbatch

// pushInFlight appends bs to the tail of the in-flight list.
func (c *Context) pushInFlight(bs *BatchState) {
	bs.next = nil
	if c.lastInFlight != nil {
		c.lastInFlight.next = bs
	} else {
		c.inFlight = bs
	}
	c.lastInFlight = bs
	c.inFlightCount.Add(1)
}

// popInFlight removes the oldest in-flight state.
func (c *Context) popInFlight() *BatchState {
	bs := c.inFlight
	if bs == nil {
		return nil
	}
	c.inFlight = bs.next
	if c.inFlight == nil {
		c.lastInFlight = nil
	}
	bs.next = nil
	c.inFlightCount.Add(-1)
	return bs
}

func (c *Context) pushFree(bs *BatchState) {
	bs.next = nil
	if c.lastFree != nil {
		c.lastFree.next = bs
	} else {
		c.free = bs
	}
	c.lastFree = bs
}

func (c *Context) popFree() *BatchState {
	bs := c.free
	if bs == nil {
		return nil
	}
	c.free = bs.next
	if c.free == nil {
		c.lastFree = nil
	}
	bs.next = nil
	return bs
}

// headReusable reports whether the oldest in-flight state can be recycled.
func (c *Context) headReusable() bool {
	head := c.inFlight
	if head == nil {
		return false
	}
	if !head.submitted.Load() || !head.flushDone() {
		return false
	}
	s := c.screen
	id := head.batchID.Load()
	return s.checkLastFinished(id) || head.completed.Load() || s.TimelineWait(id, 0)
}

// acquireState returns a reset state ready for recording. Sources are tried
// cheapest first: the context free list, the screen free list, the oldest
// completed in-flight state, and finally a new allocation. The first acquire
// of a context also primes its free list.
func (c *Context) acquireState() (*BatchState, error) {
	s := c.screen
	bs := c.popFree()
	if bs == nil {
		if bs = s.takeFreeState(); bs != nil {
			bs.ctx = c
		}
	}
	if bs == nil && c.headReusable() {
		bs = c.popInFlight()
	}
	if bs != nil {
		bs.reset()
		return bs, nil
	}

	if c.batch.state == nil {
		for range s.cfg.PoolPrime {
			extra, err := s.newBatchState(c)
			if err != nil {
				return nil, err
			}
			c.pushFree(extra)
		}
	}
	bs, err := s.newBatchState(c)
	if err != nil {
		return nil, err
	}
	c.logger().Debug("gbatch: batch state created", "created", s.statesCreated.Load())
	return bs, nil
}

// reclaimCompleted recycles completed states from the head of the in-flight
// list into the free list.
func (c *Context) reclaimCompleted() {
	for c.inFlight != nil {
		head := c.inFlight
		if !head.submitted.Load() || !head.flushDone() || !c.checkBatchCompletion(head.batchID.Load()) {
			return
		}
		c.popInFlight()
		head.completed.Store(true)
		head.reset()
		c.pushFree(head)
	}
}

// listLen counts a state list.
func listLen(head *BatchState) int {
	n := 0
	for bs := head; bs != nil; bs = bs.next {
		n++
	}
	return n
}
