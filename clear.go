package gbatch

import "github.com/gogpu/gputypes"

// ClearMask selects the attachments and aspects a clear touches.
type ClearMask uint16

const (
	ClearColor0 ClearMask = 1 << iota
	ClearColor1
	ClearColor2
	ClearColor3
	ClearColor4
	ClearColor5
	ClearColor6
	ClearColor7
	ClearDepth
	ClearStencil

	ClearColorAll     = ClearColor0<<MaxColorAttachments - 1
	ClearDepthStencil = ClearDepth | ClearStencil
)

// ClearColor returns the mask bit for color attachment i.
func ClearColor(i int) ClearMask { return ClearColor0 << i }

// DepthStencilAttachment is the AttachmentClear index of the depth/stencil target.
const DepthStencilAttachment = -1

// queuedClear is a clear recorded outside a pass and applied when the next
// pass begins.
type queuedClear struct {
	color       gputypes.Color
	depth       float32
	stencil     uint32
	aspects     ClearMask
	rect        *Rect
	conditional bool
}

// full reports whether the clear can become a load-op clear.
func (q queuedClear) full() bool {
	return q.rect == nil && !q.conditional
}

func (q queuedClear) attachmentClear(slot int) AttachmentClear {
	idx := slot
	if slot == depthSlot {
		idx = DepthStencilAttachment
	}
	return AttachmentClear{
		Attachment: idx,
		Color:      q.color,
		Depth:      q.depth,
		Stencil:    q.stencil,
		Aspects:    q.aspects,
		Rect:       q.rect,
	}
}

// queueClear adds cl to the attachment's queue. A full clear makes earlier
// clears of the same aspects pointless, so they are dropped.
func (rp *renderPassTracker) queueClear(slot int, cl queuedClear) {
	q := rp.clears[slot]
	if cl.full() {
		kept := q[:0]
		for _, e := range q {
			e.aspects &^= cl.aspects
			if e.aspects != 0 {
				kept = append(kept, e)
			}
		}
		q = kept
	}
	rp.clears[slot] = append(q, cl)
}

func (rp *renderPassTracker) hasClears() bool {
	for _, q := range rp.clears {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// QueuedClears returns the number of clears waiting for the next pass.
func (c *Context) QueuedClears() int {
	n := 0
	for _, q := range c.rp.clears {
		n += len(q)
	}
	return n
}

func (rp *renderPassTracker) resetClears() {
	for i := range rp.clears {
		rp.clears[i] = rp.clears[i][:0]
	}
}

// resolveClears turns the leading full clears of a slot into load ops on
// bind and appends the rest to explicit.
func (rp *renderPassTracker) resolveClears(slot int, bind *AttachmentBinding, explicit []AttachmentClear) []AttachmentClear {
	q := rp.clears[slot]
	lead := 0
	for ; lead < len(q) && q[lead].full(); lead++ {
		cl := q[lead]
		if slot != depthSlot {
			bind.LoadOp = gputypes.LoadOpClear
			bind.Color = cl.color
			continue
		}
		if cl.aspects&ClearDepth != 0 {
			bind.LoadOp = gputypes.LoadOpClear
			bind.Depth = cl.depth
		}
		if cl.aspects&ClearStencil != 0 {
			bind.StencilLoadOp = gputypes.LoadOpClear
			bind.Stencil = cl.stencil
		}
	}
	for _, cl := range q[lead:] {
		explicit = append(explicit, cl.attachmentClear(slot))
	}
	return explicit
}

// Clear clears attachments of the bound framebuffer. Outside a pass the clear
// is queued and folded into the next pass begin; inside a pass it is
// recorded right away. A scissor rect or an active render condition makes
// the clear partial.
func (c *Context) Clear(mask ClearMask, color gputypes.Color, depth float32, stencil uint32, scissor *Rect) error {
	if c.lost() {
		return ErrDeviceLost
	}
	rp := &c.rp
	cl := queuedClear{
		color:       color,
		depth:       depth,
		stencil:     stencil,
		conditional: c.cond != nil,
	}
	if scissor != nil {
		r := *scissor
		cl.rect = &r
	}

	var inline []AttachmentClear
	for i, res := range rp.fb.Colors {
		if res == nil || mask&ClearColor(i) == 0 {
			continue
		}
		cl.aspects = ClearColor(i)
		if rp.inPass {
			inline = append(inline, cl.attachmentClear(i))
		} else {
			rp.queueClear(i, cl)
		}
	}
	if ds := mask & ClearDepthStencil; ds != 0 && rp.fb.Depth != nil {
		format := rp.fb.Depth.Object().format
		if !format.HasStencil() {
			ds &^= ClearStencil
		}
		if !format.HasDepth() {
			ds &^= ClearDepth
		}
		if ds != 0 {
			cl.aspects = ds
			if rp.inPass {
				inline = append(inline, cl.attachmentClear(depthSlot))
			} else {
				rp.queueClear(depthSlot, cl)
			}
		}
	}

	if len(inline) > 0 {
		bs := c.batch.state
		bs.streams[StreamMain].ClearAttachments(inline)
		bs.hasWork = true
	}
	return nil
}
