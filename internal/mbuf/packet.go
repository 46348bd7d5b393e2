package mbuf

import "io"

// Packet is one finished or in-progress frame: a linked list of data
// chunks plus length, priority, reference count, and opaque metadata
// words for the switch layer. Packet headers live in their own arena
// slot, so the accounting identity is one header slot plus one slot
// per data chunk.
type Packet struct {
	pool     *Pool
	slot     int32 // this header's own slot
	next     int32 // delivery-queue link (slot of next queued packet)
	head     int32 // first data chunk
	tail     int32 // last data chunk
	nchunks  int
	length   int
	priority uint16
	seq      uint16
	refct    int

	// Meta carries opaque per-packet words set by the ingress port at
	// finalize time and read by plugins and readers. The pool itself
	// never touches it.
	Meta [MetaWords]uint32
}

// Length reports the total valid byte count, fixed at finalize time.
func (p *Packet) Length() int { return p.length }

// Priority reports the scheduling hint (0 = best effort).
func (p *Packet) Priority() uint16 { return p.priority }

// SetPriority updates the scheduling hint. Only meaningful before the
// packet reaches a priority queue.
func (p *Packet) SetPriority(pri uint16) { p.priority = pri }

// Seq reports the arrival-counter snapshot stamped at enqueue time.
func (p *Packet) Seq() uint16 { return p.seq }

// RefCount reports the number of outstanding consumers.
func (p *Packet) RefCount() int { return p.refct }

// Peek returns a read-only view of the first chunk's valid prefix.
// Enough for an Ethernet header plus the start of the network header.
func (p *Packet) Peek() []byte {
	n := p.length
	if n > ChunkBytes {
		n = ChunkBytes
	}
	return p.pool.chunks[p.head].data[:n]
}

// CopyTo writes the complete packet contents to w.
func (p *Packet) CopyTo(w io.Writer) error {
	rem := p.length
	for idx := p.head; idx != nilSlot && rem > 0; idx = p.pool.chunks[idx].next {
		n := rem
		if n > ChunkBytes {
			n = ChunkBytes
		}
		if _, err := w.Write(p.pool.chunks[idx].data[:n]); err != nil {
			return err
		}
		rem -= n
	}
	return nil
}

// Reader is a sequential cursor over a packet's chunk list. Multiple
// readers may walk the same packet concurrently with its other
// consumers; the cursor itself holds no references.
type Reader struct {
	pkt   *Packet
	chunk int32
	pos   int
	rem   int
}

// NewReader returns a cursor positioned at the start of the packet.
func (p *Packet) NewReader() Reader {
	r := Reader{}
	r.Reset(p)
	return r
}

// Reset points the cursor at the start of the designated packet.
func (r *Reader) Reset(p *Packet) {
	r.pkt = p
	r.pos = 0
	if p != nil {
		r.chunk = p.head
		r.rem = p.length
	} else {
		r.chunk = nilSlot
		r.rem = 0
	}
}

// Packet returns the packet under the cursor, if any.
func (r *Reader) Packet() *Packet { return r.pkt }

// ReadReady reports the unread bytes remaining.
func (r *Reader) ReadReady() int { return r.rem }

// ReadBytes copies exactly len(dst) bytes, spanning chunk boundaries.
// Returns false without copying anything if not enough bytes remain.
func (r *Reader) ReadBytes(dst []byte) bool {
	if len(dst) > r.rem {
		return false
	}
	pool := r.pkt.pool
	for len(dst) > 0 {
		span := ChunkBytes - r.pos
		n := len(dst)
		if n > span {
			n = span
		}
		copy(dst[:n], pool.chunks[r.chunk].data[r.pos:r.pos+n])
		if n == span {
			r.chunk = pool.chunks[r.chunk].next
			r.pos = 0
		} else {
			r.pos += n
		}
		dst = dst[n:]
		r.rem -= n
	}
	return true
}

// ReadConsume advances the cursor n bytes without copying.
func (r *Reader) ReadConsume(n int) bool {
	if n > r.rem {
		return false
	}
	pool := r.pkt.pool
	for n > 0 {
		span := ChunkBytes - r.pos
		step := n
		if step > span {
			step = span
		}
		if step == span {
			r.chunk = pool.chunks[r.chunk].next
			r.pos = 0
		} else {
			r.pos += step
		}
		n -= step
		r.rem -= step
	}
	return true
}

// ReadFinalize rewinds the cursor so the same packet can be reread
// from the start. Reference counts are unaffected.
func (r *Reader) ReadFinalize() {
	r.Reset(r.pkt)
}

// Overwriter mutates a packet's existing bytes in place, using the
// same chunk-spanning traversal as Reader. It can never change the
// packet's total length; it tracks the bytes it has touched so header
// rewrites can be audited.
type Overwriter struct {
	pkt     *Packet
	chunk   int32
	pos     int
	rem     int
	touched int
}

// NewOverwriter returns an in-place cursor at the start of the packet.
func (p *Packet) NewOverwriter() Overwriter {
	return Overwriter{pkt: p, chunk: p.head, rem: p.length}
}

// Remaining reports the overwritable bytes left under the cursor.
func (o *Overwriter) Remaining() int { return o.rem }

// Touched reports the total bytes written so far.
func (o *Overwriter) Touched() int { return o.touched }

// WriteBytes overwrites exactly len(src) bytes in place. Returns false
// without writing anything if the packet has fewer bytes remaining.
func (o *Overwriter) WriteBytes(src []byte) bool {
	if len(src) > o.rem {
		return false
	}
	pool := o.pkt.pool
	for len(src) > 0 {
		span := ChunkBytes - o.pos
		n := len(src)
		if n > span {
			n = span
		}
		copy(pool.chunks[o.chunk].data[o.pos:o.pos+n], src[:n])
		if n == span {
			o.chunk = pool.chunks[o.chunk].next
			o.pos = 0
		} else {
			o.pos += n
		}
		src = src[n:]
		o.rem -= n
		o.touched += n
	}
	return true
}

// Skip advances the cursor past n bytes, leaving them untouched.
func (o *Overwriter) Skip(n int) bool {
	if n > o.rem {
		return false
	}
	pool := o.pkt.pool
	for n > 0 {
		span := ChunkBytes - o.pos
		step := n
		if step > span {
			step = span
		}
		if step == span {
			o.chunk = pool.chunks[o.chunk].next
			o.pos = 0
		} else {
			o.pos += step
		}
		n -= step
		o.rem -= step
	}
	return true
}
