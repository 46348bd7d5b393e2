package mbuf

import "time"

// Writer builds one packet at a time by acquiring chunks on demand as
// bytes are appended. Exceeding the arena or the length budget latches
// an overflow: the partial packet is released immediately and further
// writes are discarded until WriteFinalize or WriteAbort.
//
// A watchdog timer is re-armed on every write and disarmed on
// finalize/abort; expiry is equivalent to WriteAbort, so a stalled
// producer can never hold chunks forever.
type Writer struct {
	pool     *Pool
	pkt      *Packet
	tail     int32
	pos      int
	length   int
	overflow bool
	maxLen   int
	timeout  time.Duration
}

// NewWriter creates an idle writer bound to the pool.
func NewWriter(pool *Pool) *Writer {
	return &Writer{
		pool:    pool,
		tail:    nilSlot,
		maxLen:  pool.maxPacket,
		timeout: DefaultTimeout,
	}
}

// SetMaxPacket updates the length budget for subsequent packets.
func (w *Writer) SetMaxPacket(n int) { w.maxLen = n }

// SetTimeout updates the write watchdog deadline.
func (w *Writer) SetTimeout(d time.Duration) { w.timeout = d }

// SetPriority sets the scheduling hint of the packet in progress.
func (w *Writer) SetPriority(pri uint16) {
	if w.pkt != nil {
		w.pkt.SetPriority(pri)
	}
}

// WritePartial reports the bytes written to the packet in progress.
func (w *Writer) WritePartial() int {
	if w.overflow {
		return 0
	}
	return w.length
}

// GetWriteSpace reports how many more bytes can be written, bounded by
// the length budget and by remaining arena capacity plus tail slack.
func (w *Writer) GetWriteSpace() int {
	if w.overflow || w.length >= w.maxLen {
		return 0
	}
	budget := w.maxLen - w.length
	avail := w.pool.FreeBytes()
	if w.tail != nilSlot {
		avail += ChunkBytes - w.pos
	}
	if budget < avail {
		return budget
	}
	return avail
}

// writePrep opens a new packet or extends the chunk list as needed,
// returning the writable bytes in the tail chunk (0 on failure).
func (w *Writer) writePrep() int {
	if w.overflow || w.length >= w.maxLen {
		return 0
	}
	if w.pkt == nil {
		w.length = 0
		w.pos = 0
		w.pkt = w.pool.newPacket()
		if w.pkt == nil {
			return 0
		}
		w.tail = w.pkt.head
	} else if w.pos >= ChunkBytes {
		idx := w.pool.acquireChunk(roleData)
		if idx == nilSlot {
			return 0
		}
		w.pool.chunks[w.tail].next = idx
		w.pkt.tail = idx
		w.pkt.nchunks++
		w.tail = idx
		w.pos = 0
	}
	return ChunkBytes - w.pos
}

// WriteBytes appends src to the packet in progress. Writes that cannot
// complete latch the overflow state; the failure surfaces at finalize.
func (w *Writer) WriteBytes(src []byte) {
	w.pool.sched.TimerOnce(w, w.timeout)
	if len(src) > w.GetWriteSpace() {
		w.writeOverflow()
		return
	}
	for len(src) > 0 {
		span := w.writePrep()
		if span == 0 {
			break
		}
		n := len(src)
		if n > span {
			n = span
		}
		copy(w.pool.chunks[w.tail].data[w.pos:w.pos+n], src[:n])
		src = src[n:]
		w.pos += n
		w.length += n
	}
	if len(src) > 0 {
		w.writeOverflow()
	}
}

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(b byte) {
	w.pool.sched.TimerOnce(w, w.timeout)
	if w.writePrep() > 0 {
		w.pool.chunks[w.tail].data[w.pos] = b
		w.pos++
		w.length++
	} else {
		w.writeOverflow()
	}
}

// writeOverflow releases the working packet and discards everything
// until the caller finalizes or aborts.
func (w *Writer) writeOverflow() {
	w.overflow = true
	if w.pkt != nil {
		w.pool.FreePacket(w.pkt)
		w.pkt = nil
		w.tail = nilSlot
	}
}

// WriteFinalize freezes the packet length and returns the finished
// packet for caller-driven enqueue, or nil if nothing was written or
// the writer overflowed. Either way the writer returns to idle.
func (w *Writer) WriteFinalize() *Packet {
	if w.pkt == nil || w.overflow {
		w.WriteAbort()
		return nil
	}
	pkt := w.pkt
	pkt.length = w.length
	w.pool.sched.TimerStop(w)
	w.pkt = nil
	w.tail = nilSlot
	w.pos = 0
	w.length = 0
	return pkt
}

// WriteAbort releases any work in progress and resets to idle.
func (w *Writer) WriteAbort() {
	if w.pkt != nil {
		w.pool.FreePacket(w.pkt)
	}
	w.pool.sched.TimerStop(w)
	w.pkt = nil
	w.tail = nilSlot
	w.pos = 0
	w.length = 0
	w.overflow = false
}

// TimerEvent implements the write watchdog: a partial packet that is
// neither finalized nor aborted in time is discarded.
func (w *Writer) TimerEvent() {
	w.WriteAbort()
}
