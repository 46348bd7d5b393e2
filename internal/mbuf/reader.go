package mbuf

import (
	"sync"
	"time"
)

// packetQueue is the inner bounded container behind a port reader.
type packetQueue interface {
	push(*Packet) bool
	pop() *Packet
}

// portReader wraps an inner queue with the shared per-port lifecycle:
// it tracks the active packet and its read cursor, releases references
// as packets are finalized, and drains everything on watchdog expiry.
type portReader struct {
	Reader

	pool    *Pool
	queue   packetQueue
	enabled bool
	timeout time.Duration
}

func (r *portReader) init(pool *Pool, q packetQueue) {
	r.pool = pool
	r.queue = q
	r.enabled = true
	r.timeout = DefaultTimeout
	pool.attach(r)
}

// Detach removes the reader from the pool's default delivery list, for
// ports being torn down. Queued packets are not released; Flush first.
func (r *portReader) Detach() { r.pool.detach(r) }

// SetEnable controls whether the port accepts new packets. Disabled
// ports reject everything.
func (r *portReader) SetEnable(enable bool) { r.enabled = enable }

// SetTimeout updates the per-packet watchdog deadline.
func (r *portReader) SetTimeout(d time.Duration) { r.timeout = d }

// Accept queues a finished packet for this port. If the port was idle,
// the next packet is activated immediately and the watchdog armed.
// Rejections are side-effect free.
func (r *portReader) Accept(pkt *Packet) bool {
	ok := r.enabled && r.queue.push(pkt)
	if ok && r.Packet() == nil {
		r.pktInit(r.queue.pop())
	}
	return ok
}

// ReadFinalize releases the active packet's reference and activates
// the next queued packet, if any.
func (r *portReader) ReadFinalize() {
	if pkt := r.Packet(); pkt != nil {
		r.pool.releaseRef(pkt)
		r.pktInit(r.queue.pop())
	}
}

// Flush releases the active packet and everything still queued. Used
// when the consumer is stuck or disconnected.
func (r *portReader) Flush() {
	for r.Packet() != nil {
		r.ReadFinalize()
	}
}

// TimerEvent implements the consumer watchdog: data was available but
// nothing was read in time, so the whole queue is discarded.
func (r *portReader) TimerEvent() {
	r.Flush()
}

func (r *portReader) pktInit(pkt *Packet) {
	r.Reset(pkt)
	if pkt != nil {
		r.pool.sched.TimerOnce(r, r.timeout)
	} else {
		r.pool.sched.TimerStop(r)
	}
}

// fifoQueue is a circular buffer of packet pointers: O(1) push and pop,
// service order matches acceptance order.
type fifoQueue struct {
	mu    sync.Mutex
	buf   [QueueDepth]*Packet
	rdidx int
	count int
}

func (q *fifoQueue) push(pkt *Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count >= QueueDepth {
		return false
	}
	q.buf[(q.rdidx+q.count)%QueueDepth] = pkt
	q.count++
	return true
}

func (q *fifoQueue) pop() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	pkt := q.buf[q.rdidx]
	q.buf[q.rdidx] = nil
	q.rdidx = (q.rdidx + 1) % QueueDepth
	q.count--
	return pkt
}

// FIFOReader is a per-port reader that services packets strictly in
// acceptance order.
type FIFOReader struct {
	portReader
	fifo fifoQueue
}

// NewFIFOReader creates a FIFO port reader attached to the pool.
func NewFIFOReader(pool *Pool) *FIFOReader {
	r := &FIFOReader{}
	r.init(pool, &r.fifo)
	return r
}

// CanAccept reports whether the inner queue has room.
func (r *FIFOReader) CanAccept() bool {
	r.fifo.mu.Lock()
	defer r.fifo.mu.Unlock()
	return r.fifo.count < QueueDepth
}

// heapQueue is a binary max-heap of packet pointers ordered by
// priority with an age tie-break: O(log n) push and pop.
type heapQueue struct {
	mu    sync.Mutex
	pool  *Pool
	heap  [QueueDepth]*Packet
	count int
}

// key computes the effective scheduling key for one heap element.
// Higher priority always wins; among equals the older packet (larger
// masked counter difference) wins. The 15-bit mask keeps wraparound of
// the 16-bit arrival counter unambiguous, with the documented bound
// that a packet stuck behind 32k higher-priority arrivals can be
// misordered.
func (q *heapQueue) key(idx int) uint32 {
	if idx >= q.count {
		return 0
	}
	age := uint32(q.pool.Seq()-q.heap[idx].seq) & 0x7FFF
	return uint32(q.heap[idx].priority)<<16 + age + 1
}

func (q *heapQueue) swap(prev, next int) int {
	q.heap[prev], q.heap[next] = q.heap[next], q.heap[prev]
	return next
}

func (q *heapQueue) push(pkt *Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count >= QueueDepth {
		return false
	}
	idx := q.count
	q.heap[idx] = pkt
	q.count++
	for idx > 0 {
		parent := (idx - 1) / 2
		if q.key(parent) >= q.key(idx) {
			break
		}
		idx = q.swap(idx, parent)
	}
	return true
}

func (q *heapQueue) pop() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	next := q.heap[0]
	q.count--
	q.heap[0] = q.heap[q.count]
	q.heap[q.count] = nil
	idx := 0
	for idx < q.count {
		ll := 2*idx + 1
		rr := 2*idx + 2
		pi := q.key(idx)
		pl := q.key(ll)
		pr := q.key(rr)
		if pi > pl && pi > pr {
			break
		}
		if pl >= pr {
			idx = q.swap(idx, ll)
		} else {
			idx = q.swap(idx, rr)
		}
	}
	return next
}

// PriorityReader is a per-port reader that services packets by
// priority, breaking ties by age. This deliberately deviates from
// global FIFO ordering, scoped to this one port.
type PriorityReader struct {
	portReader
	hq heapQueue
}

// NewPriorityReader creates a priority port reader attached to the pool.
func NewPriorityReader(pool *Pool) *PriorityReader {
	r := &PriorityReader{}
	r.hq.pool = pool
	r.init(pool, &r.hq)
	return r
}

// CanAccept reports whether the inner heap has room.
func (r *PriorityReader) CanAccept() bool {
	r.hq.mu.Lock()
	defer r.hq.mu.Unlock()
	return r.hq.count < QueueDepth
}

// Consistency verifies the heap invariant: every node's key is at
// least as large as both of its children's keys.
func (r *PriorityReader) Consistency() bool {
	r.hq.mu.Lock()
	defer r.hq.mu.Unlock()
	for i := 0; i < r.hq.count; i++ {
		pi := r.hq.key(i)
		if pi < r.hq.key(2*i+1) || pi < r.hq.key(2*i+2) {
			return false
		}
	}
	return true
}
