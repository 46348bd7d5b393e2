package mbuf

import (
	"io"

	"etherweave.xyz/swfab/internal/poll"
)

// Acceptor is anything that can take delivery of a finished packet,
// normally a per-port reader. Accept must be fast and side-effect free
// on failure.
type Acceptor interface {
	Accept(*Packet) bool
}

// DeliverFunc routes one finished packet and returns the number of
// acceptors that took it. The switch fabric installs its own.
type DeliverFunc func(*Packet) int

// Pool is the buffer-pool coordinator: it owns the chunk arena, the
// delivery queue of finished packets, and the fan-out policy. Enqueue
// is the only operation intended for time-critical context; the
// expensive delivery walk runs as a deferred demand on the scheduler.
type Pool struct {
	arena

	sched     *poll.Scheduler
	deliver   DeliverFunc
	debug     io.Writer
	maxPacket int

	// Delivery queue state, guarded by the arena mutex so that one
	// critical section covers all shared pool state.
	seq     uint16
	rxHead  int32
	rxTail  int32
	readers []Acceptor
}

// NewPool creates a pool with an arena of nbytes, rounded down to
// whole slots, attached to the given scheduler.
func NewPool(nbytes int, sched *poll.Scheduler) *Pool {
	p := &Pool{
		sched:     sched,
		maxPacket: DefaultMaxPacket,
		rxHead:    nilSlot,
		rxTail:    nilSlot,
	}
	p.arena.init(nbytes)
	p.deliver = p.broadcast
	return p
}

// Scheduler returns the event loop driving this pool.
func (p *Pool) Scheduler() *poll.Scheduler { return p.sched }

// SetDeliver overrides the delivery policy. The default offers every
// packet to every attached acceptor.
func (p *Pool) SetDeliver(fn DeliverFunc) { p.deliver = fn }

// SetDebug installs a sink that receives a carbon copy of every packet
// before delivery. Pass nil to disable.
func (p *Pool) SetDebug(w io.Writer) { p.debug = w }

// SetMaxPacket adjusts the default length budget for new writers.
func (p *Pool) SetMaxPacket(n int) { p.maxPacket = n }

// Seq reports the current arrival counter.
func (p *Pool) Seq() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Stamp assigns the next arrival-counter value to a packet delivered
// outside the normal enqueue path, such as a per-port rewrite copy.
func (p *Pool) Stamp(pkt *Packet) {
	p.mu.Lock()
	p.seq++
	pkt.seq = p.seq
	p.mu.Unlock()
}

// attach registers an acceptor for default broadcast delivery.
func (p *Pool) attach(r Acceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers = append(p.readers, r)
}

// detach removes an acceptor from default broadcast delivery.
func (p *Pool) detach(r Acceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.readers {
		if a == r {
			p.readers = append(p.readers[:i], p.readers[i+1:]...)
			return
		}
	}
}

// newPacket allocates a header slot plus one data chunk. On partial
// failure everything is released and nil is returned; no leaks.
func (p *Pool) newPacket() *Packet {
	hs := p.acquireChunk(roleHeader)
	if hs == nilSlot {
		return nil
	}
	ds := p.acquireChunk(roleData)
	if ds == nilSlot {
		p.releaseChunk(hs)
		return nil
	}
	pkt := &p.headers[hs]
	*pkt = Packet{
		pool:    p,
		slot:    hs,
		next:    nilSlot,
		head:    ds,
		tail:    ds,
		nchunks: 1,
		refct:   1,
	}
	return pkt
}

// FreePacket immediately returns all of the packet's chunks and its
// header slot to the arena. The caller must hold the last reference.
func (p *Pool) FreePacket(pkt *Packet) {
	p.releaseChain(pkt.head)
	pkt.head = nilSlot
	pkt.tail = nilSlot
	pkt.nchunks = 0
	p.releaseChunk(pkt.slot)
}

// releaseRef drops one reference, freeing the packet at zero.
func (p *Pool) releaseRef(pkt *Packet) {
	p.mu.Lock()
	pkt.refct--
	last := pkt.refct == 0
	p.mu.Unlock()
	if last {
		p.FreePacket(pkt)
	}
}

// Enqueue pushes a finished packet onto the delivery queue and requests
// a deferred processing pass. O(1) and allocation free; this is the one
// pool operation safe from time-critical context.
func (p *Pool) Enqueue(pkt *Packet) bool {
	p.mu.Lock()
	p.seq++
	pkt.seq = p.seq
	pkt.next = nilSlot
	if p.rxTail == nilSlot {
		p.rxHead = pkt.slot
	} else {
		p.headers[p.rxTail].next = pkt.slot
	}
	p.rxTail = pkt.slot
	p.mu.Unlock()

	// The delivery walk is too much work for the caller's context.
	p.sched.RequestPoll(p)
	return true
}

// dequeue pops the next finished packet, or nil when the queue drains.
func (p *Pool) dequeue() *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rxHead == nilSlot {
		return nil
	}
	pkt := &p.headers[p.rxHead]
	p.rxHead = pkt.next
	if p.rxHead == nilSlot {
		p.rxTail = nilSlot
	}
	pkt.next = nilSlot
	return pkt
}

// PollDemand drains the delivery queue. The refcount of 1 set at
// creation already accounts for exactly one acceptance: zero acceptors
// frees the packet, more than one corrects the count upward.
func (p *Pool) PollDemand() {
	for pkt := p.dequeue(); pkt != nil; pkt = p.dequeue() {
		if p.debug != nil {
			_ = pkt.CopyTo(p.debug)
		}
		n := p.deliver(pkt)
		if n == 0 {
			p.FreePacket(pkt)
		} else if n > 1 {
			p.mu.Lock()
			pkt.refct = n
			p.mu.Unlock()
		}
	}
}

// broadcast is the default delivery policy: offer the packet to every
// attached acceptor in registration order.
func (p *Pool) broadcast(pkt *Packet) int {
	count := 0
	for _, r := range p.readers {
		if r.Accept(pkt) {
			count++
		}
	}
	return count
}
