// Package mbuf implements the shared-memory packet buffer pool: a fixed
// arena of fixed-size chunks carved into variable-length packets that are
// fanned out to any number of per-port readers with reference counting.
//
// Everything here is statically sized at construction time. Resource
// exhaustion is reported as a nil packet or a false result, never as an
// error value, so time-critical callers can react with a single branch.
package mbuf

import (
	"sync"
	"time"
)

const (
	// ChunkBytes is the payload capacity of one chunk.
	ChunkBytes = 56

	// slotBytes is the accounting granularity of the arena: one chunk
	// payload plus its bookkeeping, mirroring the hardware layout where
	// a 64-byte block holds 56 bytes of data and a next pointer.
	slotBytes = 64

	// MetaWords is the number of opaque metadata words per packet.
	MetaWords = 8

	// QueueDepth is the fixed capacity of every per-port queue.
	QueueDepth = 32

	// DefaultMaxPacket bounds the length of a single written packet.
	DefaultMaxPacket = 2048

	// DefaultTimeout is the watchdog deadline for stalled producers
	// and consumers.
	DefaultTimeout = 1500 * time.Millisecond
)

// nilSlot terminates every intrusive slot-index list.
const nilSlot = int32(-1)

// role tags what a slot is currently used for. The original design
// reinterpreted raw chunk memory as a packet header; the tagged slot
// keeps the zero-extra-allocation property without the type punning.
type role uint8

const (
	roleFree role = iota
	roleHeader
	roleData
)

type chunk struct {
	next int32
	data [ChunkBytes]byte
}

// arena is the fixed pool of slots. Each slot can serve as a free-list
// node, a packet data chunk, or a packet header; a live packet always
// consumes one header slot plus at least one data slot.
type arena struct {
	mu        sync.Mutex
	chunks    []chunk
	headers   []Packet
	roles     []role
	freeHead  int32
	freeBytes int
}

func (a *arena) init(nbytes int) {
	nslots := nbytes / slotBytes
	a.chunks = make([]chunk, nslots)
	a.headers = make([]Packet, nslots)
	a.roles = make([]role, nslots)
	a.freeHead = nilSlot
	for i := nslots - 1; i >= 0; i-- {
		a.chunks[i].next = a.freeHead
		a.freeHead = int32(i)
	}
	a.freeBytes = nslots * ChunkBytes
}

// acquireChunk pops one free slot, or nilSlot if the arena is empty.
func (a *arena) acquireChunk(r role) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.freeHead
	if idx == nilSlot {
		return nilSlot
	}
	a.freeHead = a.chunks[idx].next
	a.chunks[idx].next = nilSlot
	a.roles[idx] = r
	a.freeBytes -= ChunkBytes
	return idx
}

// releaseChunk pushes one slot back onto the free list.
func (a *arena) releaseChunk(idx int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(idx)
}

func (a *arena) releaseLocked(idx int32) {
	a.roles[idx] = roleFree
	a.chunks[idx].next = a.freeHead
	a.freeHead = idx
	a.freeBytes += ChunkBytes
}

// releaseChain returns a whole chunk list to the free list.
func (a *arena) releaseChain(head int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for head != nilSlot {
		next := a.chunks[head].next
		a.releaseLocked(head)
		head = next
	}
}

// FreeBytes reports the bytes currently available for new chunks.
func (a *arena) FreeBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBytes
}

// Consistency verifies the free list is acyclic, every listed slot is
// tagged free, and the counted length matches the free-byte total.
func (a *arena) Consistency() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	idx := a.freeHead
	for idx != nilSlot {
		if count > len(a.chunks) {
			return false // loop detected
		}
		if a.roles[idx] != roleFree {
			return false
		}
		count++
		idx = a.chunks[idx].next
	}
	return count*ChunkBytes == a.freeBytes
}
