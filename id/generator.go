package id

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bit layout of time-ordered IDs: (ms << 22) | (node << 16) | seq
const (
	seqBits   = 16
	nodeBits  = 6
	seqMask   = (1 << seqBits) - 1
	nodeMask  = (1 << nodeBits) - 1
	timeShift = seqBits + nodeBits
)

// Generator provides unique transaction IDs.
type Generator interface {
	NextID() uint64
}

// TimeGenerator generates roughly time-ordered IDs that stay unique across
// up to 64 nodes. Thread-safe.
type TimeGenerator struct {
	node   uint64
	lastMS int64
	seq    uint64
	now    func() time.Time
	mu     sync.Mutex
}

// NewTimeGenerator creates a generator for the given node. Only the low six
// bits of nodeID are used.
func NewTimeGenerator(nodeID uint64) *TimeGenerator {
	return &TimeGenerator{
		node: nodeID & nodeMask,
		now:  time.Now,
	}
}

// NextID returns a strictly increasing ID.
func (g *TimeGenerator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMS {
		// Clock went backwards, keep issuing from the last millisecond
		ms = g.lastMS
	}

	if ms > g.lastMS {
		g.lastMS = ms
		g.seq = 0
	}

	g.seq++
	if g.seq > seqMask {
		// Sequence exhausted for this millisecond, borrow the next one
		g.lastMS++
		g.seq = 1
	}

	return uint64(g.lastMS)<<timeShift | g.node<<seqBits | g.seq
}

// SequenceGenerator issues 1, 2, 3, ... and is meant for tests and
// single-process setups.
type SequenceGenerator struct {
	next atomic.Uint64
}

// NextID returns the next sequence number
func (g *SequenceGenerator) NextID() uint64 {
	return g.next.Add(1)
}
