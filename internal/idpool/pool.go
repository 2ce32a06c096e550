// Package idpool provides the partitioned fence ID allocator.
package idpool

import (
	"errors"
	"math/bits"
	"sync"
)

// ErrExhausted is returned by Get when a partition has no free IDs.
var ErrExhausted = errors.New("idpool: partition exhausted")

// Pool hands out small integer IDs from fixed-size contiguous ranges, one
// range per partition. ID = partition*PerPartition + index, so an ID alone
// identifies its partition.
//
// Each partition is a bitmap of used slots. Get is first-fit: the lowest
// free index is always handed out, which keeps live IDs dense and makes
// reuse deterministic.
type Pool struct {
	mu           sync.Mutex
	perPartition uint32
	partitions   []partition
}

type partition struct {
	words []uint64
	used  uint32
}

// New creates a pool with the given number of partitions of perPartition IDs each.
func New(partitions int, perPartition uint32) *Pool {
	p := &Pool{
		perPartition: perPartition,
		partitions:   make([]partition, partitions),
	}
	nwords := (perPartition + 63) / 64
	for i := range p.partitions {
		p.partitions[i].words = make([]uint64, nwords)
	}
	return p
}

// PerPartition returns the size of each partition.
func (p *Pool) PerPartition() uint32 {
	return p.perPartition
}

// Partitions returns the number of partitions.
func (p *Pool) Partitions() int {
	return len(p.partitions)
}

// PartitionOf returns the partition that owns id.
func (p *Pool) PartitionOf(id uint32) int {
	return int(id / p.perPartition)
}

// Get reserves a free ID from the given partition.
func (p *Pool) Get(part int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pt := &p.partitions[part]
	if pt.used == p.perPartition {
		return 0, ErrExhausted
	}

	idx, ok := pt.findFrom(0, p.perPartition)
	if !ok {
		// used counter and bitmap disagree; should be unreachable
		return 0, ErrExhausted
	}

	pt.words[idx/64] |= 1 << (idx % 64)
	pt.used++
	return uint32(part)*p.perPartition + idx, nil
}

// findFrom returns the first clear bit in [from, to).
func (pt *partition) findFrom(from, to uint32) (uint32, bool) {
	for i := from; i < to; {
		w := i / 64
		// mask off bits below i within the word
		free := ^pt.words[w] &^ (1<<(i%64) - 1)
		if free != 0 {
			idx := w*64 + uint32(bits.TrailingZeros64(free))
			if idx < to {
				return idx, true
			}
			return 0, false
		}
		i = (w + 1) * 64
	}
	return 0, false
}

// Put returns id to its partition. It reports false if id was not
// reserved, leaving the pool unchanged.
func (p *Pool) Put(id uint32) bool {
	part := p.PartitionOf(id)
	if part >= len(p.partitions) {
		return false
	}
	idx := id % p.perPartition

	p.mu.Lock()
	defer p.mu.Unlock()

	pt := &p.partitions[part]
	mask := uint64(1) << (idx % 64)
	if pt.words[idx/64]&mask == 0 {
		return false
	}
	pt.words[idx/64] &^= mask
	pt.used--
	return true
}

// InUse returns the number of reserved IDs in a partition.
func (p *Pool) InUse(part int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.partitions[part].used)
}

// Available returns the number of free IDs in a partition.
func (p *Pool) Available(part int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.perPartition - p.partitions[part].used)
}
