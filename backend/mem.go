// Package backend provides standard fence table and handle table
// implementations
package backend

import (
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iif/internal/interfaces"
)

// Slot is the state of one fence in a Memory table
type Slot struct {
	TotalSignalers int
	WaitingIPs     uint32 // bit i set when IP i waits on the fence
}

// Waiters returns the waiting IPs in ascending order
func (s Slot) Waiters() []uint8 {
	var ips []uint8
	for mask := s.WaitingIPs; mask != 0; mask &= mask - 1 {
		ips = append(ips, uint8(bits.TrailingZeros32(mask)))
	}
	return ips
}

type memSlot struct {
	Slot
	used bool
}

// Memory provides a RAM-based fence table
type Memory struct {
	slots []memSlot
	inUse int
	mu    sync.RWMutex
}

// NewMemory creates a fence table with room for size fence IDs
func NewMemory(size int) *Memory {
	return &Memory{
		slots: make([]memSlot, size),
	}
}

// InitFenceSlot implements the Table interface
func (m *Memory) InitFenceSlot(id uint32, totalSignalers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int64(id) >= int64(len(m.slots)) {
		return fmt.Errorf("fence slot %d beyond end of table: %w", id, unix.ERANGE)
	}
	if m.slots[id].used {
		return fmt.Errorf("fence slot %d already initialized: %w", id, unix.EBUSY)
	}

	m.slots[id] = memSlot{Slot: Slot{TotalSignalers: totalSignalers}, used: true}
	m.inUse++
	return nil
}

// MarkWaitingIP implements the Table interface
func (m *Memory) MarkWaitingIP(id uint32, ip uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int64(id) >= int64(len(m.slots)) || !m.slots[id].used {
		return fmt.Errorf("fence slot %d not initialized: %w", id, unix.ENOENT)
	}
	if ip >= 32 {
		return fmt.Errorf("waiter IP %d out of range: %w", ip, unix.EINVAL)
	}

	m.slots[id].WaitingIPs |= 1 << ip
	return nil
}

// ResetFenceSlot implements the SlotResetter interface
func (m *Memory) ResetFenceSlot(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int64(id) >= int64(len(m.slots)) {
		return fmt.Errorf("fence slot %d beyond end of table: %w", id, unix.ERANGE)
	}
	if m.slots[id].used {
		m.inUse--
	}
	m.slots[id] = memSlot{}
	return nil
}

// Slot returns the state of fence slot id and whether it is initialized
func (m *Memory) Slot(id uint32) (Slot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int64(id) >= int64(len(m.slots)) || !m.slots[id].used {
		return Slot{}, false
	}
	return m.slots[id].Slot, true
}

// Size returns the number of fence slots
func (m *Memory) Size() int {
	return len(m.slots)
}

// InUse returns the number of initialized fence slots
func (m *Memory) InUse() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inUse
}

// Stats returns table statistics
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":   "memory",
		"size":   len(m.slots),
		"in_use": m.inUse,
	}
}

// Compile-time interface checks
var (
	_ interfaces.Table        = (*Memory)(nil)
	_ interfaces.SlotResetter = (*Memory)(nil)
)
