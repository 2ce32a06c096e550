package backend

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewMemory(t *testing.T) {
	mem := NewMemory(64)

	if mem.Size() != 64 {
		t.Errorf("Size() = %d, want 64", mem.Size())
	}

	if mem.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", mem.InUse())
	}
}

func TestMemoryInitAndMark(t *testing.T) {
	mem := NewMemory(16)

	if err := mem.InitFenceSlot(5, 3); err != nil {
		t.Fatalf("InitFenceSlot failed: %v", err)
	}

	if err := mem.MarkWaitingIP(5, 4); err != nil {
		t.Fatalf("MarkWaitingIP failed: %v", err)
	}
	if err := mem.MarkWaitingIP(5, 1); err != nil {
		t.Fatalf("MarkWaitingIP failed: %v", err)
	}
	// marking twice is harmless
	if err := mem.MarkWaitingIP(5, 4); err != nil {
		t.Fatalf("MarkWaitingIP failed: %v", err)
	}

	slot, ok := mem.Slot(5)
	if !ok {
		t.Fatal("Slot(5) not initialized")
	}
	if slot.TotalSignalers != 3 {
		t.Errorf("TotalSignalers = %d, want 3", slot.TotalSignalers)
	}
	waiters := slot.Waiters()
	if len(waiters) != 2 || waiters[0] != 1 || waiters[1] != 4 {
		t.Errorf("Waiters() = %v, want [1 4]", waiters)
	}

	if mem.InUse() != 1 {
		t.Errorf("InUse() = %d, want 1", mem.InUse())
	}
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(8)

	if err := mem.InitFenceSlot(8, 1); !errors.Is(err, unix.ERANGE) {
		t.Errorf("InitFenceSlot beyond end: got %v, want ERANGE", err)
	}

	if err := mem.MarkWaitingIP(3, 0); !errors.Is(err, unix.ENOENT) {
		t.Errorf("MarkWaitingIP on empty slot: got %v, want ENOENT", err)
	}

	if err := mem.InitFenceSlot(7, 1); err != nil {
		t.Fatalf("InitFenceSlot at last slot failed: %v", err)
	}
	if err := mem.InitFenceSlot(7, 1); !errors.Is(err, unix.EBUSY) {
		t.Errorf("InitFenceSlot twice: got %v, want EBUSY", err)
	}

	if err := mem.MarkWaitingIP(7, 32); !errors.Is(err, unix.EINVAL) {
		t.Errorf("MarkWaitingIP with wide IP: got %v, want EINVAL", err)
	}

	if _, ok := mem.Slot(100); ok {
		t.Error("Slot beyond end should not be initialized")
	}
}

func TestMemoryReset(t *testing.T) {
	mem := NewMemory(8)

	if err := mem.InitFenceSlot(2, 1); err != nil {
		t.Fatalf("InitFenceSlot failed: %v", err)
	}
	if err := mem.MarkWaitingIP(2, 3); err != nil {
		t.Fatalf("MarkWaitingIP failed: %v", err)
	}

	if err := mem.ResetFenceSlot(2); err != nil {
		t.Fatalf("ResetFenceSlot failed: %v", err)
	}
	if _, ok := mem.Slot(2); ok {
		t.Error("Slot should be empty after reset")
	}
	if mem.InUse() != 0 {
		t.Errorf("InUse() = %d after reset, want 0", mem.InUse())
	}

	// reset of an empty slot is a no-op
	if err := mem.ResetFenceSlot(2); err != nil {
		t.Errorf("second ResetFenceSlot failed: %v", err)
	}
	if mem.InUse() != 0 {
		t.Errorf("InUse() = %d after double reset, want 0", mem.InUse())
	}

	// the slot can be reused with fresh state
	if err := mem.InitFenceSlot(2, 4); err != nil {
		t.Fatalf("InitFenceSlot after reset failed: %v", err)
	}
	slot, _ := mem.Slot(2)
	if slot.WaitingIPs != 0 || slot.TotalSignalers != 4 {
		t.Errorf("reused slot = %+v, want fresh state", slot)
	}
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(32)
	_ = mem.InitFenceSlot(0, 1)

	stats := mem.Stats()

	if stats["type"] != "memory" {
		t.Errorf("stats type = %v, want memory", stats["type"])
	}
	if stats["size"] != 32 {
		t.Errorf("stats size = %v, want 32", stats["size"])
	}
	if stats["in_use"] != 1 {
		t.Errorf("stats in_use = %v, want 1", stats["in_use"])
	}
}
