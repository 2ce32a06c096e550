package iif

import "sync"

// MockTable provides a mock implementation of Table for testing.
// It implements SlotResetter and records every call for verification.
type MockTable struct {
	mu sync.Mutex

	// Injected failures (nil means succeed)
	InitErr  error
	MarkErr  error
	ResetErr error

	slots map[uint32]MockSlot

	// Method call tracking
	initCalls  int
	markCalls  int
	resetCalls int
}

// MockSlot is the state MockTable keeps per fence slot
type MockSlot struct {
	TotalSignalers int
	WaitingIPs     []uint8
}

// NewMockTable creates an empty mock table
func NewMockTable() *MockTable {
	return &MockTable{
		slots: make(map[uint32]MockSlot),
	}
}

// InitFenceSlot implements the Table interface
func (m *MockTable) InitFenceSlot(id uint32, totalSignalers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initCalls++
	if m.InitErr != nil {
		return m.InitErr
	}
	m.slots[id] = MockSlot{TotalSignalers: totalSignalers}
	return nil
}

// MarkWaitingIP implements the Table interface
func (m *MockTable) MarkWaitingIP(id uint32, ip uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.markCalls++
	if m.MarkErr != nil {
		return m.MarkErr
	}
	slot := m.slots[id]
	slot.WaitingIPs = append(slot.WaitingIPs, ip)
	m.slots[id] = slot
	return nil
}

// ResetFenceSlot implements the SlotResetter interface
func (m *MockTable) ResetFenceSlot(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetCalls++
	if m.ResetErr != nil {
		return m.ResetErr
	}
	delete(m.slots, id)
	return nil
}

// Slot returns the recorded slot for id
func (m *MockTable) Slot(id uint32) (MockSlot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	return s, ok
}

// SetFailures replaces the injected failures under the table lock
func (m *MockTable) SetFailures(initErr, markErr, resetErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitErr, m.MarkErr, m.ResetErr = initErr, markErr, resetErr
}

// Calls returns how many times each method was called
func (m *MockTable) Calls() (inits, marks, resets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls, m.markCalls, m.resetCalls
}

// MockHandleTable provides a mock implementation of HandleTable for
// testing. Installed fences are kept by handle number; Close releases a
// handle the way a real sync-file layer would.
type MockHandleTable struct {
	mu      sync.Mutex
	next    int
	handles map[int]*Fence

	// InstallErr, if set, makes Install fail
	InstallErr error

	installCalls int
}

// NewMockHandleTable creates an empty mock handle table
func NewMockHandleTable() *MockHandleTable {
	return &MockHandleTable{
		next:    3,
		handles: make(map[int]*Fence),
	}
}

// Install implements the HandleTable interface
func (m *MockHandleTable) Install(f *Fence) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.installCalls++
	if m.InstallErr != nil {
		return -1, m.InstallErr
	}
	fd := m.next
	m.next++
	m.handles[fd] = f
	return fd, nil
}

// Close closes a handle, notifying the fence and dropping the handle's
// reference. It reports whether fd was open.
func (m *MockHandleTable) Close(fd int) bool {
	m.mu.Lock()
	f, ok := m.handles[fd]
	delete(m.handles, fd)
	m.mu.Unlock()

	if !ok {
		return false
	}
	f.OnHandleReleased()
	f.Put()
	return true
}

// Fence returns the fence behind fd without taking a reference
func (m *MockHandleTable) Fence(fd int) (*Fence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.handles[fd]
	return f, ok
}

// InstallCalls returns how many times Install was called
func (m *MockHandleTable) InstallCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installCalls
}

// Compile-time interface checks
var _ SlotResetter = (*MockTable)(nil)
var _ HandleTable = (*MockHandleTable)(nil)
