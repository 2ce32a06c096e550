package iif

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// PollCallback is invoked once when every signaler of a fence has
// signaled. The record is owned by the caller and identifies the
// registration for RemovePollCallback; it may be registered on one fence
// at a time.
//
// Func runs with the fence's signal lock held. It must be short, must not
// block, and must not call Signal, IsSignaled or the poll callback methods
// of the same fence.
type PollCallback struct {
	Func func(f *Fence, cb *PollCallback)
	Data any

	fence atomic.Pointer[Fence] // non-nil while registered
}

// AllSubmittedCallback is invoked once when every signaler of a fence has
// submitted. RemainingSignalers holds the unsubmitted count observed when
// the callback was added.
//
// Func runs with the fence's submission lock held, with the same
// restrictions as PollCallback.Func. It must not call SubmitSignaler,
// SubmitWaiter, UnsubmittedSignalers or the all-submitted callback methods
// of the same fence.
type AllSubmittedCallback struct {
	Func func(f *Fence, cb *AllSubmittedCallback)
	Data any

	RemainingSignalers int

	fence atomic.Pointer[Fence] // non-nil while registered
}

// HandleTable is the pollable-handle collaborator. Install publishes f in
// a process-local table and returns the handle number. The caller passes
// ownership of one reference to the table; when the handle is closed the
// table must call f.OnHandleReleased and then f.Put.
type HandleTable interface {
	Install(f *Fence) (int, error)
}

// Fence tracks completion of a fixed number of signalers.
//
// Three locks protect three independent groups of state. The fence never
// holds two of them at once; only callbacks can nest them.
//   - submittedMu: submitted signaler count and all-submitted callbacks
//   - signaledMu: signaled signaler count and poll callbacks
//   - stateMu: outstanding waiter count and lifecycle state
type Fence struct {
	m              *Manager
	id             uint32
	ip             IP
	totalSignalers int
	name           string
	onRelease      func(f *Fence)
	createdAt      time.Time

	submittedMu        sync.Mutex
	submittedSignalers int
	allSubmittedCbs    []*AllSubmittedCallback

	signaledMu        sync.Mutex
	signaledSignalers int
	pollCbs           []*PollCallback

	stateMu            sync.Mutex
	outstandingWaiters int
	state              FenceState
	installing         bool // handle install in flight

	refs      atomic.Int32
	destroyed atomic.Bool
}

func newFence(m *Manager, id uint32, ip IP, totalSignalers int, opts *FenceOptions) *Fence {
	f := &Fence{
		m:              m,
		id:             id,
		ip:             ip,
		totalSignalers: totalSignalers,
		createdAt:      time.Now(),
		state:          StateInitialized,
	}
	if opts != nil {
		f.name = opts.Name
		f.onRelease = opts.OnRelease
	}
	f.refs.Store(1)
	return f
}

// ID returns the fence ID. It is only unique among live fences.
func (f *Fence) ID() uint32 {
	return f.id
}

// IP returns the signaler IP the fence was allocated for
func (f *Fence) IP() IP {
	return f.ip
}

// Name returns the label given at allocation
func (f *Fence) Name() string {
	return f.name
}

// TotalSignalers returns the number of signalers the fence expects
func (f *Fence) TotalSignalers() int {
	return f.totalSignalers
}

// SubmitSignaler records that one signaler has been dispatched and returns
// the number of signalers still to submit. The call that completes
// submission fires every all-submitted callback in registration order.
// Submitting past TotalSignalers fails with ErrAlreadyComplete and has no
// side effect.
func (f *Fence) SubmitSignaler() (int, error) {
	f.submittedMu.Lock()
	defer f.submittedMu.Unlock()

	if f.submittedSignalers == f.totalSignalers {
		f.m.observer.ObserveSubmitSignaler(f.ip, false)
		return 0, NewFenceError(opSubmitSignaler, f, ErrCodeAlreadyComplete, "all signalers already submitted")
	}

	f.submittedSignalers++
	f.m.observer.ObserveSubmitSignaler(f.ip, true)

	remaining := f.totalSignalers - f.submittedSignalers
	if remaining == 0 {
		cbs := f.allSubmittedCbs
		f.allSubmittedCbs = nil
		for _, cb := range cbs {
			cb.fence.Store(nil)
			cb.Func(f, cb)
		}
		if len(cbs) > 0 {
			f.m.observer.ObserveCallbacks(CallbackAllSubmitted, len(cbs))
		}
	}
	return remaining, nil
}

// UnsubmittedSignalers returns the number of signalers yet to submit
func (f *Fence) UnsubmittedSignalers() int {
	f.submittedMu.Lock()
	defer f.submittedMu.Unlock()
	return f.totalSignalers - f.submittedSignalers
}

// SubmittedSignalers returns the number of signalers that have submitted
func (f *Fence) SubmittedSignalers() int {
	f.submittedMu.Lock()
	defer f.submittedMu.Unlock()
	return f.submittedSignalers
}

// SubmitWaiter registers ip as a waiter on f.
//
// If some signalers have not submitted yet, nothing is registered and the
// unsubmitted count is returned; the caller retries later. Otherwise the
// waiter count grows by one, the hardware table learns that ip waits on
// this fence, and 0 is returned.
func (f *Fence) SubmitWaiter(ip IP) (int, error) {
	if !ip.Valid() {
		return 0, NewIPError(opSubmitWaiter, ip, ErrCodeInvalidParameters, "unknown waiter IP")
	}

	if remaining := f.UnsubmittedSignalers(); remaining > 0 {
		f.m.observer.ObserveSubmitWaiter(ip, false)
		return remaining, nil
	}

	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	// the ID may already belong to another fence
	if f.state == StateRetired {
		return 0, NewFenceError(opSubmitWaiter, f, ErrCodeRetired, "cannot wait on a retired fence")
	}

	f.outstandingWaiters++
	if t := f.m.table; t != nil {
		if err := t.MarkWaitingIP(f.id, uint8(ip)); err != nil {
			f.outstandingWaiters--
			f.m.logger.WithFence(f.id).Error("failed to mark waiting IP", "op", opMarkWaitingIP, "ip", ip.String(), "error", err)
			e := WrapError(opMarkWaitingIP, ErrCodeTableFailure, err)
			e.FenceID, e.HasID = f.id, true
			e.IP, e.HasIP = ip, true
			return 0, e
		}
	}
	f.m.observer.ObserveSubmitWaiter(ip, true)
	return 0, nil
}

// Signal records that one signaler has finished. The call that brings the
// signaled count to TotalSignalers fires every poll callback in
// registration order. Signaling a fully signaled fence is tolerated and
// only logged.
func (f *Fence) Signal() {
	f.signaledMu.Lock()
	defer f.signaledMu.Unlock()

	if f.signaledSignalers == f.totalSignalers {
		f.m.observer.ObserveSignal(f.ip, true)
		f.m.logger.Warn("fence already signaled", "op", opSignal, "fence_id", f.id, "ip", f.ip.String())
		return
	}

	f.signaledSignalers++
	f.m.observer.ObserveSignal(f.ip, false)

	if f.signaledSignalers == f.totalSignalers {
		cbs := f.pollCbs
		f.pollCbs = nil
		for _, cb := range cbs {
			cb.fence.Store(nil)
			cb.Func(f, cb)
		}
		if len(cbs) > 0 {
			f.m.observer.ObserveCallbacks(CallbackPoll, len(cbs))
		}
	}
}

// IsSignaled reports whether every signaler has signaled.
// It reads under signaledMu, the lock AddPollCallback checks completion
// under, so a poll callback is never added after the last Signal.
func (f *Fence) IsSignaled() bool {
	f.signaledMu.Lock()
	defer f.signaledMu.Unlock()
	return f.signaledSignalers == f.totalSignalers
}

// SignaledSignalers returns the number of signalers that have signaled
func (f *Fence) SignaledSignalers() int {
	f.signaledMu.Lock()
	defer f.signaledMu.Unlock()
	return f.signaledSignalers
}

// Waited is called by a waiter once it stops waiting, whether or not it
// saw the fence signaled. An unmatched call is logged and ignored.
//
// When the last waiter leaves a fence that has had a handle, the fence
// retires early: its ID goes back to the pool even though the fence object
// (and its handle) may still be referenced.
func (f *Fence) Waited() {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if f.outstandingWaiters == 0 {
		f.m.observer.ObserveWaited(false)
		f.m.logger.Warn("waited without outstanding waiters", "op", opWaited, "fence_id", f.id)
		return
	}

	f.outstandingWaiters--
	f.m.observer.ObserveWaited(true)
	f.retireIfPossibleLocked()
}

// OutstandingWaiters returns the number of registered waiters
func (f *Fence) OutstandingWaiters() int {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.outstandingWaiters
}

// State returns the lifecycle state
func (f *Fence) State() FenceState {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.state
}

// retireIfPossibleLocked retires f once no waiter remains and a handle has
// been created for it. A fence still in StateInitialized may be about to
// get a handle, so it only retires on destruction. Caller holds f.stateMu.
func (f *Fence) retireIfPossibleLocked() {
	if f.outstandingWaiters == 0 && f.state != StateInitialized {
		f.m.retireLocked(f, true)
	}
}

// InstallHandle exposes f through t as a pollable handle and returns the
// handle number. Only one install may ever succeed. A retired fence fails
// with ErrRetired; a fence that already has (or is getting) a handle fails
// with ErrHandleExists. If t fails, f is left in StateInitialized.
func (f *Fence) InstallHandle(t HandleTable) (int, error) {
	if t == nil {
		return -1, NewFenceError(opInstallHandle, f, ErrCodeInvalidParameters, "nil handle table")
	}

	f.stateMu.Lock()
	switch {
	case f.state == StateRetired:
		f.stateMu.Unlock()
		return -1, NewFenceError(opInstallHandle, f, ErrCodeRetired, "already retired, cannot install")
	case f.state != StateInitialized || f.installing:
		f.stateMu.Unlock()
		return -1, NewFenceError(opInstallHandle, f, ErrCodeHandleExists, "already has a handle")
	}
	f.installing = true
	f.stateMu.Unlock()

	// reference owned by the handle
	f.Get()
	fd, err := t.Install(f)

	f.stateMu.Lock()
	f.installing = false
	if err != nil {
		f.stateMu.Unlock()
		f.Put()
		return -1, WrapError(opInstallHandle, ErrCodeHandleFailure, err)
	}
	// the handle may already have been closed, or the fence freed
	if f.state == StateInitialized {
		f.state = StateFileCreated
	}
	f.stateMu.Unlock()

	f.m.observer.ObserveHandle(true)
	return fd, nil
}

// OnHandleReleased is called by the handle collaborator when the handle
// is closed. The fence retires now if no waiter remains.
func (f *Fence) OnHandleReleased() {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if f.state != StateRetired {
		f.state = StateFileReleased
	}
	f.m.observer.ObserveHandle(false)
	f.retireIfPossibleLocked()
}

// Get acquires a reference. The caller must already hold one.
func (f *Fence) Get() *Fence {
	f.refs.Add(1)
	return f
}

// TryGet acquires a reference unless the fence is already being destroyed
func (f *Fence) TryGet() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put releases a reference. The last Put retires the fence if it has not
// retired yet and then runs the OnRelease hook.
func (f *Fence) Put() {
	n := f.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		f.m.logger.Error("fence reference released too many times", "op", opPut, "fence_id", f.id, "refs", n)
		return
	}
	f.destroy()
}

// Refs returns the current reference count
func (f *Fence) Refs() int32 {
	return f.refs.Load()
}

func (f *Fence) destroy() {
	if !f.destroyed.CompareAndSwap(false, true) {
		return
	}

	f.stateMu.Lock()
	f.m.retireLocked(f, false)
	f.stateMu.Unlock()

	if f.onRelease != nil {
		f.onRelease(f)
	}
}

// AddPollCallback registers cb to run when the fence becomes signaled.
// If the fence is already signaled, cb is not added and ErrAlreadyComplete
// is returned; the caller handles completion itself.
func (f *Fence) AddPollCallback(cb *PollCallback) error {
	if cb == nil || cb.Func == nil {
		return NewFenceError(opAddCallback, f, ErrCodeInvalidParameters, "nil poll callback")
	}

	f.signaledMu.Lock()
	defer f.signaledMu.Unlock()

	if f.signaledSignalers == f.totalSignalers {
		return NewFenceError(opAddCallback, f, ErrCodeAlreadyComplete, "fence already signaled")
	}
	// claimed before the append so another fence cannot register cb too
	if !cb.fence.CompareAndSwap(nil, f) {
		return NewFenceError(opAddCallback, f, ErrCodeInvalidParameters, "poll callback already registered")
	}
	f.pollCbs = append(f.pollCbs, cb)
	return nil
}

// RemovePollCallback unregisters cb and reports whether it was still
// registered. A false result means cb has fired or was never added.
func (f *Fence) RemovePollCallback(cb *PollCallback) bool {
	if cb == nil {
		return false
	}

	f.signaledMu.Lock()
	defer f.signaledMu.Unlock()

	i := slices.Index(f.pollCbs, cb)
	if i < 0 {
		return false
	}
	f.pollCbs = slices.Delete(f.pollCbs, i, i+1)
	cb.fence.Store(nil)
	return true
}

// AddAllSubmittedCallback registers cb to run when every signaler has
// submitted, storing the current unsubmitted count in
// cb.RemainingSignalers. If submission is already complete, cb is not
// added and ErrAlreadyComplete is returned.
func (f *Fence) AddAllSubmittedCallback(cb *AllSubmittedCallback) error {
	if cb == nil || cb.Func == nil {
		return NewFenceError(opAddCallback, f, ErrCodeInvalidParameters, "nil all-submitted callback")
	}

	f.submittedMu.Lock()
	defer f.submittedMu.Unlock()

	remaining := f.totalSignalers - f.submittedSignalers
	if remaining == 0 {
		return NewFenceError(opAddCallback, f, ErrCodeAlreadyComplete, "all signalers already submitted")
	}
	if !cb.fence.CompareAndSwap(nil, f) {
		return NewFenceError(opAddCallback, f, ErrCodeInvalidParameters, "all-submitted callback already registered")
	}
	cb.RemainingSignalers = remaining
	f.allSubmittedCbs = append(f.allSubmittedCbs, cb)
	return nil
}

// RemoveAllSubmittedCallback unregisters cb and reports whether it was
// still registered.
func (f *Fence) RemoveAllSubmittedCallback(cb *AllSubmittedCallback) bool {
	if cb == nil {
		return false
	}

	f.submittedMu.Lock()
	defer f.submittedMu.Unlock()

	i := slices.Index(f.allSubmittedCbs, cb)
	if i < 0 {
		return false
	}
	f.allSubmittedCbs = slices.Delete(f.allSubmittedCbs, i, i+1)
	cb.fence.Store(nil)
	return true
}

// FenceInfo contains a snapshot of a fence for debugging
type FenceInfo struct {
	ID                    uint32 `json:"id"`
	IP                    string `json:"ip"`
	Name                  string `json:"name,omitempty"`
	State                 string `json:"state"`
	TotalSignalers        int    `json:"total_signalers"`
	SubmittedSignalers    int    `json:"submitted_signalers"`
	SignaledSignalers     int    `json:"signaled_signalers"`
	OutstandingWaiters    int    `json:"outstanding_waiters"`
	Signaled              bool   `json:"signaled"`
	Refs                  int32  `json:"refs"`
	PollCallbacks         int    `json:"poll_callbacks"`
	AllSubmittedCallbacks int    `json:"all_submitted_callbacks"`
	AgeNs                 int64  `json:"age_ns"`
}

// Info returns a snapshot of the fence. Each lock is taken in turn, so
// the counters may come from slightly different instants.
func (f *Fence) Info() FenceInfo {
	info := FenceInfo{
		ID:             f.id,
		IP:             f.ip.String(),
		Name:           f.name,
		TotalSignalers: f.totalSignalers,
		Refs:           f.refs.Load(),
		AgeNs:          int64(time.Since(f.createdAt)),
	}

	f.submittedMu.Lock()
	info.SubmittedSignalers = f.submittedSignalers
	info.AllSubmittedCallbacks = len(f.allSubmittedCbs)
	f.submittedMu.Unlock()

	f.signaledMu.Lock()
	info.SignaledSignalers = f.signaledSignalers
	info.Signaled = f.signaledSignalers == f.totalSignalers
	info.PollCallbacks = len(f.pollCbs)
	f.signaledMu.Unlock()

	f.stateMu.Lock()
	info.OutstandingWaiters = f.outstandingWaiters
	info.State = f.state.String()
	f.stateMu.Unlock()

	return info
}

func (f *Fence) String() string {
	return fmt.Sprintf("fence(%d/%s)", f.id, f.ip)
}
