package iif

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iif/internal/logging"
)

func newTestManager(t testing.TB, fencesPerIP int) (*Manager, *MockTable) {
	t.Helper()
	table := NewMockTable()
	m, err := NewManager(table, &Config{FencesPerIP: fencesPerIP, Logger: logging.Nop()})
	require.NoError(t, err)
	return m, table
}

func newTestFence(t testing.TB, totalSignalers int) (*Fence, *Manager, *MockTable) {
	t.Helper()
	m, table := newTestManager(t, 16)
	f, err := m.Allocate(IPGPU, totalSignalers)
	require.NoError(t, err)
	return f, m, table
}

// orderRecorder collects callback invocations in the order they happen
type orderRecorder struct {
	mu    sync.Mutex
	order []int
}

func (r *orderRecorder) record(i int) {
	r.mu.Lock()
	r.order = append(r.order, i)
	r.mu.Unlock()
}

func (r *orderRecorder) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

func TestSubmitSignaler_AllSubmittedCallbacks(t *testing.T) {
	for _, n := range []int{1, 2, 5, 32} {
		t.Run(fmt.Sprintf("signalers=%d", n), func(t *testing.T) {
			f, m, _ := newTestFence(t, n)

			rec := &orderRecorder{}
			cbs := make([]*AllSubmittedCallback, 3)
			for i := range cbs {
				i := i
				cbs[i] = &AllSubmittedCallback{Func: func(*Fence, *AllSubmittedCallback) { rec.record(i) }}
				require.NoError(t, f.AddAllSubmittedCallback(cbs[i]))
				assert.Equal(t, n, cbs[i].RemainingSignalers)
			}

			for i := 1; i <= n; i++ {
				remaining, err := f.SubmitSignaler()
				require.NoError(t, err)
				assert.Equal(t, n-i, remaining)
				if i < n {
					assert.Empty(t, rec.get(), "callbacks fired before submission completed")
				}
			}
			assert.Equal(t, []int{0, 1, 2}, rec.get())
			assert.Equal(t, 0, f.UnsubmittedSignalers())

			_, err := f.SubmitSignaler()
			require.ErrorIs(t, err, ErrAlreadyComplete)
			assert.ErrorIs(t, err, unix.EPERM)
			assert.Equal(t, n, f.SubmittedSignalers())
			assert.Equal(t, []int{0, 1, 2}, rec.get(), "callbacks must fire exactly once")

			snap := m.MetricsSnapshot()
			assert.Equal(t, uint64(n), snap.SignalerSubmits)
			assert.Equal(t, uint64(1), snap.SubmitRejections)
			assert.Equal(t, uint64(3), snap.AllSubmittedCallbacksFired)
		})
	}
}

func TestSignal_PollCallbacks(t *testing.T) {
	for _, n := range []int{1, 3, 16} {
		t.Run(fmt.Sprintf("signalers=%d", n), func(t *testing.T) {
			f, _, _ := newTestFence(t, n)

			rec := &orderRecorder{}
			for i := 0; i < 4; i++ {
				i := i
				require.NoError(t, f.AddPollCallback(&PollCallback{Func: func(*Fence, *PollCallback) { rec.record(i) }}))
			}

			for i := 1; i < n; i++ {
				f.Signal()
				assert.False(t, f.IsSignaled())
				assert.Empty(t, rec.get())
			}
			f.Signal()
			assert.True(t, f.IsSignaled())
			assert.Equal(t, []int{0, 1, 2, 3}, rec.get())
		})
	}
}

func TestSignal_DoubleSignalTolerated(t *testing.T) {
	f, m, _ := newTestFence(t, 1)

	fired := 0
	require.NoError(t, f.AddPollCallback(&PollCallback{Func: func(*Fence, *PollCallback) { fired++ }}))

	f.Signal()
	f.Signal()
	f.Signal()

	assert.True(t, f.IsSignaled())
	assert.Equal(t, 1, f.SignaledSignalers())
	assert.Equal(t, 1, fired)
	assert.Equal(t, uint64(2), m.MetricsSnapshot().DoubleSignals)
}

func TestSignal_IndependentOfSubmission(t *testing.T) {
	f, _, _ := newTestFence(t, 2)

	// signaled before any signaler submitted
	f.Signal()
	f.Signal()
	assert.True(t, f.IsSignaled())
	assert.Equal(t, 2, f.UnsubmittedSignalers())

	remaining, err := f.SubmitWaiter(IPNPU)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining, "waiters stay gated on submission, not on signaling")
}

func TestSubmitWaiter_BeforeAllSubmitted(t *testing.T) {
	f, m, table := newTestFence(t, 3)

	_, err := f.SubmitSignaler()
	require.NoError(t, err)

	remaining, err := f.SubmitWaiter(IPNPU)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, 0, f.OutstandingWaiters())

	_, mark, _ := table.Calls()
	assert.Equal(t, 0, mark, "no waiter may be published before submission completes")

	// documented no-op
	f.Waited()
	assert.Equal(t, 0, f.OutstandingWaiters())

	snap := m.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.WaitersDeferred)
	assert.Equal(t, uint64(1), snap.UnbalancedWaited)
	assert.Equal(t, uint64(0), snap.Waited)
}

func TestSubmitWaiter_Registers(t *testing.T) {
	f, _, table := newTestFence(t, 1)

	_, err := f.SubmitSignaler()
	require.NoError(t, err)

	remaining, err := f.SubmitWaiter(IPNPU)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	remaining, err = f.SubmitWaiter(IPDPU)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 2, f.OutstandingWaiters())

	slot, ok := table.Slot(f.ID())
	require.True(t, ok)
	assert.Equal(t, []uint8{uint8(IPNPU), uint8(IPDPU)}, slot.WaitingIPs)

	f.Waited()
	f.Waited()
	assert.Equal(t, 0, f.OutstandingWaiters())
	assert.Equal(t, StateInitialized, f.State(), "a fence without a handle only retires on destruction")
}

func TestSubmitWaiter_InvalidIP(t *testing.T) {
	f, _, _ := newTestFence(t, 1)
	_, err := f.SubmitWaiter(NumIPs)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestSubmitWaiter_TableFailureRollsBack(t *testing.T) {
	f, _, table := newTestFence(t, 1)
	_, err := f.SubmitSignaler()
	require.NoError(t, err)

	table.SetFailures(nil, errors.New("slot locked by firmware"), nil)
	_, err = f.SubmitWaiter(IPNPU)
	require.ErrorIs(t, err, ErrTableFailure)
	assert.ErrorIs(t, err, unix.EIO)
	assert.Equal(t, 0, f.OutstandingWaiters())
}

func TestSubmitWaiter_RetiredFence(t *testing.T) {
	f, m, _ := newTestFence(t, 1)
	_, err := f.SubmitSignaler()
	require.NoError(t, err)

	m.Free(f)
	_, err = f.SubmitWaiter(IPNPU)
	require.ErrorIs(t, err, ErrRetired)
	assert.Equal(t, 0, f.OutstandingWaiters())
}

func TestAddPollCallback_AfterSignaled(t *testing.T) {
	f, _, _ := newTestFence(t, 1)
	f.Signal()

	invoked := false
	err := f.AddPollCallback(&PollCallback{Func: func(*Fence, *PollCallback) { invoked = true }})
	require.ErrorIs(t, err, ErrAlreadyComplete)
	assert.ErrorIs(t, err, unix.EPERM)

	f.Signal()
	assert.False(t, invoked)
}

func TestAddAllSubmittedCallback_AfterComplete(t *testing.T) {
	f, _, _ := newTestFence(t, 1)
	_, err := f.SubmitSignaler()
	require.NoError(t, err)

	err = f.AddAllSubmittedCallback(&AllSubmittedCallback{Func: func(*Fence, *AllSubmittedCallback) {
		t.Error("callback must never fire")
	}})
	require.ErrorIs(t, err, ErrAlreadyComplete)
	assert.True(t, IsErrno(err, unix.EPERM))
}

func TestAddCallback_Invalid(t *testing.T) {
	f, _, _ := newTestFence(t, 2)

	assert.ErrorIs(t, f.AddPollCallback(nil), ErrInvalidParameters)
	assert.ErrorIs(t, f.AddPollCallback(&PollCallback{}), ErrInvalidParameters)
	assert.ErrorIs(t, f.AddAllSubmittedCallback(nil), ErrInvalidParameters)

	cb := &PollCallback{Func: func(*Fence, *PollCallback) {}}
	require.NoError(t, f.AddPollCallback(cb))
	assert.ErrorIs(t, f.AddPollCallback(cb), ErrInvalidParameters, "double registration")

	acb := &AllSubmittedCallback{Func: func(*Fence, *AllSubmittedCallback) {}}
	require.NoError(t, f.AddAllSubmittedCallback(acb))
	assert.ErrorIs(t, f.AddAllSubmittedCallback(acb), ErrInvalidParameters)
}

func TestAddCallback_SharedAcrossFences(t *testing.T) {
	m, _ := newTestManager(t, 16)

	fences := make([]*Fence, 8)
	for i := range fences {
		f, err := m.Allocate(IPCPU, 1)
		require.NoError(t, err)
		fences[i] = f
	}

	for iter := 0; iter < 200; iter++ {
		cb := &PollCallback{Func: func(*Fence, *PollCallback) {}}
		acb := &AllSubmittedCallback{Func: func(*Fence, *AllSubmittedCallback) {}}

		var polls, submits atomic.Int32
		var g errgroup.Group
		for _, f := range fences {
			g.Go(func() error {
				switch err := f.AddPollCallback(cb); {
				case err == nil:
					polls.Add(1)
				case !errors.Is(err, ErrInvalidParameters):
					return err
				}
				switch err := f.AddAllSubmittedCallback(acb); {
				case err == nil:
					submits.Add(1)
				case !errors.Is(err, ErrInvalidParameters):
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, int32(1), polls.Load(), "a poll record belongs to one fence")
		require.Equal(t, int32(1), submits.Load(), "an all-submitted record belongs to one fence")

		removed := 0
		for _, f := range fences {
			if f.RemovePollCallback(cb) {
				removed++
			}
			if f.RemoveAllSubmittedCallback(acb) {
				removed++
			}
		}
		require.Equal(t, 2, removed)
	}
}

func TestRemovePollCallback(t *testing.T) {
	f, _, _ := newTestFence(t, 1)

	rec := &orderRecorder{}
	cbs := make([]*PollCallback, 3)
	for i := range cbs {
		i := i
		cbs[i] = &PollCallback{Func: func(*Fence, *PollCallback) { rec.record(i) }}
		require.NoError(t, f.AddPollCallback(cbs[i]))
	}

	assert.True(t, f.RemovePollCallback(cbs[1]))
	assert.False(t, f.RemovePollCallback(cbs[1]), "second removal finds nothing")
	assert.False(t, f.RemovePollCallback(nil))
	assert.False(t, f.RemovePollCallback(&PollCallback{}), "never registered")

	f.Signal()
	assert.Equal(t, []int{0, 2}, rec.get())
	assert.False(t, f.RemovePollCallback(cbs[0]), "already fired")
}

func TestRemovePollCallback_ReAdd(t *testing.T) {
	f, _, _ := newTestFence(t, 1)

	fired := 0
	cb := &PollCallback{Func: func(*Fence, *PollCallback) { fired++ }}
	require.NoError(t, f.AddPollCallback(cb))
	require.True(t, f.RemovePollCallback(cb))
	require.NoError(t, f.AddPollCallback(cb))

	f.Signal()
	assert.Equal(t, 1, fired)
}

func TestRemoveAllSubmittedCallback(t *testing.T) {
	f, _, _ := newTestFence(t, 2)

	rec := &orderRecorder{}
	a := &AllSubmittedCallback{Func: func(*Fence, *AllSubmittedCallback) { rec.record(0) }}
	b := &AllSubmittedCallback{Func: func(*Fence, *AllSubmittedCallback) { rec.record(1) }}
	require.NoError(t, f.AddAllSubmittedCallback(a))

	_, err := f.SubmitSignaler()
	require.NoError(t, err)
	require.NoError(t, f.AddAllSubmittedCallback(b))
	assert.Equal(t, 1, b.RemainingSignalers)

	assert.True(t, f.RemoveAllSubmittedCallback(a))
	assert.False(t, f.RemoveAllSubmittedCallback(a))

	_, err = f.SubmitSignaler()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, rec.get())
	assert.False(t, f.RemoveAllSubmittedCallback(b))
}

func TestPollCallback_MayTouchOtherLocks(t *testing.T) {
	f, _, _ := newTestFence(t, 1)
	_, err := f.SubmitSignaler()
	require.NoError(t, err)
	_, err = f.SubmitWaiter(IPNPU)
	require.NoError(t, err)

	// a poll callback finishing the wait runs under the signal lock and
	// takes the state lock; that nesting is allowed
	done := false
	require.NoError(t, f.AddPollCallback(&PollCallback{Func: func(fence *Fence, _ *PollCallback) {
		fence.Waited()
		done = fence.UnsubmittedSignalers() == 0
	}}))

	f.Signal()
	assert.True(t, done)
	assert.Equal(t, 0, f.OutstandingWaiters())
}

func TestCallbackData(t *testing.T) {
	f, _, _ := newTestFence(t, 1)

	var got any
	cb := &PollCallback{
		Data: "pipeline-7",
		Func: func(_ *Fence, cb *PollCallback) { got = cb.Data },
	}
	require.NoError(t, f.AddPollCallback(cb))
	f.Signal()
	assert.Equal(t, "pipeline-7", got)
}

func TestRemovePollCallback_RacesWithSignal(t *testing.T) {
	const iterations = 2000

	m, _ := newTestManager(t, 64)
	for i := 0; i < iterations; i++ {
		f, err := m.Allocate(IPCPU, 1)
		require.NoError(t, err)

		var fired atomic.Int32
		cb := &PollCallback{Func: func(*Fence, *PollCallback) { fired.Add(1) }}
		require.NoError(t, f.AddPollCallback(cb))

		var removed atomic.Bool
		var g errgroup.Group
		start := make(chan struct{})
		g.Go(func() error {
			<-start
			f.Signal()
			return nil
		})
		g.Go(func() error {
			<-start
			removed.Store(f.RemovePollCallback(cb))
			return nil
		})
		close(start)
		require.NoError(t, g.Wait())

		n := fired.Load()
		if removed.Load() {
			require.Equal(t, int32(0), n, "iteration %d: removed callback fired", i)
		} else {
			require.Equal(t, int32(1), n, "iteration %d: callback must fire exactly once", i)
		}
		f.Put()
	}
}

func TestConcurrentSignalers(t *testing.T) {
	const signalers = 64

	f, m, _ := newTestFence(t, signalers)

	var allSubmitted, pollFired atomic.Int32
	require.NoError(t, f.AddAllSubmittedCallback(&AllSubmittedCallback{Func: func(*Fence, *AllSubmittedCallback) {
		allSubmitted.Add(1)
	}}))
	for i := 0; i < 8; i++ {
		require.NoError(t, f.AddPollCallback(&PollCallback{Func: func(*Fence, *PollCallback) {
			pollFired.Add(1)
		}}))
	}

	var completers atomic.Int32
	var g errgroup.Group
	for i := 0; i < signalers; i++ {
		g.Go(func() error {
			remaining, err := f.SubmitSignaler()
			if err != nil {
				return err
			}
			if remaining == 0 {
				completers.Add(1)
			}
			f.Signal()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), completers.Load())
	assert.Equal(t, int32(1), allSubmitted.Load())
	assert.Equal(t, int32(8), pollFired.Load())
	assert.True(t, f.IsSignaled())
	assert.Equal(t, uint64(0), m.MetricsSnapshot().DoubleSignals)
}

func TestConcurrentWaiters(t *testing.T) {
	f, m, _ := newTestFence(t, 1)
	_, err := f.SubmitSignaler()
	require.NoError(t, err)

	fd, err := f.InstallHandle(NewMockHandleTable())
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)

	const waiters = 32
	var g errgroup.Group
	for i := 0; i < waiters; i++ {
		g.Go(func() error {
			_, err := f.SubmitWaiter(IPDPU)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, waiters, f.OutstandingWaiters())

	for i := 0; i < waiters; i++ {
		g.Go(func() error {
			f.Waited()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, f.OutstandingWaiters())
	assert.Equal(t, uint64(0), m.MetricsSnapshot().UnbalancedWaited)
	// the last waiter retires the ID even though the handle is still open
	assert.Equal(t, StateRetired, f.State())
	assert.Equal(t, 0, m.InUse(IPGPU))
}

func TestInstallHandle(t *testing.T) {
	f, m, _ := newTestFence(t, 1)
	handles := NewMockHandleTable()

	fd, err := f.InstallHandle(handles)
	require.NoError(t, err)
	assert.Equal(t, 3, fd)
	assert.Equal(t, StateFileCreated, f.State())
	assert.Equal(t, int32(2), f.Refs(), "the handle owns a reference")

	_, err = f.InstallHandle(handles)
	require.ErrorIs(t, err, ErrHandleExists)
	assert.ErrorIs(t, err, unix.EEXIST)
	assert.Equal(t, 1, handles.InstallCalls())

	assert.Equal(t, uint64(1), m.MetricsSnapshot().HandlesInstalled)
}

func TestInstallHandle_AfterRetire(t *testing.T) {
	f, m, _ := newTestFence(t, 1)
	m.Free(f)

	_, err := f.InstallHandle(NewMockHandleTable())
	require.ErrorIs(t, err, ErrRetired)
	assert.ErrorIs(t, err, unix.EPERM)
}

func TestInstallHandle_FailureLeavesInitialized(t *testing.T) {
	f, _, _ := newTestFence(t, 1)
	handles := NewMockHandleTable()
	handles.InstallErr = errors.New("descriptor table full")

	_, err := f.InstallHandle(handles)
	require.ErrorIs(t, err, ErrHandleFailure)
	assert.Equal(t, StateInitialized, f.State())
	assert.Equal(t, int32(1), f.Refs(), "reference taken for the handle must be dropped")

	handles.InstallErr = nil
	_, err = f.InstallHandle(handles)
	require.NoError(t, err, "a failed install does not consume the single install")
	assert.Equal(t, StateFileCreated, f.State())
}

func TestInstallHandle_NilTable(t *testing.T) {
	f, _, _ := newTestFence(t, 1)
	_, err := f.InstallHandle(nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestInstallHandle_Concurrent(t *testing.T) {
	f, _, _ := newTestFence(t, 1)
	handles := NewMockHandleTable()

	var ok, exists atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := f.InstallHandle(handles)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrHandleExists):
				exists.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(15), exists.Load())
	assert.Equal(t, 1, handles.InstallCalls())
}

func TestHandleRelease_EarlyRetire(t *testing.T) {
	f, m, table := newTestFence(t, 1)
	handles := NewMockHandleTable()
	id := f.ID()

	fd, err := f.InstallHandle(handles)
	require.NoError(t, err)
	_, err = f.SubmitSignaler()
	require.NoError(t, err)
	_, err = f.SubmitWaiter(IPNPU)
	require.NoError(t, err)

	require.True(t, handles.Close(fd))
	assert.Equal(t, StateFileReleased, f.State(), "an outstanding waiter keeps the ID")
	assert.Equal(t, 1, m.InUse(IPGPU))

	f.Waited()
	assert.Equal(t, StateRetired, f.State())
	assert.Equal(t, 0, m.InUse(IPGPU))
	_, _, reset := table.Calls()
	assert.Equal(t, 1, reset)

	// the fence object outlives its ID
	assert.Equal(t, int32(1), f.Refs())
	next, err := m.Allocate(IPGPU, 1)
	require.NoError(t, err)
	assert.Equal(t, id, next.ID())

	// destroying the old fence must not free the ID now owned by next
	f.Put()
	assert.Equal(t, 1, m.InUse(IPGPU))
	assert.Equal(t, StateInitialized, next.State())

	snap := m.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.EarlyRetires)
	assert.Equal(t, uint64(1), snap.Retires)
	assert.Equal(t, uint64(1), snap.HandlesReleased)
}

func TestWaited_EarlyRetireWithOpenHandle(t *testing.T) {
	f, m, table := newTestFence(t, 1)
	handles := NewMockHandleTable()
	id := f.ID()

	fd, err := f.InstallHandle(handles)
	require.NoError(t, err)
	_, err = f.SubmitSignaler()
	require.NoError(t, err)
	_, err = f.SubmitWaiter(IPNPU)
	require.NoError(t, err)
	f.Signal()

	f.Waited()
	assert.Equal(t, StateRetired, f.State())
	assert.Equal(t, 0, m.InUse(IPGPU))
	_, _, reset := table.Calls()
	assert.Equal(t, 1, reset)

	// no new waiter may mark a slot that can belong to another fence now
	_, err = f.SubmitWaiter(IPDPU)
	require.ErrorIs(t, err, ErrRetired)
	assert.Equal(t, 0, f.OutstandingWaiters())

	next, err := m.Allocate(IPGPU, 1)
	require.NoError(t, err)
	assert.Equal(t, id, next.ID())

	// closing the handle afterwards leaves both fences alone
	require.True(t, handles.Close(fd))
	assert.Equal(t, StateRetired, f.State())
	assert.Equal(t, StateInitialized, next.State())
	assert.Equal(t, 1, m.InUse(IPGPU))

	f.Put()
	assert.Equal(t, 1, m.InUse(IPGPU))

	snap := m.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.EarlyRetires)
	assert.Equal(t, uint64(1), snap.Retires)
	assert.Equal(t, uint64(1), snap.HandlesReleased)
}

func TestHandleRelease_NoWaiters(t *testing.T) {
	f, m, _ := newTestFence(t, 1)
	handles := NewMockHandleTable()

	fd, err := f.InstallHandle(handles)
	require.NoError(t, err)
	f.Get()

	require.True(t, handles.Close(fd))
	assert.Equal(t, StateRetired, f.State())
	assert.Equal(t, 0, m.InUse(IPGPU))

	f.Put()
	f.Put()
	assert.Equal(t, int32(0), f.Refs())
}

func TestPut_Destroy(t *testing.T) {
	released := 0
	m, _ := newTestManager(t, 4)
	f, err := m.AllocateWithOptions(IPDSP, 1, &FenceOptions{
		Name: "blit",
		OnRelease: func(fence *Fence) {
			released++
			assert.Equal(t, StateRetired, fence.State(), "retire happens before the release hook")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "blit", f.Name())

	f.Get()
	f.Put()
	assert.Equal(t, 0, released)
	assert.Equal(t, 1, m.InUse(IPDSP))

	f.Put()
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, m.InUse(IPDSP))

	// over-release is logged and ignored
	f.Put()
	assert.Equal(t, 1, released)
	assert.False(t, f.TryGet())
}

func TestTryGet(t *testing.T) {
	f, _, _ := newTestFence(t, 1)

	require.True(t, f.TryGet())
	assert.Equal(t, int32(2), f.Refs())
	f.Put()
	f.Put()
	assert.False(t, f.TryGet())
}

func TestFenceInfo(t *testing.T) {
	m, _ := newTestManager(t, 8)
	f, err := m.AllocateWithOptions(IPNPU, 3, &FenceOptions{Name: "conv1"})
	require.NoError(t, err)

	_, err = f.SubmitSignaler()
	require.NoError(t, err)
	f.Signal()
	require.NoError(t, f.AddPollCallback(&PollCallback{Func: func(*Fence, *PollCallback) {}}))

	info := f.Info()
	assert.Equal(t, f.ID(), info.ID)
	assert.Equal(t, "NPU", info.IP)
	assert.Equal(t, "conv1", info.Name)
	assert.Equal(t, "initialized", info.State)
	assert.Equal(t, 3, info.TotalSignalers)
	assert.Equal(t, 1, info.SubmittedSignalers)
	assert.Equal(t, 1, info.SignaledSignalers)
	assert.False(t, info.Signaled)
	assert.Equal(t, 1, info.PollCallbacks)
	assert.Equal(t, int32(1), info.Refs)
	assert.Equal(t, fmt.Sprintf("fence(%d/NPU)", f.ID()), f.String())
}
