package backend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	iif "github.com/ehrlich-b/go-iif"
	"github.com/ehrlich-b/go-iif/internal/constants"
)

const (
	opInstall = "INSTALL_HANDLE"
	opLookup  = "LOOKUP_HANDLE"
	opClose   = "CLOSE_HANDLE"
)

// Handles is a process-local pollable handle table. Each installed fence
// owns one handle number; the table holds the reference it was given until
// the handle is closed.
type Handles struct {
	max     int
	open    atomic.Int64
	next    atomic.Int64
	handles *xsync.Map[int, *iif.Fence]
}

// NewHandles creates a handle table that keeps at most maxHandles handles
// open (DefaultMaxHandles if maxHandles <= 0)
func NewHandles(maxHandles int) *Handles {
	if maxHandles <= 0 {
		maxHandles = constants.DefaultMaxHandles
	}
	h := &Handles{
		max:     maxHandles,
		handles: xsync.NewMap[int, *iif.Fence](),
	}
	h.next.Store(constants.FirstHandle)
	return h
}

// Install implements the iif.HandleTable interface
func (h *Handles) Install(f *iif.Fence) (int, error) {
	if h.open.Add(1) > int64(h.max) {
		h.open.Add(-1)
		return -1, iif.NewFenceError(opInstall, f, iif.ErrCodeTooManyHandles,
			fmt.Sprintf("handle table full (%d open)", h.max))
	}

	fd := int(h.next.Add(1) - 1)
	h.handles.Store(fd, f)
	return fd, nil
}

// Lookup returns the fence behind fd with a new reference, which the
// caller must Put
func (h *Handles) Lookup(fd int) (*iif.Fence, error) {
	f, ok := h.handles.Load(fd)
	if !ok || !f.TryGet() {
		return nil, iif.NewError(opLookup, iif.ErrCodeNotFound, fmt.Sprintf("no open handle %d", fd))
	}
	return f, nil
}

// Close closes fd: the fence learns its handle is gone and the handle's
// reference is dropped
func (h *Handles) Close(fd int) error {
	f, ok := h.handles.LoadAndDelete(fd)
	if !ok {
		return iif.NewError(opClose, iif.ErrCodeNotFound, fmt.Sprintf("no open handle %d", fd))
	}
	h.open.Add(-1)

	f.OnHandleReleased()
	f.Put()
	return nil
}

// CloseAll closes every open handle
func (h *Handles) CloseAll() {
	var fds []int
	h.handles.Range(func(fd int, _ *iif.Fence) bool {
		fds = append(fds, fd)
		return true
	})
	for _, fd := range fds {
		_ = h.Close(fd)
	}
}

// Len returns the number of open handles
func (h *Handles) Len() int {
	return int(h.open.Load())
}

// Poll reports whether the fence behind fd is signaled
func (h *Handles) Poll(fd int) (bool, error) {
	f, err := h.Lookup(fd)
	if err != nil {
		return false, err
	}
	defer f.Put()
	return f.IsSignaled(), nil
}

// Wait blocks until the fence behind fd is signaled or ctx is done
func (h *Handles) Wait(ctx context.Context, fd int) error {
	f, err := h.Lookup(fd)
	if err != nil {
		return err
	}
	defer f.Put()

	done := make(chan struct{})
	cb := &iif.PollCallback{Func: func(*iif.Fence, *iif.PollCallback) { close(done) }}
	if err := f.AddPollCallback(cb); err != nil {
		if errors.Is(err, iif.ErrAlreadyComplete) {
			return nil
		}
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// lost the race with the last signal
		if !f.RemovePollCallback(cb) {
			return nil
		}
		return ctx.Err()
	}
}

var _ iif.HandleTable = (*Handles)(nil)
