// Package iif implements inter-IP fences: completion objects shared between
// independent signalers (hardware or firmware execution contexts that
// produce work) and waiters (consumers of that work), plus the manager that
// owns the partitioned fence ID namespace.
package iif

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ehrlich-b/go-iif/internal/constants"
	"github.com/ehrlich-b/go-iif/internal/idpool"
	"github.com/ehrlich-b/go-iif/internal/interfaces"
	"github.com/ehrlich-b/go-iif/internal/logging"
)

// Table is the hardware fence table collaborator
type Table = interfaces.Table

// SlotResetter is the optional Table extension for clearing retired slots
type SlotResetter = interfaces.SlotResetter

// Operation names used in errors and logs
const (
	opNewManager     = "NEW_MANAGER"
	opAllocate       = "ALLOCATE"
	opFree           = "FREE"
	opLookup         = "LOOKUP"
	opInitFenceSlot  = "INIT_FENCE_SLOT"
	opResetFenceSlot = "RESET_FENCE_SLOT"
	opMarkWaitingIP  = "MARK_WAITING_IP"
	opSubmitSignaler = "SUBMIT_SIGNALER"
	opSubmitWaiter   = "SUBMIT_WAITER"
	opSignal         = "SIGNAL"
	opWaited         = "WAITED"
	opInstallHandle  = "INSTALL_HANDLE"
	opAddCallback    = "ADD_CALLBACK"
	opPut            = "PUT"
)

// Config contains parameters for creating a fence manager
type Config struct {
	// FencesPerIP is the size of each IP's ID partition (default: 1024)
	FencesPerIP int

	// MaxSignalers caps total_signalers per fence (default: 255)
	MaxSignalers int

	// Logger for warnings and failures (if nil, uses the default logger)
	Logger *logging.Logger

	// Observer receives every fence event in addition to the manager's
	// built-in Metrics (if nil, only Metrics is updated)
	Observer Observer
}

// DefaultConfig returns default manager parameters
func DefaultConfig() Config {
	return Config{
		FencesPerIP:  constants.DefaultFencesPerIP,
		MaxSignalers: constants.DefaultMaxSignalers,
	}
}

// FenceOptions contains optional per-fence settings
type FenceOptions struct {
	// Name is a free-form label shown in FenceInfo
	Name string

	// OnRelease runs once, after the fence has been retired, when the last
	// reference is dropped.
	OnRelease func(f *Fence)
}

// Manager owns the fence ID namespace. It does not own fences: callers hold
// references and the last Put destroys the fence.
type Manager struct {
	cfg      Config
	pool     *idpool.Pool
	table    Table
	live     *xsync.Map[uint32, *Fence]
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
}

// NewManager creates a fence manager. table may be nil when no hardware
// table needs to mirror fence state.
func NewManager(table Table, cfg *Config) (*Manager, error) {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.FencesPerIP != 0 {
			c.FencesPerIP = cfg.FencesPerIP
		}
		if cfg.MaxSignalers != 0 {
			c.MaxSignalers = cfg.MaxSignalers
		}
		c.Logger = cfg.Logger
		c.Observer = cfg.Observer
	}

	if c.FencesPerIP < 1 || c.FencesPerIP > constants.MaxFencesPerIP {
		return nil, NewError(opNewManager, ErrCodeInvalidParameters,
			fmt.Sprintf("fences per IP must be in [1, %d], got %d", constants.MaxFencesPerIP, c.FencesPerIP))
	}
	if c.MaxSignalers < 1 || c.MaxSignalers > constants.MaxTotalSignalers {
		return nil, NewError(opNewManager, ErrCodeInvalidParameters,
			fmt.Sprintf("max signalers must be in [1, %d], got %d", constants.MaxTotalSignalers, c.MaxSignalers))
	}

	logger := c.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if c.Observer != nil {
		observer = multiObserver{observer, c.Observer}
	}

	return &Manager{
		cfg:      c,
		pool:     idpool.New(int(NumIPs), uint32(c.FencesPerIP)),
		table:    table,
		live:     xsync.NewMap[uint32, *Fence](),
		logger:   logger,
		metrics:  metrics,
		observer: observer,
	}, nil
}

// Allocate creates a fence signaled by ip that expects totalSignalers
// signalers. The returned fence holds one reference owned by the caller.
func (m *Manager) Allocate(ip IP, totalSignalers int) (*Fence, error) {
	return m.AllocateWithOptions(ip, totalSignalers, nil)
}

// AllocateWithOptions is Allocate with per-fence options.
//
// If the hardware table refuses the new slot, the ID is returned to the
// pool and the allocation fails.
func (m *Manager) AllocateWithOptions(ip IP, totalSignalers int, opts *FenceOptions) (*Fence, error) {
	if !ip.Valid() {
		return nil, NewIPError(opAllocate, ip, ErrCodeInvalidParameters, "unknown signaler IP")
	}
	if totalSignalers < 1 || totalSignalers > m.cfg.MaxSignalers {
		return nil, NewIPError(opAllocate, ip, ErrCodeInvalidParameters,
			fmt.Sprintf("total signalers must be in [1, %d], got %d", m.cfg.MaxSignalers, totalSignalers))
	}

	id, err := m.pool.Get(int(ip))
	if err != nil {
		m.observer.ObserveAllocate(ip, false)
		m.logger.Warn("fence ID pool exhausted", "ip", ip.String(), "partition_size", m.cfg.FencesPerIP)
		return nil, NewIPError(opAllocate, ip, ErrCodeExhausted, fmt.Sprintf("no free fence IDs for %s", ip))
	}

	if m.table != nil {
		if err := m.table.InitFenceSlot(id, totalSignalers); err != nil {
			m.pool.Put(id)
			m.observer.ObserveAllocate(ip, false)
			m.logger.WithFence(id).Error("failed to initialize fence slot", "ip", ip.String(), "error", err)
			e := WrapError(opInitFenceSlot, ErrCodeTableFailure, err)
			e.FenceID, e.HasID = id, true
			e.IP, e.HasIP = ip, true
			return nil, e
		}
	}

	f := newFence(m, id, ip, totalSignalers, opts)
	m.live.Store(id, f)
	m.observer.ObserveAllocate(ip, true)
	return f, nil
}

// Free retires f: its ID returns to the pool and its state becomes
// StateRetired. Freeing an already retired fence is a no-op.
func (m *Manager) Free(f *Fence) {
	if f == nil {
		return
	}
	if f.m != m {
		m.logger.Error("fence freed through a foreign manager", "fence_id", f.id, "op", opFree)
		return
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	m.retireLocked(f, false)
}

// retireLocked returns f's ID to the pool. Caller holds f.stateMu.
func (m *Manager) retireLocked(f *Fence, early bool) {
	if f.state == StateRetired {
		return
	}
	f.state = StateRetired

	// unreachable by ID before the ID can be handed out again
	m.live.Delete(f.id)

	if r, ok := m.table.(SlotResetter); ok {
		if err := r.ResetFenceSlot(f.id); err != nil {
			m.logger.WithFence(f.id).Warn("failed to reset fence slot", "op", opResetFenceSlot, "error", err)
		}
	}

	if !m.pool.Put(f.id) {
		m.logger.WithFence(f.id).Error("retired fence ID was not reserved")
	}
	m.observer.ObserveRetire(f.ip, uint64(time.Since(f.createdAt)), early)
}

// Lookup returns the live fence holding id with a new reference, which the
// caller must Put. Retired IDs are never found, even if the fence object
// is still referenced elsewhere.
func (m *Manager) Lookup(id uint32) (*Fence, error) {
	f, ok := m.live.Load(id)
	if !ok || !f.TryGet() {
		return nil, m.notFound(id)
	}
	if f.State() == StateRetired {
		f.Put()
		return nil, m.notFound(id)
	}
	return f, nil
}

func (m *Manager) notFound(id uint32) *Error {
	e := NewError(opLookup, ErrCodeNotFound, fmt.Sprintf("no live fence with id %d", id))
	e.FenceID, e.HasID = id, true
	return e
}

// IPOf returns the signaler IP whose partition contains id
func (m *Manager) IPOf(id uint32) IP {
	return IP(m.pool.PartitionOf(id))
}

// Available returns the number of free IDs in ip's partition
func (m *Manager) Available(ip IP) int {
	if !ip.Valid() {
		return 0
	}
	return m.pool.Available(int(ip))
}

// InUse returns the number of reserved IDs in ip's partition
func (m *Manager) InUse(ip IP) int {
	if !ip.Valid() {
		return 0
	}
	return m.pool.InUse(int(ip))
}

// FencesPerIP returns the partition size
func (m *Manager) FencesPerIP() int {
	return m.cfg.FencesPerIP
}

// MaxSignalers returns the per-fence signaler limit
func (m *Manager) MaxSignalers() int {
	return m.cfg.MaxSignalers
}

// Fences returns a snapshot of every fence that still holds an ID
func (m *Manager) Fences() []FenceInfo {
	infos := make([]FenceInfo, 0, m.live.Size())
	m.live.Range(func(_ uint32, f *Fence) bool {
		infos = append(infos, f.Info())
		return true
	})
	return infos
}

// Metrics returns the manager's metrics
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of manager metrics
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	if m == nil || m.metrics == nil {
		return MetricsSnapshot{}
	}
	return m.metrics.Snapshot()
}
