package iif

import (
	"sync/atomic"
	"time"
)

// LifetimeBuckets defines the fence lifetime histogram buckets in nanoseconds.
// Lifetime runs from allocation to retirement of the fence ID.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LifetimeBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLifetimeBuckets = 8

// CallbackKind distinguishes the two callback lists of a fence
type CallbackKind int

const (
	CallbackPoll CallbackKind = iota
	CallbackAllSubmitted
)

func (k CallbackKind) String() string {
	if k == CallbackAllSubmitted {
		return "all_submitted"
	}
	return "poll"
}

// Metrics tracks operational statistics for a fence manager
type Metrics struct {
	// ID pool
	Allocations        atomic.Uint64 // Successful allocations
	AllocFailures      atomic.Uint64 // Allocations refused (exhaustion or table failure)
	Retires            atomic.Uint64 // IDs returned to the pool
	EarlyRetires       atomic.Uint64 // Retires that happened before destruction
	LiveFences         atomic.Int64  // Fences holding an ID
	PeakLiveFences     atomic.Int64  // Maximum observed LiveFences
	AllocsPerIP        [NumIPs]atomic.Uint64
	AllocFailuresPerIP [NumIPs]atomic.Uint64

	// Signaler protocol
	SignalerSubmits  atomic.Uint64 // Accepted submit_signaler calls
	SubmitRejections atomic.Uint64 // submit_signaler calls past total_signalers
	Signals          atomic.Uint64 // Accepted signal calls
	DoubleSignals    atomic.Uint64 // Tolerated signals past total_signalers

	// Waiter protocol
	WaitersRegistered atomic.Uint64 // submit_waiter calls that registered a wait
	WaitersDeferred   atomic.Uint64 // submit_waiter calls refused for pending signalers
	Waited            atomic.Uint64 // Balanced waited calls
	UnbalancedWaited  atomic.Uint64 // waited calls with no outstanding waiter

	// Callbacks
	PollCallbacksFired         atomic.Uint64
	AllSubmittedCallbacksFired atomic.Uint64

	// Handles
	HandlesInstalled atomic.Uint64
	HandlesReleased  atomic.Uint64

	// Lifetime tracking
	TotalLifetimeNs atomic.Uint64 // Cumulative fence lifetime in nanoseconds
	LifetimeCount   atomic.Uint64 // Number of lifetimes recorded

	// Lifetime histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of fences with lifetime <= LifetimeBuckets[i]
	LifetimeBuckets [numLifetimeBuckets]atomic.Uint64

	StartTime atomic.Int64 // Metrics start timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAllocate records an allocation attempt
func (m *Metrics) RecordAllocate(ip IP, success bool) {
	if !success {
		m.AllocFailures.Add(1)
		if ip.Valid() {
			m.AllocFailuresPerIP[ip].Add(1)
		}
		return
	}
	m.Allocations.Add(1)
	if ip.Valid() {
		m.AllocsPerIP[ip].Add(1)
	}

	live := m.LiveFences.Add(1)
	for {
		peak := m.PeakLiveFences.Load()
		if live <= peak {
			break
		}
		if m.PeakLiveFences.CompareAndSwap(peak, live) {
			break
		}
	}
}

// RecordRetire records an ID returned to the pool
func (m *Metrics) RecordRetire(lifetimeNs uint64, early bool) {
	m.Retires.Add(1)
	if early {
		m.EarlyRetires.Add(1)
	}
	m.LiveFences.Add(-1)
	m.recordLifetime(lifetimeNs)
}

// RecordSubmitSignaler records a submit_signaler call
func (m *Metrics) RecordSubmitSignaler(accepted bool) {
	if accepted {
		m.SignalerSubmits.Add(1)
	} else {
		m.SubmitRejections.Add(1)
	}
}

// RecordSignal records a signal call
func (m *Metrics) RecordSignal(double bool) {
	if double {
		m.DoubleSignals.Add(1)
	} else {
		m.Signals.Add(1)
	}
}

// RecordSubmitWaiter records a submit_waiter call
func (m *Metrics) RecordSubmitWaiter(registered bool) {
	if registered {
		m.WaitersRegistered.Add(1)
	} else {
		m.WaitersDeferred.Add(1)
	}
}

// RecordWaited records a waited call
func (m *Metrics) RecordWaited(balanced bool) {
	if balanced {
		m.Waited.Add(1)
	} else {
		m.UnbalancedWaited.Add(1)
	}
}

// RecordCallbacks records callbacks fired from one completion
func (m *Metrics) RecordCallbacks(kind CallbackKind, fired int) {
	if kind == CallbackAllSubmitted {
		m.AllSubmittedCallbacksFired.Add(uint64(fired))
	} else {
		m.PollCallbacksFired.Add(uint64(fired))
	}
}

// RecordHandle records a handle install (true) or release (false)
func (m *Metrics) RecordHandle(installed bool) {
	if installed {
		m.HandlesInstalled.Add(1)
	} else {
		m.HandlesReleased.Add(1)
	}
}

// recordLifetime records a fence lifetime and updates the histogram
func (m *Metrics) recordLifetime(lifetimeNs uint64) {
	m.TotalLifetimeNs.Add(lifetimeNs)
	m.LifetimeCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LifetimeBuckets {
		if lifetimeNs <= bucket {
			m.LifetimeBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Allocations    uint64 `json:"allocations"`
	AllocFailures  uint64 `json:"alloc_failures"`
	Retires        uint64 `json:"retires"`
	EarlyRetires   uint64 `json:"early_retires"`
	LiveFences     int64  `json:"live_fences"`
	PeakLiveFences int64  `json:"peak_live_fences"`

	AllocsPerIP        map[string]uint64 `json:"allocs_per_ip"`
	AllocFailuresPerIP map[string]uint64 `json:"alloc_failures_per_ip"`

	SignalerSubmits  uint64 `json:"signaler_submits"`
	SubmitRejections uint64 `json:"submit_rejections"`
	Signals          uint64 `json:"signals"`
	DoubleSignals    uint64 `json:"double_signals"`

	WaitersRegistered uint64 `json:"waiters_registered"`
	WaitersDeferred   uint64 `json:"waiters_deferred"`
	Waited            uint64 `json:"waited"`
	UnbalancedWaited  uint64 `json:"unbalanced_waited"`

	PollCallbacksFired         uint64 `json:"poll_callbacks_fired"`
	AllSubmittedCallbacksFired uint64 `json:"all_submitted_callbacks_fired"`

	HandlesInstalled uint64 `json:"handles_installed"`
	HandlesReleased  uint64 `json:"handles_released"`

	// Lifetime statistics (in nanoseconds)
	AvgLifetimeNs   uint64                     `json:"avg_lifetime_ns"`
	LifetimeP50Ns   uint64                     `json:"lifetime_p50_ns"`
	LifetimeP99Ns   uint64                     `json:"lifetime_p99_ns"`
	LifetimeP999Ns  uint64                     `json:"lifetime_p999_ns"`
	LifetimeHistory [numLifetimeBuckets]uint64 `json:"lifetime_histogram"`

	UptimeNs       uint64  `json:"uptime_ns"`
	AllocsPerSec   float64 `json:"allocs_per_sec"`
	EarlyRetirePct float64 `json:"early_retire_pct"`
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Allocations:                m.Allocations.Load(),
		AllocFailures:              m.AllocFailures.Load(),
		Retires:                    m.Retires.Load(),
		EarlyRetires:               m.EarlyRetires.Load(),
		LiveFences:                 m.LiveFences.Load(),
		PeakLiveFences:             m.PeakLiveFences.Load(),
		AllocsPerIP:                make(map[string]uint64, NumIPs),
		AllocFailuresPerIP:         make(map[string]uint64, NumIPs),
		SignalerSubmits:            m.SignalerSubmits.Load(),
		SubmitRejections:           m.SubmitRejections.Load(),
		Signals:                    m.Signals.Load(),
		DoubleSignals:              m.DoubleSignals.Load(),
		WaitersRegistered:          m.WaitersRegistered.Load(),
		WaitersDeferred:            m.WaitersDeferred.Load(),
		Waited:                     m.Waited.Load(),
		UnbalancedWaited:           m.UnbalancedWaited.Load(),
		PollCallbacksFired:         m.PollCallbacksFired.Load(),
		AllSubmittedCallbacksFired: m.AllSubmittedCallbacksFired.Load(),
		HandlesInstalled:           m.HandlesInstalled.Load(),
		HandlesReleased:            m.HandlesReleased.Load(),
	}

	for ip := IP(0); ip < NumIPs; ip++ {
		snap.AllocsPerIP[ip.String()] = m.AllocsPerIP[ip].Load()
		snap.AllocFailuresPerIP[ip.String()] = m.AllocFailuresPerIP[ip].Load()
	}

	count := m.LifetimeCount.Load()
	if count > 0 {
		snap.AvgLifetimeNs = m.TotalLifetimeNs.Load() / count
		snap.LifetimeP50Ns = m.calculatePercentile(0.50)
		snap.LifetimeP99Ns = m.calculatePercentile(0.99)
		snap.LifetimeP999Ns = m.calculatePercentile(0.999)
	}
	for i := 0; i < numLifetimeBuckets; i++ {
		snap.LifetimeHistory[i] = m.LifetimeBuckets[i].Load()
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	if snap.UptimeNs > 0 {
		snap.AllocsPerSec = float64(snap.Allocations) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.Retires > 0 {
		snap.EarlyRetirePct = float64(snap.EarlyRetires) / float64(snap.Retires) * 100.0
	}

	return snap
}

// calculatePercentile estimates the lifetime at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.LifetimeCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LifetimeBuckets {
		bucketCount := m.LifetimeBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LifetimeBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// lifetime exceeds all buckets
	return LifetimeBuckets[numLifetimeBuckets-1]
}

// Reset resets all counters (useful for testing). LiveFences is kept
// since it mirrors real pool occupancy.
func (m *Metrics) Reset() {
	m.Allocations.Store(0)
	m.AllocFailures.Store(0)
	m.Retires.Store(0)
	m.EarlyRetires.Store(0)
	m.PeakLiveFences.Store(m.LiveFences.Load())
	for i := range m.AllocsPerIP {
		m.AllocsPerIP[i].Store(0)
		m.AllocFailuresPerIP[i].Store(0)
	}
	m.SignalerSubmits.Store(0)
	m.SubmitRejections.Store(0)
	m.Signals.Store(0)
	m.DoubleSignals.Store(0)
	m.WaitersRegistered.Store(0)
	m.WaitersDeferred.Store(0)
	m.Waited.Store(0)
	m.UnbalancedWaited.Store(0)
	m.PollCallbacksFired.Store(0)
	m.AllSubmittedCallbacksFired.Store(0)
	m.HandlesInstalled.Store(0)
	m.HandlesReleased.Store(0)
	m.TotalLifetimeNs.Store(0)
	m.LifetimeCount.Store(0)
	for i := 0; i < numLifetimeBuckets; i++ {
		m.LifetimeBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveAllocate is called for each allocation attempt
	ObserveAllocate(ip IP, success bool)

	// ObserveRetire is called when a fence ID returns to the pool
	ObserveRetire(ip IP, lifetimeNs uint64, early bool)

	// ObserveSubmitSignaler is called for each submit_signaler call
	ObserveSubmitSignaler(ip IP, accepted bool)

	// ObserveSignal is called for each signal call
	ObserveSignal(ip IP, double bool)

	// ObserveSubmitWaiter is called for each submit_waiter call that got
	// past argument validation
	ObserveSubmitWaiter(waiter IP, registered bool)

	// ObserveWaited is called for each waited call
	ObserveWaited(balanced bool)

	// ObserveCallbacks is called when a completion fires a callback list
	ObserveCallbacks(kind CallbackKind, fired int)

	// ObserveHandle is called on handle install (true) and release (false)
	ObserveHandle(installed bool)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveAllocate(IP, bool)           {}
func (NoOpObserver) ObserveRetire(IP, uint64, bool)     {}
func (NoOpObserver) ObserveSubmitSignaler(IP, bool)     {}
func (NoOpObserver) ObserveSignal(IP, bool)             {}
func (NoOpObserver) ObserveSubmitWaiter(IP, bool)       {}
func (NoOpObserver) ObserveWaited(bool)                 {}
func (NoOpObserver) ObserveCallbacks(CallbackKind, int) {}
func (NoOpObserver) ObserveHandle(bool)                 {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAllocate(ip IP, success bool) {
	o.metrics.RecordAllocate(ip, success)
}

func (o *MetricsObserver) ObserveRetire(_ IP, lifetimeNs uint64, early bool) {
	o.metrics.RecordRetire(lifetimeNs, early)
}

func (o *MetricsObserver) ObserveSubmitSignaler(_ IP, accepted bool) {
	o.metrics.RecordSubmitSignaler(accepted)
}

func (o *MetricsObserver) ObserveSignal(_ IP, double bool) {
	o.metrics.RecordSignal(double)
}

func (o *MetricsObserver) ObserveSubmitWaiter(_ IP, registered bool) {
	o.metrics.RecordSubmitWaiter(registered)
}

func (o *MetricsObserver) ObserveWaited(balanced bool) {
	o.metrics.RecordWaited(balanced)
}

func (o *MetricsObserver) ObserveCallbacks(kind CallbackKind, fired int) {
	o.metrics.RecordCallbacks(kind, fired)
}

func (o *MetricsObserver) ObserveHandle(installed bool) {
	o.metrics.RecordHandle(installed)
}

// multiObserver fans out to several observers
type multiObserver []Observer

func (mo multiObserver) ObserveAllocate(ip IP, success bool) {
	for _, o := range mo {
		o.ObserveAllocate(ip, success)
	}
}

func (mo multiObserver) ObserveRetire(ip IP, lifetimeNs uint64, early bool) {
	for _, o := range mo {
		o.ObserveRetire(ip, lifetimeNs, early)
	}
}

func (mo multiObserver) ObserveSubmitSignaler(ip IP, accepted bool) {
	for _, o := range mo {
		o.ObserveSubmitSignaler(ip, accepted)
	}
}

func (mo multiObserver) ObserveSignal(ip IP, double bool) {
	for _, o := range mo {
		o.ObserveSignal(ip, double)
	}
}

func (mo multiObserver) ObserveSubmitWaiter(waiter IP, registered bool) {
	for _, o := range mo {
		o.ObserveSubmitWaiter(waiter, registered)
	}
}

func (mo multiObserver) ObserveWaited(balanced bool) {
	for _, o := range mo {
		o.ObserveWaited(balanced)
	}
}

func (mo multiObserver) ObserveCallbacks(kind CallbackKind, fired int) {
	for _, o := range mo {
		o.ObserveCallbacks(kind, fired)
	}
}

func (mo multiObserver) ObserveHandle(installed bool) {
	for _, o := range mo {
		o.ObserveHandle(installed)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
