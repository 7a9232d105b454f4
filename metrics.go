package sgcopy

import (
	"sync/atomic"
	"time"
)

// latencyBuckets defines the command latency histogram in nanoseconds,
// 10us to 10s with logarithmic spacing.
var latencyBuckets = []uint64{
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 7

// Metrics tracks operational statistics for copy sessions.
type Metrics struct {
	// Command counters
	ReadOps   atomic.Uint64 // block read commands issued
	WriteOps  atomic.Uint64 // block write commands issued
	RescueOps atomic.Uint64 // READ LONG commands issued

	// Byte counters
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Error counters
	ReadErrors   atomic.Uint64
	WriteErrors  atomic.Uint64
	RescueErrors atomic.Uint64
	Retries      atomic.Uint64 // unit-attention and shrink retries

	// Residual bytes reported by the transport, summed
	ResidBytes atomic.Int64

	// Latency tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	Latency        [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a read command.
func (m *Metrics) RecordRead(bytes uint64, latency time.Duration, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latency)
}

// RecordWrite records a write command.
func (m *Metrics) RecordWrite(bytes uint64, latency time.Duration, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latency)
}

// RecordRescue records a READ LONG salvage attempt.
func (m *Metrics) RecordRescue(latency time.Duration, success bool) {
	m.RescueOps.Add(1)
	if !success {
		m.RescueErrors.Add(1)
	}
	m.recordLatency(latency)
}

// RecordRetry records a bounded local retry.
func (m *Metrics) RecordRetry() {
	m.Retries.Add(1)
}

// RecordResid accumulates a residual byte count.
func (m *Metrics) RecordResid(resid int64) {
	m.ResidBytes.Add(resid)
}

func (m *Metrics) recordLatency(latency time.Duration) {
	ns := uint64(latency.Nanoseconds())
	m.TotalLatencyNs.Add(ns)
	m.OpCount.Add(1)
	for i, bucket := range latencyBuckets {
		if ns <= bucket {
			m.Latency[i].Add(1)
		}
	}
}

// Stop marks the session as finished.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters with derived
// rates.
type MetricsSnapshot struct {
	ReadOps   uint64
	WriteOps  uint64
	RescueOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors   uint64
	WriteErrors  uint64
	RescueErrors uint64
	Retries      uint64

	ResidBytes int64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadBandwidth  float64 // bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	ErrorRate      float64 // percentage of failed commands
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:      m.ReadOps.Load(),
		WriteOps:     m.WriteOps.Load(),
		RescueOps:    m.RescueOps.Load(),
		ReadBytes:    m.ReadBytes.Load(),
		WriteBytes:   m.WriteBytes.Load(),
		ReadErrors:   m.ReadErrors.Load(),
		WriteErrors:  m.WriteErrors.Load(),
		RescueErrors: m.RescueErrors.Load(),
		Retries:      m.Retries.Load(),
		ResidBytes:   m.ResidBytes.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.RescueOps

	if opCount := m.OpCount.Load(); opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.ReadBandwidth = float64(snap.ReadBytes) / secs
		snap.WriteBandwidth = float64(snap.WriteBytes) / secs
	}

	errs := snap.ReadErrors + snap.WriteErrors + snap.RescueErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(errs) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.Latency[i].Load()
	}

	return snap
}

// Observer allows pluggable per-command metrics collection.
type Observer interface {
	ObserveRead(bytes uint64, latency time.Duration, success bool)
	ObserveWrite(bytes uint64, latency time.Duration, success bool)
	ObserveRescue(latency time.Duration, success bool)
	ObserveRetry()
	ObserveResid(resid int64)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, time.Duration, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, time.Duration, bool) {}
func (NoOpObserver) ObserveRescue(time.Duration, bool)        {}
func (NoOpObserver) ObserveRetry()                            {}
func (NoOpObserver) ObserveResid(int64)                       {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latency time.Duration, success bool) {
	o.metrics.RecordRead(bytes, latency, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latency time.Duration, success bool) {
	o.metrics.RecordWrite(bytes, latency, success)
}

func (o *MetricsObserver) ObserveRescue(latency time.Duration, success bool) {
	o.metrics.RecordRescue(latency, success)
}

func (o *MetricsObserver) ObserveRetry() {
	o.metrics.RecordRetry()
}

func (o *MetricsObserver) ObserveResid(resid int64) {
	o.metrics.RecordResid(resid)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
