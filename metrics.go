package tcmu

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-tcmu/scsi"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// numStatuses covers OK through the last defined status.
const numStatuses = int(scsi.InvalidCpTgtDevType) + 1

// CommandClass groups opcodes for accounting.
type CommandClass int

const (
	ClassRead CommandClass = iota
	ClassWrite
	ClassUnmap
	ClassFlush
	ClassEmulated // served by the built-in emulation
	ClassOther
	numClasses
)

func (c CommandClass) String() string {
	switch c {
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	case ClassUnmap:
		return "unmap"
	case ClassFlush:
		return "flush"
	case ClassEmulated:
		return "emulated"
	}
	return "other"
}

// Classify maps an opcode to its accounting class.
func Classify(op uint8) CommandClass {
	switch op {
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		return ClassRead
	case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16,
		scsi.WriteVerify, scsi.WriteVerify12, scsi.WriteVerify16,
		scsi.CompareAndWrite:
		return ClassWrite
	case scsi.Unmap, scsi.WriteSame, scsi.WriteSame16:
		return ClassUnmap
	case scsi.SynchronizeCache, scsi.SynchronizeCache16:
		return ClassFlush
	case scsi.Inquiry, scsi.TestUnitReady, scsi.StartStop, scsi.ReadCapacity,
		scsi.ServiceActionIn16, scsi.ModeSense, scsi.ModeSense10,
		scsi.ModeSelect, scsi.ModeSelect10, scsi.RequestSense:
		return ClassEmulated
	}
	return ClassOther
}

type classCounters struct {
	Ops    atomic.Uint64
	Bytes  atomic.Uint64
	Errors atomic.Uint64
}

// Metrics tracks command and queue statistics for TCMU devices
type Metrics struct {
	classes [numClasses]classCounters

	// Per-status failure counts, indexed by scsi.Status
	statusCounts [numStatuses]atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative command latency in nanoseconds
	OpCount        atomic.Uint64 // Total commands (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device start timestamp (UnixNano)
	StopTime  atomic.Int64 // Device stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records one completed command. Bytes are only counted for
// commands that completed with OK.
func (m *Metrics) RecordCommand(op uint8, bytes uint64, latencyNs uint64, st scsi.Status) {
	c := &m.classes[Classify(op)]
	c.Ops.Add(1)
	if st == scsi.OK {
		c.Bytes.Add(bytes)
	} else {
		c.Errors.Add(1)
		if st >= 0 && int(st) < numStatuses {
			m.statusCounts[st].Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records current queue depth for statistics
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	// Update max queue depth atomically
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records command latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// ClassSnapshot holds the counters of one command class.
type ClassSnapshot struct {
	Ops    uint64
	Bytes  uint64
	Errors uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Read     ClassSnapshot
	Write    ClassSnapshot
	Unmap    ClassSnapshot
	Flush    ClassSnapshot
	Emulated ClassSnapshot
	Other    ClassSnapshot

	// Failures by completion status; statuses never seen are absent.
	StatusCounts map[scsi.Status]uint64

	// Queue statistics
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	ReadIOPS       float64 // Commands per second
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of failed commands
}

func (m *Metrics) class(c CommandClass) ClassSnapshot {
	return ClassSnapshot{
		Ops:    m.classes[c].Ops.Load(),
		Bytes:  m.classes[c].Bytes.Load(),
		Errors: m.classes[c].Errors.Load(),
	}
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Read:          m.class(ClassRead),
		Write:         m.class(ClassWrite),
		Unmap:         m.class(ClassUnmap),
		Flush:         m.class(ClassFlush),
		Emulated:      m.class(ClassEmulated),
		Other:         m.class(ClassOther),
		StatusCounts:  make(map[scsi.Status]uint64),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	var totalErrors uint64
	for _, c := range []ClassSnapshot{snap.Read, snap.Write, snap.Unmap, snap.Flush, snap.Emulated, snap.Other} {
		snap.TotalOps += c.Ops
		snap.TotalBytes += c.Bytes
		totalErrors += c.Errors
	}
	for i := range m.statusCounts {
		if n := m.statusCounts[i].Load(); n > 0 {
			snap.StatusCounts[scsi.Status(i)] = n
		}
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.Read.Ops) / uptimeSeconds
		snap.WriteIOPS = float64(snap.Write.Ops) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.Read.Bytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.Write.Bytes) / uptimeSeconds
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for i := range m.classes {
		m.classes[i].Ops.Store(0)
		m.classes[i].Bytes.Store(0)
		m.classes[i].Errors.Store(0)
	}
	for i := range m.statusCounts {
		m.statusCounts[i].Store(0)
	}
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection. The command ring
// calls it from its processing goroutine.
type Observer interface {
	// ObserveCommand is called once per command after its completion was
	// posted to the ring
	ObserveCommand(op uint8, bytes uint64, latencyNs uint64, st scsi.Status)

	// ObserveQueueDepth is called once per ring pass with the number of
	// outstanding commands
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint8, uint64, uint64, scsi.Status) {}
func (NoOpObserver) ObserveQueueDepth(uint32)                          {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(op uint8, bytes uint64, latencyNs uint64, st scsi.Status) {
	o.metrics.RecordCommand(op, bytes, latencyNs, st)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
