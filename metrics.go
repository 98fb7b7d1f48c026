package gpu

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the job-latency histogram buckets in nanoseconds.
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
const numIRQBits = 6

// Metrics tracks performance and operational statistics for a device.
type Metrics struct {
	// Job lifecycle counters
	JobsSubmitted atomic.Uint64
	JobsCompleted atomic.Uint64
	JobsAborted   atomic.Uint64
	JobsTimedOut  atomic.Uint64

	// Ring/admission counters
	RingFullRetries atomic.Uint64
	RingWaitTimeout atomic.Uint64

	// Fence counters
	FenceWaits        atomic.Uint64
	FenceWaitTimeouts atomic.Uint64

	// Reset/health counters
	ResetCount  atomic.Uint64
	HangsFound  atomic.Uint64
	Heartbeats  atomic.Uint64

	// Per-bit IRQ counters, indexed by bit position (0=CMD_COMPLETE..5=PERF_COUNTER)
	IRQCounts [numIRQBits]atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds the
	// count of jobs with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a job submission.
func (m *Metrics) RecordSubmit() {
	m.JobsSubmitted.Add(1)
}

// RecordComplete records a completed job and its end-to-end latency.
func (m *Metrics) RecordComplete(latencyNs uint64) {
	m.JobsCompleted.Add(1)
	m.recordLatency(latencyNs)
}

// RecordAbort records an aborted job.
func (m *Metrics) RecordAbort() {
	m.JobsAborted.Add(1)
}

// RecordTimeout records a job that the timeout sweep marked timed_out.
func (m *Metrics) RecordTimeout() {
	m.JobsTimedOut.Add(1)
}

// RecordRingFullRetry records a submission that had to re-queue because the
// ring lacked space.
func (m *Metrics) RecordRingFullRetry() {
	m.RingFullRetries.Add(1)
}

// RecordFenceWait records a fence wait, and whether it timed out.
func (m *Metrics) RecordFenceWait(timedOut bool) {
	m.FenceWaits.Add(1)
	if timedOut {
		m.FenceWaitTimeouts.Add(1)
	}
}

// RecordReset records a completed reset cycle.
func (m *Metrics) RecordReset() {
	m.ResetCount.Add(1)
}

// RecordHang records a hang detection event.
func (m *Metrics) RecordHang() {
	m.HangsFound.Add(1)
}

// RecordHeartbeat records a successful heartbeat probe.
func (m *Metrics) RecordHeartbeat() {
	m.Heartbeats.Add(1)
}

// RecordIRQ records a dispatched interrupt for the given bit position.
func (m *Metrics) RecordIRQ(bit int) {
	if bit < 0 || bit >= numIRQBits {
		return
	}
	m.IRQCounts[bit].Add(1)
}

// RecordQueueDepth records current in-flight count for a queue for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

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

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	JobsSubmitted uint64
	JobsCompleted uint64
	JobsAborted   uint64
	JobsTimedOut  uint64

	RingFullRetries uint64
	RingWaitTimeout uint64

	FenceWaits        uint64
	FenceWaitTimeouts uint64

	ResetCount uint64
	HangsFound uint64
	Heartbeats uint64

	IRQCounts [numIRQBits]uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	JobsPerSecond float64
	ErrorRate     float64 // percentage of submitted jobs that aborted or timed out
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		JobsSubmitted:     m.JobsSubmitted.Load(),
		JobsCompleted:     m.JobsCompleted.Load(),
		JobsAborted:       m.JobsAborted.Load(),
		JobsTimedOut:      m.JobsTimedOut.Load(),
		RingFullRetries:   m.RingFullRetries.Load(),
		RingWaitTimeout:   m.RingWaitTimeout.Load(),
		FenceWaits:        m.FenceWaits.Load(),
		FenceWaitTimeouts: m.FenceWaitTimeouts.Load(),
		ResetCount:        m.ResetCount.Load(),
		HangsFound:        m.HangsFound.Load(),
		Heartbeats:        m.Heartbeats.Load(),
		MaxQueueDepth:     m.MaxQueueDepth.Load(),
	}

	for i := 0; i < numIRQBits; i++ {
		snap.IRQCounts[i] = m.IRQCounts[i].Load()
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
		snap.JobsPerSecond = float64(snap.JobsCompleted) / uptimeSeconds
	}

	if snap.JobsSubmitted > 0 {
		failed := snap.JobsAborted + snap.JobsTimedOut
		snap.ErrorRate = float64(failed) / float64(snap.JobsSubmitted) * 100.0
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

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.JobsSubmitted.Store(0)
	m.JobsCompleted.Store(0)
	m.JobsAborted.Store(0)
	m.JobsTimedOut.Store(0)
	m.RingFullRetries.Store(0)
	m.RingWaitTimeout.Store(0)
	m.FenceWaits.Store(0)
	m.FenceWaitTimeouts.Store(0)
	m.ResetCount.Store(0)
	m.HangsFound.Store(0)
	m.Heartbeats.Store(0)
	for i := 0; i < numIRQBits; i++ {
		m.IRQCounts[i].Store(0)
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

// Observer allows pluggable metrics collection by callers that don't want
// the built-in Metrics type.
type Observer interface {
	ObserveSubmit()
	ObserveComplete(latencyNs uint64)
	ObserveAbort()
	ObserveTimeout()
	ObserveReset()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit()             {}
func (NoOpObserver) ObserveComplete(uint64)     {}
func (NoOpObserver) ObserveAbort()              {}
func (NoOpObserver) ObserveTimeout()            {}
func (NoOpObserver) ObserveReset()              {}
func (NoOpObserver) ObserveQueueDepth(uint32)   {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit() {
	o.metrics.RecordSubmit()
}

func (o *MetricsObserver) ObserveComplete(latencyNs uint64) {
	o.metrics.RecordComplete(latencyNs)
}

func (o *MetricsObserver) ObserveAbort() {
	o.metrics.RecordAbort()
}

func (o *MetricsObserver) ObserveTimeout() {
	o.metrics.RecordTimeout()
}

func (o *MetricsObserver) ObserveReset() {
	o.metrics.RecordReset()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
