package jensen

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// kindCounters tracks per-operation-kind outcome counts.
type kindCounters struct {
	ok  atomic.Uint64
	err atomic.Uint64
}

// Metrics is the built-in Observer implementation: atomic counters for
// bytes transferred, operations by kind and outcome, protocol desyncs,
// and queue depth, plus a cumulative latency histogram.
type Metrics struct {
	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64

	Desyncs atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyHist    [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64

	mu     sync.Mutex
	byKind map[string]*kindCounters
}

// NewMetrics creates a ready-to-use Metrics instance with its clock started.
func NewMetrics() *Metrics {
	m := &Metrics{byKind: make(map[string]*kindCounters)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) counters(kind string) *kindCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	kc, ok := m.byKind[kind]
	if !ok {
		kc = &kindCounters{}
		m.byKind[kind] = kc
	}
	return kc
}

// ObserveBytesIn implements iface.Observer.
func (m *Metrics) ObserveBytesIn(n int) {
	m.BytesIn.Add(uint64(n))
}

// ObserveBytesOut implements iface.Observer.
func (m *Metrics) ObserveBytesOut(n int) {
	m.BytesOut.Add(uint64(n))
}

// ObserveOperation records one operation's outcome and latency, bucketed
// by kind (e.g. "ListFiles", "StreamFile").
func (m *Metrics) ObserveOperation(kind string, outcome string, latencyNs int64) {
	kc := m.counters(kind)
	if outcome == "ok" {
		kc.ok.Add(1)
	} else {
		kc.err.Add(1)
	}
	m.TotalLatencyNs.Add(uint64(latencyNs))
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if uint64(latencyNs) <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// ObserveProtocolDesync implements iface.Observer.
func (m *Metrics) ObserveProtocolDesync() {
	m.Desyncs.Add(1)
}

// ObserveQueueDepth implements iface.Observer.
func (m *Metrics) ObserveQueueDepth(n int) {
	m.QueueDepthTotal.Add(uint64(n))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if uint32(n) <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, uint32(n)) {
			break
		}
	}
}

// Stop marks the collection period as closed; Snapshot's UptimeNs stops
// advancing after this call.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// KindSnapshot is the per-operation-kind slice of a Snapshot.
type KindSnapshot struct {
	Kind string
	OK   uint64
	Err  uint64
}

// MetricsSnapshot is a point-in-time read of Metrics.
type MetricsSnapshot struct {
	BytesIn  uint64
	BytesOut uint64

	Desyncs uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	TotalOps     uint64
	ErrorRate    float64 // percentage
	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64
	LatencyHist   [numLatencyBuckets]uint64

	ByKind []KindSnapshot
}

// Snapshot returns a consistent point-in-time read of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BytesIn:       m.BytesIn.Load(),
		BytesOut:      m.BytesOut.Load(),
		Desyncs:       m.Desyncs.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
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

	var totalOK, totalErr uint64
	m.mu.Lock()
	for kind, kc := range m.byKind {
		ok := kc.ok.Load()
		errN := kc.err.Load()
		totalOK += ok
		totalErr += errN
		snap.ByKind = append(snap.ByKind, KindSnapshot{Kind: kind, OK: ok, Err: errN})
	}
	m.mu.Unlock()
	snap.TotalOps = totalOK + totalErr
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErr) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHist[i] = m.LatencyHist[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHist[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHist[i-1].Load()
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

// Reset zeroes all counters and restarts the clock. Useful in tests.
func (m *Metrics) Reset() {
	m.BytesIn.Store(0)
	m.BytesOut.Store(0)
	m.Desyncs.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHist[i].Store(0)
	}
	m.mu.Lock()
	m.byKind = make(map[string]*kindCounters)
	m.mu.Unlock()
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Compile-time interface check against the internal seam.
var _ interface {
	ObserveBytesIn(int)
	ObserveBytesOut(int)
	ObserveOperation(string, string, int64)
	ObserveProtocolDesync()
	ObserveQueueDepth(int)
} = (*Metrics)(nil)
