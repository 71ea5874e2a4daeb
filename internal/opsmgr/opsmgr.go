// Package opsmgr implements the file-operations manager: a bounded
// worker pool draining a priority queue of long-running operations
// (downloads, deletes, format), with cancellation, throttled progress
// events, duplicate suppression, and memory-bounded streaming to a Sink
// (spec §4.5, §4.6).
package opsmgr

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kschwarz/jensen-go/internal/constants"
	"github.com/kschwarz/jensen-go/internal/iface"
)

// OperationKind identifies the unit of work a queued Operation performs.
type OperationKind string

const (
	KindDownload      OperationKind = "download"
	KindDelete        OperationKind = "delete"
	KindFormat        OperationKind = "format"
	KindBatchDownload OperationKind = "batch_download"
	KindBatchDelete   OperationKind = "batch_delete"
)

// Status is an Operation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// OperationID uniquely identifies a queued operation within a Manager's
// lifetime.
type OperationID uint64

// Progress is one throttled progress event for a Download operation.
type Progress struct {
	BytesDone  int64
	TotalBytes int64 // 0 if unknown
}

// Handler performs the actual work for one operation kind. Sink is nil
// for kinds that don't stream bytes (delete, format).
type Handler func(op *Operation, report func(Progress)) error

// protocolDesyncer is satisfied by a Handler's error when the failure was
// a protocol desync, without this package needing to import the concrete
// error type that reports it (spec §4.5).
type protocolDesyncer interface {
	ProtocolDesync() bool
}

// Operation is one item of queued work.
type Operation struct {
	ID       OperationID
	Kind     OperationKind
	Key      string // dedup key, e.g. filename for downloads
	Priority int    // higher runs first
	Sink     Sink   // destination for downloaded bytes, nil otherwise
	Payload  any    // kind-specific data, e.g. a batch's ordered file list

	mu       sync.Mutex
	status   Status
	err      error
	progress Progress
	cancel   chan struct{}
	done     chan struct{}
}

// Status returns the operation's current lifecycle state.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Err returns the failure reason, if any.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Progress returns the last reported progress snapshot.
func (o *Operation) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Cancel requests cancellation. The operation transitions to
// StatusCancelled once its handler observes the cancel channel.
func (o *Operation) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.cancel:
	default:
		close(o.cancel)
	}
}

// Cancelled returns a channel closed once Cancel has been called, so a
// Handler running outside this package can still poll it between chunks
// (spec §4.5, §5 "cancellation liveness").
func (o *Operation) Cancelled() <-chan struct{} {
	return o.cancel
}

// Done returns a channel closed when the operation reaches a terminal
// status.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

func (o *Operation) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *Operation) setErr(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *Operation) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

// Sink is the destination for a Download operation's bytes, kept
// memory-bounded: the manager never buffers a whole file, only the
// chunk in flight (spec §4.6 "memory-bounded direct-to-disk streaming").
type Sink interface {
	Write(p []byte) (int, error)
	Close() error
}

// queueItem is the priority-queue element; a monotonically increasing
// seq breaks priority ties in FIFO order.
type queueItem struct {
	op  *Operation
	seq uint64
}

type opHeap []*queueItem

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].op.Priority != h[j].op.Priority {
		return h[i].op.Priority > h[j].op.Priority
	}
	return h[i].seq < h[j].seq
}
func (h opHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x any)        { *h = append(*h, x.(*queueItem)) }
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Manager runs a bounded pool of workers draining a priority queue of
// Operations, with duplicate suppression keyed by (Kind, Key).
type Manager struct {
	workers     int
	cpuAffinity []int
	handlers    map[OperationKind]Handler
	observer    iface.Observer
	logger      iface.Logger
	healthCheck func() error

	// needsHealthCheck is armed when a handler's error reports
	// ProtocolDesync() true, and consulted (then cleared) before the next
	// operation's handler runs (spec §4.5).
	needsHealthCheck atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	heap     opHeap
	inflight map[string]*Operation      // (kind,key) -> op, for dedup
	byID     map[OperationID]*Operation // op id -> op, for Lookup/Cancel by callers
	stopped  bool

	nextID  atomic.Uint64
	nextSeq atomic.Uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Config wires a Manager's collaborators and handler table.
type Config struct {
	Workers  int // 0 uses constants.DefaultWorkerCount
	Handlers map[OperationKind]Handler
	Observer iface.Observer
	Logger   iface.Logger

	// CPUAffinity, if non-empty, pins worker N's OS thread to
	// CPUAffinity[N % len(CPUAffinity)] for steadier download/delete
	// latency under concurrent disk and USB I/O. Unset leaves workers
	// unpinned, the common case.
	CPUAffinity []int

	// HealthCheck, if set, runs once before the next operation's handler
	// is invoked whenever a prior handler failed with a protocol desync
	// (spec §4.5). A nil hook disables the gate entirely.
	HealthCheck func() error
}

// New creates and starts a Manager's worker pool.
func New(cfg Config) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = constants.DefaultWorkerCount
	}
	observer := cfg.Observer
	if observer == nil {
		observer = iface.NoOpObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = iface.NoOpLogger{}
	}

	m := &Manager{
		workers:     workers,
		cpuAffinity: cfg.CPUAffinity,
		handlers:    cfg.Handlers,
		observer:    observer,
		logger:      logger,
		healthCheck: cfg.HealthCheck,
		inflight:    make(map[string]*Operation),
		byID:        make(map[OperationID]*Operation),
	}
	m.cond = sync.NewCond(&m.mu)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m
}

func dedupKey(kind OperationKind, key string) string {
	return string(kind) + "\x00" + key
}

// Submit enqueues an operation. If an operation with the same kind and
// key is already pending or active, Submit returns the existing
// Operation instead of enqueuing a duplicate (spec §4.6 "duplicate
// suppression").
func (m *Manager) Submit(kind OperationKind, key string, priority int, sink Sink) *Operation {
	return m.SubmitPayload(kind, key, priority, sink, nil)
}

// SubmitPayload is Submit plus a kind-specific payload, used by kinds whose
// handler needs more than a dedup key (e.g. a batch's ordered file list).
func (m *Manager) SubmitPayload(kind OperationKind, key string, priority int, sink Sink, payload any) *Operation {
	dk := dedupKey(kind, key)

	m.mu.Lock()
	if existing, ok := m.inflight[dk]; ok {
		m.mu.Unlock()
		return existing
	}

	op := &Operation{
		ID:       OperationID(m.nextID.Add(1)),
		Kind:     kind,
		Key:      key,
		Priority: priority,
		Sink:     sink,
		Payload:  payload,
		status:   StatusPending,
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.inflight[dk] = op
	m.byID[op.ID] = op
	heap.Push(&m.heap, &queueItem{op: op, seq: m.nextSeq.Add(1)})
	m.observer.ObserveQueueDepth(len(m.heap))
	m.mu.Unlock()

	m.cond.Signal()
	return op
}

// Lookup returns the operation submitted with the given id, whether it is
// still pending, active, or already terminal. Callers retain the right to
// garbage-collect their own references; the Manager keeps every id it has
// ever issued for the lifetime of the pool.
func (m *Manager) Lookup(id OperationID) (*Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.byID[id]
	return op, ok
}

// pop blocks until an operation is available or the manager is
// stopped, in which case it returns nil.
func (m *Manager) pop() *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.heap) == 0 && !m.stopped {
		m.cond.Wait()
	}
	if len(m.heap) == 0 {
		return nil
	}
	item := heap.Pop(&m.heap).(*queueItem)
	m.observer.ObserveQueueDepth(len(m.heap))
	return item.op
}

func (m *Manager) queueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

func (m *Manager) finish(op *Operation) {
	m.mu.Lock()
	delete(m.inflight, dedupKey(op.Kind, op.Key))
	m.mu.Unlock()
	close(op.done)
}

// worker is one pool slot's loop. When CPUAffinity is configured it pins
// its OS thread for the loop's lifetime, the same round-robin
// queue-index-to-CPU assignment the teacher's ioLoop uses for its
// per-queue kernel thread (grounded on internal/queue/runner.go's
// ioLoop); a failed pin is logged and non-fatal, also matching the
// teacher.
func (m *Manager) worker(idx int) {
	defer m.wg.Done()

	if len(m.cpuAffinity) > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		cpu := m.cpuAffinity[idx%len(m.cpuAffinity)]
		var mask unix.CPUSet
		mask.Set(cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			m.logger.Warn("opsmgr: set CPU affinity failed", "worker", idx, "cpu", cpu, "err", err)
		} else {
			m.logger.Debug("opsmgr: pinned worker to CPU", "worker", idx, "cpu", cpu)
		}
	}

	for {
		op := m.pop()
		if op == nil {
			return
		}
		m.run(op)
	}
}

func (m *Manager) run(op *Operation) {
	select {
	case <-op.cancel:
		op.setStatus(StatusCancelled)
		m.finish(op)
		return
	default:
	}

	op.setStatus(StatusActive)
	handler, ok := m.handlers[op.Kind]
	if !ok {
		op.setErr(fmt.Errorf("jensen: no handler registered for operation kind %q", op.Kind))
		op.setStatus(StatusFailed)
		m.finish(op)
		return
	}

	if m.needsHealthCheck.Load() && m.healthCheck != nil {
		if err := m.healthCheck(); err != nil {
			m.logger.Warn("opsmgr: forced health check failed, leaving gate armed", "err", err)
			op.setErr(err)
			op.setStatus(StatusFailed)
			m.finish(op)
			return
		}
		m.needsHealthCheck.Store(false)
	}

	// report always updates the operation's current progress snapshot;
	// ProgressThrottle only bounds how often it additionally notifies the
	// observer, so a poller calling Operation.Progress never sees stale
	// data even between throttled ticks.
	var lastNotify time.Time
	report := func(p Progress) {
		op.setProgress(p)
		now := time.Now()
		if now.Sub(lastNotify) < constants.ProgressThrottle {
			return
		}
		lastNotify = now
		m.observer.ObserveQueueDepth(m.queueDepth())
	}

	err := handler(op, report)

	if ds, ok := err.(protocolDesyncer); ok && ds.ProtocolDesync() {
		m.needsHealthCheck.Store(true)
	}

	select {
	case <-op.cancel:
		op.setStatus(StatusCancelled)
		m.observer.ObserveOperation(string(op.Kind), "cancelled", 0)
	default:
		if err != nil {
			op.setErr(err)
			op.setStatus(StatusFailed)
			m.observer.ObserveOperation(string(op.Kind), "err", 0)
		} else {
			op.setStatus(StatusCompleted)
			m.observer.ObserveOperation(string(op.Kind), "ok", 0)
		}
	}

	if op.Sink != nil {
		_ = op.Sink.Close()
	}
	m.finish(op)
}

// Stop signals every idle worker to exit and waits for in-flight
// operations to reach a terminal state. It does not cancel pending
// operations; callers should Cancel them first if a fast shutdown is
// wanted.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.cond.Broadcast()
	})
	m.wg.Wait()
}
