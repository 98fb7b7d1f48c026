package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fpgadrv/gpucore/internal/affinity"
	"github.com/fpgadrv/gpucore/internal/ring"
)

// ErrorKind mirrors the shared error-kind vocabulary without importing the
// root package (avoids an import cycle: the root package wires this
// package, not the reverse).
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrSelfDependency
	ErrUnknownQueue
	ErrNotFound
	ErrAlreadyInProgress
	ErrCancelled
	ErrTimeout
	ErrHardwareError
	ErrBusy
)

type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Observer receives scheduler events; any method may be left unimplemented
// by embedding a no-op default. Passing nil disables observation entirely.
type Observer interface {
	ObserveSubmit()
	ObserveComplete(latencyNs int64)
	ObserveAbort()
	ObserveTimeout()
}

// ringHandle is the subset of *ring.Ring the scheduler drives; declared as
// an interface so tests can substitute a fake without a real mmap-backed
// ring.
type ringHandle interface {
	SpaceDw() (int, error)
	WaitSpace(ctx context.Context, needed int, timeout time.Duration) error
	Write(dwords []uint32)
	Kick() error
}

// ringBusyKind reports whether err came back from a ring as a transient
// "not enough space yet" condition, as opposed to a hard failure.
func ringBusyKind(err error) bool {
	rerr, ok := err.(*ring.Error)
	return ok && rerr.Kind == ring.ErrBusy
}

// Scheduler orchestrates job admission, selection, completion, and
// timeout across every hardware queue.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[JobID]*Job
	nextID uint64

	queueIDs []int
	queues   map[int]*HardwareQueue
	rings    map[int]ringHandle

	observer       Observer
	defaultTimeout time.Duration
	sweepInterval  time.Duration
	onScheduleHang func(reason error) // invoked when a timeout sweep wants a reset

	// affinityCPUs pins the worker goroutine's OS thread, the way the
	// teacher pins each queue runner's I/O thread; empty disables pinning.
	affinityCPUs []int

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a scheduler over the given queue id -> ring bindings.
// queueDepth is the admission limit shared by every queue; defaultTimeout
// is applied to jobs submitted with a zero timeout.
func New(rings map[int]*ring.Ring, queueDepth int, defaultTimeout, sweepInterval time.Duration, observer Observer, onScheduleHang func(error)) *Scheduler {
	s := &Scheduler{
		jobs:           make(map[JobID]*Job),
		queues:         make(map[int]*HardwareQueue),
		rings:          make(map[int]ringHandle),
		observer:       observer,
		defaultTimeout: defaultTimeout,
		sweepInterval:  sweepInterval,
		onScheduleHang: onScheduleHang,
		wake:           make(chan struct{}, 1),
	}
	for id, r := range rings {
		s.queues[id] = newHardwareQueue(id, queueDepth)
		s.rings[id] = r
		s.queueIDs = append(s.queueIDs, id)
	}
	sort.Ints(s.queueIDs)
	return s
}

// selectQueue implements auto-selection: DMA prefers queue 2, compute
// queue 1, otherwise queue 0, falling back to queue 0 if the preferred
// queue doesn't exist on this device.
func (s *Scheduler) selectQueue(kind Kind, explicit int) (int, error) {
	if explicit >= 0 {
		if _, ok := s.queues[explicit]; !ok {
			return 0, newErr(ErrUnknownQueue, fmt.Sprintf("scheduler: queue %d does not exist", explicit))
		}
		return explicit, nil
	}
	preferred := 0
	switch kind {
	case KindDMA:
		preferred = 2
	case KindCompute:
		preferred = 1
	}
	if _, ok := s.queues[preferred]; ok {
		return preferred, nil
	}
	if _, ok := s.queues[0]; ok {
		return 0, nil
	}
	return 0, newErr(ErrUnknownQueue, "scheduler: no queue 0 to fall back to")
}

// Submit creates a job, wires any predecessor dependencies, and enqueues
// it immediately if it is already ready (dep_count == 0). explicit queue
// id of -1 means auto-select by kind.
func (s *Scheduler) Submit(kind Kind, priority, explicitQueue int, cmd []uint32, fenceAddr, fenceValue uint32, timeout time.Duration, deps []JobID) (*Job, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queueID, err := s.selectQueue(kind, explicitQueue)
	if err != nil {
		return nil, err
	}

	s.nextID++
	id := JobID(s.nextID)
	job := newJob(id, kind, priority, queueID, cmd, fenceAddr, fenceValue, timeout)
	s.jobs[id] = job

	for _, dep := range deps {
		if dep == id {
			delete(s.jobs, id)
			return nil, newErr(ErrSelfDependency, "scheduler: job cannot depend on itself")
		}
		if err := s.addDependencyLocked(id, dep); err != nil {
			delete(s.jobs, id)
			return nil, err
		}
	}

	if job.ready() {
		s.enqueueLocked(job)
	}

	return job, nil
}

// AddDependency makes `dependent` wait on `predecessor`; a no-op if the
// predecessor has already reached a terminal state.
func (s *Scheduler) AddDependency(dependent, predecessor JobID) error {
	if dependent == predecessor {
		return newErr(ErrSelfDependency, "scheduler: job cannot depend on itself")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDependencyLocked(dependent, predecessor)
}

func (s *Scheduler) addDependencyLocked(dependent, predecessor JobID) error {
	dep, ok := s.jobs[dependent]
	if !ok {
		return newErr(ErrNotFound, "scheduler: dependent job not found")
	}
	pred, ok := s.jobs[predecessor]
	if !ok {
		return newErr(ErrNotFound, "scheduler: predecessor job not found")
	}
	if pred.State().Terminal() {
		return nil // already satisfied; nothing to wait for
	}
	dep.mu.Lock()
	dep.DepCount++
	dep.mu.Unlock()
	pred.mu.Lock()
	pred.Dependents = append(pred.Dependents, dependent)
	pred.mu.Unlock()
	return nil
}

// enqueueLocked transitions pending->queued and pushes the job into its
// hardware queue's bucket. Caller must hold s.mu.
func (s *Scheduler) enqueueLocked(job *Job) {
	job.setState(StateQueued)
	s.queues[job.QueueID].pushBack(job.Priority, job.ID)
	s.wakeWorker()
}

func (s *Scheduler) wakeWorker() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) getJob(id JobID) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// SetAffinity configures the CPU set the worker goroutine's OS thread is
// pinned to once Start runs; must be called before Start. Mirrors the
// teacher's DeviceParams.CPUAffinity knob.
func (s *Scheduler) SetAffinity(cpus []int) {
	s.affinityCPUs = cpus
}

// Start launches the worker and timeout-sweep goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(2)
	go s.workerLoop(ctx)
	go s.sweepLoop(ctx)
}

// Stop cancels both goroutines and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	if len(s.affinityCPUs) > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		_ = affinity.Pin(s.affinityCPUs, 0) // best-effort; not fatal to submission ordering
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.drainReady()
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.sweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTimeouts()
		}
	}
}

// drainReady scans every queue in id order (round-robin tie-break) and
// starts as many ready jobs as current admission allows.
func (s *Scheduler) drainReady() {
	for _, qid := range s.queueIDs {
		q := s.queues[qid]
		for q.hasCapacity() {
			id, ok := q.popReady()
			if !ok {
				break
			}
			job := s.getJob(id)
			if job == nil {
				continue
			}
			if err := s.startJob(q, job); err != nil {
				q.pushFront(job.Priority, id)
				break
			}
		}
	}
}

// startJob hands a ready job to its ring. It checks for space before
// writing anything: a ring that can't fit the command right now returns
// Busy, and the caller re-inserts the job at the head of its bucket
// rather than overwrite not-yet-consumed ring memory.
func (s *Scheduler) startJob(q *HardwareQueue, job *Job) error {
	r := s.rings[q.ID]
	if err := r.WaitSpace(context.Background(), len(job.Command), 0); err != nil {
		if ringBusyKind(err) {
			return newErr(ErrBusy, "scheduler: ring has insufficient space")
		}
		return newErr(ErrHardwareError, err.Error())
	}

	job.setState(StateRunning)
	job.StartTime = time.Now()
	q.markStarted(job.ID)

	r.Write(job.Command)
	if err := r.Kick(); err != nil {
		job.setState(StateQueued)
		q.markFinished(job.ID)
		return err
	}
	if s.observer != nil {
		s.observer.ObserveSubmit()
	}
	return nil
}

// CompleteJob is invoked by the interrupt core's CMD_COMPLETE handler. It
// completes the queue's oldest still-running job (the device resolves its
// pipeline in program order), frees its admission slot, and wakes any
// dependents whose dep_count has reached zero.
func (s *Scheduler) CompleteJob(queueID int, hwErr error) {
	s.mu.Lock()
	q, ok := s.queues[queueID]
	if !ok {
		s.mu.Unlock()
		return
	}
	id, hasCurrent := q.popFrontRunning()
	if !hasCurrent {
		s.mu.Unlock()
		return
	}
	job := s.jobs[id]
	s.mu.Unlock()
	if job == nil {
		return
	}

	latency := time.Since(job.StartTime).Nanoseconds()
	if hwErr != nil {
		job.finish(StateAborted, hwErr)
		if s.observer != nil {
			s.observer.ObserveAbort()
		}
	} else {
		job.finish(StateCompleted, nil)
		if s.observer != nil {
			s.observer.ObserveComplete(latency)
		}
	}

	s.wakeDependents(job)
	s.wakeWorker()
}

func (s *Scheduler) wakeDependents(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, depID := range job.Dependents {
		dep, ok := s.jobs[depID]
		if !ok {
			continue
		}
		dep.mu.Lock()
		if dep.DepCount > 0 {
			dep.DepCount--
		}
		readyNow := dep.DepCount == 0 && dep.state == StatePending
		dep.mu.Unlock()
		if readyNow {
			s.enqueueLocked(dep)
		}
	}
}

// sweepTimeouts walks running jobs once per sweep interval; any job whose
// wall-clock runtime exceeds its timeout transitions to timed_out and a
// reset is requested.
func (s *Scheduler) sweepTimeouts() {
	s.mu.Lock()
	var expired []*Job
	now := time.Now()
	for _, job := range s.jobs {
		if job.State() != StateRunning {
			continue
		}
		if now.Sub(job.StartTime) > job.Timeout {
			expired = append(expired, job)
		}
	}
	s.mu.Unlock()

	for _, job := range expired {
		s.mu.Lock()
		q := s.queues[job.QueueID]
		s.mu.Unlock()
		q.markFinished(job.ID)
		job.finish(StateTimedOut, newErr(ErrTimeout, "scheduler: job exceeded its timeout"))
		if s.observer != nil {
			s.observer.ObserveTimeout()
		}
		if s.onScheduleHang != nil {
			s.onScheduleHang(newErr(ErrTimeout, "scheduler: timeout sweep requesting reset"))
		}
	}
}

// Cancel removes a pending or queued job synchronously. Running jobs
// cannot be cancelled in place; they require a reset cycle.
func (s *Scheduler) Cancel(id JobID) error {
	job := s.getJob(id)
	if job == nil {
		return newErr(ErrNotFound, "scheduler: job not found")
	}

	switch job.State() {
	case StatePending:
		job.finish(StateAborted, newErr(ErrCancelled, "scheduler: job cancelled before admission"))
		return nil
	case StateQueued:
		s.mu.Lock()
		q := s.queues[job.QueueID]
		s.mu.Unlock()
		if q.remove(job.Priority, id) {
			job.finish(StateAborted, newErr(ErrCancelled, "scheduler: job cancelled while queued"))
			return nil
		}
		return newErr(ErrAlreadyInProgress, "scheduler: job began running before it could be cancelled")
	default:
		return newErr(ErrAlreadyInProgress, "scheduler: running jobs require a reset cycle to cancel")
	}
}
