package scheduler

import "sync"

// HardwareQueue tracks one device queue's admission state and the FIFO
// buckets jobs wait in once they become ready.
type HardwareQueue struct {
	ID    int
	Depth int // queue_depth; scheduler may start a new job only while len(running) < Depth

	mu      sync.Mutex
	buckets [4][]JobID // indexed by Priority, low..realtime
	running []JobID    // admitted jobs in start order; the device completes its pipeline FIFO
}

func newHardwareQueue(id, depth int) *HardwareQueue {
	return &HardwareQueue{ID: id, Depth: depth}
}

// pushBack enqueues a newly-ready job at the tail of its priority bucket.
func (q *HardwareQueue) pushBack(priority int, id JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[priority] = append(q.buckets[priority], id)
}

// pushFront re-inserts a job at the head of its bucket, used when a
// transient ring-full submission failure requires a retry without losing
// its place ahead of jobs enqueued after it.
func (q *HardwareQueue) pushFront(priority int, id JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[priority] = append([]JobID{id}, q.buckets[priority]...)
}

// remove deletes id from the given priority bucket, used by cancellation.
func (q *HardwareQueue) remove(priority int, id JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.buckets[priority]
	for i, cur := range b {
		if cur == id {
			q.buckets[priority] = append(b[:i], b[i+1:]...)
			return true
		}
	}
	return false
}

// hasCapacity reports whether the queue may start another job: admission
// is gated on in-flight count, mirroring the hardware's pipeline depth.
func (q *HardwareQueue) hasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running) < q.Depth
}

// popReady scans buckets from realtime (index 3) down to low (index 0) and
// pops the first entry, which is the oldest job in the highest non-empty
// bucket.
func (q *HardwareQueue) popReady() (JobID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := len(q.buckets) - 1; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			id := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			return id, true
		}
	}
	return 0, false
}

// markStarted admits id into the running set. Up to Depth jobs may be
// in flight on a queue simultaneously; each call appends rather than
// overwriting so none of them is lost track of before it completes.
func (q *HardwareQueue) markStarted(id JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = append(q.running, id)
}

// popFrontRunning removes and returns the oldest admitted job, used by
// CompleteJob: the device resolves its pipeline in program order, so the
// job it just reported complete is always the one started longest ago.
func (q *HardwareQueue) popFrontRunning() (JobID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.running) == 0 {
		return 0, false
	}
	id := q.running[0]
	q.running = q.running[1:]
	return id, true
}

// markFinished removes id from the running set regardless of position,
// used by the timeout sweep where the expired job need not be the oldest
// one admitted.
func (q *HardwareQueue) markFinished(id JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.running {
		if cur == id {
			q.running = append(q.running[:i], q.running[i+1:]...)
			return
		}
	}
}
