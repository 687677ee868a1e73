// Package scheduler drives call_out, call_out_every, and the heartbeat
// tick on a single cooperative goroutine (base-spec §4.2, §5).
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/r3e-driver/mudd/internal/obslog"
	"github.com/r3e-driver/mudd/pkg/metrics"
)

// TaskID identifies a scheduled one-shot or periodic callback.
type TaskID uint64

// TaskFunc is a callback run on the scheduler's single goroutine. It must
// not block: a slow task delays every other pending task and the
// heartbeat (base-spec §5, "the driver never parallelizes content code").
type TaskFunc func()

type task struct {
	id       TaskID
	dueAt    time.Time
	interval time.Duration // zero for one-shot (call_out)
	seq      uint64        // breaks due_at ties in FIFO order
	fn       TaskFunc
	ownerID  string // object_id of the scheduling entity, for CancelOwner
	index    int    // heap.Interface bookkeeping
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].dueAt.Before(h[j].dueAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

type heartbeatEntry struct {
	id      TaskID
	fn      TaskFunc
	ownerID string
}

// Scheduler owns the due-time-ordered task heap and the heartbeat
// registry, and runs both on one goroutine started by Run.
type Scheduler struct {
	mu         sync.Mutex
	heap       taskHeap
	byID       map[TaskID]*task
	heartbeats map[TaskID]*heartbeatEntry
	// heartbeatOrder preserves registration order for fireHeartbeats: map
	// iteration order is randomized and heartbeats must fire in the order
	// entities registered (base-spec §4.2, §5).
	heartbeatOrder []TaskID
	nextID         TaskID
	nextSeq        uint64
	tickPeriod     time.Duration
	log            *obslog.Logger
	now            func() time.Time
	wake           chan struct{}
	stopCh         chan struct{}
	stopped        bool
	runningOnce    sync.Once
}

// New returns a Scheduler ticking its heartbeat every period.
func New(period time.Duration, log *obslog.Logger) *Scheduler {
	if log == nil {
		log = obslog.NewDefault()
	}
	return &Scheduler{
		byID:       make(map[TaskID]*task),
		heartbeats: make(map[TaskID]*heartbeatEntry),
		tickPeriod: period,
		log:        log,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// CallOut schedules fn to run once after delay, owned by ownerID (used by
// Cancel and CancelOwner). Returns the task's id.
func (s *Scheduler) CallOut(delay time.Duration, ownerID string, fn TaskFunc) TaskID {
	return s.schedule(delay, 0, ownerID, fn)
}

// CallOutEvery schedules fn to run every interval, starting after the
// first interval elapses. The next occurrence is computed as
// prev_due + interval, never now + interval, so repeated short delays do
// not accumulate drift (base-spec §4.2).
func (s *Scheduler) CallOutEvery(interval time.Duration, ownerID string, fn TaskFunc) TaskID {
	return s.schedule(interval, interval, ownerID, fn)
}

func (s *Scheduler) schedule(delay, interval time.Duration, ownerID string, fn TaskFunc) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.nextSeq++
	t := &task{
		id:       s.nextID,
		dueAt:    s.now().Add(delay),
		interval: interval,
		seq:      s.nextSeq,
		fn:       fn,
		ownerID:  ownerID,
	}
	heap.Push(&s.heap, t)
	s.byID[t.id] = t
	s.notify()
	return t.id
}

// Cancel removes a scheduled task. Cancelling an already-fired or
// already-cancelled id is a no-op (base-spec §8, cancel is idempotent).
func (s *Scheduler) Cancel(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return
	}
	if t.index >= 0 {
		heap.Remove(&s.heap, t.index)
	}
	delete(s.byID, id)
}

// CancelOwner cancels every pending task and heartbeat registered by
// ownerID, used by the Object Registry on destruction (base-spec §4.1).
func (s *Scheduler) CancelOwner(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.byID {
		if t.ownerID == ownerID {
			if t.index >= 0 {
				heap.Remove(&s.heap, t.index)
			}
			delete(s.byID, id)
		}
	}
	for id, h := range s.heartbeats {
		if h.ownerID == ownerID {
			delete(s.heartbeats, id)
			s.removeFromHeartbeatOrder(id)
		}
	}
}

// HeartbeatRegister adds fn to the set invoked on every heartbeat tick, in
// registration order.
func (s *Scheduler) HeartbeatRegister(ownerID string, fn TaskFunc) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.heartbeats[id] = &heartbeatEntry{id: id, fn: fn, ownerID: ownerID}
	s.heartbeatOrder = append(s.heartbeatOrder, id)
	return id
}

// HeartbeatUnregister removes a heartbeat subscription. Unregistering an
// unknown id is a no-op.
func (s *Scheduler) HeartbeatUnregister(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heartbeats, id)
	s.removeFromHeartbeatOrder(id)
}

// removeFromHeartbeatOrder drops id from heartbeatOrder. Callers hold s.mu.
func (s *Scheduler) removeFromHeartbeatOrder(id TaskID) {
	for i, hid := range s.heartbeatOrder {
		if hid == id {
			s.heartbeatOrder = append(s.heartbeatOrder[:i], s.heartbeatOrder[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx-equivalent Stop is called. It must
// run on its own goroutine; every task and heartbeat callback executes
// inline on that same goroutine, preserving the single dispatch cursor
// (base-spec §5).
func (s *Scheduler) Run() {
	heartbeatTicker := time.NewTicker(s.tickPeriod)
	defer heartbeatTicker.Stop()

	for {
		timer := s.nextTimer()
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-heartbeatTicker.C:
			timer.Stop()
			s.fireHeartbeats()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue()
	}
}

func (s *Scheduler) nextTimer() *time.Timer {
	s.mu.Lock()
	var d time.Duration
	if len(s.heap) == 0 {
		d = s.tickPeriod
	} else {
		d = s.heap[0].dueAt.Sub(s.now())
		if d < 0 {
			d = 0
		}
	}
	s.mu.Unlock()
	return time.NewTimer(d)
}

func (s *Scheduler) fireDue() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].dueAt.After(s.now()) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.heap).(*task)
		delete(s.byID, t.id)
		if t.interval > 0 {
			t.dueAt = t.dueAt.Add(t.interval)
			t.index = -1
			s.nextSeq++
			t.seq = s.nextSeq
			heap.Push(&s.heap, t)
			s.byID[t.id] = t
		}
		fn := t.fn
		owner := t.ownerID
		s.mu.Unlock()

		s.runSafely(owner, fn)
	}
}

func (s *Scheduler) fireHeartbeats() {
	s.mu.Lock()
	type fired struct {
		owner string
		fn    TaskFunc
	}
	fns := make([]fired, 0, len(s.heartbeatOrder))
	for _, id := range s.heartbeatOrder {
		if h, ok := s.heartbeats[id]; ok {
			fns = append(fns, fired{owner: h.ownerID, fn: h.fn})
		}
	}
	s.mu.Unlock()

	for _, f := range fns {
		s.runSafely(f.owner, f.fn)
	}
}

func (s *Scheduler) runSafely(owner string, fn TaskFunc) {
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "error"
			s.log.WithField("panic", r).Error("scheduler task panicked")
		}
		metrics.RecordSchedulerTask(owner, outcome)
	}()
	fn()
}

// Stop halts Run. It is safe to call once.
func (s *Scheduler) Stop() {
	s.runningOnce.Do(func() {
		close(s.stopCh)
	})
}

// Pending reports the number of outstanding call_out/call_out_every
// tasks; heartbeat registrations are not counted.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
