package main

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Clock abstracts time so hysteresis, auto-recovery and timeout behavior can
// be tested without wall-clock waits
type Clock interface {
	Now() time.Time
}

// realClock is the production clock
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ScheduledTask is a cancellable delayed task handle
type ScheduledTask struct {
	runAt     time.Time
	fn        func()
	cancelled atomic.Bool
	index     int // heap index, -1 when popped
}

// Cancel prevents the task from running. Safe to call from any goroutine,
// including after the task fired.
func (st *ScheduledTask) Cancel() {
	st.cancelled.Store(true)
}

// taskHeap is a min-heap ordered by run time
type taskHeap []*ScheduledTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	t := x.(*ScheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler owns periodic ticks and a cancellable delayed-task queue. It
// replaces ad-hoc timer callbacks so timing-driven behavior (carrier
// auto-recovery, chunk timeouts, health evaluation) is deterministic under
// test: tests drive it with a fake clock and explicit Advance calls.
type Scheduler struct {
	clock Clock

	tasks taskHeap
	mu    sync.Mutex

	wake chan struct{}
	done chan struct{}

	running bool
}

// NewScheduler creates a scheduler using the given clock. Pass nil for the
// real clock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		clock: clock,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Schedule queues fn to run after delay. The returned handle can cancel it.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *ScheduledTask {
	task := &ScheduledTask{
		runAt: s.clock.Now().Add(delay),
		fn:    fn,
	}

	s.mu.Lock()
	heap.Push(&s.tasks, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return task
}

// Every queues fn to run repeatedly at the given interval until the returned
// stop function is called. The first run happens one interval from now.
func (s *Scheduler) Every(interval time.Duration, fn func()) func() {
	var mu sync.Mutex
	stopped := false
	var current *ScheduledTask

	var reschedule func()
	reschedule = func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		current = s.Schedule(interval, func() {
			fn()
			reschedule()
		})
		mu.Unlock()
	}
	reschedule()

	return func() {
		mu.Lock()
		stopped = true
		if current != nil {
			current.Cancel()
		}
		mu.Unlock()
	}
}

// Start launches the scheduler loop. Only meaningful with the real clock;
// tests use RunDue directly.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
}

// Stop terminates the scheduler loop. Pending tasks do not run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
}

func (s *Scheduler) loop() {
	for {
		wait := s.nextWait()

		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.RunDue()
		}
	}
}

// nextWait returns the duration until the earliest task, or a long idle wait
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return time.Minute
	}
	wait := s.tasks[0].runAt.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait
}

// RunDue executes every queued task whose run time has arrived. Returns the
// number of tasks run. Exposed so fake-clock tests can pump the queue.
func (s *Scheduler) RunDue() int {
	now := s.clock.Now()
	ran := 0

	for {
		s.mu.Lock()
		if len(s.tasks) == 0 || s.tasks[0].runAt.After(now) {
			s.mu.Unlock()
			return ran
		}
		task := heap.Pop(&s.tasks).(*ScheduledTask)
		s.mu.Unlock()

		if task.cancelled.Load() {
			continue
		}
		task.fn()
		ran++
	}
}

// PendingTasks returns the number of queued (possibly cancelled) tasks
func (s *Scheduler) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
