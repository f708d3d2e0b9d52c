package main

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by timing-sensitive tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestSchedulerRunsTaskAfterDelay(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock)

	ran := 0
	s.Schedule(5*time.Second, func() { ran++ })

	if n := s.RunDue(); n != 0 {
		t.Fatalf("task ran %d times before its delay elapsed", n)
	}

	clock.Advance(5 * time.Second)
	if n := s.RunDue(); n != 1 {
		t.Fatalf("RunDue ran %d tasks, want 1", n)
	}
	if ran != 1 {
		t.Fatalf("task ran %d times, want 1", ran)
	}

	// A fired task does not run again
	clock.Advance(time.Minute)
	if n := s.RunDue(); n != 0 {
		t.Fatalf("fired task ran again (%d)", n)
	}
}

func TestSchedulerCancelPreventsRun(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock)

	ran := false
	task := s.Schedule(time.Second, func() { ran = true })
	task.Cancel()

	clock.Advance(2 * time.Second)
	s.RunDue()

	if ran {
		t.Fatal("cancelled task ran")
	}
}

func TestSchedulerCancelSafeAcrossGoroutines(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock)

	// Cancel races against RunDue the way carrier recovery does in
	// production: the handle is cancelled from another goroutine while
	// the queue is being drained
	var mu sync.Mutex
	ran := 0
	tasks := make([]*ScheduledTask, 100)
	for i := range tasks {
		tasks[i] = s.Schedule(time.Second, func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, task := range tasks {
			task.Cancel()
		}
	}()
	go func() {
		defer wg.Done()
		s.RunDue()
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if ran > len(tasks) {
		t.Fatalf("%d runs for %d tasks", ran, len(tasks))
	}

	// Every task is now cancelled or fired; nothing further may run
	if n := s.RunDue(); n != 0 {
		t.Fatalf("%d tasks ran after cancellation", n)
	}
}

func TestSchedulerOrdersTasksByRunTime(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock)

	var order []int
	s.Schedule(3*time.Second, func() { order = append(order, 3) })
	s.Schedule(1*time.Second, func() { order = append(order, 1) })
	s.Schedule(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(5 * time.Second)
	s.RunDue()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("tasks ran in order %v, want [1 2 3]", order)
	}
}

func TestSchedulerEveryRepeatsUntilStopped(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock)

	count := 0
	stop := s.Every(time.Second, func() { count++ })

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		s.RunDue()
	}
	if count != 3 {
		t.Fatalf("periodic task ran %d times, want 3", count)
	}

	stop()
	clock.Advance(5 * time.Second)
	s.RunDue()
	if count != 3 {
		t.Fatalf("periodic task ran after stop (count %d)", count)
	}
}
