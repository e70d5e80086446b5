package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// manualClock records requested waits and lets the test release them.
type manualClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
	fire  chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0), fire: make(chan time.Time)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	return c.fire
}

func (c *manualClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

func TestTaskRunsImmediatelyAndUsesStepWait(t *testing.T) {
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())

	waits := []time.Duration{30 * time.Second, 60 * time.Second, 30 * time.Second}
	var calls int
	step := func(context.Context) time.Duration {
		w := waits[calls]
		calls++
		if calls == len(waits) {
			cancel()
		}
		return w
	}

	task := NewTask("sampling", step, time.Second, clock, nil, testLogger())
	done := make(chan struct{})
	go func() {
		task.Run(ctx)
		close(done)
	}()

	// Release the first two waits; the third step cancels the context.
	clock.fire <- time.Now()
	clock.fire <- time.Now()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop after cancellation")
	}

	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	got := clock.recorded()
	if len(got) < 2 || got[0] != 30*time.Second || got[1] != 60*time.Second {
		t.Fatalf("waits = %v", got)
	}
}

func TestTaskWaitInterruptedByCancel(t *testing.T) {
	clock := newManualClock()
	task := NewTask("sampling", nil, 0, clock, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if task.Wait(ctx, time.Hour) {
		t.Fatal("expected wait to report cancellation")
	}
}

func TestTaskWaitInterruptedByTrigger(t *testing.T) {
	clock := newManualClock()
	trigger := NewTrigger(testLogger())
	task := NewTask("sampling", nil, 0, clock, trigger, testLogger())

	trigger.Fire()
	if !task.Wait(context.Background(), time.Hour) {
		t.Fatal("expected trigger to end the wait")
	}
}

func TestTaskRecoversFromPanic(t *testing.T) {
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	step := func(context.Context) time.Duration {
		calls++
		if calls == 1 {
			panic("boom")
		}
		cancel()
		return time.Second
	}

	task := NewTask("sampling", step, 45*time.Second, clock, nil, testLogger())
	done := make(chan struct{})
	go func() {
		task.Run(ctx)
		close(done)
	}()

	clock.fire <- time.Now()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if got := clock.recorded(); len(got) == 0 || got[0] != 45*time.Second {
		t.Fatalf("waits = %v, want recover wait first", got)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	trigger := NewTrigger(testLogger())
	if !trigger.Fire() {
		t.Fatal("first fire should queue")
	}
	if trigger.Fire() {
		t.Fatal("second fire should coalesce")
	}
	<-trigger.C()
	if !trigger.Fire() {
		t.Fatal("fire after drain should queue")
	}
}

func TestSchedulerStopWaitsForTasks(t *testing.T) {
	clock := newManualClock()
	started := make(chan struct{})
	var once sync.Once
	step := func(context.Context) time.Duration {
		once.Do(func() { close(started) })
		return time.Minute
	}

	s := NewScheduler(testLogger())
	s.AddTask(NewTask("sampling", step, time.Second, clock, nil, testLogger()))
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after Stop")
	}
}
