// Package scheduler drives the sampling loop: a single task that runs one
// step at a time and waits a step-chosen duration between runs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// StepFunc performs one unit of work and returns how long to wait before
// the next one.
type StepFunc func(ctx context.Context) time.Duration

// Task runs a StepFunc repeatedly until its context is cancelled. Steps never
// overlap.
type Task struct {
	// Name is a human-readable identifier used in log messages.
	Name string
	// Step is executed each round.
	Step StepFunc
	// Recover is the wait used when Step panics.
	Recover time.Duration

	clock   Clock
	trigger *Trigger
	logger  *logrus.Entry
}

// NewTask creates a task. trigger may be nil.
func NewTask(name string, step StepFunc, recoverWait time.Duration, clock Clock, trigger *Trigger, logger *logrus.Entry) *Task {
	if clock == nil {
		clock = RealClock{}
	}
	return &Task{
		Name:    name,
		Step:    step,
		Recover: recoverWait,
		clock:   clock,
		trigger: trigger,
		logger:  logger.WithField("task", name),
	}
}

// Run executes the task in a loop. It fires immediately on entry, then waits
// for the duration returned by each step. The loop exits when ctx is done.
func (t *Task) Run(ctx context.Context) {
	t.logger.Info("task started")

	for {
		if ctx.Err() != nil {
			t.logger.Info("task stopping (context cancelled)")
			return
		}

		wait := t.execute(ctx)

		if !t.Wait(ctx, wait) {
			t.logger.Info("task stopping (context cancelled)")
			return
		}
	}
}

// Wait blocks for d, returning early (true) when the trigger fires and false
// when ctx is cancelled.
func (t *Task) Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	var wake <-chan struct{}
	if t.trigger != nil {
		wake = t.trigger.C()
	}

	select {
	case <-ctx.Done():
		return false
	case <-t.clock.After(d):
		return true
	case <-wake:
		t.logger.Debug("wait interrupted by trigger")
		return true
	}
}

// execute performs a single step, converting a panic into the recover wait.
func (t *Task) execute(ctx context.Context) (wait time.Duration) {
	start := t.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", fmt.Sprint(r)).Error("task step panicked")
			wait = t.Recover
		}
	}()

	wait = t.Step(ctx)
	t.logger.WithFields(logrus.Fields{
		"duration": t.clock.Now().Sub(start).Round(time.Millisecond),
		"next_in":  wait,
	}).Debug("task step completed")
	return wait
}
