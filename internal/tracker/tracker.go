// Package tracker runs the sampling pipeline: fetch the player count, store
// it, redraw the chart from the full history and publish it, then wait.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/population-tracker/population-tracker/internal/collector"
	"github.com/population-tracker/population-tracker/internal/population"
	"github.com/population-tracker/population-tracker/internal/publish"
	"github.com/population-tracker/population-tracker/internal/scheduler"
	"github.com/population-tracker/population-tracker/internal/store"
)

// Default waits and stage timeouts.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultBackoff        = 60 * time.Second
	DefaultRenderTimeout  = 60 * time.Second
	DefaultPublishTimeout = 120 * time.Second
)

// Sampler fetches the current player count.
type Sampler interface {
	Fetch(ctx context.Context) (int, error)
}

// Renderer draws the history and returns the artifact path.
type Renderer interface {
	Render(ctx context.Context, history []population.Sample) (string, error)
}

// State is the loop state after an iteration.
type State int

const (
	// StateSampling waits the poll interval before the next fetch.
	StateSampling State = iota
	// StateBackoff waits the longer backoff interval after a failed fetch.
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateSampling:
		return "sampling"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tunes the loop. Zero values fall back to the package defaults.
type Options struct {
	PollInterval   time.Duration
	Backoff        time.Duration
	RenderTimeout  time.Duration
	PublishTimeout time.Duration

	Clock   scheduler.Clock
	Trigger *scheduler.Trigger
	Metrics *collector.PopulationCollector
}

// Tracker owns the pipeline components for the lifetime of the process.
type Tracker struct {
	sampler   Sampler
	store     store.Store
	renderer  Renderer
	publisher publish.Publisher
	opts      Options
	logger    *logrus.Entry
}

// New assembles a Tracker. The store must already have its schema ensured.
func New(sampler Sampler, st store.Store, renderer Renderer, publisher publish.Publisher, opts Options, logger *logrus.Entry) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = DefaultRenderTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = collector.NewPopulationCollector()
	}
	return &Tracker{
		sampler:   sampler,
		store:     st,
		renderer:  renderer,
		publisher: publisher,
		opts:      opts,
		logger:    logger.WithField("component", "tracker"),
	}
}

// Task returns the scheduler task that drives iterations: the poll interval
// follows a Sampling iteration, the backoff interval a Backoff one.
func (t *Tracker) Task() *scheduler.Task {
	return scheduler.NewTask("population", t.step, t.opts.PollInterval, t.opts.Clock, t.opts.Trigger, t.logger)
}

// Close releases the store. Call it once the task has returned.
func (t *Tracker) Close() error {
	t.logger.Info("shutting down")
	if err := t.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

func (t *Tracker) step(ctx context.Context) time.Duration {
	state, _ := t.RunIteration(ctx)
	if state == StateBackoff {
		return t.opts.Backoff
	}
	return t.opts.PollInterval
}

// RunIteration performs one fetch-store-render-publish pass and reports the
// state to wait in. The returned error is the first stage failure, if any.
func (t *Tracker) RunIteration(ctx context.Context) (State, error) {
	start := t.opts.Clock.Now()
	state, err := t.iterate(ctx)

	outcome := collector.OutcomeOK
	switch {
	case ctx.Err() != nil:
		// Shutdown mid-iteration is not a failure.
		return state, ctx.Err()
	case state == StateBackoff:
		outcome = collector.OutcomeBackoff
	case err != nil:
		outcome = collector.OutcomeFailed
	}

	if err != nil {
		stage := population.StageOf(err)
		t.opts.Metrics.RecordError(stage)
		entry := t.logger.WithError(err).WithField("stage", stage)
		if state == StateBackoff {
			entry.WithField("retry_in", t.opts.Backoff).Warn("fetch failed, backing off")
		} else {
			entry.Error("iteration failed")
		}
	}
	t.opts.Metrics.RecordIteration(outcome, t.opts.Clock.Now().Sub(start))
	return state, err
}

func (t *Tracker) iterate(ctx context.Context) (State, error) {
	players, err := t.sampler.Fetch(ctx)
	if err != nil {
		return StateBackoff, population.NewError(population.StageFetch, err)
	}

	sample, err := t.store.Append(ctx, population.NewSample(players, t.opts.Clock.Now()))
	if err != nil {
		return StateSampling, population.NewError(population.StagePersist, err)
	}
	t.opts.Metrics.RecordSample(sample)
	t.logger.WithFields(logrus.Fields{
		"players":   sample.Players,
		"timestamp": sample.Timestamp.Format(population.TimestampLayout),
	}).Info("saved player count")

	return StateSampling, t.renderAndPublish(ctx)
}

// RenderNow redraws and publishes the stored history without sampling.
func (t *Tracker) RenderNow(ctx context.Context) error {
	if err := t.renderAndPublish(ctx); err != nil {
		if ctx.Err() == nil {
			t.opts.Metrics.RecordError(population.StageOf(err))
		}
		return err
	}
	return nil
}

func (t *Tracker) renderAndPublish(ctx context.Context) error {
	history, err := t.store.AllOrderedByTime(ctx)
	if err != nil {
		return population.NewError(population.StagePersist, err)
	}
	t.opts.Metrics.RecordStored(len(history))

	renderCtx, cancel := context.WithTimeout(ctx, t.opts.RenderTimeout)
	artifact, err := t.renderer.Render(renderCtx, history)
	cancel()
	if err != nil {
		return population.NewError(population.StageRender, err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, t.opts.PublishTimeout)
	err = t.publisher.Publish(publishCtx, []string{artifact})
	cancel()
	switch {
	case errors.Is(err, publish.ErrSkipped):
		t.opts.Metrics.RecordPublishSkipped()
		t.logger.Debug("publish skipped, interval not elapsed")
		return nil
	case err != nil:
		return population.NewError(population.StagePublish, err)
	}

	t.opts.Metrics.RecordPublish(t.opts.Clock.Now())
	t.logger.WithFields(logrus.Fields{
		"points":   len(history),
		"artifact": artifact,
	}).Info("chart published")
	return nil
}
