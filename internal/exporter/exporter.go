// Package exporter wires together the sampler, store, renderer, publisher,
// tracker and HTTP server into a single orchestrator.
package exporter

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot/vg"

	"github.com/population-tracker/population-tracker/internal/collector"
	"github.com/population-tracker/population-tracker/internal/config"
	"github.com/population-tracker/population-tracker/internal/gitlab"
	"github.com/population-tracker/population-tracker/internal/publish"
	"github.com/population-tracker/population-tracker/internal/render"
	"github.com/population-tracker/population-tracker/internal/scheduler"
	"github.com/population-tracker/population-tracker/internal/server"
	"github.com/population-tracker/population-tracker/internal/store"
	"github.com/population-tracker/population-tracker/internal/tracker"
	"github.com/population-tracker/population-tracker/internal/upstream"
)

// Exporter is the main application orchestrator.
type Exporter struct {
	config  *config.Config
	store   store.Store
	metrics *collector.PopulationCollector
	trigger *scheduler.Trigger
	tracker *tracker.Tracker
	logger  *logrus.Entry
}

// NewExporter creates and initialises the exporter:
//  1. Opens the store and ensures its schema (failure is fatal).
//  2. Creates the upstream sampler.
//  3. Creates the renderer.
//  4. Creates the publisher, paced by the minimum publish interval.
//  5. Creates the tracker with its metrics collector and refresh trigger.
func NewExporter(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*Exporter, error) {
	log := logger.WithField("component", "exporter")

	// --- 1. Store ---
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	log.WithFields(logrus.Fields{
		"driver": cfg.Store.Driver,
		"path":   cfg.Store.Path,
	}).Info("store ready")

	// --- 2. Sampler ---
	sampler := upstream.New(cfg.Upstream.URL, cfg.Upstream.Timeout(), cfg.Upstream.Headers, logger)

	// --- 3. Renderer ---
	renderer := render.New(render.Options{
		ArtifactPath: cfg.Render.ArtifactPath,
		Title:        cfg.Render.Title,
		Width:        vg.Length(cfg.Render.WidthInches) * vg.Inch,
		Height:       vg.Length(cfg.Render.HeightInches) * vg.Inch,
		DPI:          cfg.Render.DPI,
	}, nil, logger)

	// --- 4. Publisher ---
	pub, err := NewPublisher(cfg.Publish, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// --- 5. Tracker ---
	metrics := collector.NewPopulationCollector()
	trigger := scheduler.NewTrigger(logger)
	tr := tracker.New(sampler, st, renderer, pub, tracker.Options{
		PollInterval:   cfg.Loop.PollInterval(),
		Backoff:        cfg.Loop.Backoff(),
		RenderTimeout:  cfg.Loop.RenderTimeout(),
		PublishTimeout: cfg.Loop.PublishTimeout(),
		Trigger:        trigger,
		Metrics:        metrics,
	}, logger)

	return &Exporter{
		config:  cfg,
		store:   st,
		metrics: metrics,
		trigger: trigger,
		tracker: tr,
		logger:  log,
	}, nil
}

// NewPublisher builds the configured publisher wrapped in the publish
// throttle.
func NewPublisher(cfg config.PublishConfig, logger *logrus.Entry) (publish.Publisher, error) {
	wrapper := publish.Wrapper{
		Path:           cfg.Wrapper.Path,
		Title:          cfg.Wrapper.Title,
		RefreshSeconds: cfg.Wrapper.RefreshSeconds,
	}

	var pub publish.Publisher
	switch cfg.Driver {
	case "git", "":
		pub = publish.NewGitPublisher(publish.GitOptions{
			RepoDir:     cfg.Git.RepoDir,
			Remote:      cfg.Git.Remote,
			Branch:      cfg.Git.Branch,
			Pull:        cfg.Git.Pull,
			Force:       cfg.Git.Force,
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
		}, wrapper, nil, nil, logger)
	case "gitlab":
		client, err := gitlab.New(cfg.GitLab.URL, cfg.GitLab.Token, cfg.GitLab.UseGraphQL, logger)
		if err != nil {
			return nil, fmt.Errorf("creating gitlab client: %w", err)
		}
		pub = publish.NewGitLabPublisher(client, cfg.GitLab.Project, cfg.GitLab.Branch, "", wrapper, nil, logger)
	case "none":
		pub = publish.NewNopPublisher(wrapper, nil, logger)
	default:
		return nil, fmt.Errorf("unknown publish driver %q", cfg.Driver)
	}

	logger.WithFields(logrus.Fields{
		"driver":       cfg.Driver,
		"min_interval": cfg.MinInterval(),
	}).Info("publisher ready")
	return publish.NewThrottled(pub, cfg.MinInterval(), logger), nil
}

// Run starts the sampling loop and the HTTP server (when a listen address is
// configured), then blocks until ctx is cancelled. On cancellation it shuts
// down gracefully and closes the store.
func (e *Exporter) Run(ctx context.Context) error {
	sched := scheduler.NewScheduler(e.logger)
	sched.AddTask(e.tracker.Task())

	var srv *server.Server
	if e.config.Server.ListenAddress != "" {
		srv = server.NewServer(e.config, e.metrics, e.trigger, e.logger)
		if err := srv.Start(ctx); err != nil {
			e.close()
			return fmt.Errorf("starting server: %w", err)
		}
	}

	sched.Start(ctx)
	if srv != nil {
		srv.SetReady(true)
	}
	e.logger.WithFields(logrus.Fields{
		"upstream":      e.config.Upstream.URL,
		"poll_interval": e.config.Loop.PollInterval(),
		"backoff":       e.config.Loop.Backoff(),
	}).Info("exporter is ready")

	// Block until context is cancelled.
	select {
	case <-ctx.Done():
	case <-sched.Done():
	}

	e.logger.Info("shutting down exporter")

	if srv != nil {
		srv.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			e.logger.WithError(err).Error("error during server shutdown")
		}
	}

	sched.Stop()
	e.close()
	return nil
}

// RunOnce performs a single iteration and closes the store.
func (e *Exporter) RunOnce(ctx context.Context) (tracker.State, error) {
	defer e.close()
	return e.tracker.RunIteration(ctx)
}

// RenderNow renders and publishes the stored history, then closes the store.
func (e *Exporter) RenderNow(ctx context.Context) error {
	defer e.close()
	return e.tracker.RenderNow(ctx)
}

func (e *Exporter) close() {
	if err := e.tracker.Close(); err != nil {
		e.logger.WithError(err).Error("error closing store")
	}
}
