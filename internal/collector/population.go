// Package collector exposes the tracker's observations as Prometheus metrics.
package collector

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/population-tracker/population-tracker/internal/population"
)

// Outcome labels a finished iteration.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeBackoff Outcome = "backoff"
	OutcomeFailed  Outcome = "failed"
)

// PopulationCollector gathers sampling and publishing metrics. It is fed by
// the loop controller and read concurrently by the HTTP server.
type PopulationCollector struct {
	mu sync.RWMutex

	// Prometheus descriptors
	players          *prometheus.Desc
	lastSampleTime   *prometheus.Desc
	samplesStored    *prometheus.Desc
	iterations       *prometheus.Desc
	stageErrors      *prometheus.Desc
	publishSkipped   *prometheus.Desc
	lastPublishTime  *prometheus.Desc
	iterationSeconds *prometheus.Desc

	// Collected observations (mutex-protected)
	observations populationObservations
}

type populationObservations struct {
	hasSample        bool
	players          float64
	lastSampleTime   float64
	samplesStored    float64
	iterations       map[Outcome]float64
	stageErrors      map[population.Stage]float64
	publishSkipped   float64
	lastPublishTime  float64
	iterationSeconds float64
}

// compile-time check
var _ prometheus.Collector = (*PopulationCollector)(nil)

// NewPopulationCollector creates a collector with empty observations.
func NewPopulationCollector() *PopulationCollector {
	return &PopulationCollector{
		players: prometheus.NewDesc(
			"pt_players",
			"Player count of the most recent successful sample.",
			nil, nil,
		),
		lastSampleTime: prometheus.NewDesc(
			"pt_last_sample_timestamp_seconds",
			"Unix time of the most recent successful sample.",
			nil, nil,
		),
		samplesStored: prometheus.NewDesc(
			"pt_samples_stored",
			"Number of samples in the store as of the last render.",
			nil, nil,
		),
		iterations: prometheus.NewDesc(
			"pt_iterations_total",
			"Loop iterations by outcome.",
			[]string{"outcome"}, nil,
		),
		stageErrors: prometheus.NewDesc(
			"pt_stage_errors_total",
			"Failures by pipeline stage.",
			[]string{"stage"}, nil,
		),
		publishSkipped: prometheus.NewDesc(
			"pt_publish_skipped_total",
			"Publishes skipped by the minimum publish interval.",
			nil, nil,
		),
		lastPublishTime: prometheus.NewDesc(
			"pt_last_publish_timestamp_seconds",
			"Unix time of the most recent successful publish.",
			nil, nil,
		),
		iterationSeconds: prometheus.NewDesc(
			"pt_iteration_duration_seconds",
			"Duration of the most recent iteration.",
			nil, nil,
		),
		observations: populationObservations{
			iterations:  make(map[Outcome]float64),
			stageErrors: make(map[population.Stage]float64),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PopulationCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.players
	ch <- c.lastSampleTime
	ch <- c.samplesStored
	ch <- c.iterations
	ch <- c.stageErrors
	ch <- c.publishSkipped
	ch <- c.lastPublishTime
	ch <- c.iterationSeconds
}

// Collect implements prometheus.Collector.
func (c *PopulationCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obs := c.observations

	if obs.hasSample {
		ch <- prometheus.MustNewConstMetric(c.players, prometheus.GaugeValue, obs.players)
		ch <- prometheus.MustNewConstMetric(c.lastSampleTime, prometheus.GaugeValue, obs.lastSampleTime)
	}
	ch <- prometheus.MustNewConstMetric(c.samplesStored, prometheus.GaugeValue, obs.samplesStored)
	for outcome, v := range obs.iterations {
		ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, v, string(outcome))
	}
	for stage, v := range obs.stageErrors {
		ch <- prometheus.MustNewConstMetric(c.stageErrors, prometheus.CounterValue, v, string(stage))
	}
	ch <- prometheus.MustNewConstMetric(c.publishSkipped, prometheus.CounterValue, obs.publishSkipped)
	if obs.lastPublishTime > 0 {
		ch <- prometheus.MustNewConstMetric(c.lastPublishTime, prometheus.GaugeValue, obs.lastPublishTime)
	}
	ch <- prometheus.MustNewConstMetric(c.iterationSeconds, prometheus.GaugeValue, obs.iterationSeconds)
}

// RecordSample notes a successfully stored sample.
func (c *PopulationCollector) RecordSample(s population.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations.hasSample = true
	c.observations.players = float64(s.Players)
	c.observations.lastSampleTime = float64(s.Timestamp.Unix())
}

// RecordStored sets the number of samples read back for rendering.
func (c *PopulationCollector) RecordStored(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations.samplesStored = float64(n)
}

// RecordError counts a failure of stage.
func (c *PopulationCollector) RecordError(stage population.Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations.stageErrors[stage]++
}

// RecordPublish notes a successful publish at t.
func (c *PopulationCollector) RecordPublish(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations.lastPublishTime = float64(t.Unix())
}

// RecordPublishSkipped counts a throttled publish.
func (c *PopulationCollector) RecordPublishSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations.publishSkipped++
}

// RecordIteration counts a finished iteration and its duration.
func (c *PopulationCollector) RecordIteration(outcome Outcome, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations.iterations[outcome]++
	c.observations.iterationSeconds = d.Seconds()
}
