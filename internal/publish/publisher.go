// Package publish pushes the rendered chart and its HTML wrapper to the
// static site. The default publisher force-pushes a git working tree; a
// GitLab API publisher offers a non-destructive alternative.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/population-tracker/population-tracker/internal/population"
)

// ErrSkipped is returned when a publish was deliberately not attempted.
var ErrSkipped = errors.New("publish skipped")

// Publisher makes the given artifacts publicly visible. Implementations
// write the wrapper page themselves and wrap failures in a publish-stage
// population.Error.
type Publisher interface {
	Publish(ctx context.Context, artifactPaths []string) error
}

// NopPublisher only refreshes the local wrapper page.
type NopPublisher struct {
	wrapper Wrapper
	now     func() time.Time
	logger  *logrus.Entry
}

// NewNopPublisher creates a publisher that writes the wrapper and nothing else.
func NewNopPublisher(wrapper Wrapper, now func() time.Time, logger *logrus.Entry) *NopPublisher {
	if now == nil {
		now = time.Now
	}
	return &NopPublisher{
		wrapper: wrapper,
		now:     now,
		logger:  logger.WithField("component", "publisher"),
	}
}

func (p *NopPublisher) Publish(_ context.Context, artifactPaths []string) error {
	if len(artifactPaths) == 0 {
		return population.NewError(population.StagePublish, errors.New("no artifacts to publish"))
	}
	if err := p.wrapper.Write(artifactPaths[0], p.now()); err != nil {
		return population.NewError(population.StagePublish, err)
	}
	p.logger.WithField("wrapper", p.wrapper.Path).Debug("wrapper refreshed (publishing disabled)")
	return nil
}

// Throttled paces an underlying Publisher with a token bucket so that at
// most one publish happens per interval. Calls inside the interval return
// ErrSkipped.
type Throttled struct {
	next    Publisher
	limiter *rate.Limiter
	logger  *logrus.Entry
}

// NewThrottled wraps next. A zero or negative every disables pacing.
func NewThrottled(next Publisher, every time.Duration, logger *logrus.Entry) *Throttled {
	var limiter *rate.Limiter
	if every <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		limiter = rate.NewLimiter(rate.Every(every), 1)
	}
	return &Throttled{
		next:    next,
		limiter: limiter,
		logger:  logger.WithField("component", "publish_throttle"),
	}
}

func (t *Throttled) Publish(ctx context.Context, artifactPaths []string) error {
	if !t.limiter.Allow() {
		t.logger.Debug("publish throttled")
		return ErrSkipped
	}
	return t.next.Publish(ctx, artifactPaths)
}
