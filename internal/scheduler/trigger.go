package scheduler

import "github.com/sirupsen/logrus"

// Trigger is a coalescing wake-up signal: any number of Fire calls made while
// nobody is waiting collapse into a single pending wake-up.
type Trigger struct {
	ch     chan struct{}
	logger *logrus.Entry
}

// NewTrigger creates a trigger with no pending wake-up.
func NewTrigger(logger *logrus.Entry) *Trigger {
	return &Trigger{
		ch:     make(chan struct{}, 1),
		logger: logger.WithField("component", "trigger"),
	}
}

// Fire requests a wake-up. It never blocks. It reports whether the request
// was queued (false means one was already pending).
func (tr *Trigger) Fire() bool {
	select {
	case tr.ch <- struct{}{}:
		tr.logger.Debug("wake-up queued")
		return true
	default:
		tr.logger.Debug("wake-up already pending")
		return false
	}
}

// C returns the channel that receives pending wake-ups.
func (tr *Trigger) C() <-chan struct{} {
	return tr.ch
}
