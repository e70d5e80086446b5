package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/population-tracker/population-tracker/internal/scheduler"
)

// RefreshHandler wakes the sampling loop early. It validates the
// X-Refresh-Token header when a secret token is configured.
type RefreshHandler struct {
	secretToken string
	trigger     *scheduler.Trigger
	logger      *logrus.Entry
}

// NewRefreshHandler creates a handler that fires trigger on POST. If
// secretToken is empty, token validation is skipped.
func NewRefreshHandler(secretToken string, trigger *scheduler.Trigger, logger *logrus.Entry) *RefreshHandler {
	return &RefreshHandler{
		secretToken: secretToken,
		trigger:     trigger,
		logger:      logger.WithField("component", "refresh"),
	}
}

// ServeHTTP implements http.Handler.
func (rh *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if rh.secretToken != "" {
		token := r.Header.Get("X-Refresh-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(rh.secretToken)) != 1 {
			rh.logger.WithField("remote", r.RemoteAddr).Warn("refresh received with invalid token")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	queued := rh.trigger.Fire()
	rh.logger.WithFields(logrus.Fields{
		"remote": r.RemoteAddr,
		"queued": queued,
	}).Info("refresh requested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if queued {
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	} else {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	}
}
