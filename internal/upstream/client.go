// Package upstream samples the public server-listing API for the tracked
// game server's current player count.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/population-tracker/population-tracker/internal/population"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// DefaultHeaders mimic a browser visiting the public server list. The
// listing API rejects requests that look like bare scripts.
var DefaultHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":          "application/json",
	"Accept-Language": "en-US,en;q=0.9",
	"Origin":          "https://servers.fivem.net",
	"Referer":         "https://servers.fivem.net/",
	"Cache-Control":   "no-cache",
	"Connection":      "keep-alive",
}

// StatusError reports a non-2xx response from the upstream API.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected upstream status %s", e.Status)
}

// serverResponse is the subset of the listing payload we read. Pointers
// distinguish an absent field from an explicit zero.
type serverResponse struct {
	Data *struct {
		Clients *int `json:"clients"`
	} `json:"Data"`
}

// Client performs single fetches against the upstream status endpoint.
type Client struct {
	httpClient *http.Client
	url        string
	headers    map[string]string
	logger     *logrus.Entry
}

// New creates a Client for url. extraHeaders are applied on top of
// DefaultHeaders; timeout bounds each request end to end.
func New(url string, timeout time.Duration, extraHeaders map[string]string, logger *logrus.Entry) *Client {
	headers := make(map[string]string, len(DefaultHeaders)+len(extraHeaders))
	for k, v := range DefaultHeaders {
		headers[k] = v
	}
	for k, v := range extraHeaders {
		headers[k] = v
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		headers:    headers,
		logger:     logger.WithField("component", "upstream"),
	}
}

// Fetch performs one GET and returns the reported client count. Every
// failure is returned as a fetch-stage population.Error; a payload without
// Data.clients yields 0.
func (c *Client) Fetch(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return 0, population.NewError(population.StageFetch, fmt.Errorf("building request: %w", err))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, population.NewError(population.StageFetch, fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("upstream responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return 0, population.NewError(population.StageFetch, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, population.NewError(population.StageFetch, fmt.Errorf("reading response: %w", err))
	}

	players, err := parseClients(body)
	if err != nil {
		return 0, population.NewError(population.StageFetch, err)
	}
	return players, nil
}

func parseClients(body []byte) (int, error) {
	var payload serverResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}
	if payload.Data == nil || payload.Data.Clients == nil {
		return 0, nil
	}
	if *payload.Data.Clients < 0 {
		return 0, fmt.Errorf("negative client count %d", *payload.Data.Clients)
	}
	return *payload.Data.Clients, nil
}
