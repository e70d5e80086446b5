// Package population holds the domain types shared by every stage of the
// sampling pipeline: the Sample entity and the stage-typed error taxonomy.
package population

import "time"

// TimestampLayout is the text layout used for persisted sample timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// Sample is one observation of the upstream server's player count.
type Sample struct {
	// ID is assigned by the store on append; zero before that.
	ID int64 `json:"id"`
	// Players is the number of connected clients at observation time.
	Players int `json:"players"`
	// Timestamp is the local time of the successful fetch, second precision.
	Timestamp time.Time `json:"timestamp"`
}

// NewSample builds a sample observed at t, truncated to the second.
func NewSample(players int, t time.Time) Sample {
	return Sample{
		Players:   players,
		Timestamp: t.Truncate(time.Second),
	}
}
