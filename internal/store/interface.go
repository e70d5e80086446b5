// Package store provides the append-only sample store and its backends.
package store

import (
	"context"
	"fmt"

	"github.com/population-tracker/population-tracker/internal/population"
)

// Store is an append-only table of samples. Implementations wrap every
// failure in a persist-stage population.Error.
type Store interface {
	// EnsureSchema prepares persistent state. It is idempotent and safe to
	// call on every start.
	EnsureSchema(ctx context.Context) error
	// Append durably records s and returns it with its assigned ID.
	Append(ctx context.Context, s population.Sample) (population.Sample, error)
	// AllOrderedByTime returns every sample ascending by timestamp, ties in
	// insertion order.
	AllOrderedByTime(ctx context.Context) ([]population.Sample, error)
	// Close releases any resources held by the store.
	Close() error
}

func persistErr(format string, args ...any) error {
	return population.NewError(population.StagePersist, fmt.Errorf(format, args...))
}
