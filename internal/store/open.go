package store

import (
	"context"
	"fmt"

	"github.com/population-tracker/population-tracker/internal/config"
)

// Open builds the store selected by cfg and ensures its schema. Any error is
// fatal for the caller: the process must not run against an unusable store.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		st, err = OpenSQLite(cfg.Path)
	case "redis":
		st, err = NewRedisStore(cfg.Redis.URL, cfg.Redis.KeyPrefix)
	case "memory":
		st = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
