package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/population-tracker/population-tracker/internal/population"
)

// RedisStore keeps samples in a sorted set scored by Unix seconds. Members
// are "<seq>|<players>|<unix>" with a zero-padded sequence so equal scores
// sort in insertion order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new RedisStore connected to the given Redis URL.
// The URL is parsed with redis.ParseURL so it supports redis:// and rediss:// schemes.
func NewRedisStore(url, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, persistErr("parsing redis URL: %w", err)
	}

	return &RedisStore{
		client: redis.NewClient(opts),
		prefix: keyPrefix,
	}, nil
}

func (r *RedisStore) samplesKey() string { return r.prefix + "samples" }
func (r *RedisStore) seqKey() string     { return r.prefix + "samples:seq" }

// EnsureSchema verifies connectivity; Redis needs no schema.
func (r *RedisStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return persistErr("connecting to redis: %w", err)
	}
	return nil
}

// Append allocates a sequence number and adds the sample to the sorted set.
func (r *RedisStore) Append(ctx context.Context, s population.Sample) (population.Sample, error) {
	id, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return population.Sample{}, persistErr("redis INCR %s: %w", r.seqKey(), err)
	}
	s.ID = id

	member := encodeMember(s)
	if err := r.client.ZAdd(ctx, r.samplesKey(), redis.Z{
		Score:  float64(s.Timestamp.Unix()),
		Member: member,
	}).Err(); err != nil {
		return population.Sample{}, persistErr("redis ZADD %s: %w", r.samplesKey(), err)
	}
	return s, nil
}

// AllOrderedByTime reads the whole sorted set in score order.
func (r *RedisStore) AllOrderedByTime(ctx context.Context) ([]population.Sample, error) {
	members, err := r.client.ZRange(ctx, r.samplesKey(), 0, -1).Result()
	if err != nil {
		return nil, persistErr("redis ZRANGE %s: %w", r.samplesKey(), err)
	}

	out := make([]population.Sample, 0, len(members))
	for _, m := range members {
		s, err := decodeMember(m)
		if err != nil {
			return nil, persistErr("decoding member %q: %w", m, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func encodeMember(s population.Sample) string {
	return fmt.Sprintf("%020d|%d|%d", s.ID, s.Players, s.Timestamp.Unix())
}

func decodeMember(m string) (population.Sample, error) {
	parts := strings.Split(m, "|")
	if len(parts) != 3 {
		return population.Sample{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return population.Sample{}, fmt.Errorf("parsing id: %w", err)
	}
	players, err := strconv.Atoi(parts[1])
	if err != nil {
		return population.Sample{}, fmt.Errorf("parsing players: %w", err)
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return population.Sample{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return population.Sample{
		ID:        id,
		Players:   players,
		Timestamp: time.Unix(epoch, 0),
	}, nil
}
