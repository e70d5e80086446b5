package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/population-tracker/population-tracker/internal/population"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS server_population (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		players INTEGER,
		timestamp DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_server_population_timestamp ON server_population (timestamp)`,
}

// readLayouts are tried in order when parsing stored timestamps; rows
// written by older tooling carry fractional seconds.
var readLayouts = []string{
	population.TimestampLayout,
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

// SQLiteStore persists samples in a single local SQLite file.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens the database at path. Call EnsureSchema before use.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, persistErr("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistErr("open sqlite db: %w", err)
	}
	// One writer and one reader in the same control flow.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, persistErr("ping sqlite db: %w", err)
	}

	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// EnsureSchema creates the samples table and its index if absent.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.sqlDB.ExecContext(ctx, stmt); err != nil {
			return persistErr("ensure schema: %w", err)
		}
	}
	return nil
}

// Append inserts one row. With synchronous=FULL the row is on disk once the
// implicit transaction commits.
func (s *SQLiteStore) Append(ctx context.Context, sample population.Sample) (population.Sample, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO server_population (players, timestamp) VALUES (?, ?)`,
		sample.Players,
		sample.Timestamp.In(time.Local).Format(population.TimestampLayout),
	)
	if err != nil {
		return population.Sample{}, persistErr("insert sample: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return population.Sample{}, persistErr("read inserted id: %w", err)
	}
	sample.ID = id
	return sample, nil
}

// AllOrderedByTime reads the full history ascending by timestamp.
func (s *SQLiteStore) AllOrderedByTime(ctx context.Context) ([]population.Sample, error) {
	// CAST keeps the driver from converting DATETIME text into UTC times.
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, players, CAST(timestamp AS TEXT)
		 FROM server_population
		 ORDER BY timestamp ASC, id ASC`,
	)
	if err != nil {
		return nil, persistErr("query samples: %w", err)
	}
	defer rows.Close()

	var out []population.Sample
	for rows.Next() {
		var (
			id      int64
			players sql.NullInt64
			ts      sql.NullString
		)
		if err := rows.Scan(&id, &players, &ts); err != nil {
			return nil, persistErr("scan sample: %w", err)
		}
		at, err := parseTimestamp(ts.String)
		if err != nil {
			return nil, persistErr("sample %d: %w", id, err)
		}
		out = append(out, population.Sample{
			ID:        id,
			Players:   int(players.Int64),
			Timestamp: at,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate samples: %w", err)
	}
	return out, nil
}

// Close releases the underlying SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range readLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
