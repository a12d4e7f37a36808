package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/danevik/flume-monitor/internal/flume"
	"github.com/danevik/flume-monitor/tools/timeparser"
)

// Store is a durable local cache of flow readings keyed by
// (device id, timestamp). Timestamps are stored as RFC3339 UTC strings so
// lexical comparison in SQL matches chronological order.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// record is the serialized cache payload
type record struct {
	Active   bool    `json:"active"`
	GPM      float64 `json:"gpm"`
	Datetime string  `json:"datetime"`
}

// New opens (creating if necessary) the cache database under dir
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dbPath := filepath.Join(dir, "cache.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}

	logger.Info("flow cache opened", zap.String("path", dbPath))
	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_data (
			device_id TEXT,
			timestamp TEXT,
			data TEXT,
			PRIMARY KEY (device_id, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_data_timestamp ON flow_data(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts a reading under its (device id, timestamp) key. A second put
// with the same key replaces the prior value. A reading with no parsable
// timestamp is logged and skipped rather than failing the caller.
func (s *Store) Put(deviceID string, reading flume.FlowReading) error {
	if reading.Timestamp.IsZero() {
		s.logger.Warn("skipping cache write for reading without timestamp",
			zap.String("device_id", deviceID))
		return nil
	}

	payload, err := json.Marshal(record{
		Active:   reading.Active,
		GPM:      reading.GPM,
		Datetime: reading.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO flow_data (device_id, timestamp, data) VALUES (?, ?, ?)",
		deviceID, reading.Timestamp.UTC().Format(time.RFC3339), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to store reading: %w", err)
	}
	return nil
}

// Recent returns all cached readings for a device newer than now−maxAge,
// newest first.
func (s *Store) Recent(deviceID string, maxAge time.Duration) ([]flume.FlowReading, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)

	rows, err := s.db.Query(
		`SELECT timestamp, data FROM flow_data
		 WHERE device_id = ? AND timestamp > ?
		 ORDER BY timestamp DESC`,
		deviceID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent readings: %w", err)
	}
	defer rows.Close()

	var readings []flume.FlowReading
	for rows.Next() {
		var ts, data string
		if err := rows.Scan(&ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		reading, err := decode(deviceID, ts, data)
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache rows iteration error: %w", err)
	}
	return readings, nil
}

// Latest returns the newest cached reading for a device regardless of age,
// or (nil, nil) when the device has no cached readings.
func (s *Store) Latest(deviceID string) (*flume.FlowReading, error) {
	var ts, data string
	err := s.db.QueryRow(
		`SELECT timestamp, data FROM flow_data
		 WHERE device_id = ?
		 ORDER BY timestamp DESC LIMIT 1`,
		deviceID,
	).Scan(&ts, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}

	reading, err := decode(deviceID, ts, data)
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

// Evict deletes all readings older than maxAge across all devices and
// returns the number of rows removed.
func (s *Store) Evict(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)

	res, err := s.db.Exec("DELETE FROM flow_data WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to evict old readings: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func decode(deviceID, ts, data string) (flume.FlowReading, error) {
	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return flume.FlowReading{}, fmt.Errorf("failed to decode cached reading: %w", err)
	}

	parsed, err := timeparser.ParseFlumeTimestamp(ts)
	if err != nil {
		return flume.FlowReading{}, fmt.Errorf("corrupt cache timestamp: %w", err)
	}

	return flume.FlowReading{
		DeviceID:  deviceID,
		Timestamp: parsed,
		GPM:       rec.GPM,
		Active:    rec.Active,
	}, nil
}
