package sink

import (
	"context"
	"errors"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/danevik/flume-monitor/internal/config"
	"github.com/danevik/flume-monitor/internal/flume"
)

// ErrNotConfigured is returned when a time-series write is attempted
// without a configured sink. It indicates misconfiguration, not a
// transient condition, and is never swallowed.
var ErrNotConfigured = errors.New("time-series sink not configured")

// Writer writes flow readings to a time-series store
type Writer interface {
	// Write converts the reading into one point and writes it. An empty
	// measurement selects the writer's configured default.
	Write(ctx context.Context, deviceID string, reading flume.FlowReading, measurement string) error
	Close()
}

// InfluxWriter writes readings to InfluxDB v2 using the blocking write API
type InfluxWriter struct {
	client      influxdb2.Client
	write       api.WriteAPIBlocking
	measurement string
	logger      *zap.Logger
}

// NewInfluxWriter creates a writer for the configured InfluxDB instance
func NewInfluxWriter(cfg config.InfluxConfig, logger *zap.Logger) *InfluxWriter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxWriter{
		client:      client,
		write:       client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger,
	}
}

// Write writes one point: tag device_id, fields flow_rate and active,
// timestamped at the reading's own time rather than the write time.
func (w *InfluxWriter) Write(ctx context.Context, deviceID string, reading flume.FlowReading, measurement string) error {
	if measurement == "" {
		measurement = w.measurement
	}

	point := influxdb2.NewPoint(
		measurement,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{
			"flow_rate": reading.GPM,
			"active":    reading.Active,
		},
		reading.Timestamp,
	)

	if err := w.write.WritePoint(ctx, point); err != nil {
		return err
	}

	w.logger.Debug("wrote point to influxdb",
		zap.String("measurement", measurement),
		zap.String("device_id", deviceID),
		zap.Float64("flow_rate", reading.GPM),
		zap.Bool("active", reading.Active),
	)
	return nil
}

// Close shuts down the underlying InfluxDB client
func (w *InfluxWriter) Close() {
	w.client.Close()
}
