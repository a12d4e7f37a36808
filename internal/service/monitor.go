package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danevik/flume-monitor/internal/cache"
	"github.com/danevik/flume-monitor/internal/config"
	"github.com/danevik/flume-monitor/internal/flume"
	"github.com/danevik/flume-monitor/internal/logging"
	"github.com/danevik/flume-monitor/internal/mq"
	"github.com/danevik/flume-monitor/internal/sink"
)

// FlowFetcher fetches the live flow reading for a device
type FlowFetcher interface {
	CurrentFlow(ctx context.Context, deviceID string) (flume.FlowReading, error)
}

// Monitor ties polling, caching and downstream writing together. One
// Monitor serves any number of concurrently monitored devices; the cache
// and session are the only shared state and both tolerate concurrent use.
type Monitor struct {
	fetcher   FlowFetcher
	cache     *cache.Store
	sink      sink.Writer   // nil when no sink is configured
	publisher *mq.Publisher // nil when event publishing is disabled
	cfg       *config.Config
	logger    *zap.Logger
}

// NewMonitor creates a monitor service. sink and publisher may be nil.
func NewMonitor(
	fetcher FlowFetcher,
	store *cache.Store,
	writer sink.Writer,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		fetcher:   fetcher,
		cache:     store,
		sink:      writer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// CurrentFlow returns the live flow reading for a device, writing it
// through to the cache on success. When the live fetch fails and the cache
// holds a prior reading for the device, that reading is returned with
// Stale set; when the cache is also empty the original fetch error is
// returned.
func (m *Monitor) CurrentFlow(ctx context.Context, deviceID string) (flume.FlowReading, error) {
	reading, err := m.fetcher.CurrentFlow(ctx, deviceID)
	if err == nil {
		if cerr := m.cache.Put(deviceID, reading); cerr != nil {
			// Best effort: a cache failure must not fail the read
			m.logger.Warn("cache write-through failed",
				zap.String("device_id", deviceID), zap.Error(cerr))
		}
		return reading, nil
	}

	cached, cerr := m.cache.Latest(deviceID)
	if cerr != nil {
		m.logger.Warn("cache fallback read failed",
			zap.String("device_id", deviceID), zap.Error(cerr))
		return flume.FlowReading{}, err
	}
	if cached == nil {
		return flume.FlowReading{}, err
	}

	cached.Stale = true
	m.logger.Warn("serving stale reading from cache",
		zap.String("device_id", deviceID),
		zap.Time("reading_timestamp", cached.Timestamp),
		zap.Error(err))
	return *cached, nil
}

// WriteReading writes a reading to the time-series sink. The cache
// write-through happens before the sink write so the reading survives a
// sink outage; sink failures are logged, not propagated. An unconfigured
// sink is a hard error.
func (m *Monitor) WriteReading(ctx context.Context, deviceID string, reading flume.FlowReading, measurement string) error {
	if m.sink == nil {
		return sink.ErrNotConfigured
	}

	if cerr := m.cache.Put(deviceID, reading); cerr != nil {
		m.logger.Warn("cache write-through failed",
			zap.String("device_id", deviceID), zap.Error(cerr))
	}

	if err := m.sink.Write(ctx, deviceID, reading, measurement); err != nil {
		// The cache write already happened, so data is not lost
		m.logger.Error("sink write failed",
			zap.String("device_id", deviceID), zap.Error(err))
	}

	m.publishReading(ctx, deviceID, reading)
	return nil
}

func (m *Monitor) publishReading(ctx context.Context, deviceID string, reading flume.FlowReading) {
	if m.publisher == nil {
		return
	}

	event := mq.ReadingEvent{
		DeviceID:         deviceID,
		FlowRate:         reading.GPM,
		Active:           reading.Active,
		Stale:            reading.Stale,
		ReadingTimestamp: reading.Timestamp.UTC().Format(time.RFC3339),
		ObservedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.publisher.PublishReadingEvent(ctx, event, m.cfg.AMQP.RoutingKey); err != nil {
		m.logger.Error("failed to publish reading event",
			zap.String("device_id", deviceID), zap.Error(err))
	}
}

// Run polls the device on the given interval until ctx is cancelled,
// writing each reading downstream. A failed cycle is logged and retried
// after a short backoff; the loop only exits on cancellation. It also
// evicts cache entries older than the retention window as it goes.
func (m *Monitor) Run(ctx context.Context, deviceID string, interval time.Duration) error {
	if m.sink == nil {
		return sink.ErrNotConfigured
	}

	devLogger := logging.WithDevice(m.logger, deviceID)
	devLogger.Info("starting monitoring", zap.Duration("interval", interval))

	lastEvict := time.Now()
	for {
		reqLogger := logging.WithRequestID(devLogger, uuid.NewString())

		delay := interval
		if err := m.cycle(ctx, deviceID); err != nil {
			if ctx.Err() != nil {
				devLogger.Info("monitoring cancelled")
				return ctx.Err()
			}
			reqLogger.Error("monitor cycle failed", zap.Error(err))
			delay = m.cfg.Monitor.ErrorBackoff
		} else {
			reqLogger.Debug("monitor cycle completed")
		}

		if time.Since(lastEvict) >= m.cfg.Cache.Retention {
			if removed, err := m.cache.Evict(m.cfg.Cache.Retention); err != nil {
				devLogger.Warn("cache eviction failed", zap.Error(err))
			} else if removed > 0 {
				devLogger.Info("evicted expired cache entries", zap.Int64("removed", removed))
			}
			lastEvict = time.Now()
		}

		if err := sleep(ctx, delay); err != nil {
			devLogger.Info("monitoring cancelled")
			return err
		}
	}
}

func (m *Monitor) cycle(ctx context.Context, deviceID string) error {
	reading, err := m.CurrentFlow(ctx, deviceID)
	if err != nil {
		return err
	}
	return m.WriteReading(ctx, deviceID, reading, "")
}

// sleep waits for d or until ctx is cancelled, whichever comes first
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
