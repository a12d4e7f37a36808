package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/danevik/flume-monitor/internal/cache"
	"github.com/danevik/flume-monitor/internal/config"
	"github.com/danevik/flume-monitor/internal/flume"
	"github.com/danevik/flume-monitor/internal/mq"
	"github.com/danevik/flume-monitor/internal/service"
	"github.com/danevik/flume-monitor/internal/sink"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startMonitors launches one monitoring loop per configured device. With
// no FLUME_DEVICE_IDS set, devices are discovered from the API at startup.
func startMonitors(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	client *flume.Client,
	monitor *service.Monitor,
) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			// Authenticate up front so credential problems fail startup
			// instead of surfacing on the first poll.
			if _, err := client.Sessions().Authenticate(startCtx); err != nil {
				return err
			}

			deviceIDs := cfg.Monitor.DeviceIDs
			if len(deviceIDs) == 0 {
				devices, err := client.Devices(startCtx, flume.DeviceListOptions{})
				if err != nil {
					return fmt.Errorf("failed to discover devices: %w", err)
				}
				for _, d := range devices {
					deviceIDs = append(deviceIDs, d.ID)
				}
			}
			if len(deviceIDs) == 0 {
				return fmt.Errorf("no devices to monitor: set FLUME_DEVICE_IDS or register a device")
			}

			logger.Info("starting device monitors",
				zap.Strings("device_ids", deviceIDs),
				zap.Duration("poll_interval", cfg.Monitor.PollInterval))

			for _, deviceID := range deviceIDs {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					if err := monitor.Run(ctx, id, cfg.Monitor.PollInterval); err != nil && ctx.Err() == nil {
						logger.Error("monitor exited", zap.String("device_id", id), zap.Error(err))
					}
				}(deviceID)
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			wg.Wait()
			logger.Info("all device monitors stopped")
			return nil
		},
	})
}

// ProvideFlumeClient creates the Flume API client
func ProvideFlumeClient(cfg *config.Config, logger *zap.Logger) *flume.Client {
	return flume.NewClient(flume.Config{
		Credentials: flume.Credentials{
			ClientID:     cfg.Flume.ClientID,
			ClientSecret: cfg.Flume.ClientSecret,
			Username:     cfg.Flume.Username,
			Password:     cfg.Flume.Password,
		},
		BaseURL: cfg.Flume.BaseURL,
		AuthURL: cfg.Flume.AuthURL,
		Timeout: cfg.Flume.RequestTimeout,
	}, logger)
}

// ProvideCache opens the local flow cache
func ProvideCache(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*cache.Store, error) {
	store, err := cache.New(cfg.Cache.Dir, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := store.Close(); err != nil {
				logger.Error("failed to close flow cache", zap.Error(err))
				return err
			}
			logger.Info("flow cache closed")
			return nil
		},
	})

	return store, nil
}

// ProvideSink creates the InfluxDB writer, or nil when the sink is not configured
func ProvideSink(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) sink.Writer {
	if !cfg.Influx.Configured() {
		logger.Warn("influxdb sink not configured, readings will only be cached")
		return nil
	}

	writer := sink.NewInfluxWriter(cfg.Influx, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			writer.Close()
			logger.Info("influxdb client closed")
			return nil
		},
	})
	return writer
}

// ProvideMQConnection creates a RabbitMQ connection, or nil when publishing is disabled
func ProvideMQConnection(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*mq.Connection, error) {
	if !cfg.AMQP.Enabled() {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.AMQP.URL)
}

// ProvidePublisher creates a reading-event publisher, or nil when publishing is disabled
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	if conn == nil {
		return nil, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.AMQP.Exchange, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideMonitor creates the monitor service
func ProvideMonitor(
	client *flume.Client,
	store *cache.Store,
	writer sink.Writer,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.Monitor {
	return service.NewMonitor(client, store, writer, publisher, cfg, logger)
}
