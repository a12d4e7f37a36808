package main

import (
	"github.com/danevik/flume-monitor/internal/config"
	"github.com/danevik/flume-monitor/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
