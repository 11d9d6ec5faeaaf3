package main

import (
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
