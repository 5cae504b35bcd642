// Package logging builds the process-wide zap.Logger. It fans out to
// stdout and, when FLUENTD_ENABLE is set, to a Fluentd collector over the
// Forward protocol, shipping log lines with the field shape mandated by
// spec §6: {app, mtaccount, compname, module, funcName, lineno, levelName,
// thread, topic, topicId, message, timestamp}.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mtengine/tradengine/internal/config"
)

const appName = "tradengine"

// New builds the process logger. The returned *zap.Logger is the only
// process-wide singleton permitted by the design (Design Note: global
// configuration -> injected context); everything else is constructor-
// injected.
func New(cfg config.Config, account string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	stdoutCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		level,
	)

	cores := []zapcore.Core{stdoutCore}

	if cfg.Fluentd.Enable {
		shipperLevel, err := zapcore.ParseLevel(cfg.Fluentd.Level)
		if err != nil {
			shipperLevel = zapcore.InfoLevel
		}
		shipper := newForwardShipper(cfg.Fluentd.Host, cfg.Fluentd.Port, appName, account)
		shipper.LevelEnabler = shipperLevel
		cores = append(cores, shipper)
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(0))
	return logger, nil
}
