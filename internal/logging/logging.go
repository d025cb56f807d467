// Package logging builds the gateway's structured logger.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level string // debug, info, warn, error
	Env   string // dev, prod
}

// New builds a zap logger. In dev it uses a human-readable console
// encoder; otherwise JSON, matching what ships to log aggregation.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Env, "dev") {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller()), nil
}

// FromEnv reads APIGW_ENV/APIGW_LOG_LEVEL, falling back to prod/info.
func FromEnv() (*zap.Logger, error) {
	return New(Config{
		Level: os.Getenv("APIGW_LOG_LEVEL"),
		Env:   os.Getenv("APIGW_ENV"),
	})
}
