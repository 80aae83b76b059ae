package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "convertstep"

// InitLogger builds the process logger. Development mode logs colored console
// lines at debug level; otherwise JSON at info level, sampled.
// Every entry carries the service name and release.
func InitLogger(isDev bool, release string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if isDev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{
		"service": serviceName,
		"release": release,
	}

	return cfg.Build()
}
