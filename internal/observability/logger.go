// internal/observability/logger.go
package observability

import (
	"io"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON logger writing to out. When provider is non-nil
// every entry is also handed to it through the otelzap bridge, so log
// records carry the trace context of the span they were written in.
func NewLogger(svc Service, out io.Writer, level zapcore.Level, provider log.LoggerProvider) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(out)),
		level,
	)
	if provider != nil {
		core = zapcore.NewTee(core, otelzap.NewCore(svc.Name, otelzap.WithLoggerProvider(provider)))
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", svc.Name)),
	)
}
