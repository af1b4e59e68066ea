package cocoseo

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimitedLogger drops warnings that arrive within interval of the last
// one written.
type rateLimitedLogger struct {
	log       *zap.SugaredLogger
	sometimes rate.Sometimes
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		log:       log.Sugar(),
		sometimes: rate.Sometimes{Interval: interval},
	}
}

func (l *rateLimitedLogger) Warn(msg string, keysAndValues ...any) {
	l.sometimes.Do(func() {
		l.log.Warnw(msg, keysAndValues...)
	})
}
