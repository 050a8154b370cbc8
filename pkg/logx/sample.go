package logx

import (
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// sampledWriter drops lines below minLevel once the token bucket is empty,
// so a retry storm logging every dispatch at debug cannot flood the sinks.
type sampledWriter struct {
	next     zerolog.LevelWriter
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

func newSampledWriter(next zerolog.LevelWriter, cfg SampleConfig) *sampledWriter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.PerSec
	}
	return &sampledWriter{
		next:     next,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PerSec), burst),
		minLevel: parseLevel(cfg.MinLevel, zerolog.WarnLevel),
	}
}

func (w *sampledWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *sampledWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level != zerolog.NoLevel && level < w.minLevel && !w.limiter.Allow() {
		return len(p), nil
	}
	return w.next.WriteLevel(level, p)
}
