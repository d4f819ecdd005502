// Package corectx carries the small set of ambient services components in
// this module need — a logger, a clock, a random source, and a metrics sink —
// by explicit reference rather than process-global singletons (spec.md §9's
// "Shared global services" re-architecture note).
package corectx

import (
	"log"
	"math/rand"
	"time"
)

// Logger is the minimal structured-logging sink components depend on.
// Production callers adapt their own logging library to this interface.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Metrics is the collaborator contract of spec.md §6: recordHit/recordMiss/
// recordError. A concrete implementation lives in package telemetry.
type Metrics interface {
	RecordHit(key string, elapsed time.Duration)
	RecordMiss(key string)
	RecordError(key string, cause error)
}

// Context bundles the ambient services. A nil Logger falls back to the
// standard library logger and a nil Clock to time.Now; Metrics and Rand have
// no fallback, so components that call them need a Context with both set
// (as Default provides).
type Context struct {
	Logger  Logger
	Clock   Clock
	Rand    *rand.Rand
	Metrics Metrics
}

// Default returns a Context wired to the standard library: a log.Logger-based
// Logger, the real wall clock, and a metrics sink that discards everything.
func Default() Context {
	return Context{
		Logger:  stdLogger{},
		Clock:   systemClock{},
		Rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		Metrics: NopMetrics{},
	}
}

// logger returns a usable Logger, falling back to stdLogger when unset.
func (c Context) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return stdLogger{}
}

func (c Context) Debugf(format string, args ...any) { c.logger().Debugf(format, args...) }
func (c Context) Infof(format string, args ...any)  { c.logger().Infof(format, args...) }
func (c Context) Warnf(format string, args ...any)  { c.logger().Warnf(format, args...) }
func (c Context) Errorf(format string, args ...any) { c.logger().Errorf(format, args...) }

// Now returns the current time from the bundled clock, or time.Now if unset.
func (c Context) Now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now()
	}
	return time.Now()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// stdLogger adapts the standard library's log package, matching the
// level-prefixed JSON-free style of the teacher's pkg/middleware/logging.go.
type stdLogger struct{}

func (stdLogger) Debugf(format string, args ...any) { log.Printf("[DEBUG] "+format, args...) }
func (stdLogger) Infof(format string, args ...any)  { log.Printf("[INFO] "+format, args...) }
func (stdLogger) Warnf(format string, args ...any)  { log.Printf("[WARN] "+format, args...) }
func (stdLogger) Errorf(format string, args ...any) { log.Printf("[ERROR] "+format, args...) }

// NopMetrics discards every recorded metric. Useful as a default when no
// telemetry sink is wired.
type NopMetrics struct{}

func (NopMetrics) RecordHit(string, time.Duration) {}
func (NopMetrics) RecordMiss(string)               {}
func (NopMetrics) RecordError(string, error)       {}
