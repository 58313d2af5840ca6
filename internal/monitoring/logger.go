package monitoring

import "log"

// Logf is the diagnostic logger for fail-soft paths: cache misses that fall
// through to the store, scoring fallbacks, spam heuristics that could not
// run. It defaults to log.Printf; tests mute it with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
