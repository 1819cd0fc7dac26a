// Package xlog centralizes the zap.Logger plumbing so no package reaches
// for a package-level logger singleton; every component that logs takes a
// *zap.Logger explicitly (nil-safe via Nop).
package xlog

import "go.uber.org/zap"

// Nop returns a logger that discards everything, used whenever a caller
// does not configure a logger explicitly.
func Nop() *zap.Logger { return zap.NewNop() }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Named tags a subsystem logger with its component name up front.
func Named(l *zap.Logger, name string) *zap.Logger {
	return OrNop(l).Named(name)
}
