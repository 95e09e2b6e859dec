// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"sync/atomic"

	"github.com/bassosimone/errclass"
	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the package logger. It is a no-op logger unless one was
// installed with [SetLogger].
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// SetLogger installs l as the package logger. Passing nil restores the
// no-op logger. Connections whose [Config] sets a Logger use that instead.
func SetLogger(l *zap.Logger) { logger.Store(l) }

// errFields returns the log fields describing a failure: the error itself
// and its portable class, e.g., "ECONNRESET" or "ETIMEDOUT".
func errFields(err error) []zap.Field {
	return []zap.Field{zap.Error(err), zap.String("errClass", errclass.New(err))}
}
