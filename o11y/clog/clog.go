// Copyright 2026 The Distbuild Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clog provides context aware logging. It can store a trace ID,
// span ID, and arbitrary labels on a context, and attaches them to every
// log line written through that context. The main use case is to carry
// a build/edge/slave identity through a goroutine's context so every
// log line it produces is automatically attributable.
package clog

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

type contextKeyType int

var contextKey contextKeyType

// New creates a new Logger writing through the default charmbracelet/log
// logger.
func New(ctx context.Context) *Logger {
	return &Logger{backend: log.Default()}
}

// NewContext sets the given logger to the context.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey, logger)
}

// NewSpan sets a new logger.Span with the given labels to the context.
func NewSpan(ctx context.Context, trace, spanID string, labels map[string]string) context.Context {
	logger := FromContext(ctx)
	if logger == nil {
		logger = New(ctx)
	}
	return NewContext(ctx, logger.Span(trace, spanID, labels))
}

// FromContext returns a logger in the context, or nil if it's not set.
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(contextKey).(*Logger)
	if !ok {
		return nil
	}
	return logger
}

// Logger holds the trace, spanID, and arbitrary labels of the context.
type Logger struct {
	backend *log.Logger

	trace  string
	spanID string
	labels map[string]string
}

// Span returns a sub logger for the trace span.
func (l *Logger) Span(trace, spanID string, labels map[string]string) *Logger {
	return &Logger{
		backend: l.backend,
		trace:   trace,
		spanID:  spanID,
		labels:  labels,
	}
}

// fields returns the backend logger pre-populated with this span's
// trace/spanID/labels, or the package default if l is nil.
func (l *Logger) fields() *log.Logger {
	if l == nil {
		return log.Default()
	}
	lg := l.backend
	if l.trace != "" {
		lg = lg.With("trace", l.trace)
	}
	if l.spanID != "" {
		lg = lg.With("span", l.spanID)
	}
	for k, v := range l.labels {
		lg = lg.With(k, v)
	}
	return lg
}

// Info logs at info log level in the manner of fmt.Print.
func (l *Logger) Info(args ...interface{}) {
	l.fields().Info(fmt.Sprint(args...))
}

// Infof logs at info log level in the manner of fmt.Printf.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.fields().Info(fmt.Sprintf(format, args...))
}

// Infof logs at info log level in the manner of fmt.Printf.
func Infof(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

// Warning logs at warning log level in the manner of fmt.Print.
func (l *Logger) Warning(args ...interface{}) {
	l.fields().Warn(fmt.Sprint(args...))
}

// Warningf logs at warning log level in the manner of fmt.Printf.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.fields().Warn(fmt.Sprintf(format, args...))
}

// Warningf logs at warning log level in the manner of fmt.Printf.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warningf(format, args...)
}

// Error logs at error log level in the manner of fmt.Print.
func (l *Logger) Error(args ...interface{}) {
	l.fields().Error(fmt.Sprint(args...))
}

// Errorf logs at error log level in the manner of fmt.Printf.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.fields().Error(fmt.Sprintf(format, args...))
}

// Errorf logs at error log level in the manner of fmt.Printf.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}

// Fatalf logs at fatal log level in the manner of fmt.Printf, then exits.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.fields().Fatal(fmt.Sprintf(format, args...))
}

// Fatalf logs at fatal log level in the manner of fmt.Printf, then exits.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Fatalf(format, args...)
}

// V checks at verbose log level: V(1) or higher is true when the backend
// logger's level is debug or below.
func (l *Logger) V(level int) bool {
	if level <= 0 {
		return true
	}
	return l.fields().GetLevel() <= log.DebugLevel
}
