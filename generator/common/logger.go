/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

// Logger exposes a logging interface that's compatible with
// generator.ContextLogger. This interface allows packages to implement
// logging that will integrate with the generator's logrus logger
// without importing that package.
type Logger interface {
	WithTrace() LogTrace
	WithTraceFields(fields LogFields) LogTrace
	LogMetric(metric string, fields LogFields)
}

// LogTrace is interface-compatible with the return values from
// generator.ContextLogger.WithTrace/WithTraceFields.
type LogTrace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// LogFields is type-compatible with generator.LogFields
// and logrus.LogFields.
type LogFields map[string]interface{}

// Add copies log fields from b to a, skipping fields which already exist,
// regardless of value, in a.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		_, ok := a[name]
		if !ok {
			a[name] = value
		}
	}
}

// NoopLogger is a Logger that discards all logs. It's used by packages when
// no logger is configured.
type NoopLogger struct{}

func (NoopLogger) WithTrace() LogTrace {
	return noopLogTrace{}
}

func (NoopLogger) WithTraceFields(_ LogFields) LogTrace {
	return noopLogTrace{}
}

func (NoopLogger) LogMetric(_ string, _ LogFields) {
}

type noopLogTrace struct{}

func (noopLogTrace) Debug(args ...interface{})   {}
func (noopLogTrace) Info(args ...interface{})    {}
func (noopLogTrace) Warning(args ...interface{}) {}
func (noopLogTrace) Error(args ...interface{})   {}

// LoggerOrNoop returns logger, or a NoopLogger when logger is nil.
func LoggerOrNoop(logger Logger) Logger {
	if logger == nil {
		return NoopLogger{}
	}
	return logger
}
