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

package generator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the
// underlying logging packages.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the
// underlying logging package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's
// function name and source file line number. Use this function
// when the log has no fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetCallerContext(1),
		})
}

// WithTraceFields adds a "trace" field containing the caller's
// function name and source file line number. Use this function
// when the log has fields. Note that any existing "trace" field
// will be renamed to "field.trace".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetCallerContext(1)
	return logger.WithFields(logrus.Fields(fields))
}

// LogMetric logs a metric event with the specified fields. The
// event name is stored in the "event_name" field.
func (logger *ContextLogger) LogMetric(metric string, fields LogFields) {
	fields["event_name"] = metric
	logger.WithFields(logrus.Fields(fields)).Info(metric)
}

// CommonLogger wraps a ContextLogger instance with an interface
// that conforms to common.Logger. This is used to make the ContextLogger
// available to other packages that don't import the "generator" package.
func CommonLogger(contextLogger *ContextLogger) *commonLogger {
	return &commonLogger{
		contextLogger: contextLogger,
	}
}

type commonLogger struct {
	contextLogger *ContextLogger
}

func (logger *commonLogger) WithTrace() common.LogTrace {
	// Patch trace to be correct parent
	return logger.contextLogger.WithFields(
		logrus.Fields{"trace": stacktrace.GetCallerContext(1)})
}

func (logger *commonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	// Patch trace to be correct parent
	if trace, ok := fields["trace"]; ok {
		fields["fields.trace"] = trace
	}
	fields["trace"] = stacktrace.GetCallerContext(1)
	return logger.contextLogger.WithFields(logrus.Fields(fields))
}

func (logger *commonLogger) LogMetric(metric string, fields common.LogFields) {
	logger.contextLogger.LogMetric(metric, LogFields(fields))
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter. This is a customized version
// of the standard logrus.JSONFormatter adapted from:
// https://github.com/Sirupsen/logrus/blob/f1addc29722ba9f7651bc42b4198d0944b66e7c4/json_formatter.go
//
// The changes are:
// - "time" is renamed to "timestamp"
// - error values are logged as their message
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			// https://github.com/Sirupsen/logrus/issues/137
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["msg"] = entry.Message
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON, %v", err)
	}

	return append(serialized, '\n'), nil
}

// NewLogger configures a logger according to the specified config params.
// The returned closer releases the log file, if any.
func NewLogger(config *Config) (*ContextLogger, io.Closer, error) {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	var logWriter io.WriteCloser = nopCloser{os.Stderr}

	if config.LogFilename != "" {
		retries := DEFAULT_LOG_FILE_REOPEN_RETRIES
		if config.LogFileReopenRetries != nil {
			retries = *config.LogFileReopenRetries
		}
		logWriter, err = rotate.NewRotatableFileWriter(
			config.LogFilename, retries, true, 0600)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
	}

	return NewLoggerWithWriter(logWriter, level), logWriter, nil
}

// NewLoggerWithWriter returns a ContextLogger writing JSON lines to
// writer.
func NewLoggerWithWriter(writer io.Writer, level logrus.Level) *ContextLogger {
	return &ContextLogger{
		&logrus.Logger{
			Out:       writer,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
