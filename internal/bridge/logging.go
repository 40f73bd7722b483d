// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package bridge

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

var bridgeLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

func logEvent(correlationID, message string, fields ...any) {
	baseFields := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if correlationID != "" {
		baseFields = append(baseFields, "correlation_id", correlationID)
	}
	allFields := append(baseFields, fields...)
	bridgeLogger.Info(message, allFields...)
}

type lineLogWriter struct {
	correlationID string
	fields        []any
	buffer        []byte
	msg           string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.correlationID, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

// NewDeviceOutputWriter returns a writer that splits device shell output into
// per-line structured log records.
func NewDeviceOutputWriter(correlationID, command string) io.Writer {
	return &lineLogWriter{
		correlationID: correlationID,
		fields:        []any{"command", command},
		msg:           "device output",
	}
}
