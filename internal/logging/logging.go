// Package logging wires the process logger. Records fan out to a local
// sink (file when configured, stdout otherwise) and optionally to a
// Graylog GELF endpoint and an OTel log exporter.
package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds the session log file path inside logsDir.
func LogFilePath(logsDir, service string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", service, sessionStart.Format("20060102_150405")),
	)
}
