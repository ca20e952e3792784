package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps DEBUG/INFO/WARN/ERROR to a slog level. Unknown values
// fall back to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger creates a JSON logger on w and, when logFile is set, fans out
// to a JSON file as well. The cleanup function closes the file.
func SetupLogger(w io.Writer, logFile string, level slog.Level) (*slog.Logger, func() error) {
	primary := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(primary), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger := slog.New(primary)
		logger.Error("failed to open log file, logging to primary output only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(slogmulti.Fanout(primary, fileHandler))
	return logger, file.Close
}

// SetupLoggerWithWriters fans out to two writers (for testing).
func SetupLoggerWithWriters(primary, secondary io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewJSONHandler(primary, &slog.HandlerOptions{Level: level}),
		slog.NewTextHandler(secondary, &slog.HandlerOptions{Level: level}),
	))
}
