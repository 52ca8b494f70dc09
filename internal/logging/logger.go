package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const dayLayout = "2006-01-02"

var dailyLogName = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.jsonl$`)

// NewLogger returns a zap logger configured for structured production logging.
// When dir is set, entries are also appended to <dir>/YYYY-MM-DD.jsonl for the day of now.
func NewLogger(level, dir string, now time.Time) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.TrimSpace(dir) != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, DailyLogPath(dir, now))
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// DailyLogPath is the log file for the calendar day of now.
func DailyLogPath(dir string, now time.Time) string {
	return filepath.Join(dir, now.Format(dayLayout)+".jsonl")
}

// CleanupLogs deletes daily log files older than retentionDays and reports how many were removed.
// Files that do not follow the daily naming are left alone.
func CleanupLogs(dir string, retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	today, _ := time.ParseInLocation(dayLayout, now.Format(dayLayout), now.Location())
	cutoff := today.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := dailyLogName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		day, parseErr := time.ParseInLocation(dayLayout, match[1], now.Location())
		if parseErr != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
