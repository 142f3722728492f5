package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogsampling "github.com/samber/slog-sampling"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// Config holds the logger configuration.
type Config struct {
	Level                 LogLevel
	Output                io.Writer
	DisableSampling       bool
	ThresholdSamplingTick time.Duration
	ThresholdSamplingMax  uint64
	ThresholdSamplingRate float64
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:                 LevelWarning, // Default to WARNING to prevent spam.
		Output:                os.Stdout,
		ThresholdSamplingTick: 5 * time.Second,
		ThresholdSamplingMax:  10,   // Allow first 10 identical messages.
		ThresholdSamplingRate: 0.05, // Then only 5% of subsequent messages.
	}
}

// NewLogger creates a JSON logger. Repeated messages below ERROR are sampled per
// level+message so that a flapping upstream cannot flood the output; errors always pass.
func NewLogger(config *Config) *slog.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	baseHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLogLevel(config.Level),
	})
	if config.DisableSampling {
		return slog.New(baseHandler)
	}

	thresholdOption := slogsampling.ThresholdSamplingOption{
		Tick:      config.ThresholdSamplingTick,
		Threshold: config.ThresholdSamplingMax,
		Rate:      config.ThresholdSamplingRate,
		Matcher:   slogsampling.MatchByLevelAndMessage(),
	}
	sampled := slogmulti.
		Pipe(thresholdOption.NewMiddleware()).
		Handler(baseHandler)

	return slog.New(
		slogmulti.Router().
			Add(sampled, belowLevel(slog.LevelError)).
			Add(baseHandler, atLeastLevel(slog.LevelError)).
			Handler(),
	)
}

func belowLevel(level slog.Level) func(context.Context, slog.Record) bool {
	return func(_ context.Context, r slog.Record) bool {
		return r.Level < level
	}
}

func atLeastLevel(level slog.Level) func(context.Context, slog.Record) bool {
	return func(_ context.Context, r slog.Record) bool {
		return r.Level >= level
	}
}

// ParseLevel converts a LOG_LEVEL string into a LogLevel. Unknown values yield WARNING.
func ParseLevel(raw string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "ERROR":
		return LevelError
	default:
		return LevelWarning
	}
}

// parseLogLevel converts LogLevel to slog.Level.
func parseLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn // Default to WARNING.
	}
}

// WithComponent adds a component field to the logger for better categorization.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// LogUpstreamEvent logs an event about a third-party origin with consistent fields.
func LogUpstreamEvent(logger *slog.Logger, level slog.Level, msg string, upstreamURL string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("url", upstreamURL),
		slog.String("event_type", "upstream"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogConfigEvent logs configuration-related events.
func LogConfigEvent(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("event_type", "config"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(context.Background(), level, msg, allAttrs...)
}
