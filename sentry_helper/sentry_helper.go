package sentry_helper

import (
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryHelper provides safe and optional Sentry operations. Every method is a no-op when
// Sentry is disabled, so callers never need to check.
type SentryHelper struct {
	enabled bool
	logger  *slog.Logger
}

// NewSentryHelper creates a new SentryHelper instance.
func NewSentryHelper(enabled bool, logger *slog.Logger) *SentryHelper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SentryHelper{
		enabled: enabled,
		logger:  logger,
	}
}

// IsEnabled returns whether Sentry is enabled.
func (h *SentryHelper) IsEnabled() bool {
	return h != nil && h.enabled
}

// CaptureExceptionWithContext captures an exception with tags and extra data on a cloned hub.
func (h *SentryHelper) CaptureExceptionWithContext(err error, tags map[string]string, extra map[string]interface{}) {
	if !h.IsEnabled() || err == nil {
		return
	}

	// Clone hub to avoid data races in goroutines.
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}

// CaptureError captures an error tagged with the component and operation that produced it.
func (h *SentryHelper) CaptureError(err error, component string, operation string) {
	h.CaptureExceptionWithContext(err, map[string]string{
		"component": component,
		"operation": operation,
	}, nil)
}

// CaptureUpstreamFailure captures an error caused by a third-party origin.
func (h *SentryHelper) CaptureUpstreamFailure(err error, component string, upstreamURL string) {
	h.CaptureExceptionWithContext(err, map[string]string{
		"component": component,
		"operation": "upstream",
	}, map[string]interface{}{
		"url": upstreamURL,
	})
}

// AddBreadcrumb adds a breadcrumb to track the path to an error.
func (h *SentryHelper) AddBreadcrumb(category, message string, data map[string]interface{}) {
	if !h.IsEnabled() || message == "" {
		return
	}

	sentry.CurrentHub().AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Data:      data,
		Timestamp: time.Now(),
	}, nil)
}

// SafeFlush safely flushes Sentry events with timeout.
func (h *SentryHelper) SafeFlush(timeout time.Duration) {
	if !h.IsEnabled() {
		return
	}

	if !sentry.Flush(timeout) {
		h.logger.Warn("Sentry flush timeout", "timeout", timeout)
	}
}
