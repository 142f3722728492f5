package sentry_helper_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aposazhennikov/radio-atlas-relay/sentry_helper"
)

func TestDisabledHelperIsNoop(t *testing.T) {
	h := sentry_helper.NewSentryHelper(false, nil)
	assert.False(t, h.IsEnabled())

	assert.NotPanics(t, func() {
		h.CaptureError(errors.New("boom"), "relay", "serve")
		h.CaptureUpstreamFailure(errors.New("boom"), "catalog", "https://de1.api.radio-browser.info")
		h.AddBreadcrumb("push", "reconnect", nil)
		h.SafeFlush(time.Millisecond)
	})
}

func TestNilHelperIsNoop(t *testing.T) {
	var h *sentry_helper.SentryHelper
	assert.False(t, h.IsEnabled())
	assert.NotPanics(t, func() {
		h.CaptureError(errors.New("boom"), "relay", "serve")
	})
}
