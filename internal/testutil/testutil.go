// Package testutil provides testing utilities and fixtures for the monitor.
//
// Fixtures use functional options for customization:
//
//	target := testutil.FixtureTarget()
//	target := testutil.FixtureTarget(func(t *types.Target) {
//		t.Period = 50
//		t.AlertingWindow = 200
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/stackwatch/http-mon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixtureTarget creates a test target with sensible defaults.
func FixtureTarget(overrides ...func(*types.Target)) types.Target {
	target := types.Target{
		ID:             1,
		URL:            "http://example.com/health",
		PrimaryEmail:   "primary@example.com",
		SecondaryEmail: "secondary@example.com",
		Period:         100,
		AlertingWindow: 1000,
		ResponseTime:   5000,
		ShardIndex:     0,
		IsActive:       true,
	}

	for _, override := range overrides {
		override(&target)
	}

	return target
}

// FixtureNotification creates a test notification with sensible defaults.
func FixtureNotification(overrides ...func(*types.Notification)) types.Notification {
	n := types.Notification{
		ID:           1,
		TargetID:     1,
		TimeSent:     time.Now(),
		Stage:        types.StagePrimary,
		Acknowledged: false,
	}

	for _, override := range overrides {
		override(&n)
	}

	return n
}
