package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncHashStableAcrossZones(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	start := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	a := CalendarEvent{Title: "standup", StartTime: start, EndTime: start.Add(30 * time.Minute)}
	b := CalendarEvent{Title: "standup", StartTime: start.In(loc), EndTime: start.Add(30 * time.Minute).In(loc)}

	assert.Equal(t, a.SyncHash(), b.SyncHash())
}

func TestSyncHashChangesWithContent(t *testing.T) {
	start := time.Now().UTC()
	e := CalendarEvent{Title: "standup", StartTime: start, EndTime: start.Add(time.Hour)}
	h := e.SyncHash()

	e.Title = "retro"
	assert.NotEqual(t, h, e.SyncHash())

	e.Title = "standup"
	e.Description = "notes"
	assert.NotEqual(t, h, e.SyncHash())
}

func TestBackoffDelaySchedule(t *testing.T) {
	assert.Equal(t, time.Minute, BackoffDelay(1))
	assert.Equal(t, 2*time.Minute, BackoffDelay(2))
	assert.Equal(t, 4*time.Minute, BackoffDelay(3))
	// Defensive floor for zero/negative counts.
	assert.Equal(t, time.Minute, BackoffDelay(0))
}

func TestAuthInfoExpiresWithin(t *testing.T) {
	now := time.Now().UTC()

	noExpiry := AuthInfo{Type: AuthOAuth2, RefreshToken: "r"}
	assert.False(t, noExpiry.ExpiresWithin(now, 5*time.Minute))

	soon := now.Add(3 * time.Minute)
	expiring := AuthInfo{Type: AuthOAuth2, RefreshToken: "r", ExpiresAt: &soon}
	assert.True(t, expiring.ExpiresWithin(now, 5*time.Minute))

	later := now.Add(time.Hour)
	fresh := AuthInfo{Type: AuthOAuth2, RefreshToken: "r", ExpiresAt: &later}
	assert.False(t, fresh.ExpiresWithin(now, 5*time.Minute))
	assert.True(t, fresh.SupportsRefresh())
	assert.False(t, (&AuthInfo{Type: AuthBasic}).SupportsRefresh())
}

func TestErrorCodeRetryability(t *testing.T) {
	retryable := []ErrorCode{CodeNetworkError, CodeAPIError, CodeRateLimitExceeded, CodeServiceUnavailable, CodeQuotaExceeded}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), string(c))
	}
	for _, c := range []ErrorCode{CodeValidationError, CodePermissionDenied, CodeAuthenticationFailed} {
		assert.False(t, c.Retryable(), string(c))
	}
}

func TestCodeOfClassification(t *testing.T) {
	assert.Equal(t, CodeRateLimitExceeded, CodeOf(NewSyncError(CodeRateLimitExceeded, "slow down")))
	assert.Equal(t, CodeNetworkError, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeAPIError, CodeOf(errors.New("boom")))

	wrapped := WrapSyncError(CodeNetworkError, errors.New("conn reset"))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(NewSyncError(CodeValidationError, "bad event").WithEvent("e1")))
	assert.False(t, NewSyncError(CodeNetworkError, "x").Terminal().CanRetry)
}

func TestDirectionHelpers(t *testing.T) {
	assert.True(t, DirectionBidirectional.ImportsEnabled())
	assert.True(t, DirectionBidirectional.ExportsEnabled())
	assert.True(t, DirectionImportOnly.ImportsEnabled())
	assert.False(t, DirectionImportOnly.ExportsEnabled())
	assert.False(t, DirectionExportOnly.ImportsEnabled())
	assert.True(t, DirectionExportOnly.ExportsEnabled())
}
