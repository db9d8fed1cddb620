package googlecal

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/meridianhq/calsync/internal/model"
)

func TestFromGoogleTimedEvent(t *testing.T) {
	item := &gcal.Event{
		Id:          "gid-1",
		Summary:     "Design review",
		Description: "Bring sketches",
		Location:    "Room 4",
		Updated:     "2026-08-30T10:00:00Z",
		Start:       &gcal.EventDateTime{DateTime: "2026-09-01T09:00:00Z", TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: "2026-09-01T10:30:00Z", TimeZone: "UTC"},
		Attendees: []*gcal.EventAttendee{
			{Email: "bob@example.com", DisplayName: "Bob", ResponseStatus: "needsAction"},
			{Email: "room4@example.com", Resource: true},
		},
		Recurrence: []string{"RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE"},
		Reminders: &gcal.EventReminders{
			Overrides: []*gcal.EventReminder{{Method: "popup", Minutes: 10}},
		},
	}

	ev, err := fromGoogle(item, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "gid-1", ev.ExternalID)
	assert.Equal(t, "cal-1", ev.CalendarID)
	assert.Equal(t, "Design review", ev.Title)
	assert.False(t, ev.AllDay)
	assert.Equal(t, time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC), ev.StartTime)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), ev.UpdatedAt)

	require.Len(t, ev.Attendees, 1)
	assert.Equal(t, "needs_action", ev.Attendees[0].Status)

	require.NotNil(t, ev.Recurrence)
	assert.Equal(t, "weekly", ev.Recurrence.Frequency)
	assert.Equal(t, 2, ev.Recurrence.Interval)
	assert.Equal(t, []string{"MO", "WE"}, ev.Recurrence.ByDay)

	require.Len(t, ev.Reminders, 1)
	assert.Equal(t, 10, ev.Reminders[0].MinutesBefore)
}

func TestFromGoogleAllDayEvent(t *testing.T) {
	item := &gcal.Event{
		Id:      "gid-2",
		Summary: "Offsite",
		Start:   &gcal.EventDateTime{Date: "2026-09-10"},
		End:     &gcal.EventDateTime{Date: "2026-09-11"},
	}
	ev, err := fromGoogle(item, "cal-1")
	require.NoError(t, err)
	assert.True(t, ev.AllDay)
	assert.Equal(t, time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC), ev.StartTime)
}

func TestFromGoogleMissingStartFails(t *testing.T) {
	_, err := fromGoogle(&gcal.Event{Id: "gid-3", End: &gcal.EventDateTime{Date: "2026-09-11"}}, "cal-1")
	require.Error(t, err)
}

func TestToGoogleRoundTrip(t *testing.T) {
	until := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	ev := model.CalendarEvent{
		Title:     "Standup",
		StartTime: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 9, 1, 9, 15, 0, 0, time.UTC),
		Timezone:  "UTC",
		Attendees: []model.Attendee{{Email: "bob@example.com", Status: "needs_action"}},
		Recurrence: &model.RecurrenceRule{
			Frequency: "daily",
			Until:     &until,
		},
	}

	out := toGoogle(&ev)
	assert.Equal(t, "2026-09-01T09:00:00Z", out.Start.DateTime)
	assert.Equal(t, "needsAction", out.Attendees[0].ResponseStatus)
	require.Len(t, out.Recurrence, 1)
	assert.Equal(t, "RRULE:FREQ=DAILY;UNTIL=20261231T000000Z", out.Recurrence[0])

	back, err := fromGoogle(&gcal.Event{
		Id:         "gid-4",
		Summary:    out.Summary,
		Start:      out.Start,
		End:        out.End,
		Recurrence: out.Recurrence,
	}, "cal-1")
	require.NoError(t, err)
	require.NotNil(t, back.Recurrence)
	assert.Equal(t, "daily", back.Recurrence.Frequency)
	require.NotNil(t, back.Recurrence.Until)
	assert.True(t, back.Recurrence.Until.Equal(until))
}

func TestAPIErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want model.ErrorCode
	}{
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized}, model.CodeAuthenticationFailed},
		{"rate limited", &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, model.CodeRateLimitExceeded},
		{"quota", &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "dailyLimitExceeded"}}}, model.CodeQuotaExceeded},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, model.CodePermissionDenied},
		{"too many requests", &googleapi.Error{Code: http.StatusTooManyRequests}, model.CodeRateLimitExceeded},
		{"server error", &googleapi.Error{Code: http.StatusBadGateway}, model.CodeServiceUnavailable},
		{"bad request", &googleapi.Error{Code: http.StatusBadRequest}, model.CodeAPIError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, model.CodeOf(apiErr(tc.err)))
		})
	}
}

func TestIsGone(t *testing.T) {
	assert.True(t, isGone(&googleapi.Error{Code: http.StatusGone}))
	assert.False(t, isGone(&googleapi.Error{Code: http.StatusNotFound}))
	assert.False(t, isGone(nil))
}

func TestSyncTokenCodecKeepsPerCalendarTokens(t *testing.T) {
	encoded := encodeSyncTokens(map[string]string{
		"primary":          "tok-a",
		"team@example.com": "tok-b",
	})
	require.NotEmpty(t, encoded)

	decoded := decodeSyncTokens(encoded)
	assert.Equal(t, "tok-a", decoded["primary"])
	assert.Equal(t, "tok-b", decoded["team@example.com"])

	// A pre-map or foreign token degrades to a windowed full fetch for
	// every calendar rather than failing.
	assert.Empty(t, decodeSyncTokens("opaque-legacy-token"))
	assert.Empty(t, decodeSyncTokens(""))

	// Empty maps round-trip to the empty string so the engine keeps the
	// previous stored token.
	assert.Equal(t, "", encodeSyncTokens(nil))
}
