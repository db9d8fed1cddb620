package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
)

const sampleFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:feed-ev-1\r\n" +
	"DTSTART:20260905T120000Z\r\n" +
	"DTEND:20260905T130000Z\r\n" +
	"SUMMARY:Lunch talk\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:feed-ev-2\r\n" +
	"DTSTART:20270101T090000Z\r\n" +
	"DTEND:20270101T100000Z\r\n" +
	"SUMMARY:Far future\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func newFeedServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		fmt.Fprint(w, sampleFeed)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthenticateValidatesFeed(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK)
	a := New(zerolog.Nop())

	res, err := a.Authenticate(context.Background(), model.AuthInfo{FeedURL: srv.URL})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.AccountID, "feed-"))
	assert.Equal(t, srv.URL, res.AccountName)
}

func TestAuthenticateRequiresURL(t *testing.T) {
	a := New(zerolog.Nop())
	_, err := a.Authenticate(context.Background(), model.AuthInfo{})
	require.Error(t, err)
	assert.Equal(t, model.CodeValidationError, model.CodeOf(err))
}

func TestAuthenticateMapsUnauthorized(t *testing.T) {
	srv := newFeedServer(t, http.StatusUnauthorized)
	a := New(zerolog.Nop())
	_, err := a.Authenticate(context.Background(), model.AuthInfo{FeedURL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, model.CodeAuthenticationFailed, model.CodeOf(err))
}

func TestDiscoverCalendarsSingleReadOnly(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK)
	a := New(zerolog.Nop())

	cals, err := a.DiscoverCalendars(context.Background(), model.AuthInfo{FeedURL: srv.URL})
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.False(t, cals[0].IsWritable)
	assert.True(t, cals[0].IsPrimary)
	assert.Equal(t, 2, cals[0].EventCount)
}

func TestPerformSyncFiltersWindow(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK)
	a := New(zerolog.Nop())

	out, err := a.PerformSync(context.Background(), model.AuthInfo{FeedURL: srv.URL}, provider.SyncRequest{
		WindowStart: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "feed-ev-1", out.Events[0].ExternalID)
	assert.Empty(t, out.NextSyncToken)
}

func TestWritesAreRejectedAsNonRetryable(t *testing.T) {
	a := New(zerolog.Nop())
	ctx := context.Background()

	_, err := a.CreateEvent(ctx, model.AuthInfo{}, "cal", model.CalendarEvent{})
	require.Error(t, err)
	assert.Equal(t, model.CodePermissionDenied, model.CodeOf(err))
	assert.False(t, model.IsRetryable(err))

	assert.Error(t, a.UpdateEvent(ctx, model.AuthInfo{}, "cal", "x", model.CalendarEvent{}))
	assert.Error(t, a.DeleteEvent(ctx, model.AuthInfo{}, "cal", "x"))
}

func TestNormalizeWebcalScheme(t *testing.T) {
	assert.Equal(t, "https://example.com/cal.ics", normalizeURL("webcal://example.com/cal.ics"))
	assert.Equal(t, "http://example.com/cal.ics", normalizeURL("http://example.com/cal.ics"))
}
