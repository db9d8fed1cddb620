package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/calsync/internal/model"
)

const sampleFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1@example.test\r\n" +
	"DTSTAMP:20260301T100000Z\r\n" +
	"DTSTART:20260310T090000Z\r\n" +
	"DTEND:20260310T100000Z\r\n" +
	"SUMMARY:Team sync with a very long title that has been\r\n" +
	" folded across two lines\r\n" +
	"DESCRIPTION:Line one\\nLine two\r\n" +
	"ATTENDEE:mailto:a@example.test\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-2@example.test\r\n" +
	"DTSTART;VALUE=DATE:20260315\r\n" +
	"SUMMARY:Company holiday\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParseFeed(t *testing.T) {
	events, err := Parse(sampleFeed)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, "evt-1@example.test", first.ExternalID)
	assert.Equal(t, "Team sync with a very long title that has been folded across two lines", first.Title)
	assert.Equal(t, "Line one\nLine two", first.Description)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), first.StartTime)
	assert.Equal(t, time.Hour, first.EndTime.Sub(first.StartTime))
	require.Len(t, first.Attendees, 1)
	assert.Equal(t, "a@example.test", first.Attendees[0].Email)
	assert.False(t, first.AllDay)
	assert.False(t, first.UpdatedAt.IsZero(), "DTSTAMP falls back as modification time")

	second := events[1]
	assert.True(t, second.AllDay)
	assert.Equal(t, 24*time.Hour, second.EndTime.Sub(second.StartTime))
}

func TestParseRejectsNonCalendar(t *testing.T) {
	_, err := Parse("<html>not a calendar</html>")
	assert.Error(t, err)
}

func TestParseSkipsEventsWithoutUID(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nDTSTART:20260310T090000Z\r\nSUMMARY:No UID\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	events, err := Parse(doc)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFormatRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ev := &model.CalendarEvent{
		Title:       "Review; part one",
		Description: "multi\nline",
		Location:    "Room 4",
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
		Attendees:   []model.Attendee{{Email: "a@example.test"}},
	}

	doc := Format("uid-1", ev)
	assert.True(t, strings.HasPrefix(doc, "BEGIN:VCALENDAR"))

	parsed, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "uid-1", parsed[0].ExternalID)
	assert.Equal(t, ev.Title, parsed[0].Title)
	assert.Equal(t, ev.Description, parsed[0].Description)
	assert.Equal(t, ev.StartTime, parsed[0].StartTime)
	assert.Equal(t, ev.EndTime, parsed[0].EndTime)
}
