// Package ics implements the minimal iCalendar subset needed by the CalDAV
// and subscription-feed adapters: VEVENT parsing with line unfolding, and
// VEVENT serialization for uploads.
package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/meridianhq/calsync/internal/model"
)

const (
	dateTimeUTC   = "20060102T150405Z"
	dateTimeLocal = "20060102T150405"
	dateOnly      = "20060102"
)

// Unfold joins continuation lines (folded lines start with a space or tab)
// and normalizes line endings.
func Unfold(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var lines []string
	for _, line := range raw {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Parse extracts all VEVENT blocks from an iCalendar document. Events
// without UID or DTSTART are skipped. The returned events carry the UID as
// ExternalID.
func Parse(text string) ([]model.CalendarEvent, error) {
	lines := Unfold(text)
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "BEGIN:VCALENDAR") {
		return nil, fmt.Errorf("not an iCalendar document")
	}

	var events []model.CalendarEvent
	var cur map[string]property
	for _, line := range lines {
		switch {
		case line == "BEGIN:VEVENT":
			cur = make(map[string]property)
		case line == "END:VEVENT":
			if cur != nil {
				if ev, ok := buildEvent(cur); ok {
					events = append(events, ev)
				}
				cur = nil
			}
		case cur != nil:
			name, prop := parseLine(line)
			if name != "" {
				cur[name] = prop
			}
		}
	}
	return events, nil
}

type property struct {
	params map[string]string
	value  string
}

// parseLine splits "NAME;PARAM=x:value" into its parts.
func parseLine(line string) (string, property) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", property{}
	}
	head, value := line[:colon], line[colon+1:]

	parts := strings.Split(head, ";")
	name := strings.ToUpper(parts[0])
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		if eq := strings.Index(p, "="); eq > 0 {
			params[strings.ToUpper(p[:eq])] = p[eq+1:]
		}
	}
	return name, property{params: params, value: value}
}

func buildEvent(props map[string]property) (model.CalendarEvent, bool) {
	uid, hasUID := props["UID"]
	start, hasStart := props["DTSTART"]
	if !hasUID || !hasStart {
		return model.CalendarEvent{}, false
	}

	startTime, allDay, err := parseTime(start)
	if err != nil {
		return model.CalendarEvent{}, false
	}
	endTime := startTime.Add(time.Hour)
	if allDay {
		endTime = startTime.AddDate(0, 0, 1)
	}
	if end, ok := props["DTEND"]; ok {
		if t, _, err := parseTime(end); err == nil {
			endTime = t
		}
	}

	ev := model.CalendarEvent{
		ExternalID:  uid.value,
		Title:       unescape(props["SUMMARY"].value),
		Description: unescape(props["DESCRIPTION"].value),
		Location:    unescape(props["LOCATION"].value),
		StartTime:   startTime,
		EndTime:     endTime,
		AllDay:      allDay,
		Timezone:    start.params["TZID"],
	}
	if lm, ok := props["LAST-MODIFIED"]; ok {
		if t, _, err := parseTime(lm); err == nil {
			ev.UpdatedAt = t
		}
	}
	if ev.UpdatedAt.IsZero() {
		if dt, ok := props["DTSTAMP"]; ok {
			if t, _, err := parseTime(dt); err == nil {
				ev.UpdatedAt = t
			}
		}
	}
	for _, att := range strings.Split(props["ATTENDEE"].value, ",") {
		att = strings.TrimPrefix(strings.TrimSpace(att), "mailto:")
		if att != "" {
			ev.Attendees = append(ev.Attendees, model.Attendee{Email: att})
		}
	}
	return ev, true
}

func parseTime(p property) (time.Time, bool, error) {
	v := p.value
	if p.params["VALUE"] == "DATE" || len(v) == len(dateOnly) {
		t, err := time.Parse(dateOnly, v)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(dateTimeUTC, v)
		return t, false, err
	}
	loc := time.UTC
	if tzid := p.params["TZID"]; tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(dateTimeLocal, v, loc)
	return t, false, err
}

// Format renders one event as a complete VCALENDAR document suitable for a
// CalDAV PUT. uid names the VEVENT; it must be stable across updates.
func Format(uid string, ev *model.CalendarEvent) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//calsync//EN\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	fmt.Fprintf(&b, "UID:%s\r\n", uid)
	fmt.Fprintf(&b, "DTSTAMP:%s\r\n", time.Now().UTC().Format(dateTimeUTC))
	if ev.AllDay {
		fmt.Fprintf(&b, "DTSTART;VALUE=DATE:%s\r\n", ev.StartTime.Format(dateOnly))
		fmt.Fprintf(&b, "DTEND;VALUE=DATE:%s\r\n", ev.EndTime.Format(dateOnly))
	} else {
		fmt.Fprintf(&b, "DTSTART:%s\r\n", ev.StartTime.UTC().Format(dateTimeUTC))
		fmt.Fprintf(&b, "DTEND:%s\r\n", ev.EndTime.UTC().Format(dateTimeUTC))
	}
	fmt.Fprintf(&b, "SUMMARY:%s\r\n", escape(ev.Title))
	if ev.Description != "" {
		fmt.Fprintf(&b, "DESCRIPTION:%s\r\n", escape(ev.Description))
	}
	if ev.Location != "" {
		fmt.Fprintf(&b, "LOCATION:%s\r\n", escape(ev.Location))
	}
	for _, a := range ev.Attendees {
		fmt.Fprintf(&b, "ATTENDEE:mailto:%s\r\n", a.Email)
	}
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

var escaper = strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n")
var unescaper = strings.NewReplacer("\\\\", "\\", "\\;", ";", "\\,", ",", "\\n", "\n", "\\N", "\n")

func escape(s string) string   { return escaper.Replace(s) }
func unescape(s string) string { return unescaper.Replace(s) }
