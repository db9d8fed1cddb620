// Package validator implements the content safety gate applied to events
// before they are imported into local storage.
package validator

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/meridianhq/calsync/internal/model"
)

// Severity grades validation findings.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one validation finding.
type Issue struct {
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// EventReport is the outcome of validating a single event.
type EventReport struct {
	IsValid        bool     `json:"isValid"`
	Severity       Severity `json:"severity"`
	Issues         []Issue  `json:"issues,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// ICSReport is the outcome of validating raw ICS text.
type ICSReport struct {
	IsValid    bool    `json:"isValid"`
	EventCount int     `json:"eventCount"`
	Issues     []Issue `json:"issues,omitempty"`
}

// Validator is the contract the engine consumes. Any IsValid=false report is
// a hard skip for import; rejected events are never sanitized into the local
// store.
type Validator interface {
	ValidateEvent(event *model.CalendarEvent) EventReport
	ValidateICSContent(text string) ICSReport
}

// Limits bound structural sanity checks.
type Limits struct {
	MaxTitleLen       int
	MaxDescriptionLen int
	MaxAttendees      int
	MaxDuration       time.Duration
}

// DefaultLimits returns the limits used when none are supplied.
func DefaultLimits() Limits {
	return Limits{
		MaxTitleLen:       1024,
		MaxDescriptionLen: 64 * 1024,
		MaxAttendees:      500,
		MaxDuration:       31 * 24 * time.Hour,
	}
}

// RuleValidator is a rule-based Validator implementation.
type RuleValidator struct {
	limits Limits
}

// New returns a RuleValidator with the given limits.
func New(limits Limits) *RuleValidator { return &RuleValidator{limits: limits} }

// NewDefault returns a RuleValidator with DefaultLimits.
func NewDefault() *RuleValidator { return New(DefaultLimits()) }

// ValidateEvent applies structural and content rules to one event.
func (v *RuleValidator) ValidateEvent(event *model.CalendarEvent) EventReport {
	var issues []Issue

	title := strings.TrimSpace(event.Title)
	switch {
	case title == "":
		issues = append(issues, Issue{Field: "title", Severity: SeverityError, Message: "title is empty"})
	case len(title) > v.limits.MaxTitleLen:
		issues = append(issues, Issue{Field: "title", Severity: SeverityError,
			Message: fmt.Sprintf("title exceeds %d characters", v.limits.MaxTitleLen)})
	}
	if hasControlChars(event.Title) {
		issues = append(issues, Issue{Field: "title", Severity: SeverityError, Message: "title contains control characters"})
	}

	if len(event.Description) > v.limits.MaxDescriptionLen {
		issues = append(issues, Issue{Field: "description", Severity: SeverityError,
			Message: fmt.Sprintf("description exceeds %d bytes", v.limits.MaxDescriptionLen)})
	}

	if event.StartTime.IsZero() {
		issues = append(issues, Issue{Field: "startTime", Severity: SeverityError, Message: "start time is not set"})
	}
	if !event.EndTime.IsZero() && !event.StartTime.IsZero() {
		if event.EndTime.Before(event.StartTime) {
			issues = append(issues, Issue{Field: "endTime", Severity: SeverityError, Message: "end time precedes start time"})
		} else if event.EndTime.Sub(event.StartTime) > v.limits.MaxDuration {
			issues = append(issues, Issue{Field: "endTime", Severity: SeverityError,
				Message: fmt.Sprintf("duration exceeds %s", v.limits.MaxDuration)})
		}
	}

	if len(event.Attendees) > v.limits.MaxAttendees {
		issues = append(issues, Issue{Field: "attendees", Severity: SeverityError,
			Message: fmt.Sprintf("attendee count exceeds %d", v.limits.MaxAttendees)})
	}
	for _, a := range event.Attendees {
		if a.Email != "" && !strings.Contains(a.Email, "@") {
			issues = append(issues, Issue{Field: "attendees", Severity: SeverityWarning,
				Message: fmt.Sprintf("attendee %q has no usable address", a.Email)})
		}
	}

	report := EventReport{IsValid: true, Severity: SeverityInfo, Issues: issues}
	for _, is := range issues {
		if is.Severity == SeverityError {
			report.IsValid = false
			report.Severity = SeverityError
			report.Recommendation = "reject"
			return report
		}
		if is.Severity == SeverityWarning {
			report.Severity = SeverityWarning
		}
	}
	if len(issues) > 0 {
		report.Recommendation = "import with warnings"
	}
	return report
}

// ValidateICSContent performs a line-level sanity pass over raw ICS text. It
// is not a full grammar check; it verifies calendar framing and counts
// VEVENT blocks.
func (v *RuleValidator) ValidateICSContent(text string) ICSReport {
	report := ICSReport{}
	if strings.TrimSpace(text) == "" {
		report.Issues = append(report.Issues, Issue{Field: "content", Severity: SeverityError, Message: "empty feed"})
		return report
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	sawCalendarBegin, sawCalendarEnd := false, false
	depth := 0
	for _, line := range lines {
		switch strings.TrimSpace(line) {
		case "BEGIN:VCALENDAR":
			sawCalendarBegin = true
		case "END:VCALENDAR":
			sawCalendarEnd = true
		case "BEGIN:VEVENT":
			depth++
		case "END:VEVENT":
			if depth == 0 {
				report.Issues = append(report.Issues, Issue{Field: "content", Severity: SeverityError, Message: "unbalanced VEVENT block"})
				return report
			}
			depth--
			report.EventCount++
		}
	}

	if !sawCalendarBegin || !sawCalendarEnd {
		report.Issues = append(report.Issues, Issue{Field: "content", Severity: SeverityError, Message: "missing VCALENDAR framing"})
		return report
	}
	if depth != 0 {
		report.Issues = append(report.Issues, Issue{Field: "content", Severity: SeverityError, Message: "unterminated VEVENT block"})
		return report
	}

	report.IsValid = true
	return report
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return true
		}
	}
	return false
}
