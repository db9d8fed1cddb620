// Package googlecal implements the Google Calendar adapter on top of the
// official API client. Incremental sync uses Google's sync tokens; an
// invalidated token (HTTP 410) falls back to a windowed fetch within the same
// call.
package googlecal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
)

const (
	providerID = "google"
	revokeURL  = "https://oauth2.googleapis.com/revoke"
)

// Adapter holds the OAuth client registration shared by every Google account.
type Adapter struct {
	clientID     string
	clientSecret string
	http         *resty.Client
	logger       zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs the Google Calendar adapter with the application's OAuth
// client registration.
func New(clientID, clientSecret string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         resty.New().SetTimeout(15 * time.Second),
		logger:       logger.With().Str("provider", providerID).Logger(),
	}
}

func (a *Adapter) ID() string { return providerID }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Bidirectional:       true,
		SupportsAttendees:   true,
		SupportsIncremental: true,
		SupportsDelete:      true,
		SupportsRevocation:  true,
		RecurrencePatterns:  []string{"daily", "weekly", "monthly", "yearly"},
		RateLimits: []provider.RateLimitSpec{
			{Type: "requests_per_minute", Limit: 600, Window: time.Minute},
			{Type: "requests_per_day", Limit: 1000000, Window: 24 * time.Hour},
		},
	}
}

func (a *Adapter) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gcal.CalendarScope},
	}
}

func (a *Adapter) service(ctx context.Context, auth model.AuthInfo) (*gcal.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.AccessToken})
	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, model.WrapSyncError(model.CodeAPIError, err)
	}
	return svc, nil
}

// Authenticate validates the supplied OAuth tokens by resolving the primary
// calendar, whose ID is the account's email address.
func (a *Adapter) Authenticate(ctx context.Context, credentials model.AuthInfo) (provider.AuthResult, error) {
	if credentials.AccessToken == "" {
		return provider.AuthResult{}, model.NewSyncError(model.CodeValidationError, "access token is required")
	}
	svc, err := a.service(ctx, credentials)
	if err != nil {
		return provider.AuthResult{}, err
	}
	primary, err := svc.CalendarList.Get("primary").Context(ctx).Do()
	if err != nil {
		return provider.AuthResult{}, apiErr(err)
	}
	credentials.Type = model.AuthOAuth2
	return provider.AuthResult{
		Success:     true,
		AccountID:   primary.Id,
		AccountName: primary.Id,
		Auth:        credentials,
	}, nil
}

// RefreshAccessToken exchanges the refresh token for a new access token.
func (a *Adapter) RefreshAccessToken(ctx context.Context, auth model.AuthInfo) (model.AuthInfo, error) {
	if !auth.SupportsRefresh() {
		return auth, nil
	}
	seed := &oauth2.Token{
		RefreshToken: auth.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	fresh, err := a.oauthConfig().TokenSource(ctx, seed).Token()
	if err != nil {
		return auth, model.WrapSyncError(model.CodeAuthenticationFailed, err)
	}
	auth.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		auth.RefreshToken = fresh.RefreshToken
	}
	exp := fresh.Expiry.UTC()
	auth.ExpiresAt = &exp
	return auth, nil
}

func (a *Adapter) CheckAuth(ctx context.Context, auth model.AuthInfo) error {
	svc, err := a.service(ctx, auth)
	if err != nil {
		return err
	}
	if _, err := svc.CalendarList.List().MaxResults(1).Context(ctx).Do(); err != nil {
		return apiErr(err)
	}
	return nil
}

// RevokeToken invalidates the refresh token at Google's revocation endpoint.
func (a *Adapter) RevokeToken(ctx context.Context, auth model.AuthInfo) error {
	token := auth.RefreshToken
	if token == "" {
		token = auth.AccessToken
	}
	if token == "" {
		return nil
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"token": token}).
		Post(revokeURL)
	if err != nil {
		return model.WrapSyncError(model.CodeNetworkError, err)
	}
	if resp.StatusCode() >= 400 {
		return model.NewSyncError(model.CodeAPIError, fmt.Sprintf("revocation returned %d", resp.StatusCode()))
	}
	return nil
}

func (a *Adapter) DiscoverCalendars(ctx context.Context, auth model.AuthInfo) ([]model.CalendarInfo, error) {
	svc, err := a.service(ctx, auth)
	if err != nil {
		return nil, err
	}
	var cals []model.CalendarInfo
	pageToken := ""
	for {
		call := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, apiErr(err)
		}
		for _, item := range page.Items {
			name := item.SummaryOverride
			if name == "" {
				name = item.Summary
			}
			cals = append(cals, model.CalendarInfo{
				ID:         item.Id,
				Name:       name,
				IsWritable: item.AccessRole == "owner" || item.AccessRole == "writer",
				IsPrimary:  item.Primary,
			})
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return cals, nil
}

// PerformSync fetches changed events per calendar. With a sync token only
// deltas come back; otherwise the request window bounds a full fetch.
func (a *Adapter) PerformSync(ctx context.Context, auth model.AuthInfo, req provider.SyncRequest) (provider.SyncOutput, error) {
	svc, err := a.service(ctx, auth)
	if err != nil {
		return provider.SyncOutput{}, err
	}

	out := provider.SyncOutput{}
	tokens := decodeSyncTokens(req.SyncToken)
	next := make(map[string]string, len(req.CalendarIDs))
	for _, calID := range req.CalendarIDs {
		calReq := req
		calReq.SyncToken = tokens[calID]
		token, err := a.syncCalendar(ctx, svc, calID, calReq, &out)
		if isGone(err) {
			// Sync token expired server-side; redo this calendar windowed.
			a.logger.Info().Str("calendar", calID).Msg("sync token expired, falling back to full fetch")
			calReq.SyncToken = ""
			token, err = a.syncCalendar(ctx, svc, calID, calReq, &out)
		}
		if err != nil {
			return out, apiErr(err)
		}
		if token != "" {
			next[calID] = token
		}
	}
	out.NextSyncToken = encodeSyncTokens(next)
	return out, nil
}

// Google issues one sync token per calendar while the connection stores a
// single opaque token, so a calendarID->token map rides through it as JSON.
// A legacy or foreign token decodes to an empty map and the next fetch is
// windowed, which re-establishes per-calendar tokens.
func decodeSyncTokens(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeSyncTokens(tokens map[string]string) string {
	if len(tokens) == 0 {
		return ""
	}
	b, err := json.Marshal(tokens)
	if err != nil {
		return ""
	}
	return string(b)
}

// syncCalendar pages through one calendar's events, appending live events and
// cancellations to out. It returns the next sync token from the final page.
func (a *Adapter) syncCalendar(ctx context.Context, svc *gcal.Service, calID string, req provider.SyncRequest, out *provider.SyncOutput) (string, error) {
	pageToken := ""
	for {
		call := svc.Events.List(calID).Context(ctx).ShowDeleted(true)
		if req.SyncToken != "" {
			call = call.SyncToken(req.SyncToken)
		} else {
			if !req.WindowStart.IsZero() {
				call = call.TimeMin(req.WindowStart.Format(time.RFC3339))
			}
			if !req.WindowEnd.IsZero() {
				call = call.TimeMax(req.WindowEnd.Format(time.RFC3339))
			}
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return "", err
		}
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				out.DeletedIDs = append(out.DeletedIDs, item.Id)
				continue
			}
			ev, convErr := fromGoogle(item, calID)
			if convErr != nil {
				se := model.WrapSyncError(model.CodeValidationError, convErr)
				se.EventID = item.Id
				se.CanRetry = false
				out.Errors = append(out.Errors, *se)
				continue
			}
			out.Events = append(out.Events, ev)
		}
		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			continue
		}
		return page.NextSyncToken, nil
	}
}

func (a *Adapter) CreateEvent(ctx context.Context, auth model.AuthInfo, calendarID string, event model.CalendarEvent) (string, error) {
	svc, err := a.service(ctx, auth)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(calendarID, toGoogle(&event)).Context(ctx).Do()
	if err != nil {
		return "", apiErr(err)
	}
	return created.Id, nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, auth model.AuthInfo, calendarID, externalID string, event model.CalendarEvent) error {
	svc, err := a.service(ctx, auth)
	if err != nil {
		return err
	}
	if _, err := svc.Events.Update(calendarID, externalID, toGoogle(&event)).Context(ctx).Do(); err != nil {
		return apiErr(err)
	}
	return nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, auth model.AuthInfo, calendarID, externalID string) error {
	svc, err := a.service(ctx, auth)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(calendarID, externalID).Context(ctx).Do()
	if err != nil {
		var ge *googleapi.Error
		if errors.As(err, &ge) && (ge.Code == http.StatusNotFound || ge.Code == http.StatusGone) {
			return nil
		}
		return apiErr(err)
	}
	return nil
}

// fromGoogle converts an API event into the canonical representation.
func fromGoogle(item *gcal.Event, calID string) (model.CalendarEvent, error) {
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return model.CalendarEvent{}, fmt.Errorf("start time: %w", err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return model.CalendarEvent{}, fmt.Errorf("end time: %w", err)
	}

	ev := model.CalendarEvent{
		ExternalID:  item.Id,
		CalendarID:  calID,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		StartTime:   start,
		EndTime:     end,
		AllDay:      allDay,
		Visibility:  item.Visibility,
	}
	if item.Start != nil {
		ev.Timezone = item.Start.TimeZone
	}
	if item.Updated != "" {
		if t, perr := time.Parse(time.RFC3339, item.Updated); perr == nil {
			ev.UpdatedAt = t.UTC()
		}
	}
	if item.Created != "" {
		if t, perr := time.Parse(time.RFC3339, item.Created); perr == nil {
			ev.CreatedAt = t.UTC()
		}
	}
	for _, att := range item.Attendees {
		if att.Resource {
			continue
		}
		ev.Attendees = append(ev.Attendees, model.Attendee{
			Email:    att.Email,
			Name:     att.DisplayName,
			Status:   attendeeStatus(att.ResponseStatus),
			Optional: att.Optional,
		})
	}
	if item.Reminders != nil {
		for _, o := range item.Reminders.Overrides {
			ev.Reminders = append(ev.Reminders, model.Reminder{
				Method:        o.Method,
				MinutesBefore: int(o.Minutes),
			})
		}
	}
	for _, line := range item.Recurrence {
		if rule := parseRRule(line); rule != nil {
			ev.Recurrence = rule
			break
		}
	}
	return ev, nil
}

// toGoogle converts the canonical representation into an API event.
func toGoogle(ev *model.CalendarEvent) *gcal.Event {
	out := &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Visibility:  ev.Visibility,
	}
	if ev.AllDay {
		out.Start = &gcal.EventDateTime{Date: ev.StartTime.Format("2006-01-02")}
		out.End = &gcal.EventDateTime{Date: ev.EndTime.Format("2006-01-02")}
	} else {
		out.Start = &gcal.EventDateTime{DateTime: ev.StartTime.Format(time.RFC3339), TimeZone: ev.Timezone}
		out.End = &gcal.EventDateTime{DateTime: ev.EndTime.Format(time.RFC3339), TimeZone: ev.Timezone}
	}
	for _, att := range ev.Attendees {
		out.Attendees = append(out.Attendees, &gcal.EventAttendee{
			Email:          att.Email,
			DisplayName:    att.Name,
			ResponseStatus: googleStatus(att.Status),
			Optional:       att.Optional,
		})
	}
	if len(ev.Reminders) > 0 {
		out.Reminders = &gcal.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}
		for _, r := range ev.Reminders {
			out.Reminders.Overrides = append(out.Reminders.Overrides, &gcal.EventReminder{
				Method:  r.Method,
				Minutes: int64(r.MinutesBefore),
			})
		}
	}
	if ev.Recurrence != nil {
		out.Recurrence = []string{formatRRule(ev.Recurrence)}
	}
	return out
}

func parseEventTime(edt *gcal.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, fmt.Errorf("missing time")
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		return t, true, err
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	return t, false, err
}

func attendeeStatus(s string) string {
	switch s {
	case "accepted", "declined", "tentative":
		return s
	case "needsAction":
		return "needs_action"
	default:
		return ""
	}
}

func googleStatus(s string) string {
	if s == "needs_action" {
		return "needsAction"
	}
	return s
}

// parseRRule handles the subset of RRULE the canonical model expresses.
func parseRRule(line string) *model.RecurrenceRule {
	line = strings.TrimPrefix(line, "RRULE:")
	if line == "" || strings.HasPrefix(line, "EXDATE") || strings.HasPrefix(line, "RDATE") {
		return nil
	}
	rule := &model.RecurrenceRule{}
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "FREQ":
			rule.Frequency = strings.ToLower(v)
		case "INTERVAL":
			rule.Interval, _ = strconv.Atoi(v)
		case "COUNT":
			rule.Count, _ = strconv.Atoi(v)
		case "UNTIL":
			if t, err := time.Parse("20060102T150405Z", v); err == nil {
				rule.Until = &t
			} else if t, err := time.Parse("20060102", v); err == nil {
				rule.Until = &t
			}
		case "BYDAY":
			rule.ByDay = strings.Split(v, ",")
		}
	}
	if rule.Frequency == "" {
		return nil
	}
	return rule
}

func formatRRule(r *model.RecurrenceRule) string {
	parts := []string{"FREQ=" + strings.ToUpper(r.Frequency)}
	if r.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Interval))
	}
	if r.Count > 0 {
		parts = append(parts, fmt.Sprintf("COUNT=%d", r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format("20060102T150405Z"))
	}
	if len(r.ByDay) > 0 {
		parts = append(parts, "BYDAY="+strings.Join(r.ByDay, ","))
	}
	return "RRULE:" + strings.Join(parts, ";")
}

func isGone(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusGone
}

// apiErr maps Google API failures onto sync error codes.
func apiErr(err error) error {
	if err == nil {
		return nil
	}
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return model.WrapSyncError(model.CodeNetworkError, err)
	}
	switch {
	case ge.Code == http.StatusUnauthorized:
		return model.WrapSyncError(model.CodeAuthenticationFailed, err)
	case ge.Code == http.StatusForbidden:
		if hasReason(ge, "rateLimitExceeded", "userRateLimitExceeded") {
			se := model.WrapSyncError(model.CodeRateLimitExceeded, err)
			se.RetryAfter = provider.RetryAfterHeader(ge.Header)
			return se
		}
		if hasReason(ge, "quotaExceeded", "dailyLimitExceeded") {
			return model.WrapSyncError(model.CodeQuotaExceeded, err)
		}
		return model.WrapSyncError(model.CodePermissionDenied, err)
	case ge.Code == http.StatusTooManyRequests:
		se := model.WrapSyncError(model.CodeRateLimitExceeded, err)
		se.RetryAfter = provider.RetryAfterHeader(ge.Header)
		return se
	case ge.Code == http.StatusNotFound:
		return model.WrapSyncError(model.CodeAPIError, err)
	case ge.Code >= 500:
		return model.WrapSyncError(model.CodeServiceUnavailable, err)
	default:
		return model.WrapSyncError(model.CodeAPIError, err)
	}
}

func hasReason(ge *googleapi.Error, reasons ...string) bool {
	for _, item := range ge.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
