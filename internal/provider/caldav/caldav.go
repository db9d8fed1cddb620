// Package caldav implements a provider adapter speaking the CalDAV
// subset needed for bidirectional sync: PROPFIND discovery, REPORT
// calendar-query fetch, and PUT/DELETE for event writes. Authentication is
// HTTP basic against the configured server URL.
package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/provider/ics"
)

const providerID = "caldav"

// Adapter talks to one CalDAV server per account; the server URL arrives
// with the credentials.
type Adapter struct {
	client *resty.Client
	logger zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs the CalDAV adapter.
func New(logger zerolog.Logger) *Adapter {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("User-Agent", "calsync/1.0")
	return &Adapter{
		client: client,
		logger: logger.With().Str("provider", providerID).Logger(),
	}
}

func (a *Adapter) ID() string { return providerID }

// ObserveRateLimits forwards every server response's headers to fn so the
// provider limiter can reconcile its local bookkeeping.
func (a *Adapter) ObserveRateLimits(fn func(http.Header)) {
	a.client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		fn(resp.Header())
		return nil
	})
}

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Bidirectional:       true,
		SupportsAttendees:   true,
		SupportsIncremental: false,
		SupportsDelete:      true,
		SupportsRevocation:  false,
		RateLimits: []provider.RateLimitSpec{
			{Type: "requests_per_minute", Limit: 60, Window: time.Minute},
		},
	}
}

// Authenticate probes the server with the supplied basic credentials and
// discovers at least one calendar collection.
func (a *Adapter) Authenticate(ctx context.Context, credentials model.AuthInfo) (provider.AuthResult, error) {
	if credentials.ServerURL == "" || credentials.Username == "" {
		return provider.AuthResult{}, model.NewSyncError(model.CodeValidationError, "server URL and username are required")
	}
	if _, err := a.DiscoverCalendars(ctx, credentials); err != nil {
		return provider.AuthResult{}, err
	}
	host := credentials.ServerURL
	if u, err := url.Parse(credentials.ServerURL); err == nil {
		host = u.Host
	}
	return provider.AuthResult{
		Success:     true,
		AccountID:   credentials.Username + "@" + host,
		AccountName: credentials.Username + "@" + host,
		Auth:        credentials,
	}, nil
}

// RefreshAccessToken is a no-op for basic auth.
func (a *Adapter) RefreshAccessToken(_ context.Context, auth model.AuthInfo) (model.AuthInfo, error) {
	return auth, nil
}

func (a *Adapter) CheckAuth(ctx context.Context, auth model.AuthInfo) error {
	resp, err := a.request(ctx, auth).
		SetHeader("Depth", "0").
		Execute("PROPFIND", auth.ServerURL)
	if err != nil {
		return model.WrapSyncError(model.CodeNetworkError, err)
	}
	return statusErr(resp)
}

func (a *Adapter) RevokeToken(context.Context, model.AuthInfo) error { return nil }

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:displayname/><d:resourcetype/></d:prop>
</d:propfind>`

// DiscoverCalendars lists calendar collections below the server URL.
func (a *Adapter) DiscoverCalendars(ctx context.Context, auth model.AuthInfo) ([]model.CalendarInfo, error) {
	resp, err := a.request(ctx, auth).
		SetHeader("Depth", "1").
		SetHeader("Content-Type", "application/xml").
		SetBody(propfindBody).
		Execute("PROPFIND", auth.ServerURL)
	if err != nil {
		return nil, model.WrapSyncError(model.CodeNetworkError, err)
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.Unmarshal(resp.Body(), &ms); err != nil {
		return nil, model.WrapSyncError(model.CodeAPIError, fmt.Errorf("parse PROPFIND response: %w", err))
	}

	var cals []model.CalendarInfo
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if !ps.Prop.ResourceType.IsCalendar() {
				continue
			}
			name := ps.Prop.DisplayName
			if name == "" {
				name = strings.Trim(r.Href, "/")
			}
			cals = append(cals, model.CalendarInfo{
				ID:         r.Href,
				Name:       name,
				IsWritable: true,
				IsPrimary:  len(cals) == 0,
			})
		}
	}
	if len(cals) == 0 {
		return nil, model.NewSyncError(model.CodeAPIError, "no calendar collections found")
	}
	return cals, nil
}

const reportBodyTemplate = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:getetag/><c:calendar-data/></d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// PerformSync fetches events per calendar with a REPORT bounded to the
// request window. CalDAV has no cross-server delta token in this subset.
func (a *Adapter) PerformSync(ctx context.Context, auth model.AuthInfo, req provider.SyncRequest) (provider.SyncOutput, error) {
	start, end := req.WindowStart, req.WindowEnd
	if start.IsZero() {
		start = time.Now().UTC().AddDate(0, 0, -30)
	}
	if end.IsZero() {
		end = time.Now().UTC().AddDate(0, 0, 30)
	}
	body := fmt.Sprintf(reportBodyTemplate,
		start.UTC().Format("20060102T150405Z"), end.UTC().Format("20060102T150405Z"))

	out := provider.SyncOutput{}
	for _, calID := range req.CalendarIDs {
		resp, err := a.request(ctx, auth).
			SetHeader("Depth", "1").
			SetHeader("Content-Type", "application/xml").
			SetBody(body).
			Execute("REPORT", a.resolve(auth, calID))
		if err != nil {
			return out, model.WrapSyncError(model.CodeNetworkError, err)
		}
		if err := statusErr(resp); err != nil {
			return out, err
		}

		var ms multistatus
		if err := xml.Unmarshal(resp.Body(), &ms); err != nil {
			return out, model.WrapSyncError(model.CodeAPIError, fmt.Errorf("parse REPORT response: %w", err))
		}
		for _, r := range ms.Responses {
			for _, ps := range r.Propstats {
				if ps.Prop.CalendarData == "" {
					continue
				}
				events, parseErr := ics.Parse(ps.Prop.CalendarData)
				if parseErr != nil {
					se := model.NewSyncError(model.CodeValidationError, "unparseable calendar object at "+r.Href)
					se.CanRetry = false
					out.Errors = append(out.Errors, *se)
					continue
				}
				for _, ev := range events {
					ev.CalendarID = calID
					out.Events = append(out.Events, ev)
				}
			}
		}
	}
	return out, nil
}

// CreateEvent PUTs a new calendar object; the generated UID is the external
// event ID.
func (a *Adapter) CreateEvent(ctx context.Context, auth model.AuthInfo, calendarID string, event model.CalendarEvent) (string, error) {
	uid := uuid.New().String()
	resp, err := a.request(ctx, auth).
		SetHeader("Content-Type", "text/calendar; charset=utf-8").
		SetHeader("If-None-Match", "*").
		SetBody(ics.Format(uid, &event)).
		Put(a.objectURL(auth, calendarID, uid))
	if err != nil {
		return "", model.WrapSyncError(model.CodeNetworkError, err)
	}
	if err := statusErr(resp); err != nil {
		return "", err
	}
	return uid, nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, auth model.AuthInfo, calendarID, externalID string, event model.CalendarEvent) error {
	resp, err := a.request(ctx, auth).
		SetHeader("Content-Type", "text/calendar; charset=utf-8").
		SetBody(ics.Format(externalID, &event)).
		Put(a.objectURL(auth, calendarID, externalID))
	if err != nil {
		return model.WrapSyncError(model.CodeNetworkError, err)
	}
	return statusErr(resp)
}

func (a *Adapter) DeleteEvent(ctx context.Context, auth model.AuthInfo, calendarID, externalID string) error {
	resp, err := a.request(ctx, auth).Delete(a.objectURL(auth, calendarID, externalID))
	if err != nil {
		return model.WrapSyncError(model.CodeNetworkError, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		// Already gone; deletion is idempotent.
		return nil
	}
	return statusErr(resp)
}

func (a *Adapter) request(ctx context.Context, auth model.AuthInfo) *resty.Request {
	return a.client.R().
		SetContext(ctx).
		SetBasicAuth(auth.Username, auth.Password)
}

// resolve joins a calendar href with the server origin.
func (a *Adapter) resolve(auth model.AuthInfo, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base, err := url.Parse(auth.ServerURL)
	if err != nil {
		return auth.ServerURL
	}
	ref, err := url.Parse(href)
	if err != nil {
		return auth.ServerURL
	}
	return base.ResolveReference(ref).String()
}

func (a *Adapter) objectURL(auth model.AuthInfo, calendarID, uid string) string {
	base := strings.TrimSuffix(a.resolve(auth, calendarID), "/")
	return base + "/" + uid + ".ics"
}

func statusErr(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.NewSyncError(model.CodeAuthenticationFailed, "server rejected credentials")
	case code == http.StatusTooManyRequests:
		se := model.NewSyncError(model.CodeRateLimitExceeded, "server rate limited")
		se.RetryAfter = provider.RetryAfterHeader(resp.Header())
		return se
	case code >= 500:
		return model.NewSyncError(model.CodeServiceUnavailable, fmt.Sprintf("server returned %d", code))
	case code >= 400:
		return model.NewSyncError(model.CodeAPIError, fmt.Sprintf("server returned %d", code))
	}
	return nil
}

// multistatus models the WebDAV 207 response envelope.
type multistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Status string `xml:"status"`
	Prop   prop   `xml:"prop"`
}

type prop struct {
	DisplayName  string       `xml:"displayname"`
	ResourceType resourceType `xml:"resourcetype"`
	CalendarData string       `xml:"calendar-data"`
}

type resourceType struct {
	Calendar *struct{} `xml:"calendar"`
}

func (r resourceType) IsCalendar() bool { return r.Calendar != nil }
