// Package feed implements a read-only adapter for ICS subscription URLs
// (webcal feeds). Export operations are rejected; capabilities mark the
// provider as import-only.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/provider/ics"
)

const providerID = "ics_feed"

// Adapter fetches and parses a public or token-protected ICS feed.
type Adapter struct {
	client *resty.Client
	logger zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs the feed adapter.
func New(logger zerolog.Logger) *Adapter {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		SetHeader("User-Agent", "calsync/1.0")
	return &Adapter{
		client: client,
		logger: logger.With().Str("provider", providerID).Logger(),
	}
}

func (a *Adapter) ID() string { return providerID }

// ObserveRateLimits forwards every feed response's headers to fn so the
// provider limiter can reconcile its local bookkeeping.
func (a *Adapter) ObserveRateLimits(fn func(http.Header)) {
	a.client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		fn(resp.Header())
		return nil
	})
}

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Bidirectional:       false,
		SupportsAttendees:   true,
		SupportsIncremental: false,
		SupportsDelete:      false,
		SupportsRevocation:  false,
		RateLimits: []provider.RateLimitSpec{
			{Type: "requests_per_minute", Limit: 30, Window: time.Minute},
		},
	}
}

// Authenticate validates the feed URL by fetching it once.
func (a *Adapter) Authenticate(ctx context.Context, credentials model.AuthInfo) (provider.AuthResult, error) {
	if credentials.FeedURL == "" {
		return provider.AuthResult{}, model.NewSyncError(model.CodeValidationError, "feed URL is required")
	}
	if _, err := a.fetch(ctx, credentials); err != nil {
		return provider.AuthResult{}, err
	}
	return provider.AuthResult{
		Success:     true,
		AccountID:   feedDigest(credentials.FeedURL),
		AccountName: credentials.FeedURL,
		Auth:        credentials,
	}, nil
}

// RefreshAccessToken is a no-op; feeds carry no refreshable token.
func (a *Adapter) RefreshAccessToken(_ context.Context, auth model.AuthInfo) (model.AuthInfo, error) {
	return auth, nil
}

func (a *Adapter) CheckAuth(ctx context.Context, auth model.AuthInfo) error {
	_, err := a.head(ctx, auth)
	return err
}

func (a *Adapter) RevokeToken(context.Context, model.AuthInfo) error { return nil }

// DiscoverCalendars reports the feed itself as a single read-only calendar.
func (a *Adapter) DiscoverCalendars(ctx context.Context, auth model.AuthInfo) ([]model.CalendarInfo, error) {
	events, err := a.fetch(ctx, auth)
	if err != nil {
		return nil, err
	}
	return []model.CalendarInfo{{
		ID:         feedDigest(auth.FeedURL),
		Name:       feedName(auth.FeedURL),
		IsWritable: false,
		IsPrimary:  true,
		EventCount: len(events),
	}}, nil
}

// PerformSync refetches the whole feed; feeds have no delta protocol, so
// the window bounds the result instead.
func (a *Adapter) PerformSync(ctx context.Context, auth model.AuthInfo, req provider.SyncRequest) (provider.SyncOutput, error) {
	events, err := a.fetch(ctx, auth)
	if err != nil {
		return provider.SyncOutput{}, err
	}
	out := provider.SyncOutput{}
	for _, ev := range events {
		if !req.WindowStart.IsZero() && ev.EndTime.Before(req.WindowStart) {
			continue
		}
		if !req.WindowEnd.IsZero() && ev.StartTime.After(req.WindowEnd) {
			continue
		}
		ev.CalendarID = feedDigest(auth.FeedURL)
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (a *Adapter) CreateEvent(context.Context, model.AuthInfo, string, model.CalendarEvent) (string, error) {
	return "", a.readOnlyErr()
}

func (a *Adapter) UpdateEvent(context.Context, model.AuthInfo, string, string, model.CalendarEvent) error {
	return a.readOnlyErr()
}

func (a *Adapter) DeleteEvent(context.Context, model.AuthInfo, string, string) error {
	return a.readOnlyErr()
}

func (a *Adapter) readOnlyErr() *model.SyncError {
	e := model.NewSyncError(model.CodePermissionDenied, "ICS feeds are read-only")
	e.CanRetry = false
	return e
}

func (a *Adapter) fetch(ctx context.Context, auth model.AuthInfo) ([]model.CalendarEvent, error) {
	resp, err := a.request(ctx, auth).Get(normalizeURL(auth.FeedURL))
	if err != nil {
		return nil, model.WrapSyncError(model.CodeNetworkError, err)
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	events, err := ics.Parse(resp.String())
	if err != nil {
		return nil, model.WrapSyncError(model.CodeAPIError, err)
	}
	return events, nil
}

func (a *Adapter) head(ctx context.Context, auth model.AuthInfo) (*resty.Response, error) {
	resp, err := a.request(ctx, auth).Head(normalizeURL(auth.FeedURL))
	if err != nil {
		return nil, model.WrapSyncError(model.CodeNetworkError, err)
	}
	return resp, statusErr(resp)
}

func (a *Adapter) request(ctx context.Context, auth model.AuthInfo) *resty.Request {
	req := a.client.R().SetContext(ctx)
	if auth.Username != "" {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	return req
}

func statusErr(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return model.NewSyncError(model.CodeAuthenticationFailed, "feed rejected credentials")
	case resp.StatusCode() == http.StatusTooManyRequests:
		se := model.NewSyncError(model.CodeRateLimitExceeded, "feed rate limited")
		se.RetryAfter = provider.RetryAfterHeader(resp.Header())
		return se
	case resp.StatusCode() >= 500:
		return model.NewSyncError(model.CodeServiceUnavailable, fmt.Sprintf("feed returned %d", resp.StatusCode()))
	case resp.StatusCode() >= 400:
		return model.NewSyncError(model.CodeAPIError, fmt.Sprintf("feed returned %d", resp.StatusCode()))
	}
	return nil
}

// normalizeURL rewrites webcal:// to https://.
func normalizeURL(u string) string {
	if strings.HasPrefix(u, "webcal://") {
		return "https://" + strings.TrimPrefix(u, "webcal://")
	}
	return u
}

func feedDigest(u string) string {
	sum := sha256.Sum256([]byte(u))
	return "feed-" + hex.EncodeToString(sum[:8])
}

func feedName(u string) string {
	u = normalizeURL(u)
	u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	if i := strings.Index(u, "/"); i > 0 {
		u = u[:i]
	}
	return u
}
