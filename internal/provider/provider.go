// Package provider defines the adapter contract implemented by each
// protocol-specific calendar backend and the registry that hands adapters to
// the account manager and sync engine.
package provider

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/meridianhq/calsync/internal/model"
)

// RateLimitSpec declares one request window a provider enforces.
type RateLimitSpec struct {
	Type   string        // e.g. "requests_per_minute", "requests_per_day"
	Limit  int
	Window time.Duration
}

// Capabilities is the static descriptor for a provider. Optional operations
// are gated on these flags; callers never probe adapters for method presence.
type Capabilities struct {
	Bidirectional        bool
	SupportsAttendees    bool
	SupportsAttachments  bool
	SupportsIncremental  bool
	SupportsDelete       bool
	SupportsRevocation   bool
	MaxAttachmentBytes   int64
	RecurrencePatterns   []string
	RateLimits           []RateLimitSpec
}

// RateLimitObserver is implemented by adapters that can surface provider
// response headers, so the request limiter can reconcile its bookkeeping
// with the server's authoritative x-ratelimit-* view.
type RateLimitObserver interface {
	ObserveRateLimits(fn func(http.Header))
}

// RetryAfterHeader parses a seconds-form Retry-After header into an
// absolute time. Nil when absent or unparseable.
func RetryAfterHeader(h http.Header) *time.Time {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(secs) * time.Second)
	return &t
}

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	Success     bool
	AccountID   string
	AccountName string
	Auth        model.AuthInfo
}

// SyncOutput carries one incremental or windowed fetch.
type SyncOutput struct {
	Events        []model.CalendarEvent
	DeletedIDs    []string
	NextSyncToken string
	Errors        []model.SyncError
}

// SyncRequest bounds a fetch. SyncToken takes precedence over the window
// when the adapter supports incremental sync.
type SyncRequest struct {
	CalendarIDs []string
	SyncToken   string
	WindowStart time.Time
	WindowEnd   time.Time
}

// Adapter is the uniform contract every provider implements.
type Adapter interface {
	ID() string
	Capabilities() Capabilities

	Authenticate(ctx context.Context, credentials model.AuthInfo) (AuthResult, error)
	RefreshAccessToken(ctx context.Context, auth model.AuthInfo) (model.AuthInfo, error)
	// CheckAuth is the lightweight validity probe used by
	// ValidateAccountAuth; it must not mutate stored credentials.
	CheckAuth(ctx context.Context, auth model.AuthInfo) error
	// RevokeToken is best-effort; adapters without revocation support return
	// nil and declare SupportsRevocation=false.
	RevokeToken(ctx context.Context, auth model.AuthInfo) error

	DiscoverCalendars(ctx context.Context, auth model.AuthInfo) ([]model.CalendarInfo, error)
	PerformSync(ctx context.Context, auth model.AuthInfo, req SyncRequest) (SyncOutput, error)

	CreateEvent(ctx context.Context, auth model.AuthInfo, calendarID string, event model.CalendarEvent) (string, error)
	UpdateEvent(ctx context.Context, auth model.AuthInfo, calendarID, externalID string, event model.CalendarEvent) error
	DeleteEvent(ctx context.Context, auth model.AuthInfo, calendarID, externalID string) error
}
