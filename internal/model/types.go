package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SyncDirection controls which way events move across a connection.
type SyncDirection string

const (
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionImportOnly    SyncDirection = "import_only"
	DirectionExportOnly    SyncDirection = "export_only"
)

// ImportsEnabled reports whether remote events flow into the local store.
func (d SyncDirection) ImportsEnabled() bool {
	return d == DirectionBidirectional || d == DirectionImportOnly
}

// ExportsEnabled reports whether local events flow out to the provider.
func (d SyncDirection) ExportsEnabled() bool {
	return d == DirectionBidirectional || d == DirectionExportOnly
}

// ConflictStrategy selects how detected conflicts are resolved.
type ConflictStrategy string

const (
	StrategyKeepLocal        ConflictStrategy = "keep_local"
	StrategyKeepRemote       ConflictStrategy = "keep_remote"
	StrategyMerge            ConflictStrategy = "merge"
	StrategyCreateBoth       ConflictStrategy = "create_both"
	StrategyManualResolution ConflictStrategy = "manual_resolution"
)

// MergeRule selects a per-field policy under StrategyMerge.
type MergeRule string

const (
	MergeNewestWins MergeRule = "newest_wins"
	MergeLocalWins  MergeRule = "local_wins"
	MergeRemoteWins MergeRule = "remote_wins"
	MergeConcat     MergeRule = "concat"
)

// SyncSettings is the per-connection sync policy.
type SyncSettings struct {
	Direction           SyncDirection        `json:"direction"`
	ConflictStrategy    ConflictStrategy     `json:"conflictStrategy"`
	MergeRules          map[string]MergeRule `json:"mergeRules,omitempty"`
	MaxRetries          int                  `json:"maxRetries"`
	SyncIntervalMinutes int                  `json:"syncIntervalMinutes"`
	ImportWindowDays    int                  `json:"importWindowDays"`
	IncludeAttendees    bool                 `json:"includeAttendees"`
	IncludeAttachments  bool                 `json:"includeAttachments"`
}

// DefaultSyncSettings returns the policy applied to new connections.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		Direction:           DirectionBidirectional,
		ConflictStrategy:    StrategyKeepRemote,
		MaxRetries:          3,
		SyncIntervalMinutes: 15,
		ImportWindowDays:    30,
		IncludeAttendees:    true,
	}
}

// Attendee is one participant on an event.
type Attendee struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"` // accepted, declined, tentative, needs_action
	Optional bool   `json:"optional,omitempty"`
}

// RecurrenceRule captures repetition in a provider-neutral form.
type RecurrenceRule struct {
	Frequency string     `json:"frequency"` // daily, weekly, monthly, yearly
	Interval  int        `json:"interval,omitempty"`
	Count     int        `json:"count,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	ByDay     []string   `json:"byDay,omitempty"`
}

// Reminder is a single notification offset before an event.
type Reminder struct {
	Method        string `json:"method"` // popup, email
	MinutesBefore int    `json:"minutesBefore"`
}

// CalendarEvent is the canonical in-memory event representation the engine
// mediates between provider formats and local storage.
type CalendarEvent struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"externalId,omitempty"`
	CalendarID  string          `json:"calendarId,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime"`
	AllDay      bool            `json:"allDay,omitempty"`
	Location    string          `json:"location,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	Attendees   []Attendee      `json:"attendees,omitempty"`
	Recurrence  *RecurrenceRule `json:"recurrence,omitempty"`
	Category    string          `json:"category,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	Visibility  string          `json:"visibility,omitempty"` // default, public, private
	Reminders   []Reminder      `json:"reminders,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// SyncHash returns the content fingerprint used to detect no-op refreshes
// without full field comparison. Covers title, start, end and description.
func (e *CalendarEvent) SyncHash() string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(e.Title)))
	h.Write([]byte{0})
	h.Write([]byte(e.StartTime.UTC().Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(e.EndTime.UTC().Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(e.Description)))
	return hex.EncodeToString(h.Sum(nil))
}

// AttendeeSet returns the set of attendee emails, lower-cased.
func (e *CalendarEvent) AttendeeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(e.Attendees))
	for _, a := range e.Attendees {
		set[strings.ToLower(a.Email)] = struct{}{}
	}
	return set
}

// CalendarInfo describes one remote calendar within an account.
type CalendarInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	IsWritable  bool   `json:"isWritable"`
	IsPrimary   bool   `json:"isPrimary,omitempty"`
	SyncEnabled bool   `json:"syncEnabled"`
	IsVisible   bool   `json:"isVisible"`
	EventCount  int    `json:"eventCount,omitempty"`
}

// AuthType describes how an account authenticates with its provider.
type AuthType string

const (
	AuthOAuth2 AuthType = "oauth2"
	AuthBasic  AuthType = "basic"
	AuthNone   AuthType = "none"
)

// AuthInfo is the stored credential material for one account. Persisted only
// through the credential vault, never in the relational store.
type AuthInfo struct {
	Type         AuthType   `json:"type"`
	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Username     string     `json:"username,omitempty"`
	Password     string     `json:"password,omitempty"`
	ServerURL    string     `json:"serverUrl,omitempty"`
	FeedURL      string     `json:"feedUrl,omitempty"`
}

// SupportsRefresh reports whether the credential can be refreshed without
// user interaction.
func (a *AuthInfo) SupportsRefresh() bool {
	return a.Type == AuthOAuth2 && a.RefreshToken != ""
}

// ExpiresWithin reports whether the access token is expired or will expire
// within d. Credentials without an expiry never expire.
func (a *AuthInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return !now.Add(d).Before(*a.ExpiresAt)
}

// CalendarAccount is one authenticated identity at one provider.
type CalendarAccount struct {
	ID          string         `json:"id"`
	ProviderID  string         `json:"providerId"`
	UserID      string         `json:"userId"`
	AccountName string         `json:"accountName"`
	Calendars   []CalendarInfo `json:"calendars"`
	IsDefault   bool           `json:"isDefault"`
	IsActive    bool           `json:"isActive"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// AuthStatus tracks the health of a connection's credential.
type AuthStatus string

const (
	AuthStatusValid     AuthStatus = "valid"
	AuthStatusInvalid   AuthStatus = "invalid"
	AuthStatusUnchecked AuthStatus = "unchecked"
)

// HealthStatus summarizes recent sync outcomes for a connection.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthFailing  HealthStatus = "failing"
)

// SyncConnection pairs an account with sync settings; it is the unit of
// synchronization.
type SyncConnection struct {
	ID           string       `json:"id"`
	AccountID    string       `json:"accountId"`
	ProviderID   string       `json:"providerId"`
	UserID       string       `json:"userId"`
	Settings     SyncSettings `json:"settings"`
	AuthStatus   AuthStatus   `json:"authStatus"`
	HealthStatus HealthStatus `json:"healthStatus"`
	SyncToken    string       `json:"syncToken,omitempty"`
	LastSyncTime *time.Time   `json:"lastSyncTime,omitempty"`
	NextSyncTime *time.Time   `json:"nextSyncTime,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ConflictState marks a mapping's standing with respect to conflicts.
type ConflictState string

const (
	ConflictNone    ConflictState = "none"
	ConflictPending ConflictState = "pending"
)

// EventMapping is the durable link between one local event and one external
// event for one connection. For a fixed connection both LocalEventID and
// ExternalEventID are unique across mappings.
type EventMapping struct {
	ConnectionID    string        `json:"connectionId"`
	LocalEventID    string        `json:"localEventId"`
	ExternalEventID string        `json:"externalEventId"`
	CalendarID      string        `json:"calendarId"`
	LastSyncTime    time.Time     `json:"lastSyncTime"`
	SyncHash        string        `json:"syncHash"`
	ConflictStatus  ConflictState `json:"conflictStatus"`
}

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	ConflictModifiedBoth     ConflictType = "modified_both"
	ConflictDeletedLocal     ConflictType = "deleted_local"
	ConflictDeletedRemote    ConflictType = "deleted_remote"
	ConflictDuplicateEvent   ConflictType = "duplicate_event"
	ConflictTimezoneMismatch ConflictType = "timezone_mismatch"
	ConflictAttendeeMismatch ConflictType = "attendee_mismatch"
)

// SyncConflict is a detected divergence between local and remote versions of
// a mapped event. Unresolved conflicts persist across sync cycles until
// resolved or superseded.
type SyncConflict struct {
	ID                string             `json:"id"`
	ConnectionID      string             `json:"connectionId"`
	EventID           string             `json:"eventId"`
	Type              ConflictType       `json:"type"`
	LocalEvent        *CalendarEvent     `json:"localEvent,omitempty"`
	RemoteEvent       *CalendarEvent     `json:"remoteEvent,omitempty"`
	ResolutionOptions []ConflictStrategy `json:"resolutionOptions,omitempty"`
	IsResolved        bool               `json:"isResolved"`
	Resolution        ConflictStrategy   `json:"resolution,omitempty"`
	DetectedAt        time.Time          `json:"detectedAt"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty"`
}

// SyncResult is one synchronization run's outcome. Immutable once emitted.
type SyncResult struct {
	ConnectionID   string         `json:"connectionId"`
	EventsImported int            `json:"eventsImported"`
	EventsExported int            `json:"eventsExported"`
	EventsUpdated  int            `json:"eventsUpdated"`
	EventsDeleted  int            `json:"eventsDeleted"`
	Conflicts      []SyncConflict `json:"conflicts,omitempty"`
	Errors         []SyncError    `json:"errors,omitempty"`
	Success        bool           `json:"success"`
	StartedAt      time.Time      `json:"startedAt"`
	Duration       time.Duration  `json:"duration"`
	LastSyncTime   time.Time      `json:"lastSyncTime"`
	NextSyncTime   *time.Time     `json:"nextSyncTime,omitempty"`
}

// OperationType names the deferred write kinds held in the offline queue.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// QueuedOperation is a deferred unit of work replayed with exponential
// backoff. Removed on success or when RetryCount exceeds the connection's
// MaxRetries, at which point it becomes a terminal SyncError.
type QueuedOperation struct {
	ID              string        `json:"id"`
	ConnectionID    string        `json:"connectionId"`
	Type            OperationType `json:"type"`
	LocalEventID    string        `json:"localEventId,omitempty"`
	ExternalEventID string        `json:"externalEventId,omitempty"`
	CalendarID      string        `json:"calendarId"`
	Event           *CalendarEvent `json:"event,omitempty"`
	RetryCount      int           `json:"retryCount"`
	NextAttemptAt   time.Time     `json:"nextAttemptAt"`
	LastError       string        `json:"lastError,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// BackoffDelay returns the wait before retry attempt n (1-based):
// 1, 2, 4, ... minutes.
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(1<<(retryCount-1)) * time.Minute
}
