// Package providertest provides an in-memory adapter used by account
// manager and engine tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
)

// Fake is a scriptable in-memory provider adapter. The zero value is usable;
// fields may be set before or between calls. All mutating calls are recorded.
type Fake struct {
	mu sync.Mutex

	ProviderID string
	Caps       provider.Capabilities

	// Scripted behavior. Nil funcs fall back to permissive defaults.
	AuthenticateFn func(credentials model.AuthInfo) (provider.AuthResult, error)
	RefreshFn      func(auth model.AuthInfo) (model.AuthInfo, error)
	CheckAuthFn    func(auth model.AuthInfo) error
	DiscoverFn     func(auth model.AuthInfo) ([]model.CalendarInfo, error)
	PerformSyncFn  func(req provider.SyncRequest) (provider.SyncOutput, error)
	CreateFn       func(calendarID string, event model.CalendarEvent) (string, error)
	UpdateFn       func(calendarID, externalID string, event model.CalendarEvent) error
	DeleteFn       func(calendarID, externalID string) error

	// Recorded calls.
	Created      []model.CalendarEvent
	Updated      []model.CalendarEvent
	Deleted      []string
	RevokeCalls  int
	RefreshCalls int
	SyncCalls    int

	nextID int
}

var _ provider.Adapter = (*Fake)(nil)

// New returns a Fake with bidirectional, incremental capabilities.
func New(id string) *Fake {
	return &Fake{
		ProviderID: id,
		Caps: provider.Capabilities{
			Bidirectional:       true,
			SupportsAttendees:   true,
			SupportsIncremental: true,
			SupportsDelete:      true,
			SupportsRevocation:  true,
		},
	}
}

func (f *Fake) ID() string { return f.ProviderID }

func (f *Fake) Capabilities() provider.Capabilities { return f.Caps }

func (f *Fake) Authenticate(_ context.Context, credentials model.AuthInfo) (provider.AuthResult, error) {
	if f.AuthenticateFn != nil {
		return f.AuthenticateFn(credentials)
	}
	return provider.AuthResult{
		Success:     true,
		AccountID:   "ext-account",
		AccountName: "fake@example.test",
		Auth:        credentials,
	}, nil
}

func (f *Fake) RefreshAccessToken(_ context.Context, auth model.AuthInfo) (model.AuthInfo, error) {
	f.mu.Lock()
	f.RefreshCalls++
	f.mu.Unlock()
	if f.RefreshFn != nil {
		return f.RefreshFn(auth)
	}
	auth.AccessToken = auth.AccessToken + "-refreshed"
	return auth, nil
}

func (f *Fake) CheckAuth(_ context.Context, auth model.AuthInfo) error {
	if f.CheckAuthFn != nil {
		return f.CheckAuthFn(auth)
	}
	return nil
}

func (f *Fake) RevokeToken(context.Context, model.AuthInfo) error {
	f.mu.Lock()
	f.RevokeCalls++
	f.mu.Unlock()
	return nil
}

func (f *Fake) DiscoverCalendars(_ context.Context, auth model.AuthInfo) ([]model.CalendarInfo, error) {
	if f.DiscoverFn != nil {
		return f.DiscoverFn(auth)
	}
	return []model.CalendarInfo{{ID: "cal-1", Name: "Primary", IsWritable: true, IsPrimary: true}}, nil
}

func (f *Fake) PerformSync(_ context.Context, _ model.AuthInfo, req provider.SyncRequest) (provider.SyncOutput, error) {
	f.mu.Lock()
	f.SyncCalls++
	f.mu.Unlock()
	if f.PerformSyncFn != nil {
		return f.PerformSyncFn(req)
	}
	return provider.SyncOutput{}, nil
}

func (f *Fake) CreateEvent(_ context.Context, _ model.AuthInfo, calendarID string, event model.CalendarEvent) (string, error) {
	if f.CreateFn != nil {
		return f.CreateFn(calendarID, event)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.Created = append(f.Created, event)
	return fmt.Sprintf("ext-%d", f.nextID), nil
}

func (f *Fake) UpdateEvent(_ context.Context, _ model.AuthInfo, calendarID, externalID string, event model.CalendarEvent) error {
	if f.UpdateFn != nil {
		return f.UpdateFn(calendarID, externalID, event)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ExternalID = externalID
	f.Updated = append(f.Updated, event)
	return nil
}

func (f *Fake) DeleteEvent(_ context.Context, _ model.AuthInfo, calendarID, externalID string) error {
	if f.DeleteFn != nil {
		return f.DeleteFn(calendarID, externalID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, externalID)
	return nil
}
