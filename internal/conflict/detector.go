// Package conflict detects divergence between local and remote versions of
// a mapped event and resolves it per the connection's configured strategy.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/calsync/internal/model"
)

// Detection is the outcome of examining one mapped event pair.
type Detection struct {
	Conflict *model.SyncConflict
	// Supplementary flags accompany (and never trigger) the timestamp-based
	// conflict above.
	AttendeeMismatch bool
	TimezoneMismatch bool
}

// Detector applies the timestamp rule against mapping state.
type Detector struct {
	now func() time.Time
}

// NewDetector constructs a Detector on the wall clock.
func NewDetector() *Detector { return &Detector{now: time.Now} }

// Detect reports whether the (local, remote) pair for mapping m is in
// conflict. A modified_both conflict exists iff both sides changed after the
// mapping's last sync. Deletions on one side paired with a modification on
// the other yield deleted_local / deleted_remote. One-sided changes return
// a zero Detection; the caller applies the changed side silently.
func (d *Detector) Detect(m *model.EventMapping, local, remote *model.CalendarEvent) Detection {
	localChanged := local != nil && local.UpdatedAt.After(m.LastSyncTime)
	remoteChanged := remote != nil && remote.UpdatedAt.After(m.LastSyncTime)

	var det Detection
	switch {
	case local == nil && remote == nil:
		return det
	case local == nil && remoteChanged:
		det.Conflict = d.newConflict(m, model.ConflictDeletedLocal, local, remote)
	case remote == nil && localChanged:
		det.Conflict = d.newConflict(m, model.ConflictDeletedRemote, local, remote)
	case localChanged && remoteChanged:
		det.Conflict = d.newConflict(m, model.ConflictModifiedBoth, local, remote)
	}

	if local != nil && remote != nil {
		det.AttendeeMismatch = !attendeesEqual(local, remote)
		det.TimezoneMismatch = !offsetsEqual(local, remote)
	}
	return det
}

func (d *Detector) newConflict(m *model.EventMapping, t model.ConflictType, local, remote *model.CalendarEvent) *model.SyncConflict {
	return &model.SyncConflict{
		ID:           uuid.New().String(),
		ConnectionID: m.ConnectionID,
		EventID:      m.LocalEventID,
		Type:         t,
		LocalEvent:   local,
		RemoteEvent:  remote,
		ResolutionOptions: []model.ConflictStrategy{
			model.StrategyKeepLocal, model.StrategyKeepRemote,
			model.StrategyMerge, model.StrategyCreateBoth,
		},
		DetectedAt: d.now().UTC(),
	}
}

func attendeesEqual(a, b *model.CalendarEvent) bool {
	as, bs := a.AttendeeSet(), b.AttendeeSet()
	if len(as) != len(bs) {
		return false
	}
	for email := range as {
		if _, ok := bs[email]; !ok {
			return false
		}
	}
	return true
}

// offsetsEqual compares the effective UTC offsets of the two events at
// their start times. Events without an explicit timezone are treated as UTC.
func offsetsEqual(a, b *model.CalendarEvent) bool {
	return effectiveOffset(a) == effectiveOffset(b)
}

func effectiveOffset(e *model.CalendarEvent) int {
	if e.Timezone == "" {
		_, off := e.StartTime.Zone()
		return off
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		_, off := e.StartTime.Zone()
		return off
	}
	_, off := e.StartTime.In(loc).Zone()
	return off
}
