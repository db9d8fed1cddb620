package conflict

import (
	"strings"

	"github.com/google/uuid"

	"github.com/meridianhq/calsync/internal/model"
)

// Plan tells the engine what to execute for one resolved conflict. Fields
// are orthogonal; zero value means no action (manual resolution pending).
type Plan struct {
	Strategy model.ConflictStrategy
	// PushToRemote is created or updated at the provider; the mapping takes
	// its hash.
	PushToRemote *model.CalendarEvent
	// WriteLocal overwrites (or recreates) the local copy.
	WriteLocal *model.CalendarEvent
	// DuplicateLocal is stored as a new independent local event with a
	// fresh ID and no mapping.
	DuplicateLocal *model.CalendarEvent
	DeleteLocal    bool
	DeleteRemote   bool
	// LeaveOpen keeps the conflict unresolved for explicit user action.
	LeaveOpen bool
}

// Resolver turns detected conflicts into execution plans.
type Resolver struct{}

// NewResolver constructs a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve produces the plan for c. A per-conflict Resolution recorded on c
// overrides the connection-wide strategy. Strategies that need both sides
// fall back to keep_remote when one side was deleted.
func (r *Resolver) Resolve(c *model.SyncConflict, settings model.SyncSettings) Plan {
	strategy := settings.ConflictStrategy
	if c.Resolution != "" {
		strategy = c.Resolution
	}
	if strategy == "" {
		strategy = model.StrategyKeepRemote
	}

	switch strategy {
	case model.StrategyKeepLocal:
		if c.LocalEvent == nil {
			return Plan{Strategy: strategy, DeleteRemote: true}
		}
		return Plan{Strategy: strategy, PushToRemote: c.LocalEvent}

	case model.StrategyKeepRemote:
		return r.keepRemote(c, strategy)

	case model.StrategyMerge:
		if c.LocalEvent == nil || c.RemoteEvent == nil {
			return r.keepRemote(c, strategy)
		}
		merged := Merge(c.LocalEvent, c.RemoteEvent, settings.MergeRules)
		return Plan{Strategy: strategy, PushToRemote: merged, WriteLocal: merged}

	case model.StrategyCreateBoth:
		if c.LocalEvent == nil || c.RemoteEvent == nil {
			return r.keepRemote(c, strategy)
		}
		dup := *c.RemoteEvent
		dup.ID = uuid.New().String()
		dup.ExternalID = ""
		return Plan{Strategy: strategy, DuplicateLocal: &dup}

	case model.StrategyManualResolution:
		return Plan{Strategy: strategy, LeaveOpen: true}

	default:
		return r.keepRemote(c, model.StrategyKeepRemote)
	}
}

func (r *Resolver) keepRemote(c *model.SyncConflict, strategy model.ConflictStrategy) Plan {
	if c.RemoteEvent == nil {
		return Plan{Strategy: strategy, DeleteLocal: true}
	}
	return Plan{Strategy: strategy, WriteLocal: c.RemoteEvent}
}

// Merge applies per-field rules to produce a combined event. The result
// carries local's ID and remote's ExternalID so both sides can be updated
// in place. Fields without a rule keep the remote value.
func Merge(local, remote *model.CalendarEvent, rules map[string]model.MergeRule) *model.CalendarEvent {
	merged := *remote
	merged.ID = local.ID
	merged.ExternalID = remote.ExternalID
	localNewer := local.UpdatedAt.After(remote.UpdatedAt)

	pickString := func(field, lv, rv string) string {
		switch rules[field] {
		case model.MergeLocalWins:
			return lv
		case model.MergeNewestWins:
			if localNewer {
				return lv
			}
			return rv
		case model.MergeConcat:
			return concat(lv, rv)
		default:
			return rv
		}
	}

	merged.Title = pickString("title", local.Title, remote.Title)
	merged.Description = pickString("description", local.Description, remote.Description)
	merged.Location = pickString("location", local.Location, remote.Location)
	merged.Category = pickString("category", local.Category, remote.Category)

	switch rules["times"] {
	case model.MergeLocalWins:
		merged.StartTime, merged.EndTime, merged.AllDay = local.StartTime, local.EndTime, local.AllDay
	case model.MergeNewestWins:
		if localNewer {
			merged.StartTime, merged.EndTime, merged.AllDay = local.StartTime, local.EndTime, local.AllDay
		}
	}

	switch rules["attendees"] {
	case model.MergeLocalWins:
		merged.Attendees = local.Attendees
	case model.MergeNewestWins:
		if localNewer {
			merged.Attendees = local.Attendees
		}
	case model.MergeConcat:
		merged.Attendees = unionAttendees(local.Attendees, remote.Attendees)
	}

	if localNewer {
		merged.UpdatedAt = local.UpdatedAt
	}
	return &merged
}

func concat(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" || a == b:
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

func unionAttendees(a, b []model.Attendee) []model.Attendee {
	seen := make(map[string]struct{}, len(a))
	out := make([]model.Attendee, 0, len(a)+len(b))
	for _, at := range a {
		key := strings.ToLower(at.Email)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, at)
	}
	for _, at := range b {
		key := strings.ToLower(at.Email)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, at)
	}
	return out
}
