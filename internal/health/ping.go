package health

import "context"

// HealthPinger is implemented by store adapters that can probe their
// backing database. HealthPing returns nil while the backend is reachable.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}
