package scans

import "context"

// RefreshResult reports the outcome of a schema cache reload request.
type RefreshResult struct {
	Success bool   `json:"success" yaml:"success"`
	Method  string `json:"method" yaml:"method"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// SchemaRefresher asks the storage gateway to reload its cached view of the
// table schema. Implementations never return an error value; failures are
// reported in the result so callers can proceed with their retry regardless.
type SchemaRefresher interface {
	Refresh(ctx context.Context) RefreshResult
}

// Lease grants exclusive ownership of a fleet-wide job, such as the
// maintenance sweep, to one process at a time.
type Lease interface {
	// Acquire reports whether the caller now holds the lease.
	Acquire(ctx context.Context) (bool, error)
	// Release gives up the lease if the caller still holds it.
	Release(ctx context.Context) error
}
