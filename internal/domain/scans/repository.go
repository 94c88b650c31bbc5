package scans

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence operations for scans. Heartbeat,
// TransitionTerminal and FindStuck must each be a single atomic operation on
// the backend so concurrent writers and the maintenance sweep cannot race.
type Repository interface {
	// Create inserts a new scan row.
	Create(ctx context.Context, scan *Scan) error

	// Get retrieves a scan. Returns ErrScanNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*Scan, error)

	// Update applies a partial update. The write only matches non-terminal
	// rows and returns a *TransitionError for a terminal scan.
	Update(ctx context.Context, id uuid.UUID, patch ScanPatch) error

	// Heartbeat atomically refreshes last_activity_at (and optionally the
	// progress message) of a non-terminal scan. Returns ErrScanNotFound or a
	// *TransitionError for terminal scans.
	Heartbeat(ctx context.Context, id uuid.UUID, hb HeartbeatUpdate) error

	// TransitionTerminal atomically moves a non-terminal scan into a terminal
	// state. When the scan is already terminal nothing is written and the
	// outcome reports Applied=false along with the existing status.
	TransitionTerminal(ctx context.Context, id uuid.UUID, u TerminalUpdate) (TransitionOutcome, error)

	// FindStuck selects every non-terminal scan exceeding the query's
	// thresholds in a single query.
	FindStuck(ctx context.Context, q StuckQuery) ([]StuckScan, error)

	// HealthStats aggregates scan counts over the query window.
	HealthStats(ctx context.Context, q HealthQuery) (HealthStats, error)
}
