// Package memory provides an in-memory scan repository for local development
// and tests. Every operation runs under one mutex, which gives it the same
// atomicity the SQL procedures provide.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanwatch/internal/domain/scans"
)

var _ scans.Repository = (*ScanStore)(nil)

// ScanStore is an in-memory implementation of scans.Repository.
type ScanStore struct {
	mu    sync.Mutex
	scans map[uuid.UUID]*scans.Scan
}

// NewScanStore creates an empty in-memory scan store.
func NewScanStore() *ScanStore {
	return &ScanStore{scans: make(map[uuid.UUID]*scans.Scan)}
}

// Create inserts a new scan.
func (s *ScanStore) Create(_ context.Context, scan *scans.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scans[scan.ID()]; exists {
		return &scans.StoreError{
			Op:      "create scan",
			Code:    "23505",
			Message: fmt.Sprintf("duplicate key value violates unique constraint: scan %s", scan.ID()),
		}
	}
	s.scans[scan.ID()] = copyScan(scan)
	return nil
}

// Get returns a copy of the stored scan.
func (s *ScanStore) Get(_ context.Context, id uuid.UUID) (*scans.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
	}
	return copyScan(scan), nil
}

// Update applies a partial update.
func (s *ScanStore) Update(_ context.Context, id uuid.UUID, patch scans.ScanPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, err := s.lookup(id, patch.UserID)
	if err != nil {
		return err
	}
	next := copyScan(scan)
	if err := next.ApplyPatch(patch); err != nil {
		return err
	}
	s.scans[id] = next
	return nil
}

// Heartbeat refreshes last activity of a non-terminal scan.
func (s *ScanStore) Heartbeat(_ context.Context, id uuid.UUID, hb scans.HeartbeatUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, err := s.lookup(id, hb.UserID)
	if err != nil {
		return err
	}
	return scan.ApplyHeartbeat(hb)
}

// TransitionTerminal moves a non-terminal scan into a terminal state. An
// already-terminal scan is left unchanged.
func (s *ScanStore) TransitionTerminal(_ context.Context, id uuid.UUID, u scans.TerminalUpdate) (scans.TransitionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, err := s.lookup(id, u.UserID)
	if err != nil {
		return scans.TransitionOutcome{}, err
	}
	if scan.IsTerminal() {
		return scans.TransitionOutcome{Applied: false, Status: scan.Status()}, nil
	}
	if err := scan.Terminate(u); err != nil {
		return scans.TransitionOutcome{}, err
	}
	return scans.TransitionOutcome{Applied: true, Status: scan.Status()}, nil
}

// FindStuck returns every stuck scan, oldest first.
func (s *ScanStore) FindStuck(_ context.Context, q scans.StuckQuery) ([]scans.StuckScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []scans.StuckScan
	for _, scan := range s.scans {
		if c, ok := q.Classify(scan); ok {
			stuck = append(stuck, c)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		if stuck[i].AgeMinutes == stuck[j].AgeMinutes {
			return stuck[i].ScanID.String() < stuck[j].ScanID.String()
		}
		return stuck[i].AgeMinutes > stuck[j].AgeMinutes
	})
	return stuck, nil
}

// HealthStats counts scans created within the window.
func (s *ScanStore) HealthStats(_ context.Context, q scans.HealthQuery) (scans.HealthStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats scans.HealthStats
	for _, scan := range s.scans {
		if scan.CreatedAt().Before(q.Since) {
			continue
		}
		stats.TotalScans++
		if scan.Status() != scans.StatusRunning {
			continue
		}
		stats.RunningScans++
		if scan.LastActivityAt().Before(q.StaleBefore) {
			stats.StaleScans++
		}
	}
	return stats, nil
}

// Len returns the number of stored scans.
func (s *ScanStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scans)
}

// lookup returns the stored scan, hiding scans owned by another user the way
// row level security would.
func (s *ScanStore) lookup(id uuid.UUID, userID string) (*scans.Scan, error) {
	scan, ok := s.scans[id]
	if !ok || (userID != "" && scan.UserID() != userID) {
		return nil, fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
	}
	return scan, nil
}

func copyScan(s *scans.Scan) *scans.Scan {
	var results scans.Results
	if r := s.Results(); len(r) > 0 {
		results = append(scans.Results(nil), r...)
	}
	return scans.ReconstructScan(
		s.ID(),
		s.SiteID(),
		s.UserID(),
		s.Status(),
		s.ProgressMessage(),
		s.ErrorMessage(),
		s.CreatedAt(),
		s.StartedAt(),
		s.EndedAt(),
		s.LastActivityAt(),
		s.MaxRuntimeMinutes(),
		s.HeartbeatIntervalSeconds(),
		results,
	)
}
