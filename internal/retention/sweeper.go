// Package retention holds the stateless cleanup sweeps. Each sweep is
// safe to run on any schedule and deletes nothing it cannot re-derive
// eligibility for on the next run.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/bulk-emailer/internal/emailer"
)

// Store is the persistence surface the sweeps need.
type Store interface {
	DeleteExpiredItems(ctx context.Context, today time.Time) (int64, error)
	DeleteStaleSubscribers(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredStats(ctx context.Context, now time.Time, monthsSaved int) (int64, error)
}

var _ Store = (*emailer.Store)(nil)

// Sweeper runs the retention jobs.
type Sweeper struct {
	store Store

	// GraceHours protects freshly created subscribers mid double
	// opt-in from the no-membership sweep. Default 24.
	GraceHours int

	// StatsMonths is how many monthly stat rows to keep. Default 12.
	StatsMonths int

	now func() time.Time
}

// NewSweeper creates a sweeper with default windows.
func NewSweeper(store Store) *Sweeper {
	return &Sweeper{store: store, GraceHours: 24, StatsMonths: 12, now: time.Now}
}

// DeleteExpiredItems removes mail items whose deletion date is on or
// before today.
func (s *Sweeper) DeleteExpiredItems(ctx context.Context) error {
	n, err := s.store.DeleteExpiredItems(ctx, s.now())
	if err != nil {
		return fmt.Errorf("delete expired items: %w", err)
	}
	if n > 0 {
		log.Printf("[Retention] Deleted %d expired mail items", n)
	}
	return nil
}

// DeleteStaleSubscribers removes subscribers with no list memberships
// created more than the grace period ago.
func (s *Sweeper) DeleteStaleSubscribers(ctx context.Context) error {
	cutoff := s.now().Add(-time.Duration(s.GraceHours) * time.Hour)
	n, err := s.store.DeleteStaleSubscribers(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete stale subscribers: %w", err)
	}
	if n > 0 {
		log.Printf("[Retention] Deleted %d subscribers with no memberships", n)
	}
	return nil
}

// DeleteExpiredStats removes monthly stat rows older than the configured
// window, month-granular.
func (s *Sweeper) DeleteExpiredStats(ctx context.Context) error {
	n, err := s.store.DeleteExpiredStats(ctx, s.now(), s.StatsMonths)
	if err != nil {
		return fmt.Errorf("delete expired stats: %w", err)
	}
	if n > 0 {
		log.Printf("[Retention] Deleted %d expired monthly stats", n)
	}
	return nil
}
