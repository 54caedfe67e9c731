// Package retention removes evidence records past their keep window and then
// refreshes the remote snapshot so the backup never outlives the local purge.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/store"
)

// DefaultDays is the keep window when the caller does not override it.
const DefaultDays = 30

// Pusher refreshes the remote snapshot after a purge.
type Pusher interface {
	Push(ctx context.Context) error
}

// Sweeper deletes stale evidence. It is only ever invoked after explicit
// user confirmation: the deletion is irreversible locally.
type Sweeper struct {
	store  *store.Store
	pusher Pusher
	// Now is the clock used to compute record age; defaults to time.Now.
	Now func() time.Time
}

// New builds a Sweeper.
func New(st *store.Store, pusher Pusher) *Sweeper {
	return &Sweeper{store: st, pusher: pusher, Now: time.Now}
}

// PurgeOlderThan deletes every evidence record whose date is more than days
// days before today, then pushes the snapshot if anything was deleted. If a
// delete fails partway the purge aborts before pushing, so the remote blob
// never reflects a partial deletion.
func (s *Sweeper) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = DefaultDays
	}
	records, err := s.store.Evidences()
	if err != nil {
		return 0, err
	}
	now := s.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := today.AddDate(0, 0, -days)

	deleted := 0
	for _, rec := range records {
		day, err := time.Parse(model.DateLayout, rec.Date)
		if err != nil {
			// A record with an unparseable date predates the composite key
			// discipline; leave it for manual inspection.
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		key, err := model.NewEvidenceKey(rec.WorkerID, rec.Date)
		if err != nil {
			continue
		}
		if err := s.store.DeleteEvidence(key); err != nil {
			return deleted, fmt.Errorf("purge aborted after %d deletions: %w", deleted, err)
		}
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := s.pusher.Push(ctx); err != nil {
		return deleted, fmt.Errorf("purged %d records but snapshot push failed: %w", deleted, err)
	}
	return deleted, nil
}
