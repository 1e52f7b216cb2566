package app

import (
	"context"
	"fmt"
	"time"

	"passfiles/internal/pf"
)

// quarantinePurger is implemented by storages that keep unreadable manifests aside.
type quarantinePurger interface {
	PurgeQuarantine(t pf.Type, maxAge time.Duration) (int, error)
}

// PurgeStats reports what a purge removed.
type PurgeStats struct {
	Versions    int
	Quarantined int
}

// Purger prunes old content versions and stale quarantined manifests.
// It must not run while a RecordContext of the same storage is committing;
// callers run it between sync passes.
type Purger struct {
	storage          pf.Storage
	types            []pf.Type
	keepVersions     int
	quarantineMaxAge time.Duration
	logger           pf.Logger
}

// NewPurger creates a purger. keepVersions below 1 is treated as 1: the
// current version of a record is never removed.
func NewPurger(storage pf.Storage, types []pf.Type, keepVersions int, quarantineMaxAge time.Duration, logger pf.Logger) *Purger {
	if keepVersions < 1 {
		keepVersions = 1
	}
	if logger == nil {
		logger = pf.NewNopLogger()
	}
	return &Purger{
		storage:          storage,
		types:            types,
		keepVersions:     keepVersions,
		quarantineMaxAge: quarantineMaxAge,
		logger:           logger,
	}
}

// RunOnce performs one purge over every record type.
func (p *Purger) RunOnce(ctx context.Context) (PurgeStats, error) {
	var stats PurgeStats
	for _, t := range p.types {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n, err := p.purgeVersions(ctx, t)
		stats.Versions += n
		if err != nil {
			return stats, err
		}

		if qp, ok := p.storage.(quarantinePurger); ok && p.quarantineMaxAge > 0 {
			n, err := qp.PurgeQuarantine(t, p.quarantineMaxAge)
			stats.Quarantined += n
			if err != nil {
				return stats, fmt.Errorf("purging quarantined %s manifests: %w", t, err)
			}
		}
	}
	p.logger.Info("purge finished", "versions", stats.Versions, "quarantined", stats.Quarantined)
	return stats, nil
}

func (p *Purger) purgeVersions(ctx context.Context, t pf.Type) (int, error) {
	snaps, err := p.storage.LoadList(t)
	if err != nil {
		return 0, fmt.Errorf("loading %s list: %w", t, err)
	}

	removed := 0
	for _, s := range snaps {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		versions, err := p.storage.GetVersions(t, s.ID)
		if err != nil {
			return removed, fmt.Errorf("listing versions of record %d: %w", s.ID, err)
		}
		for _, v := range prunable(versions, s.Version, p.keepVersions) {
			if err := p.storage.DeleteContent(t, s.ID, v); err != nil {
				return removed, fmt.Errorf("removing version %d of record %d: %w", v, s.ID, err)
			}
			p.logger.Debug("content version purged", "type", t.String(), "id", s.ID, "version", v)
			removed++
		}
	}
	return removed, nil
}

// prunable returns the versions to remove: everything older than the newest
// keep versions, never the current one. versions is ascending.
func prunable(versions []int, current, keep int) []int {
	if len(versions) <= keep {
		return nil
	}
	var out []int
	for _, v := range versions[:len(versions)-keep] {
		if v != current {
			out = append(out, v)
		}
	}
	return out
}
