// Package maintainer keeps the reading cache at one row per hour bucket inside
// the retention horizon.
package maintainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store is the part of the cache the maintainer mutates.
type Store interface {
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	CollapseDuplicates(ctx context.Context) (int64, error)
}

type PruneResult struct {
	Pruned    int64
	Collapsed int64
}

type Maintainer struct {
	store          Store
	retentionHours int
	now            func() time.Time
	logger         *slog.Logger
}

func New(store Store, retentionHours int, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		store:          store,
		retentionHours: retentionHours,
		now:            time.Now,
		logger:         logger,
	}
}

// CollapseDuplicates keeps the newest row of every hour bucket.
func (m *Maintainer) CollapseDuplicates(ctx context.Context) (int64, error) {
	n, err := m.store.CollapseDuplicates(ctx)
	if err != nil {
		return 0, fmt.Errorf("collapse duplicates: %w", err)
	}
	if n > 0 {
		m.logger.Info("collapsed duplicate readings", "removed", n)
	}
	return n, nil
}

// Prune deletes buckets older than retentionHours and then collapses
// duplicates. The collapse runs even when the delete fails.
func (m *Maintainer) Prune(ctx context.Context, retentionHours int) (PruneResult, error) {
	if retentionHours <= 0 {
		return PruneResult{}, fmt.Errorf("retention hours must be positive, got %d", retentionHours)
	}
	var res PruneResult

	cutoff := m.now().Add(-time.Duration(retentionHours) * time.Hour)
	pruned, delErr := m.store.DeleteOlderThan(ctx, cutoff)
	if delErr != nil {
		delErr = fmt.Errorf("prune older than %dh: %w", retentionHours, delErr)
	} else {
		res.Pruned = pruned
		if pruned > 0 {
			m.logger.Info("pruned readings", "removed", pruned, "retentionHours", retentionHours)
		}
	}

	collapsed, colErr := m.CollapseDuplicates(ctx)
	res.Collapsed = collapsed

	return res, errors.Join(delErr, colErr)
}

// Run prunes with the configured retention.
func (m *Maintainer) Run(ctx context.Context) (PruneResult, error) {
	return m.Prune(ctx, m.retentionHours)
}
