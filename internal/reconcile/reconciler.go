// ///////////////////////////////////////////////////////////////////////////
//
// # Cambiador - Table Change Detection
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package reconcile

import (
	"context"
	"fmt"

	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/types"
)

// OrphanStore is the part of the change state store the reconciler needs.
type OrphanStore interface {
	Orphans(ctx context.Context) ([]types.ChangeRecord, error)
	Delete(ctx context.Context, ids []int64) (int64, error)
}

type Reconciler struct {
	store  OrphanStore
	dryRun bool
}

// New returns a reconciler. With dryRun set orphans are reported but kept.
func New(store OrphanStore, dryRun bool) *Reconciler {
	return &Reconciler{store: store, dryRun: dryRun}
}

// TrimOrphans removes change records for tables that no longer exist in
// the source catalog. In a dry run the records are kept and returned as
// Retained.
func (r *Reconciler) TrimOrphans(ctx context.Context) (types.TrimResult, error) {
	orphans, err := r.store.Orphans(ctx)
	if err != nil {
		return types.TrimResult{}, fmt.Errorf("find orphaned change records: %w", err)
	}
	if len(orphans) == 0 {
		return types.TrimResult{}, nil
	}

	ids := make([]int64, len(orphans))
	names := make([]string, len(orphans))
	for i, rec := range orphans {
		ids[i] = rec.ID
		names[i] = rec.TableName
	}

	if r.dryRun {
		logger.Info("development mode: keeping %d orphaned change records %v", len(names), names)
		return types.TrimResult{Retained: names}, nil
	}

	n, err := r.store.Delete(ctx, ids)
	if err != nil {
		return types.TrimResult{}, fmt.Errorf("delete orphaned change records: %w", err)
	}
	if n != int64(len(ids)) {
		logger.Warn("expected to delete %d change records, deleted %d", len(ids), n)
	}

	return types.TrimResult{Removed: names}, nil
}
