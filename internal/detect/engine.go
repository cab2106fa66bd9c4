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

package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgedge/cambiador/db/queries"
	"github.com/pgedge/cambiador/internal/catalog"
	"github.com/pgedge/cambiador/internal/hasher"
	"github.com/pgedge/cambiador/internal/reconcile"
	"github.com/pgedge/cambiador/internal/state"
	"github.com/pgedge/cambiador/pkg/config"
	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/taskstore"
	"github.com/pgedge/cambiador/pkg/types"
)

// Engine runs detection passes against the source pool. Runs are
// serialised: a trigger arriving mid-run waits for the current run.
type Engine struct {
	mu       sync.Mutex
	pool     *pgxpool.Pool
	cfg      *config.Config
	recorder *taskstore.Recorder

	ShowProgress bool
	Version      string
}

// NewEngine returns an engine. recorder may be nil, in which case runs are
// not recorded.
func NewEngine(pool *pgxpool.Pool, cfg *config.Config, recorder *taskstore.Recorder) *Engine {
	return &Engine{pool: pool, cfg: cfg, recorder: recorder}
}

// NewComponents builds the run collaborators over db.
func NewComponents(db queries.DBTX, cfg *config.Config) Components {
	store := state.New(db, cfg.State)
	return Components{
		Catalog: catalog.NewDiscoverer(db, catalog.NewPolicy(cfg.Discovery)),
		Hasher: hasher.New(db, hasher.Options{
			RowIDColumn:    cfg.Hasher.RowIDColumn,
			GeometryColumn: cfg.Hasher.GeometryColumn,
			QueryTimeout:   cfg.RowQueryTimeout(),
		}),
		State:      store,
		Reconciler: reconcile.New(store, cfg.IsDevelopment()),
	}
}

// Run acquires one connection for the whole run, detects changes and
// records the outcome under trigger.
func (e *Engine) Run(ctx context.Context, trigger string) (*types.RunReport, error) {
	if e == nil || e.pool == nil || e.cfg == nil {
		return nil, fmt.Errorf("detection engine is not initialised")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	runID := uuid.NewString()
	started := time.Now()
	if err := e.recorder.Create(taskstore.Record{
		RunID:       runID,
		Status:      taskstore.StatusRunning,
		Trigger:     trigger,
		Development: e.cfg.IsDevelopment(),
		StartedAt:   started,
	}); err != nil {
		logger.Warn("failed to record run %s: %v", runID, err)
	}

	report, err := e.run(ctx, runID)
	e.finish(runID, started, report, err)
	return report, err
}

func (e *Engine) run(ctx context.Context, runID string) (*types.RunReport, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire source connection: %w", err)
	}
	defer conn.Release()

	return Detect(ctx, NewComponents(conn, e.cfg), Options{
		RunID:        runID,
		Development:  e.cfg.IsDevelopment(),
		ShowProgress: e.ShowProgress,
		Version:      e.Version,
	})
}

func (e *Engine) finish(runID string, started time.Time, report *types.RunReport, runErr error) {
	finished := time.Now()
	rec := taskstore.Record{
		RunID:      runID,
		Status:     taskstore.StatusCompleted,
		FinishedAt: finished,
		TimeTaken:  finished.Sub(started).Seconds(),
	}
	if runErr != nil {
		rec.Status = taskstore.StatusFailed
		rec.Error = runErr.Error()
	}
	if report != nil {
		rec.ChangedCount = len(report.Stats.Changed)
		rec.FailedCount = len(report.Failed())
		if blob, err := json.Marshal(report); err == nil {
			rec.Report = blob
		} else {
			logger.Warn("failed to encode report for run %s: %v", runID, err)
		}
	}
	if err := e.recorder.Update(rec); err != nil {
		logger.Warn("failed to update run %s: %v", runID, err)
	}
}
