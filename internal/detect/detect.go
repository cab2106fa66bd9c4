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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgedge/cambiador/pkg/common"
	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/types"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ErrStateTableMissing aborts a run before any work when the change
// detection table has not been provisioned.
var ErrStateTableMissing = errors.New("change detection table does not exist")

type Catalog interface {
	Discover(ctx context.Context) (*types.TableFieldMap, error)
}

type TableHasher interface {
	Hash(ctx context.Context, table string, fields []types.Projection) (types.TableHash, error)
}

type StateStore interface {
	Name() string
	Exists(ctx context.Context) (bool, error)
	GetLastHash(ctx context.Context, table string) (string, error)
	Upsert(ctx context.Context, table, hash string) error
}

type Reconciler interface {
	TrimOrphans(ctx context.Context) (types.TrimResult, error)
}

// Components are the collaborators of a single run. They usually share one
// database connection.
type Components struct {
	Catalog    Catalog
	Hasher     TableHasher
	State      StateStore
	Reconciler Reconciler
}

type Options struct {
	// RunID is generated when empty.
	RunID string
	// Development leaves the change detection table untouched.
	Development  bool
	ShowProgress bool
	Version      string
}

// Detect runs one full change detection pass: verify the state table,
// trim orphans, discover tables and then hash and compare each table in
// turn. A failing table is recorded and the run moves on; only the state
// check, reconciliation and discovery can fail the run.
func Detect(ctx context.Context, c Components, opts Options) (*types.RunReport, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	report := &types.RunReport{
		RunID:       opts.RunID,
		StartedAt:   time.Now(),
		Development: opts.Development,
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}

	if opts.Version != "" {
		logger.Info("starting cambiador %s (run %s)", opts.Version, report.RunID)
	} else {
		logger.Info("starting change detection run %s", report.RunID)
	}
	if opts.Development {
		logger.Info("development mode: %s will not be modified", c.State.Name())
	}

	exists, err := c.State.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check change detection table %s: %w", c.State.Name(), err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStateTableMissing, c.State.Name())
	}

	trimmed, err := c.Reconciler.TrimOrphans(ctx)
	if err != nil {
		return nil, err
	}
	report.Removed = trimmed.Removed
	report.Retained = trimmed.Retained
	if n := len(trimmed.Removed); n > 0 {
		logger.Info("removed %d orphaned change records: %s", n, strings.Join(trimmed.Removed, ", "))
	}

	logger.Info("discovering registered tables")
	discoverStart := time.Now()
	tfm, err := c.Catalog.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover tables: %w", err)
	}
	tables := tfm.Tables()
	logger.Info("discovered %d tables in %s", len(tables), common.FriendlyDuration(time.Since(discoverStart)))

	bar, wait := newProgress(opts.ShowProgress, len(tables))
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			wait(true)
			return nil, fmt.Errorf("run %s cancelled: %w", report.RunID, err)
		}

		res := detectTable(ctx, c, opts.Development, table, tfm.Fields(table), &report.Stats)
		report.Results = append(report.Results, res)
		bar.Increment()
	}
	wait(false)

	report.FinishedAt = time.Now()
	logReport(report)
	return report, nil
}

func detectTable(ctx context.Context, c Components, development bool, table string, fields []types.Projection, stats *types.RunStats) types.TableResult {
	start := time.Now()
	res := types.TableResult{Table: table}
	fail := func(err error) types.TableResult {
		res.Status = types.TableFailed
		res.Err = err
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		logger.Error("%s failed: %v", table, err)
		return res
	}

	prev, err := c.State.GetLastHash(ctx, table)
	if err != nil {
		return fail(fmt.Errorf("read last hash: %w", err))
	}
	res.PreviousHash = prev

	logger.Debug("hashing %s with %d fields", table, len(fields))
	h, err := c.Hasher.Hash(ctx, table, fields)
	if err != nil {
		return fail(err)
	}
	stats.Add(h)
	res.CurrentHash = h.Digest
	res.Rows = h.Rows

	logger.Debug("%s: query %s, hash %s, %s rows", table,
		common.FriendlyDuration(h.QueryTime), common.FriendlyDuration(h.HashTime), common.FormatCount(h.Rows))

	if prev != "" && prev == h.Digest {
		res.Status = types.TableUnchanged
		res.Elapsed = time.Since(start)
		logger.Debug("%s: no change", table)
		return res
	}

	// Only a recorded change counts as changed.
	if development {
		res.Status = types.TableSkipped
		res.Elapsed = time.Since(start)
		logger.Info("%s: changed, not recorded in development mode", table)
		return res
	}

	if err := c.State.Upsert(ctx, table, h.Digest); err != nil {
		return fail(fmt.Errorf("store hash: %w", err))
	}
	stats.Changed = append(stats.Changed, table)
	res.Status = types.TableChanged
	res.Elapsed = time.Since(start)
	logger.Info("%s: changed", table)
	return res
}

func (c Components) validate() error {
	switch {
	case c.Catalog == nil:
		return errors.New("detect: catalog is required")
	case c.Hasher == nil:
		return errors.New("detect: hasher is required")
	case c.State == nil:
		return errors.New("detect: state store is required")
	case c.Reconciler == nil:
		return errors.New("detect: reconciler is required")
	}
	return nil
}

type incrementer interface {
	Increment()
}

type noopBar struct{}

func (noopBar) Increment() {}

func newProgress(show bool, total int) (incrementer, func(abort bool)) {
	if !show || total == 0 {
		return noopBar{}, func(bool) {}
	}
	return newProgressTo(os.Stderr, total)
}

func newProgressTo(w io.Writer, total int) (incrementer, func(abort bool)) {
	p := mpb.New(mpb.WithOutput(w))
	bar := p.AddBar(int64(total),
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name("Hashing tables:", decor.WC{W: 16}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO),
			decor.Name(" | "),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
		),
	)
	return bar, func(abort bool) {
		if abort {
			bar.Abort(true)
		}
		p.Wait()
	}
}

func logReport(r *types.RunReport) {
	s := r.Stats
	logger.Info("processed %d tables in %s", len(r.Results), common.FriendlyDuration(r.FinishedAt.Sub(r.StartedAt)))
	logger.Info("total rows: %s", common.FormatCount(s.TotalRows))
	logger.Info("total query time: %s", common.FriendlyDuration(s.QueryTime))
	logger.Info("total hash time: %s", common.FriendlyDuration(s.HashTime))

	if len(s.Changed) == 0 {
		logger.Info("no tables changed")
	} else {
		logger.Info("%d tables changed: %s", len(s.Changed), strings.Join(s.Changed, ", "))
	}
	if skipped := r.Skipped(); len(skipped) > 0 {
		logger.Info("%d tables changed but not recorded: %s", len(skipped), strings.Join(skipped, ", "))
	}
	if failed := r.Failed(); len(failed) > 0 {
		logger.Warn("%d tables failed: %s", len(failed), strings.Join(failed, ", "))
	}
}
