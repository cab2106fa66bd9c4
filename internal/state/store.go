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

package state

import (
	"context"
	"fmt"

	"github.com/pgedge/cambiador/db/queries"
	"github.com/pgedge/cambiador/pkg/config"
	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/types"
)

// Store owns the rows of the change detection table. Nothing else writes to
// it.
type Store struct {
	db    queries.DBTX
	table queries.StateTable
}

func New(db queries.DBTX, cfg config.StateConfig) *Store {
	return &Store{
		db:    db,
		table: queries.StateTable{Schema: cfg.Schema, Table: cfg.Table},
	}
}

func (s *Store) Name() string {
	return s.table.String()
}

// Exists reports whether the change detection table has been provisioned.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	return queries.StateTableExists(ctx, s.db, s.table)
}

// Provision creates the change detection table. Detection runs never call
// it; it backs the "state init" command.
func (s *Store) Provision(ctx context.Context) error {
	return queries.CreateStateTable(ctx, s.db, s.table)
}

func (s *Store) GetLastHash(ctx context.Context, table string) (string, error) {
	return queries.GetLastHash(ctx, s.db, s.table, table)
}

// Upsert updates the record for table, matched case-insensitively, or
// inserts one. Both paths stamp last_modified with the current time.
func (s *Store) Upsert(ctx context.Context, table, hash string) error {
	exists, err := queries.HashRecordExists(ctx, s.db, s.table, table)
	if err != nil {
		return err
	}

	if exists {
		n, err := queries.UpdateHash(ctx, s.db, s.table, table, hash)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("hash record for %s disappeared before update", table)
		}
		logger.Debug("updated the hash for %s", table)
		return nil
	}

	if err := queries.InsertHash(ctx, s.db, s.table, table, hash); err != nil {
		return err
	}
	logger.Debug("inserted a hash for %s", table)
	return nil
}

// Orphans returns records whose table is no longer in the source catalog.
func (s *Store) Orphans(ctx context.Context) ([]types.ChangeRecord, error) {
	return queries.GetOrphanedRecords(ctx, s.db, s.table)
}

func (s *Store) Delete(ctx context.Context, ids []int64) (int64, error) {
	return queries.DeleteHashRecords(ctx, s.db, s.table, ids)
}

func (s *Store) List(ctx context.Context) ([]types.ChangeRecord, error) {
	return queries.ListHashRecords(ctx, s.db, s.table)
}
