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

package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgedge/cambiador/pkg/config"
)

const (
	applicationName = "cambiador"

	// A run holds one connection; the second serves readiness checks and
	// the CLI helpers while a run is in progress.
	maxConns = 2
)

// PoolConfig builds the pgxpool configuration for the source database.
func PoolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is not loaded")
	}
	pc, err := pgxpool.ParseConfig(cfg.Source.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse source dsn: %w", err)
	}

	if d := cfg.ConnectionTimeout(); d > 0 {
		pc.ConnConfig.ConnectTimeout = d
	}
	if ms := statementTimeout(cfg); ms > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(ms, 10)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	pc.MaxConns = maxConns
	return pc, nil
}

// Connect opens and pings a pool on the source database.
func Connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach source database: %w", err)
	}
	return pool, nil
}

// statementTimeout never undercuts the row query timeout, which bounds the
// longest statement a run issues.
func statementTimeout(cfg *config.Config) int64 {
	st := cfg.StatementTimeout()
	if rq := cfg.RowQueryTimeout(); rq > st {
		st = rq
	}
	return int64(st / time.Millisecond)
}
