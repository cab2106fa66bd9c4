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

package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgedge/cambiador/db/queries"
	"github.com/pgedge/cambiador/pkg/common"
	"github.com/pgedge/cambiador/pkg/config"
	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/types"
)

const GeometryType = "geometry"

// Policy decides which tables and fields take part in change detection.
type Policy struct {
	RegistryTable    string
	ReservedPrefixes []string
	TempSuffix       string
	SkipFields       []string

	staticSchemas map[string]struct{}
	skipTables    map[string]struct{}
	tempSuffix    string
}

func NewPolicy(cfg config.DiscoveryConfig) Policy {
	return Policy{
		RegistryTable:    cfg.RegistryTable,
		ReservedPrefixes: cfg.ReservedPrefixes,
		TempSuffix:       cfg.Suffix(),
		SkipFields:       cfg.SkipFields,
		staticSchemas:    common.LowerSet(cfg.StaticSchemas),
		skipTables:       common.LowerSet(cfg.SkipTables),
		tempSuffix:       strings.ToLower(strings.TrimSpace(cfg.Suffix())),
	}
}

// SkipReason explains why a table is excluded, or returns "" when it is
// kept.
func (p Policy) SkipReason(desc types.FieldDescriptor) string {
	if _, ok := p.staticSchemas[strings.ToLower(desc.Schema)]; ok {
		return fmt.Sprintf("schema %s holds static data", desc.Schema)
	}
	if p.tempSuffix != "" && strings.HasSuffix(strings.ToLower(desc.Table), p.tempSuffix) {
		return "temporary table"
	}
	if _, ok := p.skipTables[strings.ToLower(desc.QualifiedName())]; ok {
		return "table is in skip_tables"
	}
	return ""
}

func (p Policy) skipField(field string) bool {
	return common.Contains(p.SkipFields, field)
}

type Discoverer struct {
	db     queries.DBTX
	policy Policy
}

func NewDiscoverer(db queries.DBTX, policy Policy) *Discoverer {
	return &Discoverer{db: db, policy: policy}
}

// Discover lists registered tables and their hashable fields.
func (d *Discoverer) Discover(ctx context.Context) (*types.TableFieldMap, error) {
	tables, err := queries.GetRegisteredTables(ctx, d.db, d.policy.RegistryTable, d.policy.ReservedPrefixes, d.policy.TempSuffix)
	if err != nil {
		return nil, err
	}
	logger.Debug("found %d registered tables in %s", len(tables), d.policy.RegistryTable)

	fields, err := queries.GetTableColumns(ctx, d.db, tables, d.policy.SkipFields)
	if err != nil {
		return nil, err
	}

	return Group(fields, d.policy)
}

// Group applies the table policy and builds the projection list for every
// surviving table, in the order fields were given.
func Group(fields []types.FieldDescriptor, policy Policy) (*types.TableFieldMap, error) {
	tfm := types.NewTableFieldMap()
	skipped := make(map[string]struct{})

	for _, meta := range fields {
		name := meta.QualifiedName()
		if _, done := skipped[name]; done {
			continue
		}
		if reason := policy.SkipReason(meta); reason != "" {
			skipped[name] = struct{}{}
			logger.Info("skipping %s: %s", name, reason)
			continue
		}
		// The catalog query already drops these; repeated here so a
		// hand-built field list obeys the same rule.
		if policy.skipField(meta.Field) {
			continue
		}

		expr := queries.ColumnProjection(meta.Field)
		if strings.EqualFold(meta.FieldType, GeometryType) {
			var err error
			expr, err = queries.GeometryProjection(meta.Field)
			if err != nil {
				return nil, fmt.Errorf("projecting %s.%s: %w", name, meta.Field, err)
			}
		}

		tfm.Add(meta, types.Projection{Field: meta.Field, Expr: expr})
	}

	return tfm, nil
}
