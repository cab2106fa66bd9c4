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

package queries

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgedge/cambiador/pkg/types"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

var validIdentifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)

func SanitiseIdentifier(ident string) error {
	if !validIdentifierRegex.MatchString(ident) {
		return fmt.Errorf("invalid identifier: %s", ident)
	}
	return nil
}

func RenderSQL(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render SQL: %w", err)
	}
	return buf.String(), nil
}

// QuoteQualified quotes every dot separated part of name,
// e.g. gis.public.roads -> "gis"."public"."roads".
func QuoteQualified(name string) (string, error) {
	parts := strings.Split(name, ".")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("invalid qualified name: %q", name)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

// LikePrefixPatterns turns prefixes into lower case LIKE patterns with the
// wildcard characters escaped.
func LikePrefixPatterns(prefixes []string) []string {
	patterns := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		patterns = append(patterns, escapeLike(strings.ToLower(p))+"%")
	}
	return patterns
}

func LikeSuffixPattern(suffix string) string {
	return "%" + escapeLike(strings.ToLower(suffix))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// GeometryProjection wraps a geometry column in a binary conversion aliased
// back to the column name.
func GeometryProjection(field string) (string, error) {
	return RenderSQL(SQLTemplates.GeometryProjection, map[string]string{
		"Field": pgx.Identifier{field}.Sanitize(),
	})
}

// ColumnProjection is the select expression for a plain column.
func ColumnProjection(field string) string {
	return pgx.Identifier{field}.Sanitize()
}

// SelectTableRowsSQL builds the ordered projection query used for hashing.
func SelectTableRowsSQL(qualifiedTable string, fields []types.Projection, rowIDColumn string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("no fields to select from %s", qualifiedTable)
	}
	table, err := QuoteQualified(qualifiedTable)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(rowIDColumn) == "" {
		return "", errors.New("row id column is required")
	}

	exprs := make([]string, len(fields))
	for i, f := range fields {
		exprs[i] = f.Expr
	}

	return RenderSQL(SQLTemplates.SelectTableRows, map[string]string{
		"Columns":     strings.Join(exprs, ", "),
		"Table":       table,
		"RowIDColumn": pgx.Identifier{rowIDColumn}.Sanitize(),
	})
}

func GetRegisteredTables(ctx context.Context, db DBTX, registryTable string, reservedPrefixes []string, tempSuffix string) ([]string, error) {
	registry, err := QuoteQualified(registryTable)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"RegistryTable": registry,
		"HasTempSuffix": tempSuffix != "",
	}
	sql, err := RenderSQL(SQLTemplates.GetRegisteredTables, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render GetRegisteredTables SQL: %w", err)
	}

	args := []any{LikePrefixPatterns(reservedPrefixes)}
	if tempSuffix != "" {
		args = append(args, LikeSuffixPattern(tempSuffix))
	}

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query to get registered tables from %s failed: %w", registryTable, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over registered tables: %w", err)
	}

	return tables, nil
}

func GetTableColumns(ctx context.Context, db DBTX, tables []string, skipFields []string) ([]types.FieldDescriptor, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	sql, err := RenderSQL(SQLTemplates.GetTableColumns, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to render GetTableColumns SQL: %w", err)
	}

	lowered := make([]string, len(skipFields))
	for i, f := range skipFields {
		lowered[i] = strings.ToLower(strings.TrimSpace(f))
	}

	rows, err := db.Query(ctx, sql, tables, lowered)
	if err != nil {
		return nil, fmt.Errorf("query to get table columns failed: %w", err)
	}
	defer rows.Close()

	var fields []types.FieldDescriptor
	for rows.Next() {
		var f types.FieldDescriptor
		if err := rows.Scan(&f.Database, &f.Schema, &f.Table, &f.Field, &f.FieldType); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		fields = append(fields, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over columns: %w", err)
	}

	return fields, nil
}

// StateTable names the change detection table.
type StateTable struct {
	Schema string
	Table  string
}

func (s StateTable) Qualified() string {
	return pgx.Identifier{s.Schema, s.Table}.Sanitize()
}

func (s StateTable) String() string {
	return s.Schema + "." + s.Table
}

func (s StateTable) render(t *template.Template) (string, error) {
	if err := SanitiseIdentifier(s.Schema); err != nil {
		return "", err
	}
	if err := SanitiseIdentifier(s.Table); err != nil {
		return "", err
	}
	return RenderSQL(t, map[string]string{
		"Schema":     pgx.Identifier{s.Schema}.Sanitize(),
		"StateTable": s.Qualified(),
		"IndexName":  pgx.Identifier{s.Table + "_table_name_key"}.Sanitize(),
	})
}

func StateTableExists(ctx context.Context, db DBTX, st StateTable) (bool, error) {
	sql, err := RenderSQL(SQLTemplates.StateTableExists, nil)
	if err != nil {
		return false, fmt.Errorf("failed to render StateTableExists SQL: %w", err)
	}

	var exists bool
	if err := db.QueryRow(ctx, sql, st.Schema, st.Table).Scan(&exists); err != nil {
		return false, fmt.Errorf("query to check if %s exists failed: %w", st, err)
	}
	return exists, nil
}

func CreateStateTable(ctx context.Context, db DBTX, st StateTable) error {
	sql, err := st.render(SQLTemplates.CreateStateTable)
	if err != nil {
		return fmt.Errorf("failed to render CreateStateTable SQL: %w", err)
	}

	if _, err := db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("query to create %s failed: %w", st, err)
	}
	return nil
}

// GetLastHash returns the stored hash for table, or "" when none exists.
func GetLastHash(ctx context.Context, db DBTX, st StateTable, table string) (string, error) {
	sql, err := st.render(SQLTemplates.GetLastHash)
	if err != nil {
		return "", fmt.Errorf("failed to render GetLastHash SQL: %w", err)
	}

	var hash *string
	err = db.QueryRow(ctx, sql, table).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query to get last hash for %s failed: %w", table, err)
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}

func HashRecordExists(ctx context.Context, db DBTX, st StateTable, table string) (bool, error) {
	sql, err := st.render(SQLTemplates.HashRecordExists)
	if err != nil {
		return false, fmt.Errorf("failed to render HashRecordExists SQL: %w", err)
	}

	var exists bool
	if err := db.QueryRow(ctx, sql, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("query to check hash record for %s failed: %w", table, err)
	}
	return exists, nil
}

func UpdateHash(ctx context.Context, db DBTX, st StateTable, table, hash string) (int64, error) {
	sql, err := st.render(SQLTemplates.UpdateHash)
	if err != nil {
		return 0, fmt.Errorf("failed to render UpdateHash SQL: %w", err)
	}

	tag, err := db.Exec(ctx, sql, table, hash)
	if err != nil {
		return 0, fmt.Errorf("query to update hash for %s failed: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func InsertHash(ctx context.Context, db DBTX, st StateTable, table, hash string) error {
	sql, err := st.render(SQLTemplates.InsertHash)
	if err != nil {
		return fmt.Errorf("failed to render InsertHash SQL: %w", err)
	}

	if _, err := db.Exec(ctx, sql, table, hash); err != nil {
		return fmt.Errorf("query to insert hash for %s failed: %w", table, err)
	}
	return nil
}

func ListHashRecords(ctx context.Context, db DBTX, st StateTable) ([]types.ChangeRecord, error) {
	sql, err := st.render(SQLTemplates.ListHashRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to render ListHashRecords SQL: %w", err)
	}
	return queryRecords(ctx, db, sql, "list hash records")
}

func GetOrphanedRecords(ctx context.Context, db DBTX, st StateTable) ([]types.ChangeRecord, error) {
	sql, err := st.render(SQLTemplates.GetOrphanedRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to render GetOrphanedRecords SQL: %w", err)
	}
	return queryRecords(ctx, db, sql, "get orphaned records")
}

func DeleteHashRecords(ctx context.Context, db DBTX, st StateTable, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sql, err := st.render(SQLTemplates.DeleteHashRecords)
	if err != nil {
		return 0, fmt.Errorf("failed to render DeleteHashRecords SQL: %w", err)
	}

	tag, err := db.Exec(ctx, sql, ids)
	if err != nil {
		return 0, fmt.Errorf("query to delete %d hash records failed: %w", len(ids), err)
	}
	return tag.RowsAffected(), nil
}

func queryRecords(ctx context.Context, db DBTX, sql, what string) ([]types.ChangeRecord, error) {
	rows, err := db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query to %s failed: %w", what, err)
	}
	defer rows.Close()

	var records []types.ChangeRecord
	for rows.Next() {
		var rec types.ChangeRecord
		if err := rows.Scan(&rec.ID, &rec.TableName, &rec.Hash, &rec.LastModified); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over change records: %w", err)
	}
	return records, nil
}
