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

import "text/template"

type Templates struct {
	GetRegisteredTables *template.Template
	GetTableColumns     *template.Template
	SelectTableRows     *template.Template
	GeometryProjection  *template.Template

	StateTableExists   *template.Template
	CreateStateTable   *template.Template
	GetLastHash        *template.Template
	HashRecordExists   *template.Template
	UpdateHash         *template.Template
	InsertHash         *template.Template
	ListHashRecords    *template.Template
	GetOrphanedRecords *template.Template
	DeleteHashRecords  *template.Template
}

var SQLTemplates = Templates{
	GetRegisteredTables: template.Must(template.New("getRegisteredTables").Parse(`
		SELECT DISTINCT
			LOWER(registry.table_name)
		FROM
			{{.RegistryTable}} registry
		WHERE
			NOT (LOWER(registry.table_name) LIKE ANY($1::text[]))
			{{- if .HasTempSuffix}}
			AND LOWER(registry.table_name) NOT LIKE $2
			{{- end}}
		ORDER BY
			1
	`)),

	// USER-DEFINED columns report their udt_name so PostGIS columns come
	// back as "geometry".
	GetTableColumns: template.Must(template.New("getTableColumns").Parse(`
		SELECT
			c.table_catalog,
			c.table_schema,
			c.table_name,
			c.column_name,
			LOWER(
				CASE
					WHEN c.data_type = 'USER-DEFINED' THEN c.udt_name
					ELSE c.data_type
				END
			)
		FROM
			information_schema.columns c
		WHERE
			LOWER(c.table_name) = ANY($1::text[])
			AND NOT (LOWER(c.column_name) = ANY($2::text[]))
			AND c.table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY
			LOWER(c.table_catalog),
			LOWER(c.table_schema),
			LOWER(c.table_name),
			LOWER(c.column_name)
	`)),

	SelectTableRows: template.Must(template.New("selectTableRows").Parse(`
		SELECT
			{{.Columns}}
		FROM
			{{.Table}}
		ORDER BY
			{{.RowIDColumn}}
	`)),

	GeometryProjection: template.Must(template.New("geometryProjection").Parse(
		`ST_AsBinary({{.Field}}) AS {{.Field}}`,
	)),

	StateTableExists: template.Must(template.New("stateTableExists").Parse(`
		SELECT EXISTS (
			SELECT
				1
			FROM
				information_schema.tables
			WHERE
				LOWER(table_schema) = LOWER($1)
				AND LOWER(table_name) = LOWER($2)
		)
	`)),

	// Provisioning only; a detection run never creates the table.
	CreateStateTable: template.Must(template.New("createStateTable").Parse(`
		CREATE SCHEMA IF NOT EXISTS {{.Schema}};
		CREATE TABLE IF NOT EXISTS {{.StateTable}} (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			table_name text NOT NULL,
			hash text NOT NULL,
			last_modified timestamptz NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS {{.IndexName}}
			ON {{.StateTable}} (LOWER(table_name));
	`)),

	GetLastHash: template.Must(template.New("getLastHash").Parse(`
		SELECT
			hash
		FROM
			{{.StateTable}}
		WHERE
			LOWER(table_name) = LOWER($1)
	`)),

	HashRecordExists: template.Must(template.New("hashRecordExists").Parse(`
		SELECT EXISTS (
			SELECT
				1
			FROM
				{{.StateTable}}
			WHERE
				LOWER(table_name) = LOWER($1)
		)
	`)),

	UpdateHash: template.Must(template.New("updateHash").Parse(`
		UPDATE {{.StateTable}}
		SET
			hash = $2,
			last_modified = now()
		WHERE
			LOWER(table_name) = LOWER($1)
	`)),

	InsertHash: template.Must(template.New("insertHash").Parse(`
		INSERT INTO
			{{.StateTable}} (table_name, hash, last_modified)
		VALUES
			($1, $2, now())
	`)),

	ListHashRecords: template.Must(template.New("listHashRecords").Parse(`
		SELECT
			id,
			table_name,
			hash,
			last_modified
		FROM
			{{.StateTable}}
		ORDER BY
			LOWER(table_name)
	`)),

	GetOrphanedRecords: template.Must(template.New("getOrphanedRecords").Parse(`
		SELECT
			cd.id,
			cd.table_name,
			cd.hash,
			cd.last_modified
		FROM
			{{.StateTable}} cd
		WHERE
			NOT EXISTS (
				SELECT
					1
				FROM
					information_schema.tables t
				WHERE
					LOWER(t.table_catalog || '.' || t.table_schema || '.' || t.table_name) = LOWER(cd.table_name)
			)
		ORDER BY
			LOWER(cd.table_name)
	`)),

	DeleteHashRecords: template.Must(template.New("deleteHashRecords").Parse(`
		DELETE FROM {{.StateTable}}
		WHERE
			id = ANY($1::bigint[])
	`)),
}
