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

package hasher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgedge/cambiador/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	names  []string
	data   [][]any
	pos    int
	err    error
	closed bool
}

func newRows(names []string, data ...[]any) *fakeRows {
	return &fakeRows{names: names, data: data, pos: -1}
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) Scan(...any) error             { return errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.names))
	for i, n := range r.names {
		fds[i] = pgconn.FieldDescription{Name: n}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos], nil
}

type fakeDB struct {
	sql  []string
	rows func() *fakeRows
	err  error
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not supported")
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.sql = append(f.sql, strings.Join(strings.Fields(sql), " "))
	if f.err != nil {
		return nil, f.err
	}
	return f.rows(), nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func sampleRows() *fakeRows {
	return newRows([]string{"name", "lanes", "shape"},
		[]any{"Main St", int32(2), []byte("POINT(1 1)")},
		[]any{"State St", int32(4), nil},
		[]any{"Center St", nil, []byte("POINT(2 2)")},
	)
}

func expectedDigest(rowTexts ...string) string {
	var buf strings.Builder
	for _, txt := range rowTexts {
		buf.WriteString(RowHash(txt))
	}
	return strconv.FormatUint(xxhash.Sum64String(buf.String()), 10)
}

func TestHashRowsComposition(t *testing.T) {
	res, err := HashRows(sampleRows(), "shape")
	require.NoError(t, err)

	require.Equal(t, int64(3), res.Rows)
	require.Equal(t, expectedDigest("Main St2POINT(1 1)", "State St4", "Center StPOINT(2 2)"), res.Digest)
}

func TestHashRowsDeterministic(t *testing.T) {
	first, err := HashRows(sampleRows(), "shape")
	require.NoError(t, err)
	second, err := HashRows(sampleRows(), "shape")
	require.NoError(t, err)
	require.Equal(t, first.Digest, second.Digest)
}

func TestHashRowsRowOrderMatters(t *testing.T) {
	forward := sampleRows()
	reversed := sampleRows()
	for i, j := 0, len(reversed.data)-1; i < j; i, j = i+1, j-1 {
		reversed.data[i], reversed.data[j] = reversed.data[j], reversed.data[i]
	}

	a, err := HashRows(forward, "shape")
	require.NoError(t, err)
	b, err := HashRows(reversed, "shape")
	require.NoError(t, err)
	require.NotEqual(t, a.Digest, b.Digest)
}

func TestHashRowsValueChange(t *testing.T) {
	changed := sampleRows()
	changed.data[1][1] = int32(6)

	a, err := HashRows(sampleRows(), "shape")
	require.NoError(t, err)
	b, err := HashRows(changed, "shape")
	require.NoError(t, err)
	require.NotEqual(t, a.Digest, b.Digest)
}

func TestHashRowsNullGeometry(t *testing.T) {
	withNull, err := HashRows(newRows([]string{"name", "shape"}, []any{"a", nil}), "shape")
	require.NoError(t, err)
	require.Equal(t, expectedDigest("a"), withNull.Digest)

	literal, err := HashRows(newRows([]string{"name", "shape"}, []any{"a", []byte("null")}), "shape")
	require.NoError(t, err)
	require.NotEqual(t, withNull.Digest, literal.Digest)
	require.Equal(t, expectedDigest("anull"), literal.Digest)
}

func TestHashRowsNonBinaryGeometryFallsBackToText(t *testing.T) {
	res, err := HashRows(newRows([]string{"name", "shape"},
		[]any{"a", "POINT (1 2)"},
		[]any{"b", int64(5)},
	), "shape")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Rows)
	require.Equal(t, expectedDigest("aPOINT (1 2)", "b5"), res.Digest)
}

func TestRowHashMatchesXXHash64(t *testing.T) {
	require.Equal(t, strconv.FormatUint(xxhash.Sum64String("ab"), 10), RowHash("a", "b"))
	require.Equal(t, "17241709254077376921", RowHash())
}

func TestHashRowsEmptyTable(t *testing.T) {
	res, err := HashRows(newRows([]string{"name"}), "shape")
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Rows)
	require.Equal(t, "17241709254077376921", res.Digest)
}

func TestHashRowsIteratorError(t *testing.T) {
	rows := sampleRows()
	rows.err = errors.New("connection reset")
	_, err := HashRows(rows, "shape")
	require.ErrorContains(t, err, "connection reset")
}

func TestHashNormalisesFieldOrder(t *testing.T) {
	db := &fakeDB{rows: sampleRows}
	h := New(db, Options{RowIDColumn: "objectid", GeometryColumn: "shape"})

	fields := []types.Projection{
		{Field: "shape", Expr: `ST_AsBinary("shape") AS "shape"`},
		{Field: "name", Expr: `"name"`},
		{Field: "lanes", Expr: `"lanes"`},
	}
	permuted := []types.Projection{fields[1], fields[2], fields[0]}

	a, err := h.Hash(context.Background(), "gis.transport.roads", fields)
	require.NoError(t, err)
	b, err := h.Hash(context.Background(), "gis.transport.roads", permuted)
	require.NoError(t, err)

	require.Equal(t, a.Digest, b.Digest)
	require.Len(t, db.sql, 2)
	require.Equal(t, db.sql[0], db.sql[1])
	require.Equal(t,
		`SELECT "lanes", "name", ST_AsBinary("shape") AS "shape" FROM "gis"."transport"."roads" ORDER BY "objectid"`,
		db.sql[0],
	)
}

func TestHashQueryError(t *testing.T) {
	db := &fakeDB{err: errors.New("relation does not exist")}
	h := New(db, Options{RowIDColumn: "objectid"})

	_, err := h.Hash(context.Background(), "gis.transport.roads", []types.Projection{{Field: "name", Expr: `"name"`}})
	require.ErrorContains(t, err, "gis.transport.roads")
}

func TestHashRejectsEmptyProjection(t *testing.T) {
	db := &fakeDB{rows: sampleRows}
	h := New(db, Options{RowIDColumn: "objectid"})

	_, err := h.Hash(context.Background(), "gis.transport.roads", nil)
	require.Error(t, err)
	require.Empty(t, db.sql)
}

func TestCanonicalString(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("MST", -7*3600))
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	tests := []struct {
		name string
		in   any
		want string
		ok   bool
	}{
		{"nil", nil, "", false},
		{"string", "abc", "abc", true},
		{"bytes", []byte("abc"), "abc", true},
		{"invalid utf8", []byte{0x61, 0xff}, "a�", true},
		{"bool", true, "true", true},
		{"int16", int16(-3), "-3", true},
		{"int64", int64(1234567890123), "1234567890123", true},
		{"float64", 2.5, "2.5", true},
		{"float32", float32(0.1), "0.1", true},
		{"time", ts, "2024-03-01T19:30:00Z", true},
		{"uuid bytes", [16]byte(id), id.String(), true},
		{"json", map[string]any{"b": 1, "a": "x"}, `{"a":"x","b":1}`, true},
		{"array", []any{int32(1), "two"}, `[1,"two"]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CanonicalString(tt.in)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
