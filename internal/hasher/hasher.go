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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgedge/cambiador/db/queries"
	"github.com/pgedge/cambiador/pkg/common"
	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/types"
)

const DefaultQueryTimeout = 10 * time.Minute

// RowSource is the subset of pgx.Rows the hasher reads from.
type RowSource interface {
	Next() bool
	Values() ([]any, error)
	FieldDescriptions() []pgconn.FieldDescription
	Err() error
}

type Options struct {
	RowIDColumn    string
	GeometryColumn string
	QueryTimeout   time.Duration
}

type Hasher struct {
	db   queries.DBTX
	opts Options
}

func New(db queries.DBTX, opts Options) *Hasher {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	return &Hasher{db: db, opts: opts}
}

// Hash reads every row of table ordered by the row id column and folds the
// per-row hashes into one digest.
func (h *Hasher) Hash(ctx context.Context, table string, fields []types.Projection) (types.TableHash, error) {
	sorted := types.SortProjections(fields)
	sql, err := queries.SelectTableRowsSQL(table, sorted, h.opts.RowIDColumn)
	if err != nil {
		return types.TableHash{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := h.db.Query(queryCtx, sql)
	if err != nil {
		return types.TableHash{}, fmt.Errorf("query rows of %s: %w", table, err)
	}
	defer rows.Close()
	firstResponse := time.Since(start)

	result, err := HashRows(rows, h.opts.GeometryColumn)
	if err != nil {
		return types.TableHash{}, fmt.Errorf("hash rows of %s: %w", table, err)
	}
	result.QueryTime += firstResponse

	logger.Debug("query completed: %s", common.FriendlyDuration(result.QueryTime))
	logger.Debug("hashed %s records: %s", common.FormatCount(result.Rows), common.FriendlyDuration(result.HashTime))

	return result, nil
}

// HashRows consumes rows and returns the table digest. Time spent waiting on
// rows counts as query time; everything else counts as hash time.
func HashRows(rows RowSource, geometryColumn string) (types.TableHash, error) {
	var (
		result  types.TableHash
		digest  = xxhash.New()
		rowText strings.Builder
		names   []string
		warned  bool
	)

	for {
		fetchStart := time.Now()
		if !rows.Next() {
			result.QueryTime += time.Since(fetchStart)
			break
		}
		values, err := rows.Values()
		result.QueryTime += time.Since(fetchStart)
		if err != nil {
			return types.TableHash{}, fmt.Errorf("read row %d: %w", result.Rows+1, err)
		}

		hashStart := time.Now()
		if names == nil {
			names = columnNames(rows.FieldDescriptions())
		}

		rowText.Reset()
		for i, v := range values {
			var name string
			if i < len(names) {
				name = names[i]
			}
			s, ok, notBinary := columnText(name, v, geometryColumn)
			if notBinary && !warned {
				logger.Warn("geometry column %s returned %T, hashing its text form", name, v)
				warned = true
			}
			if !ok {
				continue
			}
			rowText.WriteString(s)
		}

		_, _ = digest.WriteString(RowHash(rowText.String()))
		result.Rows++
		result.HashTime += time.Since(hashStart)
	}

	if err := rows.Err(); err != nil {
		return types.TableHash{}, err
	}

	result.Digest = strconv.FormatUint(digest.Sum64(), 10)
	return result, nil
}

// RowHash is the hash of one row's concatenated column text.
func RowHash(columns ...string) string {
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(columns, "")), 10)
}

func columnNames(fds []pgconn.FieldDescription) []string {
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	return names
}

// columnText returns the hashed text of one value and whether it counts.
// The last result is set when the geometry column held something other
// than bytes; that value is hashed in its canonical text form instead.
func columnText(name string, v any, geometryColumn string) (string, bool, bool) {
	if geometryColumn != "" && strings.EqualFold(name, geometryColumn) {
		switch g := v.(type) {
		case nil:
			return "", false, false
		case []byte:
			return decodeBinary(g), true, false
		default:
			s, ok := CanonicalString(v)
			return s, ok, true
		}
	}
	s, ok := CanonicalString(v)
	return s, ok, false
}

func decodeBinary(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// CanonicalString converts a decoded column value to the text that gets
// hashed. The second result is false for SQL NULL.
func CanonicalString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []byte:
		return decodeBinary(val), true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.FormatInt(int64(val), 10), true
	case int8:
		return strconv.FormatInt(int64(val), 10), true
	case int16:
		return strconv.FormatInt(int64(val), 10), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case uint8:
		return strconv.FormatUint(uint64(val), 10), true
	case uint16:
		return strconv.FormatUint(uint64(val), 10), true
	case uint32:
		return strconv.FormatUint(uint64(val), 10), true
	case uint64:
		return strconv.FormatUint(val, 10), true
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	case [16]byte:
		return uuid.UUID(val).String(), true
	case uuid.UUID:
		return val.String(), true
	case driver.Valuer:
		inner, err := val.Value()
		if err != nil {
			return fmt.Sprint(v), true
		}
		if _, again := inner.(driver.Valuer); again {
			return fmt.Sprint(inner), true
		}
		return CanonicalString(inner)
	case fmt.Stringer:
		return val.String(), true
	case map[string]any, []any:
		blob, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val), true
		}
		return string(blob), true
	default:
		return fmt.Sprint(val), true
	}
}
