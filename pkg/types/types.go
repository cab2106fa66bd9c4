package types

import (
	"sort"
	"time"
)

// FieldDescriptor identifies one column of one source table as reported by
// the catalog.
type FieldDescriptor struct {
	Database  string
	Schema    string
	Table     string
	Field     string
	FieldType string
}

// QualifiedName returns database.schema.table, dropping the leading parts
// that are empty.
func (f FieldDescriptor) QualifiedName() string {
	switch {
	case f.Schema == "":
		return f.Table
	case f.Database == "":
		return f.Schema + "." + f.Table
	default:
		return f.Database + "." + f.Schema + "." + f.Table
	}
}

// Projection is one select-list entry for a table hash query. Field is the
// bare column name, Expr the SQL expression that retrieves it.
type Projection struct {
	Field string
	Expr  string
}

// SortProjections orders projections by field name.
func SortProjections(fields []Projection) []Projection {
	sorted := make([]Projection, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Field < sorted[j].Field
	})
	return sorted
}

// TableFieldMap groups projections by qualified table name and remembers the
// order in which tables were discovered.
type TableFieldMap struct {
	order  []string
	fields map[string][]Projection
	seen   map[string]map[string]struct{}
	tables map[string]FieldDescriptor
}

func NewTableFieldMap() *TableFieldMap {
	return &TableFieldMap{
		fields: make(map[string][]Projection),
		seen:   make(map[string]map[string]struct{}),
		tables: make(map[string]FieldDescriptor),
	}
}

// Add appends a projection for the table described by desc. Later
// projections for a field name already present are ignored. Names are
// compared exactly: "Name" and name are distinct PostgreSQL columns.
func (m *TableFieldMap) Add(desc FieldDescriptor, p Projection) bool {
	name := desc.QualifiedName()
	seen, ok := m.seen[name]
	if !ok {
		seen = make(map[string]struct{})
		m.seen[name] = seen
		m.order = append(m.order, name)
		m.tables[name] = FieldDescriptor{
			Database: desc.Database,
			Schema:   desc.Schema,
			Table:    desc.Table,
		}
	}
	if _, dup := seen[p.Field]; dup {
		return false
	}
	seen[p.Field] = struct{}{}
	m.fields[name] = append(m.fields[name], p)
	return true
}

// Tables returns qualified table names in discovery order, skipping tables
// without fields.
func (m *TableFieldMap) Tables() []string {
	out := make([]string, 0, len(m.order))
	for _, name := range m.order {
		if len(m.fields[name]) > 0 {
			out = append(out, name)
		}
	}
	return out
}

func (m *TableFieldMap) Fields(table string) []Projection {
	return m.fields[table]
}

// Table returns the catalog identity (database, schema, table) of a
// qualified name.
func (m *TableFieldMap) Table(table string) (FieldDescriptor, bool) {
	desc, ok := m.tables[table]
	return desc, ok
}

func (m *TableFieldMap) Len() int {
	return len(m.Tables())
}

// ChangeRecord is one row of the change detection table.
type ChangeRecord struct {
	ID           int64
	TableName    string
	Hash         string
	LastModified time.Time
}

// TableHash is the outcome of hashing a single table.
type TableHash struct {
	Digest    string
	Rows      int64
	QueryTime time.Duration
	HashTime  time.Duration
}

// RunStats accumulates totals for one run. It is owned by a single run and
// is not safe for concurrent use.
type RunStats struct {
	TotalRows int64         `json:"total_rows"`
	QueryTime time.Duration `json:"query_time"`
	HashTime  time.Duration `json:"hash_time"`
	Changed   []string      `json:"changed"`
}

func (s *RunStats) Add(h TableHash) {
	s.TotalRows += h.Rows
	s.QueryTime += h.QueryTime
	s.HashTime += h.HashTime
}

type TableStatus string

const (
	TableUnchanged TableStatus = "unchanged"
	TableChanged   TableStatus = "changed"
	TableSkipped   TableStatus = "skipped"
	TableFailed    TableStatus = "failed"
)

// TableResult records what happened to one table during a run.
type TableResult struct {
	Table        string        `json:"table"`
	Status       TableStatus   `json:"status"`
	PreviousHash string        `json:"previous_hash,omitempty"`
	CurrentHash  string        `json:"current_hash,omitempty"`
	Rows         int64         `json:"rows"`
	Elapsed      time.Duration `json:"elapsed"`
	Err          error         `json:"-"`
	Error        string        `json:"error,omitempty"`
}

// RunReport summarises a complete detection run.
type RunReport struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Development bool          `json:"development"`
	Stats       RunStats      `json:"stats"`
	Removed     []string      `json:"removed"`
	Retained    []string      `json:"retained"`
	Results     []TableResult `json:"results"`
}

// TrimResult names orphaned change records. Retained is filled instead of
// Removed when the records were only reported.
type TrimResult struct {
	Removed  []string `json:"removed"`
	Retained []string `json:"retained"`
}

func (r *RunReport) Changed() []string {
	return r.withStatus(TableChanged)
}

func (r *RunReport) Failed() []string {
	return r.withStatus(TableFailed)
}

func (r *RunReport) Skipped() []string {
	return r.withStatus(TableSkipped)
}

func (r *RunReport) withStatus(status TableStatus) []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == status {
			out = append(out, res.Table)
		}
	}
	return out
}
