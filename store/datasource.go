package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrQueryUnsupported is returned by data sources that cannot run raw queries.
var ErrQueryUnsupported = errors.New("store: raw queries are not supported")

// MemoryDataSource is an in-process table store for database and crud nodes.
// Rows are matched by equality on every filter column.
type MemoryDataSource struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

// NewMemoryDataSource creates an empty data source.
func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{tables: make(map[string][]map[string]any)}
}

// Seed replaces the contents of a table.
func (m *MemoryDataSource) Seed(table string, rows ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = nil
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], copyRow(r))
	}
}

func (m *MemoryDataSource) Query(context.Context, string, ...any) ([]map[string]any, error) {
	return nil, ErrQueryUnsupported
}

func (m *MemoryDataSource) Insert(_ context.Context, table string, values map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := copyRow(values)
	m.tables[table] = append(m.tables[table], row)
	return copyRow(row), nil
}

func (m *MemoryDataSource) Select(_ context.Context, table string, filter map[string]any) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, r := range m.tables[table] {
		if matches(r, filter) {
			out = append(out, copyRow(r))
		}
	}
	return out, nil
}

func (m *MemoryDataSource) Update(_ context.Context, table string, filter, values map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.tables[table] {
		if matches(r, filter) {
			for k, v := range values {
				r[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (m *MemoryDataSource) Delete(_ context.Context, table string, filter map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	kept := rows[:0]
	for _, r := range rows {
		if !matches(r, filter) {
			kept = append(kept, r)
		}
	}
	n := int64(len(rows) - len(kept))
	m.tables[table] = kept
	return n, nil
}

func matches(row, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func copyRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PostgresDataSource runs database and crud nodes against PostgreSQL. Table
// and column names are quoted as identifiers; values are always bound.
type PostgresDataSource struct {
	db *pgxpool.Pool
}

// NewPostgresDataSource creates a data source over an open pool.
func NewPostgresDataSource(db *pgxpool.Pool) *PostgresDataSource {
	return &PostgresDataSource{db: db}
}

func (p *PostgresDataSource) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return p.collect(ctx, query, args...)
}

func (p *PostgresDataSource) Insert(ctx context.Context, table string, values map[string]any) (map[string]any, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("insert into %s: no values", table)
	}
	cols := sortedKeys(values)
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = pgx.Identifier{c}.Sanitize()
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		tableIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "))
	rows, err := p.collect(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s: no row returned", table)
	}
	return rows[0], nil
}

func (p *PostgresDataSource) Select(ctx context.Context, table string, filter map[string]any) ([]map[string]any, error) {
	where, args := whereClause(filter, 1)
	return p.collect(ctx, "SELECT * FROM "+tableIdent(table)+where, args...)
}

func (p *PostgresDataSource) Update(ctx context.Context, table string, filter, values map[string]any) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	cols := sortedKeys(values)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
		args = append(args, values[c])
	}
	where, whereArgs := whereClause(filter, len(cols)+1)
	args = append(args, whereArgs...)
	tag, err := p.db.Exec(ctx, "UPDATE "+tableIdent(table)+" SET "+strings.Join(sets, ", ")+where, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresDataSource) Delete(ctx context.Context, table string, filter map[string]any) (int64, error) {
	where, args := whereClause(filter, 1)
	tag, err := p.db.Exec(ctx, "DELETE FROM "+tableIdent(table)+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresDataSource) collect(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	return out, nil
}

// tableIdent quotes a possibly schema-qualified table name.
func tableIdent(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func whereClause(filter map[string]any, first int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	cols := sortedKeys(filter)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		conds[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), first+i)
		args[i] = filter[c]
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
