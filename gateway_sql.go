package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Connection pool defaults
const (
	MaxConnectionsIdle = 5
	MaxConnectionsOpen = 10
)

// SQLGateway reaches the database directly through database/sql.
type SQLGateway struct {
	db          *sql.DB
	dialect     Dialect
	sqlFunction string
	timeout     time.Duration
}

// OpenSQLGateway opens a pool for dsn. The connection is not checked until the
// first tool call, like the REST gateway.
func OpenSQLGateway(d Dialect, dsn, sqlFunction string, timeout time.Duration) (*SQLGateway, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxIdleConns(MaxConnectionsIdle)
	db.SetMaxOpenConns(MaxConnectionsOpen)
	db.SetConnMaxLifetime(time.Hour)

	return NewSQLGateway(db, d, sqlFunction, timeout), nil
}

// NewSQLGateway wraps an already opened pool.
func NewSQLGateway(db *sql.DB, d Dialect, sqlFunction string, timeout time.Duration) *SQLGateway {
	return &SQLGateway{db: db, dialect: d, sqlFunction: sqlFunction, timeout: timeout}
}

func (g *SQLGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return context.WithCancel(ctx)
}

func (g *SQLGateway) ListTables(ctx context.Context, schema string) ([]string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	query, args := g.dialect.ListTablesQuery(schema)
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (g *SQLGateway) Select(ctx context.Context, table string, filters []Filter, limit int) ([]Row, error) {
	var b stmtBuilder
	b.d = g.dialect

	b.WriteString("SELECT * FROM ")
	b.WriteString(quoteQualified(g.dialect, table))
	if err := b.where(filters); err != nil {
		return nil, err
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}

	return g.query(ctx, b.String(), b.args...)
}

func (g *SQLGateway) Insert(ctx context.Context, table string, row Row) ([]Row, error) {
	var b stmtBuilder
	b.d = g.dialect

	cols := sortedKeys(row)
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteQualified(g.dialect, table))
	if len(cols) == 0 {
		b.WriteString(" " + g.dialect.DefaultValuesClause())
	} else {
		quoted := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = g.dialect.QuoteIdent(c)
			marks[i] = b.bind(row[c])
		}
		fmt.Fprintf(&b, " (%s) VALUES (%s)", strings.Join(quoted, ", "), strings.Join(marks, ", "))
	}

	if g.dialect.SupportsReturning() {
		b.WriteString(" RETURNING *")
		return g.query(ctx, b.String(), b.args...)
	}

	res, err := g.exec(ctx, b.String(), b.args...)
	if err != nil {
		return nil, err
	}
	id, ok := row[idColumn]
	if !ok {
		lastID, err := res.LastInsertId()
		if err != nil || lastID == 0 {
			return []Row{row}, nil
		}
		id = lastID
	}
	return g.Select(ctx, table, []Filter{{Column: idColumn, Op: OpEq, Value: id}}, 0)
}

func (g *SQLGateway) Update(ctx context.Context, table string, id any, data Row) ([]Row, error) {
	cols := sortedKeys(data)
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns to update")
	}

	var b stmtBuilder
	b.d = g.dialect

	b.WriteString("UPDATE ")
	b.WriteString(quoteQualified(g.dialect, table))
	b.WriteString(" SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(g.dialect.QuoteIdent(c) + " = " + b.bind(data[c]))
	}
	b.WriteString(" WHERE " + g.dialect.QuoteIdent(idColumn) + " = " + b.bind(id))

	if g.dialect.SupportsReturning() {
		b.WriteString(" RETURNING *")
		return g.query(ctx, b.String(), b.args...)
	}

	if _, err := g.exec(ctx, b.String(), b.args...); err != nil {
		return nil, err
	}
	if newID, ok := data[idColumn]; ok {
		id = newID
	}
	return g.Select(ctx, table, []Filter{{Column: idColumn, Op: OpEq, Value: id}}, 0)
}

func (g *SQLGateway) Delete(ctx context.Context, table string, id any) error {
	var b stmtBuilder
	b.d = g.dialect

	b.WriteString("DELETE FROM ")
	b.WriteString(quoteQualified(g.dialect, table))
	b.WriteString(" WHERE " + g.dialect.QuoteIdent(idColumn) + " = " + b.bind(id))

	_, err := g.exec(ctx, b.String(), b.args...)
	return err
}

// RPC only serves the raw SQL function: its query argument is run as-is and
// the resulting rows are returned as a list of objects.
func (g *SQLGateway) RPC(ctx context.Context, fn string, args map[string]any) (any, error) {
	if fn != g.sqlFunction {
		return nil, fmt.Errorf("function %q is not available on the %s backend", fn, g.dialect.Name())
	}
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("missing query argument")
	}
	return g.query(ctx, query)
}

func (g *SQLGateway) Close() error {
	return g.db.Close()
}

func (g *SQLGateway) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.db.ExecContext(ctx, query, args...)
}

func (g *SQLGateway) query(ctx context.Context, query string, args ...any) ([]Row, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// scanRows reads every row into a column → value mapping.
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	results := []Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row %d: %w", len(results)+1, err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			// Convert []byte to string for JSON serialization
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return results, nil
}

// stmtBuilder accumulates SQL text and its bind arguments.
type stmtBuilder struct {
	strings.Builder
	d    Dialect
	args []any
}

// bind records v as the next argument and returns its placeholder.
func (b *stmtBuilder) bind(v any) string {
	b.args = append(b.args, bindValue(v))
	return b.d.Placeholder(len(b.args))
}

func (b *stmtBuilder) where(filters []Filter) error {
	for i, f := range filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}

		col := b.d.QuoteIdent(f.Column)
		switch f.Op {
		case OpIs:
			b.WriteString(col + " IS NULL")
		case OpIn:
			values, _ := f.Value.([]any)
			if len(values) == 0 {
				b.WriteString("1 = 0")
				continue
			}
			marks := make([]string, len(values))
			for j, v := range values {
				marks[j] = b.bind(v)
			}
			b.WriteString(col + " IN (" + strings.Join(marks, ", ") + ")")
		case OpContains:
			clause, ok := b.d.ContainsClause(col, b.bind(f.Value))
			if !ok {
				return fmt.Errorf("containment filters are not supported by the %s backend", b.d.Name())
			}
			b.WriteString(clause)
		default:
			b.WriteString(col + " = " + b.bind(f.Value))
		}
	}
	return nil
}

// bindValue converts decoded JSON into driver arguments: integral numbers become
// int64 and nested documents are passed as JSON text.
func bindValue(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
