package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
)

// Row is one table row as a column → value mapping.
type Row = map[string]any

// Gateway is the single handle to the remote database service. It owns the
// connectivity details; every tool goes through it.
type Gateway interface {
	// ListTables returns the table names of the given schema.
	ListTables(ctx context.Context, schema string) ([]string, error)

	// Select returns the rows of table matching every filter. A limit of 0 means no cap.
	Select(ctx context.Context, table string, filters []Filter, limit int) ([]Row, error)

	// Insert adds one row and returns the inserted representation.
	Insert(ctx context.Context, table string, row Row) ([]Row, error)

	// Update changes the row whose id column equals id and returns the updated representation.
	Update(ctx context.Context, table string, id any, data Row) ([]Row, error)

	// Delete removes the row whose id column equals id.
	Delete(ctx context.Context, table string, id any) error

	// RPC invokes a named remote procedure with named arguments.
	RPC(ctx context.Context, fn string, args map[string]any) (any, error)

	// Close releases the handle.
	Close() error
}

// OpenGateway builds the gateway selected by cfg.Backend.
func OpenGateway(cfg *Config) (Gateway, error) {
	timeout, err := cfg.RequestTimeout()
	if err != nil {
		return nil, err
	}

	if cfg.Backend == BackendREST {
		var client *http.Client
		if timeout > 0 {
			client = &http.Client{Timeout: timeout}
		}
		return NewRESTGateway(cfg.URL, cfg.APIKey, cfg.Schema, client), nil
	}

	d, err := dialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if dsn == "" {
		if dsn, err = d.BuildDSN(); err != nil {
			return nil, err
		}
	}
	return OpenSQLGateway(d, dsn, cfg.SQLFunction, timeout)
}

// idColumn is the column update_row and delete_row match on.
const idColumn = "id"

// ServiceError is a failure reported by the database service itself.
type ServiceError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("service returned status %d", e.Status)
}

// FilterOp is the comparison applied by a Filter.
type FilterOp int

const (
	OpEq       FilterOp = iota // column = value
	OpIs                       // column IS NULL
	OpIn                       // column is one of the listed values
	OpContains                 // column structurally contains value
)

func (op FilterOp) String() string {
	switch op {
	case OpIs:
		return "is"
	case OpIn:
		return "in"
	case OpContains:
		return "contains"
	default:
		return "eq"
	}
}

// ValueKind is the JSON kind of a decoded filter value.
type ValueKind int

const (
	KindScalar ValueKind = iota
	KindNull
	KindList
	KindObject
)

// kindOf classifies a value produced by encoding/json decoding into any.
func kindOf(v any) ValueKind {
	switch v.(type) {
	case nil:
		return KindNull
	case []any:
		return KindList
	case map[string]any:
		return KindObject
	default:
		return KindScalar
	}
}

// Filter is one column comparison of a select.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// buildFilters turns the flat filters mapping into comparisons, choosing the
// operator from the value's kind: null is a null check, a list is a membership
// test, an object is a containment match and anything else is equality.
func buildFilters(filters map[string]any) []Filter {
	columns := make([]string, 0, len(filters))
	for col := range filters {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	out := make([]Filter, 0, len(columns))
	for _, col := range columns {
		v := filters[col]
		f := Filter{Column: col, Value: v}
		switch kindOf(v) {
		case KindNull:
			f.Op = OpIs
		case KindList:
			f.Op = OpIn
		case KindObject:
			f.Op = OpContains
		default:
			f.Op = OpEq
		}
		out = append(out, f)
	}
	return out
}

// formatScalar renders a scalar the way it reads in JSON, without quotes for strings.
func formatScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		return fmt.Sprint(t)
	}
}
