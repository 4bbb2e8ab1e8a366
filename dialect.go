package main

import (
	"fmt"
	"sort"
	"strings"
)

// Dialect defines the contract for database-specific behavior of the SQL gateway.
// Each supported database (PostgreSQL, MySQL, SQLite) implements this interface.
type Dialect interface {
	// Name returns the backend name used in configuration (e.g., "postgres").
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// BuildDSN constructs a DSN from environment variables.
	BuildDSN() (string, error)

	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string

	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string

	// ListTablesQuery returns the SQL query and arguments to list the tables of a schema.
	ListTablesQuery(schema string) (string, []any)

	// ContainsClause returns a predicate testing that column contains the JSON
	// document bound at placeholder. ok is false when the database has no such operator.
	ContainsClause(column, placeholder string) (clause string, ok bool)

	// SupportsReturning reports whether INSERT/UPDATE accept RETURNING *.
	SupportsReturning() bool

	// DefaultValuesClause is the INSERT tail used when a row has no columns.
	DefaultValuesClause() string

	// Lexer describes how string literals and comments are written.
	Lexer() SQLLexer

	// GuardRules returns the dialect-specific read-only rules.
	GuardRules() []guardRule
}

// dialectFor returns the dialect registered under a backend name.
func dialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres":
		return &PostgresDialect{}, nil
	case "mysql":
		return &MySQLDialect{}, nil
	case "sqlite":
		return &SQLiteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", name)
	}
}

// quoteQualified quotes every dot-separated part of a possibly schema-qualified name.
func quoteQualified(d Dialect, name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// missingEnv returns the names whose values are empty, sorted.
func missingEnv(vars map[string]string) []string {
	var missing []string
	for name, v := range vars {
		if v == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func quoteWith(name string, q byte) string {
	s := string(q)
	return s + strings.ReplaceAll(name, s, s+s) + s
}

// SQLLexer controls which lexical forms StripLiterals recognizes.
type SQLLexer struct {
	HashComments     bool // # starts a line comment
	BackslashEscapes bool // \ escapes the next byte inside quoted strings
	DollarQuotes     bool // $tag$...$tag$ strings
	DoubleQuoteIsStr bool // "..." is a string literal rather than an identifier
	Backticks        bool // `ident`
	Brackets         bool // [ident]
}

// StripLiterals removes string literals and comments from SQL so keywords can be
// detected safely. Literals become '' (or ""), comments become a single space and
// quoted identifiers are kept verbatim.
func (l SQLLexer) StripLiterals(sql string) string {
	var result strings.Builder
	i := 0
	n := len(sql)

	skipLine := func() {
		for i < n && sql[i] != '\n' {
			i++
		}
		result.WriteByte(' ')
	}

	for i < n {
		c := sql[i]

		switch {
		case c == '-' && i+1 < n && sql[i+1] == '-':
			skipLine()
			continue

		case c == '#' && l.HashComments:
			skipLine()
			continue

		case c == '/' && i+1 < n && sql[i+1] == '*':
			i += 2
			for i+1 < n && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i += 2
			result.WriteByte(' ')
			continue

		case c == '$' && l.DollarQuotes:
			if end := strings.IndexByte(sql[i+1:], '$'); end >= 0 {
				tag := sql[i : i+end+2]
				if closeIdx := strings.Index(sql[i+len(tag):], tag); closeIdx >= 0 {
					i += len(tag) + closeIdx + len(tag)
					result.WriteString("''")
					continue
				}
			}

		case c == '\'' || (c == '"' && l.DoubleQuoteIsStr):
			i = l.skipQuoted(sql, i, c)
			result.WriteByte(c)
			result.WriteByte(c)
			continue

		case c == '"':
			i = copyIdent(&result, sql, i, '"', '"')
			continue

		case c == '`' && l.Backticks:
			i = copyIdent(&result, sql, i, '`', '`')
			continue

		case c == '[' && l.Brackets:
			i = copyIdent(&result, sql, i, '[', ']')
			continue
		}

		result.WriteByte(c)
		i++
	}

	return result.String()
}

// skipQuoted returns the index just past the string literal opened at sql[start].
func (l SQLLexer) skipQuoted(sql string, start int, q byte) int {
	n := len(sql)
	i := start + 1
	for i < n {
		switch {
		case sql[i] == q && i+1 < n && sql[i+1] == q:
			i += 2
		case sql[i] == q:
			return i + 1
		case sql[i] == '\\' && l.BackslashEscapes && i+1 < n:
			i += 2
		default:
			i++
		}
	}
	return n
}

// copyIdent writes the quoted identifier opened at sql[start] and returns the index past it.
// Doubled closing quotes are kept as part of the identifier.
func copyIdent(b *strings.Builder, sql string, start int, open, closing byte) int {
	n := len(sql)
	b.WriteByte(open)
	i := start + 1
	for i < n {
		if sql[i] == closing {
			if open == closing && i+1 < n && sql[i+1] == closing {
				b.WriteByte(closing)
				b.WriteByte(closing)
				i += 2
				continue
			}
			b.WriteByte(closing)
			return i + 1
		}
		b.WriteByte(sql[i])
		i++
	}
	return n
}
