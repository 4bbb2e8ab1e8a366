package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	_ "github.com/lib/pq"
)

// PostgresDialect implements Dialect for PostgreSQL, including the database
// behind a hosted project when reached directly.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "postgres" }

func (d *PostgresDialect) BuildDSN() (string, error) {
	host := os.Getenv("MCP_PG_HOST")
	port := os.Getenv("MCP_PG_PORT")
	db := os.Getenv("MCP_PG_DB")
	user := os.Getenv("MCP_PG_USER")
	password := os.Getenv("MCP_PG_PASSWORD")
	sslmode := os.Getenv("MCP_PG_SSLMODE")
	if sslmode == "" {
		sslmode = "require"
	}

	missing := missingEnv(map[string]string{
		"MCP_PG_HOST":     host,
		"MCP_PG_PORT":     port,
		"MCP_PG_DB":       db,
		"MCP_PG_USER":     user,
		"MCP_PG_PASSWORD": password,
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variables: %v", missing)
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.PathEscape(user), url.PathEscape(password), host, port, db, sslmode), nil
}

func (d *PostgresDialect) QuoteIdent(name string) string { return quoteWith(name, '"') }

func (d *PostgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (d *PostgresDialect) ListTablesQuery(schema string) (string, []any) {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name`,
		[]any{schema}
}

func (d *PostgresDialect) ContainsClause(column, placeholder string) (string, bool) {
	return column + " @> " + placeholder + "::jsonb", true
}

func (d *PostgresDialect) SupportsReturning() bool { return true }

func (d *PostgresDialect) DefaultValuesClause() string { return "DEFAULT VALUES" }

// Lexer: no # comments, no backslash escaping by default, $$ dollar-quoted strings.
func (d *PostgresDialect) Lexer() SQLLexer {
	return SQLLexer{DollarQuotes: true}
}

var postgresGuardRules = concatRules(
	[]guardRule{
		patternRule(`(?i)\bCOPY\s+.*\bTO\b`, matchRaw, "forbidden pattern: COPY ... TO"),
		patternRule(`(?i)\bCOPY\s+.*\bFROM\b`, matchRaw, "forbidden pattern: COPY ... FROM"),
	},
	functionRules(
		"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "lo_import", "lo_export",
		"pg_sleep", "pg_sleep_for", "pg_sleep_until",
		"pg_advisory_lock", "pg_advisory_xact_lock", "pg_try_advisory_lock",
	),
	keywordRules("CALL", "EXECUTE", "COPY", "LISTEN", "NOTIFY", "PREPARE", "DEALLOCATE", "VACUUM", "REINDEX", "CLUSTER"),
)

func (d *PostgresDialect) GuardRules() []guardRule { return postgresGuardRules }
