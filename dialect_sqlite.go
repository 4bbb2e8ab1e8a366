package main

import (
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// SQLiteDialect implements Dialect for SQLite database files.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) BuildDSN() (string, error) {
	dbPath := os.Getenv("MCP_SQLITE_PATH")
	if dbPath == "" {
		return "", fmt.Errorf("missing required environment variable: MCP_SQLITE_PATH")
	}
	return dbPath, nil
}

func (d *SQLiteDialect) QuoteIdent(name string) string { return quoteWith(name, '"') }

func (d *SQLiteDialect) Placeholder(int) string { return "?" }

// ListTablesQuery ignores the schema; SQLite has one namespace per file.
func (d *SQLiteDialect) ListTablesQuery(string) (string, []any) {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`, nil
}

// ContainsClause is unsupported: SQLite has no JSON containment operator.
func (d *SQLiteDialect) ContainsClause(string, string) (string, bool) { return "", false }

func (d *SQLiteDialect) SupportsReturning() bool { return true }

func (d *SQLiteDialect) DefaultValuesClause() string { return "DEFAULT VALUES" }

// Lexer: no # comments, no backslash escaping, backtick and [bracket] identifiers.
func (d *SQLiteDialect) Lexer() SQLLexer {
	return SQLLexer{Backticks: true, Brackets: true}
}

var sqliteGuardRules = concatRules(
	functionRules("load_extension", "writefile", "edit", "fts3_tokenizer"),
	keywordRules("REPLACE", "ATTACH", "DETACH", "REINDEX", "VACUUM"),
	[]guardRule{
		patternRule(`(?i)\bPRAGMA\s+\w+\s*=`, matchCleaned, "PRAGMA write"),
	},
)

func (d *SQLiteDialect) GuardRules() []guardRule { return sqliteGuardRules }
