package main

import (
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLDialect implements Dialect for MySQL databases.
type MySQLDialect struct{}

func (d *MySQLDialect) Name() string       { return "mysql" }
func (d *MySQLDialect) DriverName() string { return "mysql" }

func (d *MySQLDialect) BuildDSN() (string, error) {
	host := os.Getenv("MCP_MYSQL_HOST")
	port := os.Getenv("MCP_MYSQL_PORT")
	db := os.Getenv("MCP_MYSQL_DB")
	user := os.Getenv("MCP_MYSQL_USER")
	password := os.Getenv("MCP_MYSQL_PASSWORD")

	missing := missingEnv(map[string]string{
		"MCP_MYSQL_HOST":     host,
		"MCP_MYSQL_PORT":     port,
		"MCP_MYSQL_DB":       db,
		"MCP_MYSQL_USER":     user,
		"MCP_MYSQL_PASSWORD": password,
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variables: %v", missing)
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s", user, password, host, port, db), nil
}

func (d *MySQLDialect) QuoteIdent(name string) string { return quoteWith(name, '`') }

func (d *MySQLDialect) Placeholder(int) string { return "?" }

// ListTablesQuery maps the default schema to the connection's current database,
// since MySQL has no "public" schema.
func (d *MySQLDialect) ListTablesQuery(schema string) (string, []any) {
	if schema == "" || schema == defaultSchema {
		return `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`, nil
	}
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = ? ORDER BY table_name`,
		[]any{schema}
}

func (d *MySQLDialect) ContainsClause(column, placeholder string) (string, bool) {
	return "JSON_CONTAINS(" + column + ", " + placeholder + ")", true
}

func (d *MySQLDialect) SupportsReturning() bool { return false }

func (d *MySQLDialect) DefaultValuesClause() string { return "() VALUES ()" }

// Lexer: # comments, backtick identifiers, backslash escaping in strings and
// double quotes as string delimiters.
func (d *MySQLDialect) Lexer() SQLLexer {
	return SQLLexer{HashComments: true, BackslashEscapes: true, DoubleQuoteIsStr: true, Backticks: true}
}

var mysqlGuardRules = concatRules(
	[]guardRule{
		patternRule(`(?i)\bINTO\s+OUTFILE\b`, matchRaw, "forbidden pattern: INTO OUTFILE"),
		patternRule(`(?i)\bINTO\s+DUMPFILE\b`, matchRaw, "forbidden pattern: INTO DUMPFILE"),
		patternRule(`(?i)\bINTO\s+@`, matchRaw, "forbidden pattern: INTO @variable"),
	},
	functionRules(
		"LOAD_FILE", "SLEEP", "BENCHMARK", "GET_LOCK", "RELEASE_LOCK", "IS_FREE_LOCK", "IS_USED_LOCK",
		"WAIT_FOR_EXECUTED_GTID_SET", "WAIT_UNTIL_SQL_THREAD_AFTER_GTIDS", "MASTER_POS_WAIT", "SOURCE_POS_WAIT",
	),
	keywordRules("CALL", "EXEC", "EXECUTE", "REPLACE", "LOAD", "HANDLER", "RENAME"),
)

func (d *MySQLDialect) GuardRules() []guardRule { return mysqlGuardRules }
