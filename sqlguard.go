package main

import (
	"fmt"
	"regexp"
	"strings"
)

// guardTarget selects which form of the query a rule is matched against.
type guardTarget int

const (
	matchRaw     guardTarget = iota // the query as written
	matchCleaned                    // the query with literals and comments stripped
)

// guardRule rejects queries matching re.
type guardRule struct {
	re     *regexp.Regexp
	target guardTarget
	reason string
}

func keywordRule(word string) guardRule {
	return guardRule{
		re:     regexp.MustCompile(`(?i)(?:^|[^a-zA-Z_])` + word + `(?:[^a-zA-Z_]|$)`),
		target: matchCleaned,
		reason: "forbidden keyword: " + word,
	}
}

func keywordRules(words ...string) []guardRule {
	rules := make([]guardRule, 0, len(words))
	for _, w := range words {
		rules = append(rules, keywordRule(w))
	}
	return rules
}

// functionRule blocks a call to name( anywhere in the raw query.
func functionRule(name string) guardRule {
	return guardRule{
		re:     regexp.MustCompile(`(?i)\b` + name + `\s*\(`),
		target: matchRaw,
		reason: "forbidden function: " + name + "()",
	}
}

func functionRules(names ...string) []guardRule {
	rules := make([]guardRule, 0, len(names))
	for _, n := range names {
		rules = append(rules, functionRule(n))
	}
	return rules
}

func patternRule(pattern string, target guardTarget, reason string) guardRule {
	return guardRule{re: regexp.MustCompile(pattern), target: target, reason: reason}
}

// commonGuardRules are DML/DDL keywords blocked for every dialect.
var commonGuardRules = append(
	keywordRules("INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE", "GRANT", "REVOKE"),
	patternRule(`(?i)(?:^|;)\s*SET\b`, matchCleaned, "SET statement"),
)

var readOnlyPrefixes = []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN"}

// QueryGuard rejects raw SQL that could modify data or stall the server.
type QueryGuard struct {
	lexer SQLLexer
	rules []guardRule
}

// NewQueryGuard returns a guard for the given dialect.
func NewQueryGuard(d Dialect) *QueryGuard {
	rules := make([]guardRule, 0, len(commonGuardRules)+len(d.GuardRules()))
	rules = append(rules, commonGuardRules...)
	rules = append(rules, d.GuardRules()...)
	return &QueryGuard{lexer: d.Lexer(), rules: rules}
}

// Check returns an error describing why query is not an allowed read-only statement.
func (g *QueryGuard) Check(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}

	if !hasReadOnlyPrefix(strings.ToUpper(trimmed)) {
		return fmt.Errorf("only SELECT, SHOW, DESCRIBE, and EXPLAIN queries are allowed")
	}

	cleaned := g.lexer.StripLiterals(query)

	if _, rest, found := strings.Cut(cleaned, ";"); found && strings.TrimSpace(rest) != "" {
		return fmt.Errorf("multiple statements are not allowed")
	}

	for _, r := range g.rules {
		subject := cleaned
		if r.target == matchRaw {
			subject = query
		}
		if r.re.MatchString(subject) {
			return fmt.Errorf("query contains %s", r.reason)
		}
	}
	return nil
}

func hasReadOnlyPrefix(upper string) bool {
	for _, p := range readOnlyPrefixes {
		if upper == p {
			return true
		}
		if strings.HasPrefix(upper, p) && len(upper) > len(p) && isSpace(upper[len(p)]) {
			return true
		}
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func concatRules(sets ...[]guardRule) []guardRule {
	var out []guardRule
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}
