// Package sqlutil holds the small SQL-building helpers shared by the source
// and target stores: identifier quoting, per-driver parameter placeholders,
// and keyset-pagination predicates.
package sqlutil

import (
	"fmt"
	"strings"
)

// QuoteIdent double-quotes an identifier. Both supported engines accept
// standard double-quoted identifiers.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdents quotes a list of identifiers and joins them with commas
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// Placeholder returns the parameter placeholder for the given driver.
// PostgreSQL: $1, $2, ... SQLite/libsql: ?
func Placeholder(driver string, position int) string {
	if driver == "postgres" {
		return fmt.Sprintf("$%d", position)
	}
	return "?"
}

// KeysetPredicate builds a chained-comparison predicate selecting rows
// strictly after the given key, e.g. for key (a, b):
//
//	(a > ?) OR (a = ? AND b > ?)
//
// The chained form works on every supported engine, unlike row-value
// comparison. Returns the predicate and the arguments in placeholder order.
func KeysetPredicate(driver string, keyFields []string, keyValues []any, startPos int) (string, []any) {
	var clauses []string
	var args []any
	pos := startPos

	for i := range keyFields {
		var parts []string
		for j := 0; j < i; j++ {
			parts = append(parts, fmt.Sprintf("%s = %s", QuoteIdent(keyFields[j]), Placeholder(driver, pos)))
			args = append(args, keyValues[j])
			pos++
		}
		parts = append(parts, fmt.Sprintf("%s > %s", QuoteIdent(keyFields[i]), Placeholder(driver, pos)))
		args = append(args, keyValues[i])
		pos++
		clauses = append(clauses, "("+strings.Join(parts, " AND ")+")")
	}

	return "(" + strings.Join(clauses, " OR ") + ")", args
}
