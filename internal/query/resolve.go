// Package query implements the tabular query surface: a resolver that
// binds ns.name references to extension tables, and an executor that
// materializes the referenced tables into an embedded DuckDB instance and
// streams result pages back.
package query

import (
	"regexp"
	"strings"
)

// tableRef is one ns.name (or ns."expr") reference found in a statement.
type tableRef struct {
	Namespace string
	Name      string // unquoted
	Quoted    bool
	Start     int // byte offsets into the masked statement
	End       int
}

var refPattern = regexp.MustCompile(
	`([A-Za-z_][A-Za-z0-9_]*)\s*\.\s*("(?:[^"]|"")*"|[A-Za-z_][A-Za-z0-9_]*)`)

// maskLiterals blanks out single-quoted SQL string literals so reference
// scanning never matches inside them. Offsets are preserved.
func maskLiterals(sql string) string {
	out := []byte(sql)
	inLit := false
	for i := 0; i < len(out); i++ {
		if out[i] == '\'' {
			inLit = !inLit
			continue
		}
		if inLit {
			out[i] = ' '
		}
	}
	return string(out)
}

// findRefs scans a statement for qualified table references. Qualified
// column references (alias.column) also match here; the resolver leaves
// any reference that no extension serves untouched.
func findRefs(sql string) []tableRef {
	masked := maskLiterals(sql)
	matches := refPattern.FindAllStringSubmatchIndex(masked, -1)
	refs := make([]tableRef, 0, len(matches))
	for _, m := range matches {
		ns := masked[m[2]:m[3]]
		raw := masked[m[4]:m[5]]
		ref := tableRef{Namespace: ns, Start: m[0], End: m[1]}
		if strings.HasPrefix(raw, `"`) {
			ref.Quoted = true
			// The mask replaces literal content, not quoted identifiers;
			// recover the original text from the unmasked statement.
			raw = sql[m[4]:m[5]]
			ref.Name = strings.ReplaceAll(raw[1:len(raw)-1], `""`, `"`)
		} else {
			ref.Name = raw
		}
		refs = append(refs, ref)
	}
	return refs
}

// rewrite replaces resolved references with their materialized temp-table
// names. Replacements run back to front so earlier offsets stay valid.
func rewrite(sql string, refs []tableRef, names map[int]string) string {
	for i := len(refs) - 1; i >= 0; i-- {
		name, ok := names[i]
		if !ok {
			continue
		}
		sql = sql[:refs[i].Start] + name + sql[refs[i].End:]
	}
	return sql
}

var predPattern = regexp.MustCompile(
	`(?i)([A-Za-z_][A-Za-z0-9_]*)\s*(>=|<=|!=|<>|=|<|>|\bLIKE\b)\s*('[^']*'|-?\d+(?:\.\d+)?)`)

// extractPredicates pulls simple conjunctive predicates out of the WHERE
// clause for pushdown. The executor treats these as hints only: DuckDB
// still applies the full predicate set to the materialized rows.
func extractPredicates(sql string) []predicate {
	upper := strings.ToUpper(maskLiterals(sql))
	idx := strings.Index(upper, " WHERE ")
	if idx < 0 {
		return nil
	}
	clause := sql[idx+len(" WHERE "):]
	if or := strings.Index(strings.ToUpper(maskLiterals(clause)), " OR "); or >= 0 {
		// Disjunctions cannot be pushed down as conjunctive filters.
		return nil
	}
	matches := predPattern.FindAllStringSubmatch(clause, -1)
	preds := make([]predicate, 0, len(matches))
	for _, m := range matches {
		operand := m[3]
		if strings.HasPrefix(operand, "'") {
			operand = operand[1 : len(operand)-1]
		}
		op := strings.ToUpper(m[2])
		if op == "<>" {
			op = "!="
		}
		preds = append(preds, predicate{Column: m[1], Op: op, Operand: operand})
	}
	return preds
}

type predicate struct {
	Column  string
	Op      string
	Operand string
}
