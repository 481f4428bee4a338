// Package sqlq builds parameterized SQL statements from ordered
// (column, value) pairs. Values are always bound positionally; only
// validated identifiers are written into the statement text.
package sqlq

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mesh-intelligence/mirror/pkg/types"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether name is safe to write into a statement as a
// table, column, or savepoint name.
func ValidIdent(name string) bool {
	return identRe.MatchString(name)
}

func checkIdents(names ...string) error {
	for _, n := range names {
		if !ValidIdent(n) {
			return fmt.Errorf("%w: %q", types.ErrInvalidIdentifier, n)
		}
	}
	return nil
}

// Assignment is one column = value pair.
type Assignment struct {
	Column string
	Value  any
}

// Statement is a query text and its positional arguments.
type Statement struct {
	Query string
	Args  []any
}

// Placeholders returns n comma separated "?" markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// In returns "column IN (?, ...)" and the matching arguments.
func In[T any](column string, values []T) (string, []any, error) {
	if err := checkIdents(column); err != nil {
		return "", nil, err
	}
	if len(values) == 0 {
		return "", nil, types.ErrEmptyBatch
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return fmt.Sprintf("%s IN (%s)", column, Placeholders(len(values))), args, nil
}

// Update builds "UPDATE table SET a = ?, b = ? WHERE k1 = ? AND k2 = ?".
// Arguments follow the order of sets, then of where.
func Update(table string, sets []Assignment, where ...Assignment) (Statement, error) {
	if len(sets) == 0 || len(where) == 0 {
		return Statement{}, types.ErrEmptyBatch
	}
	if err := checkIdents(table); err != nil {
		return Statement{}, err
	}
	var b strings.Builder
	args := make([]any, 0, len(sets)+len(where))
	fmt.Fprintf(&b, "UPDATE %s SET ", table)
	for i, a := range sets {
		if err := checkIdents(a.Column); err != nil {
			return Statement{}, err
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = ?", a.Column)
		args = append(args, a.Value)
	}
	for i, w := range where {
		if err := checkIdents(w.Column); err != nil {
			return Statement{}, err
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = ?", w.Column)
		args = append(args, w.Value)
	}
	return Statement{Query: b.String(), Args: args}, nil
}

// Chunk splits values into consecutive slices of at most size elements.
// A size below one yields a single chunk.
func Chunk[T any](values []T, size int) [][]T {
	if len(values) == 0 {
		return nil
	}
	if size < 1 || size >= len(values) {
		return [][]T{values}
	}
	out := make([][]T, 0, (len(values)+size-1)/size)
	for len(values) > size {
		out = append(out, values[:size:size])
		values = values[size:]
	}
	return append(out, values)
}

// InsertBatches splits rows into InsertRows statements that each bind at
// most maxVars arguments. Run them in one transaction to keep the insert
// atomic.
func InsertBatches(table string, columns []string, rows [][]any, maxVars int) ([]Statement, error) {
	if len(columns) == 0 {
		return nil, types.ErrEmptyBatch
	}
	perStmt := maxVars / len(columns)
	if perStmt < 1 {
		return nil, fmt.Errorf("%w: %d columns exceed %d variables",
			types.ErrInvalidData, len(columns), maxVars)
	}
	chunks := Chunk(rows, perStmt)
	if len(chunks) == 0 {
		return nil, types.ErrEmptyBatch
	}
	stmts := make([]Statement, 0, len(chunks))
	for _, c := range chunks {
		st, err := InsertRows(table, columns, c)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, st)
	}
	return stmts, nil
}

// InsertRows builds one multi-row "INSERT INTO table (cols) VALUES (...), (...)".
// Every row must have exactly len(columns) values. Arguments are row-major.
func InsertRows(table string, columns []string, rows [][]any) (Statement, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return Statement{}, types.ErrEmptyBatch
	}
	if err := checkIdents(table); err != nil {
		return Statement{}, err
	}
	if err := checkIdents(columns...); err != nil {
		return Statement{}, err
	}
	group := "(" + Placeholders(len(columns)) + ")"
	groups := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(columns))
	for i, r := range rows {
		if len(r) != len(columns) {
			return Statement{}, fmt.Errorf("%w: row %d has %d values, want %d",
				types.ErrInvalidData, i, len(r), len(columns))
		}
		groups[i] = group
		args = append(args, r...)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(columns, ", "), strings.Join(groups, ", "))
	return Statement{Query: q, Args: args}, nil
}
