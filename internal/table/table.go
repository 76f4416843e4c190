// Package table parses delimited files with a header row and joins them on shared columns.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrNoHeader is returned when the input has no header row.
	ErrNoHeader = errors.New("table: missing header row")

	// ErrDuplicateColumn is returned when a header names the same column twice.
	ErrDuplicateColumn = errors.New("table: duplicate column")
)

// Table is an in-memory delimited dataset. Every row has len(Columns) fields.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Parse reads a delimited dataset whose first record is the header.
func Parse(r io.Reader, comma rune) (*Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = 0 // every record must match the header width

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, ErrNoHeader
		}
		return nil, fmt.Errorf("table: read header: %w", err)
	}

	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	seen := make(map[string]struct{}, len(header))
	for _, col := range header {
		if _, dup := seen[col]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, col)
		}
		seen[col] = struct{}{}
	}

	t := &Table{Columns: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("table: read record %d: %w", len(t.Rows)+1, err)
		}
		t.Rows = append(t.Rows, record)
	}
	return t, nil
}

// Encode writes the header followed by every row.
func (t *Table) Encode(w io.Writer, comma rune) error {
	writer := csv.NewWriter(w)
	writer.Comma = comma

	if err := writer.Write(t.Columns); err != nil {
		return fmt.Errorf("table: write header: %w", err)
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("table: write rows: %w", err)
	}
	return nil
}

// Index returns the position of col, or -1.
func (t *Table) Index(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// CommonColumns returns the columns present in both tables, in left's order.
func CommonColumns(left, right *Table) []string {
	var common []string
	for _, col := range left.Columns {
		if right.Index(col) >= 0 {
			common = append(common, col)
		}
	}
	return common
}

// InnerJoin pairs every row of left with every row of right whose values in
// the on columns are equal. The result holds left's columns followed by the
// columns of right that are not join keys. Row order follows left, then right.
func InnerJoin(left, right *Table, on []string) (*Table, error) {
	if len(on) == 0 {
		return nil, errors.New("table: join needs at least one column")
	}

	leftKeys, err := positions(left, on)
	if err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	rightKeys, err := positions(right, on)
	if err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}

	isKey := make(map[int]bool, len(rightKeys))
	for _, p := range rightKeys {
		isKey[p] = true
	}
	var rightExtra []int
	for i := range right.Columns {
		if !isKey[i] {
			rightExtra = append(rightExtra, i)
		}
	}

	out := &Table{Columns: make([]string, 0, len(left.Columns)+len(rightExtra))}
	out.Columns = append(out.Columns, left.Columns...)
	for _, i := range rightExtra {
		out.Columns = append(out.Columns, right.Columns[i])
	}

	index := make(map[string][]int, len(right.Rows))
	for i, row := range right.Rows {
		k := joinKey(row, rightKeys)
		index[k] = append(index[k], i)
	}

	for _, lrow := range left.Rows {
		for _, ri := range index[joinKey(lrow, leftKeys)] {
			rrow := right.Rows[ri]
			merged := make([]string, 0, len(out.Columns))
			merged = append(merged, lrow...)
			for _, i := range rightExtra {
				merged = append(merged, rrow[i])
			}
			out.Rows = append(out.Rows, merged)
		}
	}
	return out, nil
}

func positions(t *Table, cols []string) ([]int, error) {
	pos := make([]int, len(cols))
	for i, col := range cols {
		p := t.Index(col)
		if p < 0 {
			return nil, fmt.Errorf("table: unknown column %q", col)
		}
		pos[i] = p
	}
	return pos, nil
}

// joinKey length-prefixes each value so that no two distinct tuples collide.
func joinKey(row []string, pos []int) string {
	var b strings.Builder
	for _, p := range pos {
		v := row[p]
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}
