package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CountRows returns the number of rows in table matching every filter column.
// Table and column names must be plain identifiers.
func (s *SQLiteStore) CountRows(ctx context.Context, table string, filters map[string]any) (int64, error) {
	if !identifierPattern.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}

	columns := make([]string, 0, len(filters))
	for column := range filters {
		if !identifierPattern.MatchString(column) {
			return 0, fmt.Errorf("invalid column name %q", column)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	query := "SELECT COUNT(*) FROM " + table
	args := make([]any, 0, len(columns))
	for i, column := range columns {
		if i == 0 {
			query += " WHERE"
		} else {
			query += " AND"
		}
		query += fmt.Sprintf(" %s = ?", column)
		args = append(args, filters[column])
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}
