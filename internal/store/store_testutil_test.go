package store

import "strings"

// columnNames splits one of the package's column-list consts (as passed to
// SELECT/RETURNING) into the slice sqlmock.NewRows expects.
func columnNames(columns string) []string {
	fields := strings.Split(columns, ",")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.TrimSpace(f))
	}
	return out
}
