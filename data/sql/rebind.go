package sql

import (
	"strconv"
	"strings"
)

// Rebind rewrites "?" placeholders into the "$n" form Postgres expects. Question
// marks inside single-quoted literals are left alone.
func Rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)

	n := 0
	quoted := false
	for _, r := range q {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quoteStatuses(statuses []string) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + s + "'"
	}

	return strings.Join(quoted, ", ")
}
