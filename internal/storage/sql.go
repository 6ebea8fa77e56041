package storage

import (
	"strconv"
	"strings"
)

func (s *Store) rebind(query string) string {
	return rebindQuery(s.driver, query)
}

// rebindQuery rewrites '?' placeholders into the '$n' form when the store
// runs on Postgres. SQLite takes the query as written. Only the subset of SQL
// used in this package is supported; in particular '?' inside single-quoted
// literals is left alone.
func rebindQuery(driver, query string) string {
	if driver != "pgx" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	arg := 1
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			if quoted && i+1 < len(query) && query[i+1] == '\'' {
				// Doubled quote inside a literal.
				b.WriteString("''")
				i++
				continue
			}
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(arg))
			arg++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
