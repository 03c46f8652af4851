package db

import (
	"strconv"
	"strings"
)

// Dialect adapts the `?` placeholder queries used throughout cadence to the
// connected driver.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// String implements fmt.Stringer
func (d Dialect) String() string {
	if d == DialectPostgres {
		return DriverPostgres
	}
	return DriverSQLite
}

// Rebind rewrites `?` placeholders to `$1..$n` for postgres. Question marks
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
