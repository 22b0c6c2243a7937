package orm

import (
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavour a renderer targets.
type Dialect string

// Dialect constants
const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
	DialectPgSQL  Dialect = "pgsql"
	DialectMsSQL  Dialect = "mssql"
)

// SupportedDialects is a list of all supported database dialects
var SupportedDialects = []Dialect{
	DialectSQLite,
	DialectMySQL,
	DialectPgSQL,
	DialectMsSQL,
}

// IsDialectSupported checks if the given dialect is supported
func IsDialectSupported(dialect Dialect) bool {
	for _, d := range SupportedDialects {
		if d == dialect {
			return true
		}
	}
	return false
}

// ParseDialect maps a driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "postgres", "postgresql", "pgsql", "pg", "pgx":
		return DialectPgSQL, nil
	case "sqlserver", "mssql":
		return DialectMsSQL, nil
	}
	return "", NewError(ErrorTypeUnsupported, "unsupported driver: "+driver)
}

// Placeholder returns the bind parameter marker for the n-th argument (1-based).
func (d Dialect) Placeholder(n int) string {
	switch d {
	case DialectPgSQL:
		return "$" + strconv.Itoa(n)
	case DialectMsSQL:
		return "@p" + strconv.Itoa(n)
	}
	return "?"
}

// Quote quotes an identifier. Qualified names are quoted per part.
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		switch d {
		case DialectMySQL:
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		case DialectMsSQL:
			parts[i] = "[" + strings.ReplaceAll(p, "]", "]]") + "]"
		default:
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}

// SupportsReturning reports whether INSERT ... RETURNING is available.
func (d Dialect) SupportsReturning() bool {
	return d == DialectPgSQL || d == DialectSQLite
}

// SupportsForUpdate reports whether SELECT ... FOR UPDATE is available.
func (d Dialect) SupportsForUpdate() bool {
	return d == DialectPgSQL || d == DialectMySQL
}
