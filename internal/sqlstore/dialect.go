package sqlstore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// dialect captures the per-engine differences the store needs: driver name,
// identifier quoting, bind placeholders and row limiting.
type dialect struct {
	name        string
	driver      string
	quote       func(string) string
	placeholder func(n int) string
	maxSegments int
}

var (
	mysqlDialect = dialect{
		name:        "mysql",
		driver:      "mysql",
		quote:       func(s string) string { return "`" + s + "`" },
		placeholder: func(int) string { return "?" },
		maxSegments: 2,
	}
	postgresDialect = dialect{
		name:        "postgres",
		driver:      "postgres",
		quote:       func(s string) string { return `"` + s + `"` },
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		maxSegments: 2,
	}
	sqlserverDialect = dialect{
		name:        "sqlserver",
		driver:      "sqlserver",
		quote:       func(s string) string { return "[" + s + "]" },
		placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
		maxSegments: 2,
	}
)

func dialectFor(kind string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "mysql":
		return mysqlDialect, nil
	case "postgres", "postgresql":
		return postgresDialect, nil
	case "mssql", "sqlserver":
		return sqlserverDialect, nil
	case "":
		return dialect{}, errors.New("connection type is required")
	default:
		return dialect{}, fmt.Errorf("unsupported database type %q", kind)
	}
}

// limit appends the engine's row limit to a query that already ends in ORDER BY.
func (d dialect) limit(query string, n int) string {
	if n <= 0 {
		return query
	}
	if d.name == "sqlserver" {
		return query + " OFFSET 0 ROWS FETCH NEXT " + strconv.Itoa(n) + " ROWS ONLY"
	}
	return query + " LIMIT " + strconv.Itoa(n)
}

// binds returns "p1, p2, ..., pn" for the dialect starting at position from.
func (d dialect) binds(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func splitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

func (d dialect) quoteQualified(ident string) (string, error) {
	parts, err := splitIdentifier(ident)
	if err != nil {
		return "", err
	}
	if d.maxSegments > 0 && len(parts) > d.maxSegments {
		return "", fmt.Errorf("identifier %q has too many segments", ident)
	}
	for i, part := range parts {
		parts[i] = d.quote(part)
	}
	return strings.Join(parts, "."), nil
}
