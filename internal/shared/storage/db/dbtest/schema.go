// Package dbtest lets repository tests check their SQL against the migrated schema.
package dbtest

import (
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"

	"grantmatch-backend/internal/shared/storage/db/migrations"
)

// Schema maps table name to its column set after every Up migration has run.
type Schema map[string]map[string]bool

var (
	createTableRe = regexp.MustCompile(`(?is)CREATE TABLE (?:IF NOT EXISTS )?(\w+) \((.*?)\n\);`)
	addColumnRe   = regexp.MustCompile(`(?i)ALTER TABLE (\w+) ADD COLUMN (?:IF NOT EXISTS )?(\w+)`)
	dropColumnRe  = regexp.MustCompile(`(?i)ALTER TABLE (\w+) DROP COLUMN (?:IF EXISTS )?(\w+)`)
	columnLineRe  = regexp.MustCompile(`^\s*(\w+)\s`)
	identRe       = regexp.MustCompile(`\b[a-z]+(?:_[a-z]+)+\b`)
	literalRe     = regexp.MustCompile(`'[^']*'`)
	rawLiteralRe  = regexp.MustCompile("`[^`]*`")
)

// LoadSchema replays the Up sections of the embedded migrations in order.
func LoadSchema(t testing.TB) Schema {
	t.Helper()
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	sort.Strings(files)

	schema := Schema{}
	for _, name := range files {
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		up := string(body)
		if i := strings.Index(up, "-- +goose Down"); i >= 0 {
			up = up[:i]
		}
		for _, m := range createTableRe.FindAllStringSubmatch(up, -1) {
			cols := map[string]bool{}
			for _, line := range strings.Split(m[2], "\n") {
				if c := columnLineRe.FindStringSubmatch(line); c != nil {
					cols[strings.ToLower(c[1])] = true
				}
			}
			schema[strings.ToLower(m[1])] = cols
		}
		for _, m := range addColumnRe.FindAllStringSubmatch(up, -1) {
			table := strings.ToLower(m[1])
			if schema[table] == nil {
				t.Fatalf("%s alters unknown table %s", name, table)
			}
			schema[table][strings.ToLower(m[2])] = true
		}
		for _, m := range dropColumnRe.FindAllStringSubmatch(up, -1) {
			delete(schema[strings.ToLower(m[1])], strings.ToLower(m[2]))
		}
	}
	return schema
}

// Columns returns the snake_case identifiers a query refers to, ignoring quoted literals.
// Single-word columns such as id or status are not reported.
func Columns(query string) []string {
	query = literalRe.ReplaceAllString(query, "")
	seen := map[string]bool{}
	var out []string
	for _, id := range identRe.FindAllString(query, -1) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// QueriesInFile returns the raw string literals of a Go source file. Repository files keep their
// SQL in raw literals, so these are the queries and column lists to check.
func QueriesInFile(t testing.TB, path string) []string {
	t.Helper()
	src, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out []string
	for _, lit := range rawLiteralRe.FindAllString(string(src), -1) {
		out = append(out, strings.Trim(lit, "`"))
	}
	return out
}

// RequireColumns fails the test when a query names something that is neither a column of one of
// the tables nor a table.
func (s Schema) RequireColumns(t testing.TB, tables []string, queries ...string) {
	t.Helper()
	for _, table := range tables {
		if _, ok := s[table]; !ok {
			t.Fatalf("no migration creates table %s", table)
		}
	}
	for _, q := range queries {
		for _, c := range Columns(q) {
			if _, isTable := s[c]; isTable {
				continue
			}
			found := false
			for _, table := range tables {
				if s[table][c] {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("query uses column %s, which no migration adds to %v:\n%s", c, tables, q)
			}
		}
	}
}
