package engine

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var unsafeIdentChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// quoteLiteral quotes a string literal, doubling embedded single quotes
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// quoteIdent quotes an identifier, doubling embedded double quotes
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func readParquet(path string) string {
	return "SELECT * FROM read_parquet(" + quoteLiteral(path) + ")"
}

func unionAll(paths []string) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = readParquet(p)
	}
	return strings.Join(parts, " UNION ALL ")
}

func copyToJSON(query, dest string) string {
	return "COPY (" + query + ") TO " + quoteLiteral(dest) + " (FORMAT JSON, ARRAY true)"
}

func countOf(query string) string {
	return "SELECT COUNT(*) FROM (" + query + ")"
}

func createStaging(table, firstPath string) string {
	return "CREATE TEMP TABLE " + quoteIdent(table) + " AS " + readParquet(firstPath)
}

func insertInto(table, path string) string {
	return "INSERT INTO " + quoteIdent(table) + " " + readParquet(path)
}

func selectAll(table string) string {
	return "SELECT * FROM " + quoteIdent(table)
}

func dropTable(table string) string {
	return "DROP TABLE IF EXISTS " + quoteIdent(table)
}

// stagingTableName returns a table name unique to the run, category and call,
// so concurrent categories never collide
func stagingTableName(runID, category string) string {
	name := "staging_" + safeName(category)
	if runID != "" {
		name += "_" + safeName(runID)
	}
	return name + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// safeName reduces s to identifier-safe characters, bounded in length
func safeName(s string) string {
	s = unsafeIdentChars.ReplaceAllString(s, "_")
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "x"
	}
	return strings.ToLower(s)
}
