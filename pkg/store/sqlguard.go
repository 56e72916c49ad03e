package store

import (
	"regexp"
	"strings"

	"github.com/essfleet/hbgate/pkg/util"
)

// writeWords rejects a query containing any write or DDL keyword as a
// whole word, case-insensitively. String literals are not parsed; this
// is a hard filter on untrusted-ish input from the local UI, not a
// security boundary.
var writeWords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter|grant|revoke|execute|create)\b`)

// ValidateReadOnly enforces the browser query rules: must start with
// SELECT or WITH, no write keywords anywhere, and nothing after a
// terminating semicolon.
func ValidateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return util.NewQueryError("empty query")
	}

	first := strings.ToUpper(strings.Fields(trimmed)[0])
	if first != "SELECT" && first != "WITH" {
		return util.NewQueryError("only SELECT and WITH queries are allowed")
	}

	if m := writeWords.FindString(trimmed); m != "" {
		return util.NewQueryError("forbidden keyword " + strings.ToUpper(m))
	}

	if i := strings.Index(trimmed, ";"); i >= 0 {
		if strings.TrimSpace(trimmed[i+1:]) != "" {
			return util.NewQueryError("multiple statements are not allowed")
		}
	}
	return nil
}
