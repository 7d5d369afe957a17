package segment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyQuery       = errors.New("segment query is empty")
	ErrMultipleStmts    = errors.New("segment query must be a single statement")
	ErrNotReadOnly      = errors.New("segment query must be a read-only SELECT")
	ErrForbiddenKeyword = errors.New("segment query contains a forbidden keyword")
)

// Keywords that must not appear anywhere in a segment query. The guard is
// deliberately blunt: connectors are expected to use read-only credentials,
// this is a second fence.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "grant", "revoke", "merge", "exec", "execute",
	"call", "copy", "vacuum", "attach", "pragma",
}

var wordPattern = regexp.MustCompile(`[a-z_]+`)

// ValidateReadOnly checks that a segment query is a single SELECT (or CTE)
// statement with no DML/DDL keywords.
func ValidateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return ErrEmptyQuery
	}

	// A single trailing semicolon is tolerated
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return ErrMultipleStmts
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return ErrNotReadOnly
	}

	for _, word := range wordPattern.FindAllString(lower, -1) {
		for _, kw := range forbiddenKeywords {
			if word == kw {
				return fmt.Errorf("%w: %s", ErrForbiddenKeyword, kw)
			}
		}
	}

	return nil
}
