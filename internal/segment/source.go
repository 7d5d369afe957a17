package segment

import (
	"context"
	"encoding/json"
	"strings"
)

// Row is one audience member produced by a segment query.
type Row struct {
	SubjectID string
	Email     string
	Variables string // JSON
}

// Source executes a read-only segment query and returns audience rows.
// Implementations enforce the read-only guard and a statement timeout.
type Source interface {
	Query(ctx context.Context, query string) ([]Row, error)
	Close() error
}

// Accepted column aliases, checked in order.
var (
	idAliases    = []string{"id", "subject_id", "user_id", "external_id", "uid"}
	emailAliases = []string{"email", "email_address", "mail"}
	varAliases   = []string{"variables", "vars", "payload", "data", "attributes"}
)

// MapRows converts raw query results to audience rows using a tolerant
// column-name matcher. Rows missing an id or email are dropped.
func MapRows(columns []string, values [][]any) []Row {
	idIdx := matchColumn(columns, idAliases)
	emailIdx := matchColumn(columns, emailAliases)
	varIdx := matchColumn(columns, varAliases)

	if idIdx < 0 || emailIdx < 0 {
		return nil
	}

	rows := make([]Row, 0, len(values))
	for _, v := range values {
		subjectID := stringValue(v[idIdx])
		email := stringValue(v[emailIdx])
		if subjectID == "" || email == "" {
			continue
		}

		row := Row{SubjectID: subjectID, Email: email}
		if varIdx >= 0 {
			row.Variables = variablesJSON(v[varIdx])
		}
		if row.Variables == "" {
			// Fall back to exposing the remaining columns as variables
			row.Variables = rowVariables(columns, v, idIdx, emailIdx)
		}
		rows = append(rows, row)
	}

	return rows
}

func matchColumn(columns []string, aliases []string) int {
	for _, alias := range aliases {
		for i, col := range columns {
			if strings.EqualFold(strings.TrimSpace(col), alias) {
				return i
			}
		}
	}
	return -1
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return strings.Trim(string(data), `"`)
	}
}

func variablesJSON(v any) string {
	s := stringValue(v)
	if s == "" {
		return ""
	}
	if !json.Valid([]byte(s)) {
		return ""
	}
	return s
}

func rowVariables(columns []string, values []any, idIdx, emailIdx int) string {
	vars := map[string]string{}
	for i, col := range columns {
		if i == idIdx || i == emailIdx {
			continue
		}
		if s := stringValue(values[i]); s != "" {
			vars[strings.ToLower(col)] = s
		}
	}
	if len(vars) == 0 {
		return ""
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return ""
	}
	return string(data)
}
