package segment

import (
	"encoding/json"
	"testing"
)

func TestMapRowsAliasMatching(t *testing.T) {
	rows := MapRows(
		[]string{"user_id", "Email_Address", "plan"},
		[][]any{
			{"u1", "a@example.com", "pro"},
			{[]byte("u2"), []byte("b@example.com"), nil},
		},
	)

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].SubjectID != "u1" || rows[0].Email != "a@example.com" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[1].SubjectID != "u2" {
		t.Errorf("byte columns not converted: %+v", rows[1])
	}

	// The leftover column becomes a template variable.
	var vars map[string]string
	if err := json.Unmarshal([]byte(rows[0].Variables), &vars); err != nil {
		t.Fatalf("variables are not valid JSON: %v", err)
	}
	if vars["plan"] != "pro" {
		t.Errorf("expected plan variable, got %v", vars)
	}
	if rows[1].Variables != "" {
		t.Errorf("nil extras should produce no variables, got %q", rows[1].Variables)
	}
}

func TestMapRowsDropsIncompleteRows(t *testing.T) {
	rows := MapRows(
		[]string{"id", "email"},
		[][]any{
			{"u1", "a@example.com"},
			{"", "missing-id@example.com"},
			{"u3", ""},
			{nil, nil},
		},
	)

	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].SubjectID != "u1" {
		t.Errorf("wrong survivor: %+v", rows[0])
	}
}

func TestMapRowsRequiresIDAndEmail(t *testing.T) {
	if rows := MapRows([]string{"name", "email"}, [][]any{{"x", "a@example.com"}}); rows != nil {
		t.Errorf("expected nil without an id column, got %+v", rows)
	}
	if rows := MapRows([]string{"id", "name"}, [][]any{{"u1", "x"}}); rows != nil {
		t.Errorf("expected nil without an email column, got %+v", rows)
	}
}

func TestMapRowsExplicitVariablesColumn(t *testing.T) {
	rows := MapRows(
		[]string{"id", "email", "variables", "ignored"},
		[][]any{
			{"u1", "a@example.com", `{"name":"Ann"}`, "extra"},
			{"u2", "b@example.com", "not json", "extra"},
		},
	)

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Variables != `{"name":"Ann"}` {
		t.Errorf("explicit variables column ignored: %q", rows[0].Variables)
	}
	// Invalid JSON in the variables column falls back to the extras map.
	var vars map[string]string
	if err := json.Unmarshal([]byte(rows[1].Variables), &vars); err != nil {
		t.Fatalf("fallback variables are not valid JSON: %v", err)
	}
	if vars["ignored"] != "extra" {
		t.Errorf("expected fallback variable, got %v", vars)
	}
}
